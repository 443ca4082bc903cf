// Package batch re-categorizes a user's expenses in bounded batches, only
// ever improving on stored confidence.
package batch

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/spendwise-app/spendwise/internal/cache"
	"github.com/spendwise-app/spendwise/internal/config"
	"github.com/spendwise-app/spendwise/internal/model"
)

// Resolver is the categorization decision point, satisfied by the shared
// resolver implementation.
type Resolver interface {
	Resolve(ctx context.Context, req model.CategorizationRequest) (*model.CategorizationResult, error)
}

// Store is the persistence subset the orchestrator uses.
type Store interface {
	ListExpensesForRecategorization(ctx context.Context, userID string, onlyLowConfidence bool, cutoff float64, limit int) ([]model.Expense, error)
	UpdateExpenseCategory(ctx context.Context, expenseID, categoryID string, confidence *float64) error
}

// Summary reports the outcome of one bulk run.
type Summary struct {
	Processed int `json:"processed"`
	Updated   int `json:"updated"`
	Failed    int `json:"failed"`
}

// Orchestrator drives bulk re-categorization.
type Orchestrator struct {
	resolver Resolver
	store    Store
	invalid  cache.Invalidator
	cfg      config.BatchConfig
}

// New creates an Orchestrator.
func New(resolver Resolver, st Store, invalid cache.Invalidator, cfg config.BatchConfig) *Orchestrator {
	if cfg.Size <= 0 {
		cfg.Size = 10
	}
	return &Orchestrator{resolver: resolver, store: st, invalid: invalid, cfg: cfg}
}

// Run re-categorizes up to limit of the user's expenses. Items are processed
// in batches of the configured size with a pause between batches so a large
// run cannot monopolize the AI budget. Failures are isolated per item. The
// user's cache is invalidated once, at the end, when anything changed.
func (o *Orchestrator) Run(ctx context.Context, userID string, limit int, onlyLowConfidence bool, progress func(pct int)) (*Summary, error) {
	expenses, err := o.store.ListExpensesForRecategorization(ctx, userID, onlyLowConfidence, o.cfg.LowConfidenceCutoff, limit)
	if err != nil {
		return nil, eris.Wrap(err, "batch: list candidates")
	}

	summary := &Summary{}
	if len(expenses) == 0 {
		if progress != nil {
			progress(100)
		}
		return summary, nil
	}

	// The limiter spaces batch starts; the first batch passes immediately.
	limiter := rate.NewLimiter(rate.Every(o.cfg.InterBatchDelay()), 1)

	total := len(expenses)
	for start := 0; start < total; start += o.cfg.Size {
		if err := limiter.Wait(ctx); err != nil {
			return summary, eris.Wrap(err, "batch: interrupted")
		}

		end := start + o.cfg.Size
		if end > total {
			end = total
		}
		o.runBatch(ctx, expenses[start:end], summary)

		if progress != nil {
			progress(end * 100 / total)
		}
	}

	if summary.Updated > 0 {
		o.invalid.InvalidateUser(ctx, userID)
	}

	zap.L().Info("batch: run finished",
		zap.String("user_id", userID),
		zap.Int("processed", summary.Processed),
		zap.Int("updated", summary.Updated),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

func (o *Orchestrator) runBatch(ctx context.Context, expenses []model.Expense, summary *Summary) {
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Size)

	for _, expense := range expenses {
		g.Go(func() error {
			updated, err := o.recategorize(gCtx, expense)

			mu.Lock()
			defer mu.Unlock()
			summary.Processed++
			if err != nil {
				summary.Failed++
				zap.L().Warn("batch: item failed",
					zap.String("expense_id", expense.ID),
					zap.Error(err),
				)
				return nil // isolate item failures
			}
			if updated {
				summary.Updated++
			}
			return nil
		})
	}
	_ = g.Wait()
}

// recategorize resolves a fresh category for one expense and writes it back
// only when the new confidence beats the stored one. A missing stored
// confidence counts as zero, so any real opinion wins.
func (o *Orchestrator) recategorize(ctx context.Context, expense model.Expense) (bool, error) {
	result, err := o.resolver.Resolve(ctx, model.CategorizationRequest{
		Description:   expense.Description,
		Merchant:      expense.Merchant,
		Amount:        expense.Amount,
		PaymentMethod: expense.PaymentMethod,
	})
	if err != nil {
		return false, err
	}

	previous := 0.0
	if expense.AIConfidence != nil {
		previous = *expense.AIConfidence
	}
	if result.Confidence <= previous {
		zap.L().Debug("batch: keeping existing assignment",
			zap.String("expense_id", expense.ID),
			zap.Float64("stored", previous),
			zap.Float64("new", result.Confidence),
		)
		return false, nil
	}

	if err := o.store.UpdateExpenseCategory(ctx, expense.ID, result.CategoryID, &result.Confidence); err != nil {
		return false, err
	}
	return true, nil
}
