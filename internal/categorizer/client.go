// Package categorizer assigns spending categories to expenses using the
// Anthropic API, learning from user corrections over time.
package categorizer

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/spendwise-app/spendwise/internal/config"
	"github.com/spendwise-app/spendwise/internal/model"
	"github.com/spendwise-app/spendwise/internal/resilience"
	"github.com/spendwise-app/spendwise/pkg/anthropic"
)

// Store is the persistence subset the categorizer depends on, satisfied by
// the full store implementation.
type Store interface {
	ListCategories(ctx context.Context) ([]model.Category, error)
	GetCategory(ctx context.Context, id string) (*model.Category, error)
	ListCorrectionsForMerchant(ctx context.Context, merchant string, limit int) ([]model.Correction, error)
	SaveCorrection(ctx context.Context, c *model.Correction) error
	RecordUsage(ctx context.Context, u *model.UsageRecord) error
	AggregateUsage(ctx context.Context) (*model.UsageTotals, error)
}

// UsageStats summarizes AI usage for the status surface.
type UsageStats struct {
	Calls          int     `json:"calls"`
	InputTokens    int64   `json:"input_tokens"`
	OutputTokens   int64   `json:"output_tokens"`
	CostUSD        float64 `json:"cost_usd"`
	Corrections    int     `json:"corrections"`
	AcceptanceRate float64 `json:"acceptance_rate"`
}

// Client defines the categorization operations used by processors and the
// HTTP surface.
type Client interface {
	// TestConnection reports whether the AI service is reachable and enabled.
	TestConnection(ctx context.Context) bool
	// CategorizeExpense asks the model for a category. It never falls back:
	// malformed responses and unknown category ids are errors.
	CategorizeExpense(ctx context.Context, req model.CategorizationRequest) (*model.CategorizationResult, error)
	// LearnFromCorrection records a user override as a correction signal fed
	// back into later categorization prompts.
	LearnFromCorrection(ctx context.Context, userID, originalID, correctedID string, req model.CategorizationRequest) error
	// VerifyAvailableModels lists models visible to the configured key.
	VerifyAvailableModels(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (*UsageStats, error)
}

// AnthropicCategorizer implements Client over pkg/anthropic.
type AnthropicCategorizer struct {
	ai      anthropic.Client
	store   Store
	cfg     config.AnthropicConfig
	breaker *resilience.CircuitBreaker
	folder  cases.Caser
}

// New creates an AnthropicCategorizer.
func New(ai anthropic.Client, st Store, cfg config.AnthropicConfig) *AnthropicCategorizer {
	return &AnthropicCategorizer{
		ai:    ai,
		store: st,
		cfg:   cfg,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("categorizer: circuit state change",
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
		folder: cases.Fold(),
	}
}

// TestConnection probes the API through the circuit breaker. Disabled config
// short-circuits to false without a network call.
func (c *AnthropicCategorizer) TestConnection(ctx context.Context) bool {
	if !c.cfg.Enabled || c.cfg.Key == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := c.ai.ListModels(ctx)
		return err
	})
	if err != nil {
		zap.L().Debug("categorizer: connectivity probe failed", zap.Error(err))
		return false
	}
	return true
}

func (c *AnthropicCategorizer) CategorizeExpense(ctx context.Context, req model.CategorizationRequest) (*model.CategorizationResult, error) {
	if !c.cfg.Enabled {
		return nil, eris.New("categorizer: AI disabled")
	}

	categories, err := c.store.ListCategories(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "categorizer: list categories")
	}
	if len(categories) == 0 {
		return nil, eris.New("categorizer: no categories defined")
	}

	// Replay recent corrections for this merchant as few-shot context.
	var corrections []model.Correction
	if req.Merchant != "" {
		corrections, err = c.store.ListCorrectionsForMerchant(ctx, c.normalizeMerchant(req.Merchant), fewShotLimit)
		if err != nil {
			zap.L().Warn("categorizer: load corrections failed", zap.Error(err))
			corrections = nil
		}
	}

	msgReq := anthropic.MessageRequest{
		Model:     c.cfg.Model,
		MaxTokens: 256,
		System:    anthropic.BuildCachedSystemBlocks(buildSystemPrompt(categories)),
		Messages: []anthropic.Message{
			{Role: "user", Content: buildUserPrompt(req, corrections, categories)},
		},
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	resp, err := resilience.ExecuteVal(callCtx, c.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return c.ai.CreateMessage(ctx, msgReq)
	})
	if err != nil {
		return nil, eris.Wrap(err, "categorizer: categorize expense")
	}

	c.recordUsage(ctx, resp, "categorize")

	result, err := parseResult(extractText(resp), categories)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("categorizer: expense categorized",
		zap.String("category_id", result.CategoryID),
		zap.Float64("confidence", result.Confidence),
	)
	return result, nil
}

// LearnFromCorrection persists the override so it surfaces as few-shot
// context in subsequent prompts for the same merchant.
func (c *AnthropicCategorizer) LearnFromCorrection(ctx context.Context, userID, originalID, correctedID string, req model.CategorizationRequest) error {
	if _, err := c.store.GetCategory(ctx, correctedID); err != nil {
		return eris.Wrapf(err, "categorizer: corrected category %s", correctedID)
	}

	correction := &model.Correction{
		UserID:              userID,
		Merchant:            c.normalizeMerchant(req.Merchant),
		Description:         req.Description,
		Amount:              req.Amount,
		OriginalCategoryID:  originalID,
		CorrectedCategoryID: correctedID,
	}
	if err := c.store.SaveCorrection(ctx, correction); err != nil {
		return eris.Wrap(err, "categorizer: save correction")
	}

	zap.L().Info("categorizer: correction recorded",
		zap.String("merchant", correction.Merchant),
		zap.String("from", originalID),
		zap.String("to", correctedID),
	)
	return nil
}

func (c *AnthropicCategorizer) VerifyAvailableModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	models, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) ([]anthropic.ModelInfo, error) {
		return c.ai.ListModels(ctx)
	})
	if err != nil {
		return nil, eris.Wrap(err, "categorizer: list models")
	}

	ids := make([]string, 0, len(models))
	found := false
	for _, m := range models {
		ids = append(ids, m.ID)
		if m.ID == c.cfg.Model {
			found = true
		}
	}
	if !found {
		zap.L().Warn("categorizer: configured model not in available list",
			zap.String("model", c.cfg.Model))
	}
	return ids, nil
}

func (c *AnthropicCategorizer) Stats(ctx context.Context) (*UsageStats, error) {
	totals, err := c.store.AggregateUsage(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "categorizer: aggregate usage")
	}

	stats := &UsageStats{
		Calls:        totals.Calls,
		InputTokens:  totals.InputTokens,
		OutputTokens: totals.OutputTokens,
		CostUSD:      totals.CostUSD,
		Corrections:  totals.Corrections,
	}
	if totals.Calls > 0 {
		stats.AcceptanceRate = 1 - float64(totals.Corrections)/float64(totals.Calls)
	}
	return stats, nil
}

func (c *AnthropicCategorizer) recordUsage(ctx context.Context, resp *anthropic.MessageResponse, operation string) {
	resp.Usage.LogCost(c.cfg.Model, operation)
	err := c.store.RecordUsage(ctx, &model.UsageRecord{
		Model:        c.cfg.Model,
		Operation:    operation,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD:      resp.Usage.EstimateCost(c.cfg.Model),
	})
	if err != nil {
		zap.L().Warn("categorizer: record usage failed", zap.Error(err))
	}
}

// normalizeMerchant case-folds and trims the merchant name so that
// "Chipotle", "CHIPOTLE " and "chipotle" collapse to one correction key.
func (c *AnthropicCategorizer) normalizeMerchant(merchant string) string {
	return c.folder.String(strings.TrimSpace(merchant))
}

func extractText(resp *anthropic.MessageResponse) string {
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}
