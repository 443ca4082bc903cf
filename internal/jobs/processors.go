// Package jobs implements the queue processors for every job kind and the
// registry that wires them into the broker.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/spendwise-app/spendwise/internal/batch"
	"github.com/spendwise-app/spendwise/internal/cache"
	"github.com/spendwise-app/spendwise/internal/categorizer"
	"github.com/spendwise-app/spendwise/internal/config"
	"github.com/spendwise-app/spendwise/internal/email"
	"github.com/spendwise-app/spendwise/internal/model"
	"github.com/spendwise-app/spendwise/internal/resilience"
)

// Store is the persistence subset the processors write to.
type Store interface {
	UpdateExpenseCategory(ctx context.Context, expenseID, categoryID string, confidence *float64) error
	SaveReportArtifact(ctx context.Context, reportID, userID, path string) error
}

// Orchestrator runs bulk re-categorization, satisfied by the batch package.
type Orchestrator interface {
	Run(ctx context.Context, userID string, limit int, onlyLowConfidence bool, progress func(pct int)) (*batch.Summary, error)
}

// Renderer computes and writes report artifacts.
type Renderer interface {
	Summarize(ctx context.Context, userID string, from, to time.Time) ([]model.CategoryTotal, error)
	WriteArtifact(reportID, userID string, from, to time.Time, totals []model.CategoryTotal) (string, error)
}

// Processors holds the dependencies shared by all job handlers.
type Processors struct {
	client       categorizer.Client
	store        Store
	invalidator  cache.Invalidator
	orchestrator Orchestrator
	sender       email.Sender
	renderer     Renderer
	emailCfg     config.EmailConfig
}

// NewProcessors creates the handler set.
func NewProcessors(client categorizer.Client, st Store, invalidator cache.Invalidator, orchestrator Orchestrator, sender email.Sender, renderer Renderer, emailCfg config.EmailConfig) *Processors {
	return &Processors{
		client:       client,
		store:        st,
		invalidator:  invalidator,
		orchestrator: orchestrator,
		sender:       sender,
		renderer:     renderer,
		emailCfg:     emailCfg,
	}
}

// CategorizeExpense asks the AI for a category and persists the result. No
// fallback here: a failed call propagates so the queue's retry policy owns
// transient outages, and the expense keeps its provisional default category
// assigned at creation.
func (p *Processors) CategorizeExpense(ctx context.Context, job *model.Job, _ func(int)) error {
	var payload model.CategorizeExpensePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return resilience.NewPermanentError(eris.Wrap(err, "jobs: decode categorize payload"))
	}

	result, err := p.client.CategorizeExpense(ctx, payload.Request)
	if err != nil {
		return err
	}

	if err := p.store.UpdateExpenseCategory(ctx, payload.ExpenseID, result.CategoryID, &result.Confidence); err != nil {
		return err
	}
	p.invalidator.InvalidateUser(ctx, payload.UserID)

	zap.L().Info("jobs: expense categorized",
		zap.String("expense_id", payload.ExpenseID),
		zap.String("category_id", result.CategoryID),
		zap.Float64("confidence", result.Confidence),
	)
	return nil
}

// LearnCorrection feeds a user override back into the categorizer. Errors
// consume the normal attempt budget but are never user-facing.
func (p *Processors) LearnCorrection(ctx context.Context, job *model.Job, _ func(int)) error {
	var payload model.LearnCorrectionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return resilience.NewPermanentError(eris.Wrap(err, "jobs: decode learn payload"))
	}

	err := p.client.LearnFromCorrection(ctx, payload.UserID, payload.OriginalCategoryID, payload.CorrectedCategoryID, payload.Request)
	if err != nil {
		zap.L().Warn("jobs: learn correction failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// BulkRecategorize delegates to the batch orchestrator and forwards its
// progress to the job record.
func (p *Processors) BulkRecategorize(ctx context.Context, job *model.Job, progress func(int)) error {
	var payload model.BulkRecategorizePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return resilience.NewPermanentError(eris.Wrap(err, "jobs: decode bulk payload"))
	}

	summary, err := p.orchestrator.Run(ctx, payload.UserID, payload.Limit, payload.OnlyLowConfidence, progress)
	if err != nil {
		return err
	}

	zap.L().Info("jobs: bulk re-categorization done",
		zap.String("job_id", job.ID),
		zap.String("user_id", payload.UserID),
		zap.Int("processed", summary.Processed),
		zap.Int("updated", summary.Updated),
		zap.Int("failed", summary.Failed),
	)
	return nil
}

// SendEmail composes and delivers one notification email.
func (p *Processors) SendEmail(ctx context.Context, job *model.Job, _ func(int)) error {
	var payload model.SendEmailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return resilience.NewPermanentError(eris.Wrap(err, "jobs: decode email payload"))
	}

	msg, err := email.Compose(p.emailCfg, payload.Template, payload.Recipient, payload.Data)
	if err != nil {
		return resilience.NewPermanentError(err)
	}
	return p.sender.Send(ctx, msg)
}

// SendBudgetAlert delivers an over-budget notification. The template is
// fixed; the payload carries the recipient and substitution data.
func (p *Processors) SendBudgetAlert(ctx context.Context, job *model.Job, _ func(int)) error {
	var payload model.SendEmailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return resilience.NewPermanentError(eris.Wrap(err, "jobs: decode budget alert payload"))
	}

	msg, err := email.Compose(p.emailCfg, "budget-alert", payload.Recipient, payload.Data)
	if err != nil {
		return resilience.NewPermanentError(err)
	}
	return p.sender.Send(ctx, msg)
}

// GenerateReport computes the summary, writes the xlsx artifact, and records
// its path, reporting progress at each milestone.
func (p *Processors) GenerateReport(ctx context.Context, job *model.Job, progress func(int)) error {
	var payload model.GenerateReportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return resilience.NewPermanentError(eris.Wrap(err, "jobs: decode report payload"))
	}
	progress(10)

	totals, err := p.renderer.Summarize(ctx, payload.UserID, payload.From, payload.To)
	if err != nil {
		return err
	}
	progress(30)

	path, err := p.renderer.WriteArtifact(payload.ReportID, payload.UserID, payload.From, payload.To, totals)
	if err != nil {
		return err
	}
	progress(80)

	if err := p.store.SaveReportArtifact(ctx, payload.ReportID, payload.UserID, path); err != nil {
		return err
	}
	progress(100)
	return nil
}
