// Package resolver turns an AI categorization attempt into a result that is
// always safe to persist: a real category id with an honest confidence.
package resolver

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/spendwise-app/spendwise/internal/categorizer"
	"github.com/spendwise-app/spendwise/internal/model"
)

// FallbackPicker supplies the designated default category when the AI path
// is unavailable. Satisfied by the store's FindOrCreateDefaultCategory.
type FallbackPicker interface {
	FindOrCreateDefaultCategory(ctx context.Context) (*model.Category, error)
}

// Resolver is the single categorization decision point shared by the
// synchronous create path, single-item re-categorization, and the bulk
// orchestrator.
type Resolver struct {
	client   categorizer.Client
	fallback FallbackPicker
}

// New creates a Resolver.
func New(client categorizer.Client, fallback FallbackPicker) *Resolver {
	return &Resolver{client: client, fallback: fallback}
}

// Resolve categorizes one expense. It never returns an empty CategoryID: when
// the AI service is unreachable or the categorization call fails, the result
// carries the default category with the reserved fallback confidence so a
// later bulk pass can tell substitutes from genuine low-confidence opinions.
func (r *Resolver) Resolve(ctx context.Context, req model.CategorizationRequest) (*model.CategorizationResult, error) {
	if !r.client.TestConnection(ctx) {
		return r.fallbackResult(ctx, eris.New("connectivity probe failed"))
	}

	result, err := r.client.CategorizeExpense(ctx, req)
	if err != nil {
		zap.L().Warn("resolver: categorization failed, substituting default",
			zap.String("description", req.Description),
			zap.Error(err),
		)
		return r.fallbackResult(ctx, err)
	}
	return result, nil
}

func (r *Resolver) fallbackResult(ctx context.Context, cause error) (*model.CategorizationResult, error) {
	category, err := r.fallback.FindOrCreateDefaultCategory(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "resolver: find default category")
	}
	return &model.CategorizationResult{
		CategoryID: category.ID,
		Confidence: model.FallbackConfidence,
		Reasoning:  fmt.Sprintf("AI service unavailable: %v", cause),
	}, nil
}
