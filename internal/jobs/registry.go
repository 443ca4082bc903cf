package jobs

import (
	"github.com/rotisserie/eris"

	"github.com/spendwise-app/spendwise/internal/model"
	"github.com/spendwise-app/spendwise/internal/queue"
)

// Registry maps every job kind to its handler. Construction fails unless the
// mapping is total, so a missing processor is a startup error rather than a
// dead queue discovered in production.
type Registry struct {
	handlers map[model.JobKind]queue.Handler
}

// NewRegistry builds the full kind-to-handler mapping.
func NewRegistry(p *Processors) (*Registry, error) {
	handlers := map[model.JobKind]queue.Handler{
		model.JobCategorizeExpense: p.CategorizeExpense,
		model.JobLearnCorrection:   p.LearnCorrection,
		model.JobBulkRecategorize:  p.BulkRecategorize,
		model.JobSendEmail:         p.SendEmail,
		model.JobSendBudgetAlert:   p.SendBudgetAlert,
		model.JobGenerateReport:    p.GenerateReport,
	}

	for _, kind := range model.AllJobKinds() {
		h, ok := handlers[kind]
		if !ok || h == nil {
			return nil, eris.Errorf("jobs: no handler for kind %q", kind)
		}
	}
	if len(handlers) != len(model.AllJobKinds()) {
		return nil, eris.New("jobs: handler mapping contains unknown kinds")
	}

	return &Registry{handlers: handlers}, nil
}

// Handler returns the handler for a kind.
func (r *Registry) Handler(kind model.JobKind) (queue.Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// Install registers every handler on the broker.
func (r *Registry) Install(b *queue.Broker) error {
	for kind, h := range r.handlers {
		if err := b.Register(kind, h); err != nil {
			return err
		}
	}
	return nil
}
