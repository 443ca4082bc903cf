// Package store provides persistence for expenses, categories, job records,
// correction signals, and AI usage accounting.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/spendwise-app/spendwise/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = eris.New("store: not found")

// Store defines the persistence interface for the categorization pipeline.
type Store interface {
	// Expenses
	CreateExpense(ctx context.Context, e *model.Expense) error
	GetExpense(ctx context.Context, id string) (*model.Expense, error)
	GetExpenseOwner(ctx context.Context, expenseID string) (string, error)
	// UpdateExpenseCategory writes an AI-derived assignment. A nil
	// confidence records the category without an AI score.
	UpdateExpenseCategory(ctx context.Context, expenseID, categoryID string, confidence *float64) error
	// SetManualCategory records a user-chosen category and clears the
	// stored AI confidence.
	SetManualCategory(ctx context.Context, expenseID, categoryID string) error
	// ListExpensesForRecategorization returns up to limit expenses for the
	// user, newest first. With onlyLowConfidence, only expenses whose
	// aiConfidence is null or below cutoff are candidates.
	ListExpensesForRecategorization(ctx context.Context, userID string, onlyLowConfidence bool, cutoff float64, limit int) ([]model.Expense, error)
	SummarizeExpenses(ctx context.Context, userID string, from, to time.Time) ([]model.CategoryTotal, error)

	// Categories
	FindOrCreateDefaultCategory(ctx context.Context) (*model.Category, error)
	GetCategory(ctx context.Context, id string) (*model.Category, error)
	ListCategories(ctx context.Context) ([]model.Category, error)

	// Job records
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	MarkJobActive(ctx context.Context, id string, attempt int) error
	MarkJobCompleted(ctx context.Context, id string) error
	MarkJobRetryScheduled(ctx context.Context, id string, attempt int, lastError string) error
	MarkJobFailed(ctx context.Context, id string, lastError string) error
	UpdateJobProgress(ctx context.Context, id string, progress int) error
	CountJobsByState(ctx context.Context, kind model.JobKind) (map[model.JobState]int, error)
	// PruneJobs deletes all but the newest keep records of the given kind
	// and state, returning how many were removed.
	PruneJobs(ctx context.Context, kind model.JobKind, state model.JobState, keep int) (int, error)

	// Correction signals
	SaveCorrection(ctx context.Context, c *model.Correction) error
	ListCorrectionsForMerchant(ctx context.Context, merchant string, limit int) ([]model.Correction, error)
	CountCorrections(ctx context.Context) (int, error)

	// AI usage accounting
	RecordUsage(ctx context.Context, u *model.UsageRecord) error
	AggregateUsage(ctx context.Context) (*model.UsageTotals, error)

	// Report artifacts
	SaveReportArtifact(ctx context.Context, reportID, userID, path string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
