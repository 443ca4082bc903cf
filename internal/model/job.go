package model

import (
	"encoding/json"
	"time"
)

// JobKind identifies the type of asynchronous work a job performs. Each
// kind is dispatched to its own broker queue with an independent
// concurrency, retry, and backoff policy.
type JobKind string

// Known job kinds.
const (
	JobCategorizeExpense JobKind = "categorize-expense"
	JobLearnCorrection   JobKind = "learn-correction"
	JobBulkRecategorize  JobKind = "bulk-recategorize"
	JobSendEmail         JobKind = "send-email"
	JobSendBudgetAlert   JobKind = "send-budget-alert"
	JobGenerateReport    JobKind = "generate-report"
)

// AllJobKinds returns every job kind the queue must be able to dispatch.
func AllJobKinds() []JobKind {
	return []JobKind{
		JobCategorizeExpense,
		JobLearnCorrection,
		JobBulkRecategorize,
		JobSendEmail,
		JobSendBudgetAlert,
		JobGenerateReport,
	}
}

// Valid reports whether the kind is one of the known values.
func (k JobKind) Valid() bool {
	for _, known := range AllJobKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// JobState tracks a job through its lifecycle. Transitions:
// queued → active → completed | retry-scheduled | failed, where
// retry-scheduled loops back to queued until attempts are exhausted.
type JobState string

// Job lifecycle states.
const (
	JobStateQueued         JobState = "queued"
	JobStateActive         JobState = "active"
	JobStateCompleted      JobState = "completed"
	JobStateRetryScheduled JobState = "retry-scheduled"
	JobStateFailed         JobState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Job is one unit of asynchronous work. Identity and state are owned by
// the queue; processors only update Progress and return a result or error.
type Job struct {
	ID          string          `json:"id"`
	Kind        JobKind         `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	// Progress is a 0-100 observability side channel with no effect on the
	// state machine.
	Progress  int       `json:"progress"`
	State     JobState  `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CategorizeExpensePayload carries a snapshot of the classification inputs
// for one expense so the processor never refetches from storage.
type CategorizeExpensePayload struct {
	ExpenseID string                `json:"expense_id"`
	UserID    string                `json:"user_id"`
	Request   CategorizationRequest `json:"request"`
}

// LearnCorrectionPayload carries a human correction to feed back into the
// categorization model.
type LearnCorrectionPayload struct {
	UserID              string                `json:"user_id"`
	OriginalCategoryID  string                `json:"original_category_id"`
	CorrectedCategoryID string                `json:"corrected_category_id"`
	Request             CategorizationRequest `json:"request"`
}

// BulkRecategorizePayload triggers a bulk re-categorization sweep for one
// user.
type BulkRecategorizePayload struct {
	UserID            string `json:"user_id"`
	Limit             int    `json:"limit"`
	OnlyLowConfidence bool   `json:"only_low_confidence"`
}

// SendEmailPayload resolves to one outbound email.
type SendEmailPayload struct {
	Template  string            `json:"template"`
	Recipient string            `json:"recipient"`
	Data      map[string]string `json:"data,omitempty"`
}

// GenerateReportPayload triggers report computation and artifact rendering.
type GenerateReportPayload struct {
	ReportID string    `json:"report_id"`
	UserID   string    `json:"user_id"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
}
