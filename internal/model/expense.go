// Package model defines the core domain types shared across the expense
// categorization pipeline.
package model

import "time"

// PaymentMethod identifies how an expense was paid.
type PaymentMethod string

// Supported payment methods.
const (
	PaymentCreditCard    PaymentMethod = "CREDIT_CARD"
	PaymentDebitCard     PaymentMethod = "DEBIT_CARD"
	PaymentCash          PaymentMethod = "CASH"
	PaymentBankTransfer  PaymentMethod = "BANK_TRANSFER"
	PaymentDigitalWallet PaymentMethod = "DIGITAL_WALLET"
)

// AllPaymentMethods returns every valid payment method.
func AllPaymentMethods() []PaymentMethod {
	return []PaymentMethod{
		PaymentCreditCard,
		PaymentDebitCard,
		PaymentCash,
		PaymentBankTransfer,
		PaymentDigitalWallet,
	}
}

// Valid reports whether the payment method is one of the known values.
func (p PaymentMethod) Valid() bool {
	for _, m := range AllPaymentMethods() {
		if p == m {
			return true
		}
	}
	return false
}

// FallbackConfidence is the reserved sentinel score stored when the default
// category was substituted for a real AI opinion. Scores at or below this
// value are never fed back as correction signals.
const FallbackConfidence = 0.1

// DefaultCategoryName is the name of the designated fallback category.
const DefaultCategoryName = "Other"

// Expense is a single recorded expense. The pipeline reads the
// classification inputs and writes CategoryID and AIConfidence; everything
// else is owned by the CRUD layer.
type Expense struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	Description   string        `json:"description"`
	Merchant      string        `json:"merchant,omitempty"`
	Amount        float64       `json:"amount"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	CategoryID    string        `json:"category_id"`
	// AIConfidence is nil when the category was set manually or has never
	// been AI-scored; otherwise a value in [0,1].
	AIConfidence *float64  `json:"ai_confidence,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Category is a spending category an expense is assigned to.
type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	Icon      string    `json:"icon,omitempty"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}

// CategorizationRequest carries the classification inputs for one expense.
// It has no persistence identity; processors work from this snapshot rather
// than refetching the expense.
type CategorizationRequest struct {
	Description   string        `json:"description"`
	Merchant      string        `json:"merchant,omitempty"`
	Amount        float64       `json:"amount"`
	PaymentMethod PaymentMethod `json:"payment_method"`
}

// CategorizationResult is the outcome of categorizing one expense.
type CategorizationResult struct {
	CategoryID string  `json:"category_id"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Correction records a human override of an AI-assigned category. Saved
// corrections are replayed as few-shot context in later categorization
// prompts.
type Correction struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"user_id"`
	Merchant            string    `json:"merchant,omitempty"`
	Description         string    `json:"description"`
	Amount              float64   `json:"amount"`
	OriginalCategoryID  string    `json:"original_category_id"`
	CorrectedCategoryID string    `json:"corrected_category_id"`
	CreatedAt           time.Time `json:"created_at"`
}

// UsageRecord captures token consumption for one AI call.
type UsageRecord struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	Operation    string    `json:"operation"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

// UsageTotals aggregates recorded AI usage for the status surface.
type UsageTotals struct {
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Corrections  int     `json:"corrections"`
}

// CategoryTotal is one row of a spending report: total amount per category.
type CategoryTotal struct {
	CategoryID   string  `json:"category_id"`
	CategoryName string  `json:"category_name"`
	Total        float64 `json:"total"`
	Count        int     `json:"count"`
}
