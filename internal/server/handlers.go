package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/spendwise-app/spendwise/internal/model"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createExpenseRequest is the expense creation body. CategoryID is optional:
// when present the assignment is manual, when absent the categorization
// pipeline decides synchronously.
type createExpenseRequest struct {
	UserID        string              `json:"user_id"`
	Description   string              `json:"description"`
	Merchant      string              `json:"merchant,omitempty"`
	Amount        float64             `json:"amount"`
	PaymentMethod model.PaymentMethod `json:"payment_method"`
	CategoryID    string              `json:"category_id,omitempty"`
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	var req createExpenseRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.UserID == "" || req.Description == "" {
		s.writeError(w, http.StatusBadRequest, "user_id and description are required", nil)
		return
	}
	if req.Amount <= 0 {
		s.writeError(w, http.StatusBadRequest, "amount must be positive", nil)
		return
	}
	if !req.PaymentMethod.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown payment method", nil)
		return
	}

	expense := &model.Expense{
		UserID:        req.UserID,
		Description:   req.Description,
		Merchant:      req.Merchant,
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
	}

	if req.CategoryID != "" {
		// Manual assignment: no AI confidence is recorded.
		if _, err := s.store.GetCategory(r.Context(), req.CategoryID); err != nil {
			if isNotFound(err) {
				s.writeError(w, http.StatusNotFound, "category not found", nil)
				return
			}
			s.writeError(w, http.StatusInternalServerError, "failed to load category", err)
			return
		}
		expense.CategoryID = req.CategoryID
	} else {
		result, err := s.resolver.Resolve(r.Context(), model.CategorizationRequest{
			Description:   req.Description,
			Merchant:      req.Merchant,
			Amount:        req.Amount,
			PaymentMethod: req.PaymentMethod,
		})
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "categorization failed", err)
			return
		}
		expense.CategoryID = result.CategoryID
		confidence := result.Confidence
		expense.AIConfidence = &confidence
	}

	if err := s.store.CreateExpense(r.Context(), expense); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to create expense", err)
		return
	}
	s.invalidator.InvalidateUser(r.Context(), expense.UserID)

	writeJSON(w, http.StatusCreated, expense)
}

type setCategoryRequest struct {
	CategoryID string `json:"category_id"`
}

// handleSetCategory records a manual category choice. When the previous
// assignment was a genuine AI opinion (confidence above the fallback
// sentinel), the override is also queued as a correction signal.
func (s *Server) handleSetCategory(w http.ResponseWriter, r *http.Request) {
	var req setCategoryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.CategoryID == "" {
		s.writeError(w, http.StatusBadRequest, "category_id is required", nil)
		return
	}

	expense, err := s.store.GetExpense(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if isNotFound(err) {
			s.writeError(w, http.StatusNotFound, "expense not found", nil)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load expense", err)
		return
	}
	if _, err := s.store.GetCategory(r.Context(), req.CategoryID); err != nil {
		if isNotFound(err) {
			s.writeError(w, http.StatusNotFound, "category not found", nil)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load category", err)
		return
	}

	priorCategory := expense.CategoryID
	priorConfidence := expense.AIConfidence

	if err := s.store.SetManualCategory(r.Context(), expense.ID, req.CategoryID); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to update category", err)
		return
	}
	s.invalidator.InvalidateUser(r.Context(), expense.UserID)

	if priorConfidence != nil && *priorConfidence > model.FallbackConfidence && priorCategory != req.CategoryID {
		payload := model.LearnCorrectionPayload{
			UserID:              expense.UserID,
			OriginalCategoryID:  priorCategory,
			CorrectedCategoryID: req.CategoryID,
			Request: model.CategorizationRequest{
				Description:   expense.Description,
				Merchant:      expense.Merchant,
				Amount:        expense.Amount,
				PaymentMethod: expense.PaymentMethod,
			},
		}
		if _, err := s.broker.Enqueue(r.Context(), model.JobLearnCorrection, payload); err != nil {
			// The correction is a best-effort learning signal; the manual
			// category change itself has already been committed.
			zap.L().Warn("server: queue learn-correction failed",
				zap.String("expense_id", expense.ID),
				zap.Error(err),
			)
		}
	}

	expense.CategoryID = req.CategoryID
	expense.AIConfidence = nil
	writeJSON(w, http.StatusOK, expense)
}

// handleRecategorize re-runs categorization for one expense and always
// persists the fresh result, unlike the bulk path which only accepts
// improvements.
func (s *Server) handleRecategorize(w http.ResponseWriter, r *http.Request) {
	expense, err := s.store.GetExpense(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if isNotFound(err) {
			s.writeError(w, http.StatusNotFound, "expense not found", nil)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load expense", err)
		return
	}

	result, err := s.resolver.Resolve(r.Context(), model.CategorizationRequest{
		Description:   expense.Description,
		Merchant:      expense.Merchant,
		Amount:        expense.Amount,
		PaymentMethod: expense.PaymentMethod,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "categorization failed", err)
		return
	}

	confidence := result.Confidence
	if err := s.store.UpdateExpenseCategory(r.Context(), expense.ID, result.CategoryID, &confidence); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to update expense", err)
		return
	}
	s.invalidator.InvalidateUser(r.Context(), expense.UserID)

	writeJSON(w, http.StatusOK, result)
}

type bulkRecategorizeRequest struct {
	UserID            string `json:"user_id"`
	Limit             int    `json:"limit,omitempty"`
	OnlyLowConfidence bool   `json:"only_low_confidence,omitempty"`
}

func (s *Server) handleRecategorizeBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRecategorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	jobID, err := s.broker.Enqueue(r.Context(), model.JobBulkRecategorize, model.BulkRecategorizePayload{
		UserID:            req.UserID,
		Limit:             req.Limit,
		OnlyLowConfidence: req.OnlyLowConfidence,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to queue job", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if isNotFound(err) {
			s.writeError(w, http.StatusNotFound, "job not found", nil)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// aiStatusResponse is the operational status surface for the AI service.
type aiStatusResponse struct {
	Available bool                  `json:"available"`
	Models    []string              `json:"models,omitempty"`
	Stats     *categorizerStatsView `json:"stats,omitempty"`
	Errors    map[string]string     `json:"errors,omitempty"`
}

type categorizerStatsView struct {
	Calls          int     `json:"calls"`
	InputTokens    int64   `json:"input_tokens"`
	OutputTokens   int64   `json:"output_tokens"`
	CostUSD        float64 `json:"cost_usd"`
	Corrections    int     `json:"corrections"`
	AcceptanceRate float64 `json:"acceptance_rate"`
}

func (s *Server) handleAIStatus(w http.ResponseWriter, r *http.Request) {
	resp := aiStatusResponse{Available: s.ai.TestConnection(r.Context())}

	if resp.Available {
		models, err := s.ai.VerifyAvailableModels(r.Context())
		if err != nil {
			resp.Errors = map[string]string{"models": err.Error()}
		} else {
			resp.Models = models
		}
	}

	stats, err := s.ai.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load usage stats", err)
		return
	}
	if stats != nil {
		resp.Stats = &categorizerStatsView{
			Calls:          stats.Calls,
			InputTokens:    stats.InputTokens,
			OutputTokens:   stats.OutputTokens,
			CostUSD:        stats.CostUSD,
			Corrections:    stats.Corrections,
			AcceptanceRate: stats.AcceptanceRate,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.broker.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load queue stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
