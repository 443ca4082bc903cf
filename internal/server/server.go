// Package server exposes the REST API: expense creation and correction,
// single and bulk re-categorization, job inspection, and the AI status
// surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/spendwise-app/spendwise/internal/cache"
	"github.com/spendwise-app/spendwise/internal/categorizer"
	"github.com/spendwise-app/spendwise/internal/config"
	"github.com/spendwise-app/spendwise/internal/model"
	"github.com/spendwise-app/spendwise/internal/store"
)

const requestTimeout = 60 * time.Second

// Store is the persistence subset the handlers use.
type Store interface {
	CreateExpense(ctx context.Context, e *model.Expense) error
	GetExpense(ctx context.Context, id string) (*model.Expense, error)
	UpdateExpenseCategory(ctx context.Context, expenseID, categoryID string, confidence *float64) error
	SetManualCategory(ctx context.Context, expenseID, categoryID string) error
	GetCategory(ctx context.Context, id string) (*model.Category, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
}

// Resolver is the synchronous categorization decision point.
type Resolver interface {
	Resolve(ctx context.Context, req model.CategorizationRequest) (*model.CategorizationResult, error)
}

// Broker is the queue surface the handlers enqueue through.
type Broker interface {
	Enqueue(ctx context.Context, kind model.JobKind, payload any) (string, error)
	Stats(ctx context.Context) (map[model.JobKind]map[model.JobState]int, error)
}

// AIClient is the introspection subset of the categorization client.
type AIClient interface {
	TestConnection(ctx context.Context) bool
	VerifyAvailableModels(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (*categorizer.UsageStats, error)
}

// Server is the HTTP API server.
type Server struct {
	cfg         config.ServerConfig
	store       Store
	resolver    Resolver
	broker      Broker
	ai          AIClient
	invalidator cache.Invalidator
	router      *chi.Mux
}

// New wires the router and returns a ready-to-serve Server.
func New(cfg config.ServerConfig, st Store, resolver Resolver, broker Broker, ai AIClient, invalidator cache.Invalidator) *Server {
	s := &Server{
		cfg:         cfg,
		store:       st,
		resolver:    resolver,
		broker:      broker,
		ai:          ai,
		invalidator: invalidator,
		router:      chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(requestTimeout))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/expenses", s.handleCreateExpense)
		r.Put("/expenses/{id}/category", s.handleSetCategory)
		r.Post("/expenses/{id}/recategorize", s.handleRecategorize)
		r.Post("/expenses/recategorize-bulk", s.handleRecategorizeBulk)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/ai/status", s.handleAIStatus)
		r.Get("/queues/stats", s.handleQueueStats)
	})
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// errorBody is the structured error response. Detail carries the underlying
// diagnostic and is omitted in production.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string, cause error) {
	body := errorBody{Error: msg}
	if cause != nil && !s.cfg.Production() {
		body.Detail = cause.Error()
	}
	if cause != nil && status >= http.StatusInternalServerError {
		zap.L().Error("server: request failed", zap.String("error", msg), zap.Error(cause))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
