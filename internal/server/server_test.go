package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendwise-app/spendwise/internal/categorizer"
	"github.com/spendwise-app/spendwise/internal/config"
	"github.com/spendwise-app/spendwise/internal/model"
	"github.com/spendwise-app/spendwise/internal/store"
)

type stubStore struct {
	expenses   map[string]*model.Expense
	categories map[string]*model.Category
	jobs       map[string]*model.Job

	created    []*model.Expense
	manualSets []string
	updates    map[string]float64
	storeErr   error
}

func newStubStore() *stubStore {
	return &stubStore{
		expenses: map[string]*model.Expense{},
		categories: map[string]*model.Category{
			"cat-food":  {ID: "cat-food", Name: "Food & Dining"},
			"cat-other": {ID: "cat-other", Name: "Other", IsDefault: true},
		},
		jobs:    map[string]*model.Job{},
		updates: map[string]float64{},
	}
}

func (s *stubStore) CreateExpense(_ context.Context, e *model.Expense) error {
	if s.storeErr != nil {
		return s.storeErr
	}
	if e.ID == "" {
		e.ID = "exp-new"
	}
	s.created = append(s.created, e)
	s.expenses[e.ID] = e
	return nil
}

func (s *stubStore) GetExpense(_ context.Context, id string) (*model.Expense, error) {
	e, ok := s.expenses[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e, nil
}

func (s *stubStore) UpdateExpenseCategory(_ context.Context, expenseID, categoryID string, confidence *float64) error {
	s.updates[expenseID] = *confidence
	s.expenses[expenseID].CategoryID = categoryID
	return nil
}

func (s *stubStore) SetManualCategory(_ context.Context, expenseID, categoryID string) error {
	s.manualSets = append(s.manualSets, expenseID+":"+categoryID)
	return nil
}

func (s *stubStore) GetCategory(_ context.Context, id string) (*model.Category, error) {
	c, ok := s.categories[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (s *stubStore) GetJob(_ context.Context, id string) (*model.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j, nil
}

type stubResolver struct {
	result *model.CategorizationResult
	err    error
	calls  int
}

func (s *stubResolver) Resolve(context.Context, model.CategorizationRequest) (*model.CategorizationResult, error) {
	s.calls++
	return s.result, s.err
}

type enqueued struct {
	kind    model.JobKind
	payload any
}

type stubBroker struct {
	enqueues []enqueued
	stats    map[model.JobKind]map[model.JobState]int
}

func (s *stubBroker) Enqueue(_ context.Context, kind model.JobKind, payload any) (string, error) {
	s.enqueues = append(s.enqueues, enqueued{kind: kind, payload: payload})
	return "job-42", nil
}

func (s *stubBroker) Stats(context.Context) (map[model.JobKind]map[model.JobState]int, error) {
	return s.stats, nil
}

type stubAI struct {
	available bool
	models    []string
	stats     *categorizer.UsageStats
}

func (s *stubAI) TestConnection(context.Context) bool { return s.available }

func (s *stubAI) VerifyAvailableModels(context.Context) ([]string, error) { return s.models, nil }

func (s *stubAI) Stats(context.Context) (*categorizer.UsageStats, error) { return s.stats, nil }

type stubInvalidator struct{ users []string }

func (s *stubInvalidator) InvalidateUser(_ context.Context, userID string) {
	s.users = append(s.users, userID)
}

type fixture struct {
	store       *stubStore
	resolver    *stubResolver
	broker      *stubBroker
	ai          *stubAI
	invalidator *stubInvalidator
	srv         *Server
}

func newFixture(cfg config.ServerConfig) *fixture {
	f := &fixture{
		store:       newStubStore(),
		resolver:    &stubResolver{result: &model.CategorizationResult{CategoryID: "cat-food", Confidence: 0.9}},
		broker:      &stubBroker{},
		ai:          &stubAI{},
		invalidator: &stubInvalidator{},
	}
	f.srv = New(cfg, f.store, f.resolver, f.broker, f.ai, f.invalidator)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func confidence(v float64) *float64 { return &v }

func TestCreateExpense_ResolvesWhenNoCategoryGiven(t *testing.T) {
	f := newFixture(config.ServerConfig{})

	rec := f.do(t, http.MethodPost, "/api/expenses", createExpenseRequest{
		UserID:        "user-1",
		Description:   "lunch",
		Amount:        12.50,
		PaymentMethod: model.PaymentCreditCard,
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.store.created, 1)

	e := f.store.created[0]
	assert.Equal(t, "cat-food", e.CategoryID)
	require.NotNil(t, e.AIConfidence)
	assert.InDelta(t, 0.9, *e.AIConfidence, 1e-9)
	assert.Equal(t, 1, f.resolver.calls)
	assert.Equal(t, []string{"user-1"}, f.invalidator.users)
}

func TestCreateExpense_ProvidedCategoryIsManual(t *testing.T) {
	f := newFixture(config.ServerConfig{})

	rec := f.do(t, http.MethodPost, "/api/expenses", createExpenseRequest{
		UserID:        "user-1",
		Description:   "groceries",
		Amount:        54.30,
		PaymentMethod: model.PaymentDebitCard,
		CategoryID:    "cat-food",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.store.created, 1)
	assert.Nil(t, f.store.created[0].AIConfidence, "manual assignment carries no AI confidence")
	assert.Zero(t, f.resolver.calls)
}

func TestCreateExpense_UnknownCategoryIs404(t *testing.T) {
	f := newFixture(config.ServerConfig{})

	rec := f.do(t, http.MethodPost, "/api/expenses", createExpenseRequest{
		UserID:        "user-1",
		Description:   "groceries",
		Amount:        10,
		PaymentMethod: model.PaymentCash,
		CategoryID:    "cat-missing",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, f.store.created)
}

func TestCreateExpense_Validation(t *testing.T) {
	f := newFixture(config.ServerConfig{})

	cases := []createExpenseRequest{
		{UserID: "", Description: "x", Amount: 1, PaymentMethod: model.PaymentCash},
		{UserID: "u", Description: "", Amount: 1, PaymentMethod: model.PaymentCash},
		{UserID: "u", Description: "x", Amount: 0, PaymentMethod: model.PaymentCash},
		{UserID: "u", Description: "x", Amount: 1, PaymentMethod: "IOU"},
	}
	for _, c := range cases {
		rec := f.do(t, http.MethodPost, "/api/expenses", c)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
	assert.Empty(t, f.store.created)
}

func TestSetCategory_EnqueuesLearnForGenuineAIOpinion(t *testing.T) {
	f := newFixture(config.ServerConfig{})
	f.store.expenses["exp-1"] = &model.Expense{
		ID: "exp-1", UserID: "user-1", Description: "burrito", Merchant: "chipotle",
		Amount: 12, PaymentMethod: model.PaymentCreditCard,
		CategoryID: "cat-other", AIConfidence: confidence(0.8),
	}

	rec := f.do(t, http.MethodPut, "/api/expenses/exp-1/category", setCategoryRequest{CategoryID: "cat-food"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"exp-1:cat-food"}, f.store.manualSets)

	require.Len(t, f.broker.enqueues, 1)
	assert.Equal(t, model.JobLearnCorrection, f.broker.enqueues[0].kind)
	payload := f.broker.enqueues[0].payload.(model.LearnCorrectionPayload)
	assert.Equal(t, "cat-other", payload.OriginalCategoryID)
	assert.Equal(t, "cat-food", payload.CorrectedCategoryID)
	assert.Equal(t, "chipotle", payload.Request.Merchant)
}

func TestSetCategory_FallbackSentinelIsNotACorrection(t *testing.T) {
	f := newFixture(config.ServerConfig{})
	f.store.expenses["exp-1"] = &model.Expense{
		ID: "exp-1", UserID: "user-1", Description: "misc",
		Amount: 5, PaymentMethod: model.PaymentCash,
		CategoryID: "cat-other", AIConfidence: confidence(model.FallbackConfidence),
	}

	rec := f.do(t, http.MethodPut, "/api/expenses/exp-1/category", setCategoryRequest{CategoryID: "cat-food"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.broker.enqueues, "substituted default must not train the model")
}

func TestSetCategory_ManualPriorIsNotACorrection(t *testing.T) {
	f := newFixture(config.ServerConfig{})
	f.store.expenses["exp-1"] = &model.Expense{
		ID: "exp-1", UserID: "user-1", Description: "misc",
		Amount: 5, PaymentMethod: model.PaymentCash,
		CategoryID: "cat-other", AIConfidence: nil,
	}

	rec := f.do(t, http.MethodPut, "/api/expenses/exp-1/category", setCategoryRequest{CategoryID: "cat-food"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.broker.enqueues)
}

func TestSetCategory_MissingExpenseIs404(t *testing.T) {
	f := newFixture(config.ServerConfig{})

	rec := f.do(t, http.MethodPut, "/api/expenses/nope/category", setCategoryRequest{CategoryID: "cat-food"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecategorize_AlwaysTakesFreshResult(t *testing.T) {
	f := newFixture(config.ServerConfig{})
	f.resolver.result = &model.CategorizationResult{CategoryID: "cat-other", Confidence: 0.3}
	f.store.expenses["exp-1"] = &model.Expense{
		ID: "exp-1", UserID: "user-1", Description: "misc",
		Amount: 5, PaymentMethod: model.PaymentCash,
		CategoryID: "cat-food", AIConfidence: confidence(0.9),
	}

	rec := f.do(t, http.MethodPost, "/api/expenses/exp-1/recategorize", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 0.3, f.store.updates["exp-1"], 1e-9,
		"explicit single-item re-categorization overwrites even a higher stored confidence")
	assert.Equal(t, []string{"user-1"}, f.invalidator.users)
}

func TestRecategorizeBulk_Returns202WithJobID(t *testing.T) {
	f := newFixture(config.ServerConfig{})

	rec := f.do(t, http.MethodPost, "/api/expenses/recategorize-bulk", bulkRecategorizeRequest{
		UserID:            "user-1",
		OnlyLowConfidence: true,
	})

	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "job-42", body["job_id"])

	require.Len(t, f.broker.enqueues, 1)
	assert.Equal(t, model.JobBulkRecategorize, f.broker.enqueues[0].kind)
}

func TestGetJob(t *testing.T) {
	f := newFixture(config.ServerConfig{})
	f.store.jobs["job-1"] = &model.Job{ID: "job-1", Kind: model.JobGenerateReport, State: model.JobStateActive, Progress: 30}

	rec := f.do(t, http.MethodGet, "/api/jobs/job-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var job model.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, model.JobStateActive, job.State)
	assert.Equal(t, 30, job.Progress)

	rec = f.do(t, http.MethodGet, "/api/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAIStatus(t *testing.T) {
	f := newFixture(config.ServerConfig{})
	f.ai.available = true
	f.ai.models = []string{"claude-haiku-4-5-20251001"}
	f.ai.stats = &categorizer.UsageStats{Calls: 10, Corrections: 2, AcceptanceRate: 0.8}

	rec := f.do(t, http.MethodGet, "/api/ai/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body aiStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Available)
	assert.Equal(t, []string{"claude-haiku-4-5-20251001"}, body.Models)
	require.NotNil(t, body.Stats)
	assert.InDelta(t, 0.8, body.Stats.AcceptanceRate, 1e-9)
}

func TestQueueStats(t *testing.T) {
	f := newFixture(config.ServerConfig{})
	f.broker.stats = map[model.JobKind]map[model.JobState]int{
		model.JobCategorizeExpense: {model.JobStateQueued: 3, model.JobStateCompleted: 12},
	}

	rec := f.do(t, http.MethodGet, "/api/queues/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queued":3`)
}

func TestErrorDetail_RedactedInProduction(t *testing.T) {
	cause := eris.New("pgx: connection refused")

	dev := newFixture(config.ServerConfig{Environment: "development"})
	dev.store.storeErr = cause
	rec := dev.do(t, http.MethodPost, "/api/expenses", createExpenseRequest{
		UserID: "u", Description: "x", Amount: 1, PaymentMethod: model.PaymentCash,
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")

	prod := newFixture(config.ServerConfig{Environment: "production"})
	prod.store.storeErr = cause
	rec = prod.do(t, http.MethodPost, "/api/expenses", createExpenseRequest{
		UserID: "u", Description: "x", Amount: 1, PaymentMethod: model.PaymentCash,
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
	assert.Contains(t, rec.Body.String(), "failed to create expense")
}

func TestHealth(t *testing.T) {
	f := newFixture(config.ServerConfig{})
	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}
