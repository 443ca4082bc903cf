package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendwise-app/spendwise/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedCategory(t *testing.T, st *SQLiteStore, id, name string) {
	t.Helper()
	_, err := st.db.Exec(`INSERT INTO categories (id, name, created_at) VALUES (?, ?, ?)`,
		id, name, time.Now().UTC())
	require.NoError(t, err)
}

func seedExpense(t *testing.T, st *SQLiteStore, userID, categoryID string, confidence *float64) *model.Expense {
	t.Helper()
	e := &model.Expense{
		UserID:        userID,
		Description:   "lunch",
		Merchant:      "Chipotle",
		Amount:        12.30,
		PaymentMethod: model.PaymentCreditCard,
		CategoryID:    categoryID,
		AIConfidence:  confidence,
	}
	require.NoError(t, st.CreateExpense(context.Background(), e))
	return e
}

// --- Expenses ---

func TestSQLite_Expense_CreateAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedCategory(t, st, "cat-food", "Food & Dining")

	conf := 0.92
	created := seedExpense(t, st, "user-1", "cat-food", &conf)

	got, err := st.GetExpense(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, model.PaymentCreditCard, got.PaymentMethod)
	require.NotNil(t, got.AIConfidence)
	assert.InDelta(t, 0.92, *got.AIConfidence, 1e-9)
}

func TestSQLite_Expense_GetMissing(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetExpense(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_Expense_SetManualCategoryClearsConfidence(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedCategory(t, st, "cat-food", "Food & Dining")
	seedCategory(t, st, "cat-fun", "Entertainment")

	conf := 0.7
	e := seedExpense(t, st, "user-1", "cat-food", &conf)

	require.NoError(t, st.SetManualCategory(ctx, e.ID, "cat-fun"))

	got, err := st.GetExpense(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "cat-fun", got.CategoryID)
	assert.Nil(t, got.AIConfidence)
}

func TestSQLite_Expense_ListForRecategorization_LowConfidenceOnly(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedCategory(t, st, "cat-food", "Food & Dining")

	low := 0.3
	high := 0.9
	seedExpense(t, st, "user-1", "cat-food", &low)
	seedExpense(t, st, "user-1", "cat-food", &high)
	seedExpense(t, st, "user-1", "cat-food", nil) // never scored counts as low
	seedExpense(t, st, "user-2", "cat-food", &low)

	got, err := st.ListExpensesForRecategorization(ctx, "user-1", true, 0.7, 50)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	for _, e := range got {
		assert.Equal(t, "user-1", e.UserID)
	}
}

func TestSQLite_Expense_ListForRecategorization_All(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedCategory(t, st, "cat-food", "Food & Dining")

	high := 0.95
	seedExpense(t, st, "user-1", "cat-food", &high)
	seedExpense(t, st, "user-1", "cat-food", nil)

	got, err := st.ListExpensesForRecategorization(ctx, "user-1", false, 0.7, 50)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

// --- Categories ---

func TestSQLite_FindOrCreateDefaultCategory_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first, err := st.FindOrCreateDefaultCategory(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultCategoryName, first.Name)
	assert.True(t, first.IsDefault)

	second, err := st.FindOrCreateDefaultCategory(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

// --- Job records ---

func TestSQLite_Job_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := &model.Job{
		ID:          "job-1",
		Kind:        model.JobCategorizeExpense,
		Payload:     []byte(`{"expenseId":"e1"}`),
		MaxAttempts: 3,
	}
	require.NoError(t, st.CreateJob(ctx, job))

	require.NoError(t, st.MarkJobActive(ctx, "job-1", 1))
	got, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateActive, got.State)
	assert.Equal(t, 1, got.Attempt)

	require.NoError(t, st.MarkJobRetryScheduled(ctx, "job-1", 1, "ai timeout"))
	got, err = st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateRetryScheduled, got.State)
	assert.Equal(t, "ai timeout", got.LastError)

	require.NoError(t, st.MarkJobCompleted(ctx, "job-1"))
	got, err = st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCompleted, got.State)
	assert.Equal(t, 100, got.Progress)
	assert.Empty(t, got.LastError)
}

func TestSQLite_Job_MarkFailed(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := &model.Job{ID: "job-2", Kind: model.JobLearnCorrection, Payload: []byte(`{}`), MaxAttempts: 3}
	require.NoError(t, st.CreateJob(ctx, job))
	require.NoError(t, st.MarkJobFailed(ctx, "job-2", "exhausted retries"))

	got, err := st.GetJob(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, got.State)
	assert.Equal(t, "exhausted retries", got.LastError)
}

func TestSQLite_Job_UpdateProgress(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := &model.Job{ID: "job-3", Kind: model.JobBulkRecategorize, Payload: []byte(`{}`), MaxAttempts: 3}
	require.NoError(t, st.CreateJob(ctx, job))
	require.NoError(t, st.UpdateJobProgress(ctx, "job-3", 40))

	got, err := st.GetJob(ctx, "job-3")
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)
}

func TestSQLite_Job_CountByState(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		job := &model.Job{ID: id, Kind: model.JobCategorizeExpense, Payload: []byte(`{}`), MaxAttempts: 3}
		require.NoError(t, st.CreateJob(ctx, job))
		if i == 2 {
			require.NoError(t, st.MarkJobFailed(ctx, id, "boom"))
		}
	}

	counts, err := st.CountJobsByState(ctx, model.JobCategorizeExpense)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.JobStateQueued])
	assert.Equal(t, 1, counts[model.JobStateFailed])
}

func TestSQLite_Job_Prune(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		job := &model.Job{ID: id, Kind: model.JobSendEmail, Payload: []byte(`{}`), MaxAttempts: 2}
		require.NoError(t, st.CreateJob(ctx, job))
		require.NoError(t, st.MarkJobCompleted(ctx, id))
	}

	removed, err := st.PruneJobs(ctx, model.JobSendEmail, model.JobStateCompleted, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	counts, err := st.CountJobsByState(ctx, model.JobSendEmail)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.JobStateCompleted])
}

// --- Corrections and usage ---

func TestSQLite_Corrections_SaveAndListByMerchant(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c := &model.Correction{
			UserID:              "user-1",
			Merchant:            "chipotle",
			Description:         "burrito",
			Amount:              11.50,
			OriginalCategoryID:  "cat-other",
			CorrectedCategoryID: "cat-food",
		}
		require.NoError(t, st.SaveCorrection(ctx, c))
	}

	got, err := st.ListCorrectionsForMerchant(ctx, "chipotle", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	n, err := st.CountCorrections(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSQLite_Usage_RecordAndAggregate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.RecordUsage(ctx, &model.UsageRecord{
		Model: "claude-haiku-4-5-20251001", Operation: "categorize",
		InputTokens: 1200, OutputTokens: 80, CostUSD: 0.0013,
	}))
	require.NoError(t, st.RecordUsage(ctx, &model.UsageRecord{
		Model: "claude-haiku-4-5-20251001", Operation: "categorize",
		InputTokens: 900, OutputTokens: 60, CostUSD: 0.001,
	}))

	totals, err := st.AggregateUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, totals.Calls)
	assert.Equal(t, int64(2100), totals.InputTokens)
	assert.InDelta(t, 0.0023, totals.CostUSD, 1e-9)
}

func TestSQLite_ReportArtifact_Upsert(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveReportArtifact(ctx, "rep-1", "user-1", "/tmp/a.xlsx"))
	require.NoError(t, st.SaveReportArtifact(ctx, "rep-1", "user-1", "/tmp/b.xlsx"))

	var path string
	require.NoError(t, st.db.QueryRow(`SELECT path FROM report_artifacts WHERE report_id = ?`, "rep-1").Scan(&path))
	assert.Equal(t, "/tmp/b.xlsx", path)
}
