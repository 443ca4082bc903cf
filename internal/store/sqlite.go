package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/spendwise-app/spendwise/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// single-user deployments where running Postgres is overkill.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS categories (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	color      TEXT NOT NULL DEFAULT '',
	icon       TEXT NOT NULL DEFAULT '',
	is_default INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS expenses (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	description    TEXT NOT NULL,
	merchant       TEXT NOT NULL DEFAULT '',
	amount         REAL NOT NULL CHECK (amount > 0),
	payment_method TEXT NOT NULL,
	category_id    TEXT NOT NULL REFERENCES categories(id),
	ai_confidence  REAL CHECK (ai_confidence >= 0 AND ai_confidence <= 1),
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	payload      TEXT NOT NULL,
	attempt      INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 1,
	progress     INTEGER NOT NULL DEFAULT 0,
	state        TEXT NOT NULL DEFAULT 'queued',
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS corrections (
	id                    TEXT PRIMARY KEY,
	user_id               TEXT NOT NULL,
	merchant              TEXT NOT NULL DEFAULT '',
	description           TEXT NOT NULL,
	amount                REAL NOT NULL,
	original_category_id  TEXT NOT NULL,
	corrected_category_id TEXT NOT NULL,
	created_at            DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS ai_usage (
	id            TEXT PRIMARY KEY,
	model         TEXT NOT NULL,
	operation     TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS report_artifacts (
	report_id  TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	path       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_expenses_user_created ON expenses(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_expenses_user_confidence ON expenses(user_id, ai_confidence);
CREATE INDEX IF NOT EXISTS idx_jobs_kind_state ON jobs(kind, state);
CREATE INDEX IF NOT EXISTS idx_corrections_merchant ON corrections(merchant, created_at DESC);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scannable abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

func scanExpense(row scannable) (*model.Expense, error) {
	var e model.Expense
	var method string
	err := row.Scan(&e.ID, &e.UserID, &e.Description, &e.Merchant, &e.Amount, &method, &e.CategoryID, &e.AIConfidence, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan expense")
	}
	e.PaymentMethod = model.PaymentMethod(method)
	return &e, nil
}

// --- Expenses ---

func (s *SQLiteStore) CreateExpense(ctx context.Context, e *model.Expense) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO expenses (id, user_id, description, merchant, amount, payment_method, category_id, ai_confidence, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Description, e.Merchant, e.Amount, string(e.PaymentMethod), e.CategoryID, e.AIConfidence, e.CreatedAt, e.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: insert expense")
}

func (s *SQLiteStore) GetExpense(ctx context.Context, id string) (*model.Expense, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, description, merchant, amount, payment_method, category_id, ai_confidence, created_at, updated_at FROM expenses WHERE id = ?`,
		id,
	)
	return scanExpense(row)
}

func (s *SQLiteStore) GetExpenseOwner(ctx context.Context, expenseID string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM expenses WHERE id = ?`, expenseID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: get expense owner %s", expenseID)
	}
	return userID, nil
}

func (s *SQLiteStore) UpdateExpenseCategory(ctx context.Context, expenseID, categoryID string, confidence *float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE expenses SET category_id = ?, ai_confidence = ?, updated_at = ? WHERE id = ?`,
		categoryID, confidence, time.Now().UTC(), expenseID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update expense category %s", expenseID)
	}
	return checkRowsAffected(res, "expense", expenseID)
}

func (s *SQLiteStore) SetManualCategory(ctx context.Context, expenseID, categoryID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE expenses SET category_id = ?, ai_confidence = NULL, updated_at = ? WHERE id = ?`,
		categoryID, time.Now().UTC(), expenseID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set manual category %s", expenseID)
	}
	return checkRowsAffected(res, "expense", expenseID)
}

func (s *SQLiteStore) ListExpensesForRecategorization(ctx context.Context, userID string, onlyLowConfidence bool, cutoff float64, limit int) ([]model.Expense, error) {
	query := `SELECT id, user_id, description, merchant, amount, payment_method, category_id, ai_confidence, created_at, updated_at
		 FROM expenses WHERE user_id = ?`
	args := []any{userID}

	if onlyLowConfidence {
		query += ` AND (ai_confidence IS NULL OR ai_confidence < ?)`
		args = append(args, cutoff)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list recategorization candidates")
	}
	defer rows.Close()

	var out []model.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate expenses")
}

func (s *SQLiteStore) SummarizeExpenses(ctx context.Context, userID string, from, to time.Time) ([]model.CategoryTotal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.name, COALESCE(SUM(e.amount), 0), COUNT(e.id)
		 FROM expenses e JOIN categories c ON c.id = e.category_id
		 WHERE e.user_id = ? AND e.created_at >= ? AND e.created_at < ?
		 GROUP BY c.id, c.name
		 ORDER BY SUM(e.amount) DESC`,
		userID, from, to,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: summarize expenses")
	}
	defer rows.Close()

	var out []model.CategoryTotal
	for rows.Next() {
		var ct model.CategoryTotal
		if err := rows.Scan(&ct.CategoryID, &ct.CategoryName, &ct.Total, &ct.Count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan category total")
		}
		out = append(out, ct)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate category totals")
}

// --- Categories ---

func (s *SQLiteStore) FindOrCreateDefaultCategory(ctx context.Context) (*model.Category, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, color, icon, is_default, created_at FROM categories WHERE name = ?`,
		model.DefaultCategoryName,
	)
	c, err := scanCategory(row)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	created := &model.Category{
		ID:        uuid.New().String(),
		Name:      model.DefaultCategoryName,
		IsDefault: true,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO categories (id, name, is_default, created_at) VALUES (?, ?, 1, ?)
		 ON CONFLICT (name) DO UPDATE SET is_default = 1`,
		created.ID, created.Name, created.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create default category")
	}
	// Re-read in case the upsert hit an existing row.
	return s.findCategoryByName(ctx, model.DefaultCategoryName)
}

func (s *SQLiteStore) findCategoryByName(ctx context.Context, name string) (*model.Category, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, color, icon, is_default, created_at FROM categories WHERE name = ?`,
		name,
	)
	return scanCategory(row)
}

func (s *SQLiteStore) GetCategory(ctx context.Context, id string) (*model.Category, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, color, icon, is_default, created_at FROM categories WHERE id = ?`,
		id,
	)
	return scanCategory(row)
}

func scanCategory(row scannable) (*model.Category, error) {
	var c model.Category
	err := row.Scan(&c.ID, &c.Name, &c.Color, &c.Icon, &c.IsDefault, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan category")
	}
	return &c, nil
}

func (s *SQLiteStore) ListCategories(ctx context.Context) ([]model.Category, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, color, icon, is_default, created_at FROM categories ORDER BY name`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list categories")
	}
	defer rows.Close()

	var out []model.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate categories")
}

// --- Job records ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.State = model.JobStateQueued

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, payload, attempt, max_attempts, progress, state, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Kind), string(job.Payload), job.Attempt, job.MaxAttempts, job.Progress, string(job.State), job.LastError, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: insert job")
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, payload, attempt, max_attempts, progress, state, last_error, created_at, updated_at FROM jobs WHERE id = ?`,
		id,
	)

	var j model.Job
	var kind, state, payload string
	err := row.Scan(&j.ID, &kind, &payload, &j.Attempt, &j.MaxAttempts, &j.Progress, &state, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	j.Kind = model.JobKind(kind)
	j.State = model.JobState(state)
	j.Payload = []byte(payload)
	return &j, nil
}

func (s *SQLiteStore) MarkJobActive(ctx context.Context, id string, attempt int) error {
	return s.setJobState(ctx, id, model.JobStateActive, attempt, "")
}

func (s *SQLiteStore) MarkJobCompleted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, progress = 100, last_error = '', updated_at = ? WHERE id = ?`,
		string(model.JobStateCompleted), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark job completed %s", id)
	}
	return checkRowsAffected(res, "job", id)
}

func (s *SQLiteStore) MarkJobRetryScheduled(ctx context.Context, id string, attempt int, lastError string) error {
	return s.setJobState(ctx, id, model.JobStateRetryScheduled, attempt, lastError)
}

func (s *SQLiteStore) MarkJobFailed(ctx context.Context, id string, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(model.JobStateFailed), lastError, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark job failed %s", id)
	}
	return checkRowsAffected(res, "job", id)
}

func (s *SQLiteStore) setJobState(ctx context.Context, id string, state model.JobState, attempt int, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, attempt = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(state), attempt, lastError, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set job state %s", id)
	}
	return checkRowsAffected(res, "job", id)
}

func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ?`,
		progress, time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "sqlite: update job progress %s", id)
}

func (s *SQLiteStore) CountJobsByState(ctx context.Context, kind model.JobKind) (map[model.JobState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM jobs WHERE kind = ? GROUP BY state`,
		string(kind),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count jobs by state")
	}
	defer rows.Close()

	counts := make(map[model.JobState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job count")
		}
		counts[model.JobState(state)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: iterate job counts")
}

func (s *SQLiteStore) PruneJobs(ctx context.Context, kind model.JobKind, state model.JobState, keep int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE kind = ? AND state = ? AND id NOT IN (
			SELECT id FROM jobs WHERE kind = ? AND state = ? ORDER BY updated_at DESC LIMIT ?
		)`,
		string(kind), string(state), string(kind), string(state), keep,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune jobs rows affected")
	}
	return int(n), nil
}

// --- Correction signals ---

func (s *SQLiteStore) SaveCorrection(ctx context.Context, c *model.Correction) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO corrections (id, user_id, merchant, description, amount, original_category_id, corrected_category_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Merchant, c.Description, c.Amount, c.OriginalCategoryID, c.CorrectedCategoryID, c.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert correction")
}

func (s *SQLiteStore) ListCorrectionsForMerchant(ctx context.Context, merchant string, limit int) ([]model.Correction, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, merchant, description, amount, original_category_id, corrected_category_id, created_at
		 FROM corrections WHERE merchant = ? ORDER BY created_at DESC LIMIT ?`,
		merchant, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list corrections")
	}
	defer rows.Close()

	var out []model.Correction
	for rows.Next() {
		var c model.Correction
		if err := rows.Scan(&c.ID, &c.UserID, &c.Merchant, &c.Description, &c.Amount, &c.OriginalCategoryID, &c.CorrectedCategoryID, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan correction")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate corrections")
}

func (s *SQLiteStore) CountCorrections(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM corrections`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count corrections")
}

// --- AI usage accounting ---

func (s *SQLiteStore) RecordUsage(ctx context.Context, u *model.UsageRecord) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	u.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_usage (id, model, operation, input_tokens, output_tokens, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Model, u.Operation, u.InputTokens, u.OutputTokens, u.CostUSD, u.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert usage record")
}

func (s *SQLiteStore) AggregateUsage(ctx context.Context) (*model.UsageTotals, error) {
	var t model.UsageTotals
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0) FROM ai_usage`,
	).Scan(&t.Calls, &t.InputTokens, &t.OutputTokens, &t.CostUSD)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: aggregate usage")
	}

	corrections, err := s.CountCorrections(ctx)
	if err != nil {
		return nil, err
	}
	t.Corrections = corrections
	return &t, nil
}

// --- Report artifacts ---

func (s *SQLiteStore) SaveReportArtifact(ctx context.Context, reportID, userID, path string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO report_artifacts (report_id, user_id, path, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (report_id) DO UPDATE SET path = excluded.path`,
		reportID, userID, path, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: save report artifact")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
