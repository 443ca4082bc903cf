package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/spendwise-app/spendwise/internal/db"
	"github.com/spendwise-app/spendwise/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_expense":         `SELECT id, user_id, description, merchant, amount, payment_method, category_id, ai_confidence, created_at, updated_at FROM expenses WHERE id = $1`,
	"get_expense_owner":   `SELECT user_id FROM expenses WHERE id = $1`,
	"update_expense_cat":  `UPDATE expenses SET category_id = $1, ai_confidence = $2, updated_at = $3 WHERE id = $4`,
	"mark_job_active":     `UPDATE jobs SET state = $1, attempt = $2, updated_at = $3 WHERE id = $4`,
	"update_job_progress": `UPDATE jobs SET progress = $1, updated_at = $2 WHERE id = $3`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS categories (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name       TEXT NOT NULL UNIQUE,
	color      TEXT NOT NULL DEFAULT '',
	icon       TEXT NOT NULL DEFAULT '',
	is_default BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS expenses (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id        TEXT NOT NULL,
	description    TEXT NOT NULL,
	merchant       TEXT NOT NULL DEFAULT '',
	amount         NUMERIC(12,2) NOT NULL CHECK (amount > 0),
	payment_method TEXT NOT NULL,
	category_id    TEXT NOT NULL REFERENCES categories(id),
	ai_confidence  DOUBLE PRECISION CHECK (ai_confidence >= 0 AND ai_confidence <= 1),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	payload      JSONB NOT NULL,
	attempt      INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL DEFAULT 1,
	progress     INT NOT NULL DEFAULT 0,
	state        TEXT NOT NULL DEFAULT 'queued',
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS corrections (
	id                    TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id               TEXT NOT NULL,
	merchant              TEXT NOT NULL DEFAULT '',
	description           TEXT NOT NULL,
	amount                NUMERIC(12,2) NOT NULL,
	original_category_id  TEXT NOT NULL,
	corrected_category_id TEXT NOT NULL,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ai_usage (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	model         TEXT NOT NULL,
	operation     TEXT NOT NULL,
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS report_artifacts (
	report_id  TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	path       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_expenses_user_created ON expenses(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_expenses_user_confidence ON expenses(user_id, ai_confidence);
CREATE INDEX IF NOT EXISTS idx_jobs_kind_state ON jobs(kind, state);
CREATE INDEX IF NOT EXISTS idx_jobs_state_created ON jobs(state, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_corrections_merchant ON corrections(merchant, created_at DESC);
`

// Migrate applies the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Expenses ---

func (s *PostgresStore) CreateExpense(ctx context.Context, e *model.Expense) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO expenses (id, user_id, description, merchant, amount, payment_method, category_id, ai_confidence, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.UserID, e.Description, e.Merchant, e.Amount, string(e.PaymentMethod), e.CategoryID, e.AIConfidence, e.CreatedAt, e.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert expense")
}

func (s *PostgresStore) GetExpense(ctx context.Context, id string) (*model.Expense, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, description, merchant, amount, payment_method, category_id, ai_confidence, created_at, updated_at FROM expenses WHERE id = $1`,
		id,
	)

	var e model.Expense
	var method string
	err := row.Scan(&e.ID, &e.UserID, &e.Description, &e.Merchant, &e.Amount, &method, &e.CategoryID, &e.AIConfidence, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get expense %s", id)
	}
	e.PaymentMethod = model.PaymentMethod(method)
	return &e, nil
}

func (s *PostgresStore) GetExpenseOwner(ctx context.Context, expenseID string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx, `SELECT user_id FROM expenses WHERE id = $1`, expenseID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", eris.Wrapf(err, "postgres: get expense owner %s", expenseID)
	}
	return userID, nil
}

func (s *PostgresStore) UpdateExpenseCategory(ctx context.Context, expenseID, categoryID string, confidence *float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE expenses SET category_id = $1, ai_confidence = $2, updated_at = $3 WHERE id = $4`,
		categoryID, confidence, time.Now().UTC(), expenseID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update expense category %s", expenseID)
	}
	return checkAffected(tag, "expense", expenseID)
}

func (s *PostgresStore) SetManualCategory(ctx context.Context, expenseID, categoryID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE expenses SET category_id = $1, ai_confidence = NULL, updated_at = $2 WHERE id = $3`,
		categoryID, time.Now().UTC(), expenseID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set manual category %s", expenseID)
	}
	return checkAffected(tag, "expense", expenseID)
}

func (s *PostgresStore) ListExpensesForRecategorization(ctx context.Context, userID string, onlyLowConfidence bool, cutoff float64, limit int) ([]model.Expense, error) {
	query := `SELECT id, user_id, description, merchant, amount, payment_method, category_id, ai_confidence, created_at, updated_at
		 FROM expenses WHERE user_id = $1`
	args := []any{userID}

	if onlyLowConfidence {
		query += ` AND (ai_confidence IS NULL OR ai_confidence < $2)`
		args = append(args, cutoff)
	}
	query += ` ORDER BY created_at DESC`

	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	if onlyLowConfidence {
		query += ` LIMIT $3`
	} else {
		query += ` LIMIT $2`
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list recategorization candidates")
	}
	defer rows.Close()

	var out []model.Expense
	for rows.Next() {
		var e model.Expense
		var method string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Description, &e.Merchant, &e.Amount, &method, &e.CategoryID, &e.AIConfidence, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan expense")
		}
		e.PaymentMethod = model.PaymentMethod(method)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate expenses")
}

func (s *PostgresStore) SummarizeExpenses(ctx context.Context, userID string, from, to time.Time) ([]model.CategoryTotal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.name, COALESCE(SUM(e.amount), 0), COUNT(e.id)
		 FROM expenses e JOIN categories c ON c.id = e.category_id
		 WHERE e.user_id = $1 AND e.created_at >= $2 AND e.created_at < $3
		 GROUP BY c.id, c.name
		 ORDER BY SUM(e.amount) DESC`,
		userID, from, to,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: summarize expenses")
	}
	defer rows.Close()

	var out []model.CategoryTotal
	for rows.Next() {
		var ct model.CategoryTotal
		if err := rows.Scan(&ct.CategoryID, &ct.CategoryName, &ct.Total, &ct.Count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan category total")
		}
		out = append(out, ct)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate category totals")
}

// --- Categories ---

func (s *PostgresStore) FindOrCreateDefaultCategory(ctx context.Context) (*model.Category, error) {
	// Name-keyed upsert keeps this idempotent under concurrent callers.
	row := s.pool.QueryRow(ctx,
		`INSERT INTO categories (id, name, is_default, created_at)
		 VALUES ($1, $2, true, $3)
		 ON CONFLICT (name) DO UPDATE SET is_default = true
		 RETURNING id, name, color, icon, is_default, created_at`,
		uuid.New().String(), model.DefaultCategoryName, time.Now().UTC(),
	)

	var c model.Category
	if err := row.Scan(&c.ID, &c.Name, &c.Color, &c.Icon, &c.IsDefault, &c.CreatedAt); err != nil {
		return nil, eris.Wrap(err, "postgres: find or create default category")
	}
	return &c, nil
}

func (s *PostgresStore) GetCategory(ctx context.Context, id string) (*model.Category, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, color, icon, is_default, created_at FROM categories WHERE id = $1`,
		id,
	)

	var c model.Category
	err := row.Scan(&c.ID, &c.Name, &c.Color, &c.Icon, &c.IsDefault, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get category %s", id)
	}
	return &c, nil
}

func (s *PostgresStore) ListCategories(ctx context.Context) ([]model.Category, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, color, icon, is_default, created_at FROM categories ORDER BY name`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list categories")
	}
	defer rows.Close()

	var out []model.Category
	for rows.Next() {
		var c model.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Color, &c.Icon, &c.IsDefault, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan category")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate categories")
}

// --- Job records ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.State = model.JobStateQueued

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, kind, payload, attempt, max_attempts, progress, state, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, string(job.Kind), job.Payload, job.Attempt, job.MaxAttempts, job.Progress, string(job.State), job.LastError, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert job")
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, kind, payload, attempt, max_attempts, progress, state, last_error, created_at, updated_at FROM jobs WHERE id = $1`,
		id,
	)

	var j model.Job
	var kind, state string
	err := row.Scan(&j.ID, &kind, &j.Payload, &j.Attempt, &j.MaxAttempts, &j.Progress, &state, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	j.Kind = model.JobKind(kind)
	j.State = model.JobState(state)
	return &j, nil
}

func (s *PostgresStore) MarkJobActive(ctx context.Context, id string, attempt int) error {
	return s.setJobState(ctx, id, model.JobStateActive, attempt, "")
}

func (s *PostgresStore) MarkJobCompleted(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET state = $1, progress = 100, last_error = '', updated_at = $2 WHERE id = $3`,
		string(model.JobStateCompleted), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark job completed %s", id)
	}
	return checkAffected(tag, "job", id)
}

func (s *PostgresStore) MarkJobRetryScheduled(ctx context.Context, id string, attempt int, lastError string) error {
	return s.setJobState(ctx, id, model.JobStateRetryScheduled, attempt, lastError)
}

func (s *PostgresStore) MarkJobFailed(ctx context.Context, id string, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET state = $1, last_error = $2, updated_at = $3 WHERE id = $4`,
		string(model.JobStateFailed), lastError, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark job failed %s", id)
	}
	return checkAffected(tag, "job", id)
}

func (s *PostgresStore) setJobState(ctx context.Context, id string, state model.JobState, attempt int, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET state = $1, attempt = $2, last_error = $3, updated_at = $4 WHERE id = $5`,
		string(state), attempt, lastError, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set job state %s", id)
	}
	return checkAffected(tag, "job", id)
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET progress = $1, updated_at = $2 WHERE id = $3`,
		progress, time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "postgres: update job progress %s", id)
}

func (s *PostgresStore) CountJobsByState(ctx context.Context, kind model.JobKind) (map[model.JobState]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT state, COUNT(*) FROM jobs WHERE kind = $1 GROUP BY state`,
		string(kind),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count jobs by state")
	}
	defer rows.Close()

	counts := make(map[model.JobState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job count")
		}
		counts[model.JobState(state)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: iterate job counts")
}

func (s *PostgresStore) PruneJobs(ctx context.Context, kind model.JobKind, state model.JobState, keep int) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE kind = $1 AND state = $2 AND id NOT IN (
			SELECT id FROM jobs WHERE kind = $1 AND state = $2 ORDER BY updated_at DESC LIMIT $3
		)`,
		string(kind), string(state), keep,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune jobs")
	}
	return int(tag.RowsAffected()), nil
}

// --- Correction signals ---

func (s *PostgresStore) SaveCorrection(ctx context.Context, c *model.Correction) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO corrections (id, user_id, merchant, description, amount, original_category_id, corrected_category_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.UserID, c.Merchant, c.Description, c.Amount, c.OriginalCategoryID, c.CorrectedCategoryID, c.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert correction")
}

func (s *PostgresStore) ListCorrectionsForMerchant(ctx context.Context, merchant string, limit int) ([]model.Correction, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, merchant, description, amount, original_category_id, corrected_category_id, created_at
		 FROM corrections WHERE merchant = $1 ORDER BY created_at DESC LIMIT $2`,
		merchant, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list corrections")
	}
	defer rows.Close()

	var out []model.Correction
	for rows.Next() {
		var c model.Correction
		if err := rows.Scan(&c.ID, &c.UserID, &c.Merchant, &c.Description, &c.Amount, &c.OriginalCategoryID, &c.CorrectedCategoryID, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan correction")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate corrections")
}

func (s *PostgresStore) CountCorrections(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM corrections`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count corrections")
}

// --- AI usage accounting ---

func (s *PostgresStore) RecordUsage(ctx context.Context, u *model.UsageRecord) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	u.CreatedAt = time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO ai_usage (id, model, operation, input_tokens, output_tokens, cost_usd, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Model, u.Operation, u.InputTokens, u.OutputTokens, u.CostUSD, u.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert usage record")
}

func (s *PostgresStore) AggregateUsage(ctx context.Context) (*model.UsageTotals, error) {
	var t model.UsageTotals
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0) FROM ai_usage`,
	).Scan(&t.Calls, &t.InputTokens, &t.OutputTokens, &t.CostUSD)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: aggregate usage")
	}

	corrections, err := s.CountCorrections(ctx)
	if err != nil {
		return nil, err
	}
	t.Corrections = corrections
	return &t, nil
}

// --- Report artifacts ---

func (s *PostgresStore) SaveReportArtifact(ctx context.Context, reportID, userID, path string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO report_artifacts (report_id, user_id, path, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (report_id) DO UPDATE SET path = EXCLUDED.path`,
		reportID, userID, path, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: save report artifact")
}

// helpers

func checkAffected(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
