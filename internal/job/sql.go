package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Compile-time check that SQLRepository implements Repository.
var _ Repository = (*SQLRepository)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	preset TEXT NOT NULL,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	backend TEXT NOT NULL DEFAULT '',
	input_image_path TEXT NOT NULL DEFAULT '',
	full_video_path TEXT NOT NULL DEFAULT '',
	preview_video_path TEXT NOT NULL DEFAULT '',
	preview_watermarked BOOLEAN NOT NULL DEFAULT FALSE,
	s3_image_key TEXT NOT NULL DEFAULT '',
	s3_full_key TEXT NOT NULL DEFAULT '',
	s3_preview_key TEXT NOT NULL DEFAULT '',
	stripe_session_id TEXT NOT NULL DEFAULT '',
	stripe_payment_intent TEXT NOT NULL DEFAULT '',
	download_count INTEGER NOT NULL DEFAULT 0,
	ip_address TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	paid_at BIGINT
);

CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_stripe_session ON jobs(stripe_session_id);
`

const jobColumns = `id, email, preset, status, error_message, backend,
	input_image_path, full_video_path, preview_video_path, preview_watermarked,
	s3_image_key, s3_full_key, s3_preview_key,
	stripe_session_id, stripe_payment_intent, download_count,
	ip_address, user_agent, created_at, updated_at, paid_at`

// jobRow is the table representation of a Job. Timestamps are Unix milliseconds.
type jobRow struct {
	ID                  string        `db:"id"`
	Email               string        `db:"email"`
	Preset              string        `db:"preset"`
	Status              string        `db:"status"`
	Error               string        `db:"error_message"`
	Backend             string        `db:"backend"`
	OriginalImagePath   string        `db:"input_image_path"`
	FullVideoPath       string        `db:"full_video_path"`
	PreviewVideoPath    string        `db:"preview_video_path"`
	PreviewWatermarked  bool          `db:"preview_watermarked"`
	S3ImageKey          string        `db:"s3_image_key"`
	S3FullKey           string        `db:"s3_full_key"`
	S3PreviewKey        string        `db:"s3_preview_key"`
	StripeSessionID     string        `db:"stripe_session_id"`
	StripePaymentIntent string        `db:"stripe_payment_intent"`
	DownloadCount       int           `db:"download_count"`
	ClientIP            string        `db:"ip_address"`
	UserAgent           string        `db:"user_agent"`
	CreatedAt           int64         `db:"created_at"`
	UpdatedAt           int64         `db:"updated_at"`
	PaidAt              sql.NullInt64 `db:"paid_at"`
}

func toRow(j *Job) jobRow {
	r := jobRow{
		ID:                  j.ID,
		Email:               j.Email,
		Preset:              j.Preset,
		Status:              string(j.Status),
		Error:               j.Error,
		Backend:             j.Backend,
		OriginalImagePath:   j.OriginalImagePath,
		FullVideoPath:       j.FullVideoPath,
		PreviewVideoPath:    j.PreviewVideoPath,
		PreviewWatermarked:  j.PreviewWatermarked,
		S3ImageKey:          j.S3ImageKey,
		S3FullKey:           j.S3FullKey,
		S3PreviewKey:        j.S3PreviewKey,
		StripeSessionID:     j.StripeSessionID,
		StripePaymentIntent: j.StripePaymentIntent,
		DownloadCount:       j.DownloadCount,
		ClientIP:            j.ClientIP,
		UserAgent:           j.UserAgent,
		CreatedAt:           j.CreatedAt.UnixMilli(),
		UpdatedAt:           j.UpdatedAt.UnixMilli(),
	}
	if j.PaidAt != nil {
		r.PaidAt = sql.NullInt64{Int64: j.PaidAt.UnixMilli(), Valid: true}
	}
	return r
}

func (r jobRow) toJob() *Job {
	j := &Job{
		ID:                  r.ID,
		Email:               r.Email,
		Preset:              r.Preset,
		Status:              Status(r.Status),
		Error:               r.Error,
		Backend:             r.Backend,
		OriginalImagePath:   r.OriginalImagePath,
		FullVideoPath:       r.FullVideoPath,
		PreviewVideoPath:    r.PreviewVideoPath,
		PreviewWatermarked:  r.PreviewWatermarked,
		S3ImageKey:          r.S3ImageKey,
		S3FullKey:           r.S3FullKey,
		S3PreviewKey:        r.S3PreviewKey,
		StripeSessionID:     r.StripeSessionID,
		StripePaymentIntent: r.StripePaymentIntent,
		DownloadCount:       r.DownloadCount,
		ClientIP:            r.ClientIP,
		UserAgent:           r.UserAgent,
		CreatedAt:           time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:           time.UnixMilli(r.UpdatedAt).UTC(),
	}
	if r.PaidAt.Valid {
		paidAt := time.UnixMilli(r.PaidAt.Int64).UTC()
		j.PaidAt = &paidAt
	}
	return j
}

// SQLRepository stores jobs in a single SQL table. It works with the
// sqlite3 and postgres drivers.
type SQLRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// SQLiteDSN builds a DSN for a SQLite database file with WAL journaling and
// write-locking transactions, so read-modify-write updates serialise.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
}

// OpenSQLRepository connects to the database and creates the schema if needed.
func OpenSQLRepository(ctx context.Context, driver, dsn string) (*SQLRepository, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("job: unsupported database driver %q", driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("job: connect %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// A single connection keeps SQLite writers from tripping over each other.
		db.SetMaxOpenConns(1)
	}

	repo := &SQLRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	if err := repo.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("job: initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// DB returns the underlying connection pool for stores that share the
// database file, such as the rate limit counters.
func (r *SQLRepository) DB() *sqlx.DB {
	return r.db
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLRepository) initSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Create inserts a new job row.
func (r *SQLRepository) Create(ctx context.Context, job *Job) error {
	query := `INSERT INTO jobs (` + jobColumns + `) VALUES (
		:id, :email, :preset, :status, :error_message, :backend,
		:input_image_path, :full_video_path, :preview_video_path, :preview_watermarked,
		:s3_image_key, :s3_full_key, :s3_preview_key,
		:stripe_session_id, :stripe_payment_intent, :download_count,
		:ip_address, :user_agent, :created_at, :updated_at, :paid_at)`

	if _, err := r.db.NamedExecContext(ctx, query, toRow(job)); err != nil {
		if isUniqueViolation(err) {
			return ErrJobExists
		}
		return fmt.Errorf("job: insert %s: %w", job.ID, err)
	}
	return nil
}

// FindByID retrieves a job by its ID.
func (r *SQLRepository) FindByID(ctx context.Context, id string) (*Job, error) {
	return r.findOne(ctx, r.db, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
}

// FindByCheckoutSession retrieves the job holding sessionID.
func (r *SQLRepository) FindByCheckoutSession(ctx context.Context, sessionID string) (*Job, error) {
	if sessionID == "" {
		return nil, ErrJobNotFound
	}
	return r.findOne(ctx, r.db, `SELECT `+jobColumns+` FROM jobs WHERE stripe_session_id = ?`, sessionID)
}

// Update reads, mutates and writes one job inside a single transaction.
// On PostgreSQL the row is locked with SELECT ... FOR UPDATE; SQLite
// transactions take the write lock up front (see SQLiteDSN).
func (r *SQLRepository) Update(ctx context.Context, id string, fn MutateFunc) (*Job, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("job: begin update %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	if r.db.DriverName() == DriverPostgres {
		query += ` FOR UPDATE`
	}
	job, err := r.findOne(ctx, tx, query, id)
	if err != nil {
		return nil, err
	}

	if err := fn(job); err != nil {
		return nil, err
	}
	job.ID = id
	job.UpdatedAt = r.now()

	update := `UPDATE jobs SET
		email = :email, preset = :preset, status = :status,
		error_message = :error_message, backend = :backend,
		input_image_path = :input_image_path,
		full_video_path = :full_video_path,
		preview_video_path = :preview_video_path,
		preview_watermarked = :preview_watermarked,
		s3_image_key = :s3_image_key, s3_full_key = :s3_full_key, s3_preview_key = :s3_preview_key,
		stripe_session_id = :stripe_session_id,
		stripe_payment_intent = :stripe_payment_intent,
		download_count = :download_count,
		ip_address = :ip_address, user_agent = :user_agent,
		updated_at = :updated_at, paid_at = :paid_at
		WHERE id = :id`
	if _, err := tx.NamedExecContext(ctx, update, toRow(job)); err != nil {
		return nil, fmt.Errorf("job: update %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("job: commit update %s: %w", id, err)
	}
	return job, nil
}

// ListCreatedBefore returns the jobs older than cutoff, oldest first.
func (r *SQLRepository) ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	var rows []jobRow
	query := r.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE created_at < ? ORDER BY created_at`)
	if err := r.db.SelectContext(ctx, &rows, query, cutoff.UnixMilli()); err != nil {
		return nil, fmt.Errorf("job: list created before: %w", err)
	}
	result := make([]*Job, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toJob())
	}
	return result, nil
}

// ListByStatus returns the jobs in any of statuses, oldest first.
func (r *SQLRepository) ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error) {
	if len(statuses) == 0 {
		return []*Job{}, nil
	}
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	query, args, err := sqlx.In(`SELECT `+jobColumns+` FROM jobs WHERE status IN (?) ORDER BY created_at`, names)
	if err != nil {
		return nil, fmt.Errorf("job: list by status: %w", err)
	}
	var rows []jobRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("job: list by status: %w", err)
	}
	result := make([]*Job, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toJob())
	}
	return result, nil
}

// Delete removes a job row.
func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM jobs WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("job: delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("job: delete %s: %w", id, err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *SQLRepository) findOne(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*Job, error) {
	var row jobRow
	if err := sqlx.GetContext(ctx, q, &row, r.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("job: query: %w", err)
	}
	return row.toJob(), nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
