package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Compile-time check that SQLStore implements Store.
var _ Store = (*SQLStore)(nil)

const schema = `CREATE TABLE IF NOT EXISTS rate_limits (
	bucket TEXT PRIMARY KEY,
	window_end BIGINT NOT NULL,
	hits INTEGER NOT NULL
)`

// SQLStore keeps counters in the rate_limits table so quotas survive
// restarts. It works with the sqlite3 and postgres drivers.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore creates the rate_limits table if needed.
func NewSQLStore(ctx context.Context, db *sqlx.DB) (*SQLStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("ratelimit: create table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Count returns the hits in the open window for key.
func (s *SQLStore) Count(ctx context.Context, key string, now time.Time) (int, error) {
	var hits int
	query := s.db.Rebind(`SELECT hits FROM rate_limits WHERE bucket = ? AND window_end > ?`)
	err := s.db.GetContext(ctx, &hits, query, key, now.UnixMilli())
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return hits, nil
}

// Add counts one hit for key in a single upsert. An expired window is
// restarted in place.
func (s *SQLStore) Add(ctx context.Context, key string, span time.Duration, now time.Time) error {
	nowMs := now.UnixMilli()
	end := now.Add(span).UnixMilli()
	query := s.db.Rebind(`INSERT INTO rate_limits (bucket, window_end, hits) VALUES (?, ?, 1)
		ON CONFLICT (bucket) DO UPDATE SET
			hits = CASE WHEN rate_limits.window_end <= ? THEN 1 ELSE rate_limits.hits + 1 END,
			window_end = CASE WHEN rate_limits.window_end <= ? THEN ? ELSE rate_limits.window_end END`)
	_, err := s.db.ExecContext(ctx, query, key, end, nowMs, nowMs, end)
	return err
}

// Prune deletes expired windows.
func (s *SQLStore) Prune(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM rate_limits WHERE window_end <= ?`), now.UnixMilli())
	return err
}
