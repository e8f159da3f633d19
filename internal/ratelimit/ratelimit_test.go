package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(cfg Config, opts ...Option) (*Limiter, *time.Time) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(cfg, opts...)
	l.now = func() time.Time { return now }
	return l, &now
}

func accept(t *testing.T, l *Limiter, ip, email string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, l.Check(ctx, ip, email))
	require.NoError(t, l.Record(ctx, ip, email))
}

func TestLimiter_IPLimit(t *testing.T) {
	ctx := context.Background()
	l, now := newTestLimiter(Config{IPLimit: 2, IPWindow: time.Hour})

	accept(t, l, "1.2.3.4", "a@example.com")
	accept(t, l, "1.2.3.4", "b@example.com")
	assert.ErrorIs(t, l.Check(ctx, "1.2.3.4", "c@example.com"), ErrIPLimited)
	assert.NoError(t, l.Check(ctx, "5.6.7.8", "c@example.com"))

	*now = now.Add(time.Hour)
	assert.NoError(t, l.Check(ctx, "1.2.3.4", "c@example.com"))
}

func TestLimiter_EmailLimit(t *testing.T) {
	ctx := context.Background()
	l, now := newTestLimiter(Config{EmailLimit: 1, EmailWindow: 24 * time.Hour})

	accept(t, l, "1.1.1.1", "Ana@Example.com")
	assert.ErrorIs(t, l.Check(ctx, "2.2.2.2", " ana@example.com "), ErrEmailLimited)

	*now = now.Add(23 * time.Hour)
	assert.ErrorIs(t, l.Check(ctx, "3.3.3.3", "ana@example.com"), ErrEmailLimited)

	*now = now.Add(time.Hour)
	assert.NoError(t, l.Check(ctx, "3.3.3.3", "ana@example.com"))
}

func TestLimiter_CheckDoesNotCount(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(Config{IPLimit: 1, IPWindow: time.Hour})

	for i := 0; i < 5; i++ {
		assert.NoError(t, l.Check(ctx, "1.1.1.1", "a@example.com"))
	}
	require.NoError(t, l.Record(ctx, "1.1.1.1", "a@example.com"))
	assert.ErrorIs(t, l.Check(ctx, "1.1.1.1", "a@example.com"), ErrIPLimited)
}

func TestLimiter_Disabled(t *testing.T) {
	l, _ := newTestLimiter(Config{})
	for i := 0; i < 100; i++ {
		accept(t, l, "1.1.1.1", "a@example.com")
	}
}

func TestLimiter_Prune(t *testing.T) {
	store := NewMemoryStore()
	l, now := newTestLimiter(DefaultConfig(), WithStore(store))
	accept(t, l, "1.1.1.1", "a@example.com")
	assert.Equal(t, 2, store.Len())

	*now = now.Add(2 * time.Hour)
	require.NoError(t, l.Prune(context.Background()))

	assert.Equal(t, 1, store.Len())
}

type failingStore struct{ err error }

func (s failingStore) Count(context.Context, string, time.Time) (int, error) { return 0, s.err }

func (s failingStore) Add(context.Context, string, time.Duration, time.Time) error { return s.err }

func (s failingStore) Prune(context.Context, time.Time) error { return s.err }

func TestLimiter_StoreErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("database is locked")
	l, _ := newTestLimiter(DefaultConfig(), WithStore(failingStore{err: boom}))

	err := l.Check(ctx, "1.1.1.1", "a@example.com")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrIPLimited)

	assert.ErrorIs(t, l.Record(ctx, "1.1.1.1", "a@example.com"), boom)
	assert.ErrorIs(t, l.Prune(ctx), boom)
}
