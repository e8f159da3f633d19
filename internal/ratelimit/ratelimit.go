// Package ratelimit caps uploads per client IP and per email address using
// fixed windows. Counters live in a Store so they can outlast the process.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrIPLimited is returned when a client IP exhausted its hourly quota.
	ErrIPLimited = errors.New("ratelimit: too many uploads from this address")
	// ErrEmailLimited is returned when an email exhausted its daily quota.
	ErrEmailLimited = errors.New("ratelimit: too many uploads for this email")
)

// Config holds the quotas. A zero limit disables that check.
type Config struct {
	IPLimit     int
	IPWindow    time.Duration
	EmailLimit  int
	EmailWindow time.Duration
}

// DefaultConfig returns 10 uploads per IP per hour and 20 per email per day.
func DefaultConfig() Config {
	return Config{
		IPLimit:     10,
		IPWindow:    time.Hour,
		EmailLimit:  20,
		EmailWindow: 24 * time.Hour,
	}
}

// Store keeps one counter per key. A window opens on the first hit and
// resets once its end has passed.
type Store interface {
	// Count returns the hits in the window that is open at now.
	Count(ctx context.Context, key string, now time.Time) (int, error)
	// Add counts one hit, opening a window of length span if none is open.
	Add(ctx context.Context, key string, span time.Duration, now time.Time) error
	// Prune drops windows that ended before now.
	Prune(ctx context.Context, now time.Time) error
}

// Limiter enforces the quotas on top of a Store. It is safe for concurrent use.
type Limiter struct {
	cfg   Config
	store Store
	now   func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithStore sets the counter store. Defaults to a MemoryStore.
func WithStore(s Store) Option {
	return func(l *Limiter) {
		l.store = s
	}
}

// New creates a Limiter.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg: cfg,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		l.store = NewMemoryStore()
	}
	return l
}

// Check reports whether ip and email may upload again. It does not count
// the attempt.
func (l *Limiter) Check(ctx context.Context, ip, email string) error {
	now := l.now()

	limited, err := l.exhausted(ctx, ipKey(ip), l.cfg.IPLimit, now)
	if err != nil {
		return err
	}
	if limited {
		return ErrIPLimited
	}

	limited, err = l.exhausted(ctx, emailKey(email), l.cfg.EmailLimit, now)
	if err != nil {
		return err
	}
	if limited {
		return ErrEmailLimited
	}
	return nil
}

// Record counts one accepted upload against ip and email.
func (l *Limiter) Record(ctx context.Context, ip, email string) error {
	now := l.now()
	return errors.Join(
		l.hit(ctx, ipKey(ip), l.cfg.IPLimit, l.cfg.IPWindow, now),
		l.hit(ctx, emailKey(email), l.cfg.EmailLimit, l.cfg.EmailWindow, now),
	)
}

// Prune drops expired windows.
func (l *Limiter) Prune(ctx context.Context) error {
	if err := l.store.Prune(ctx, l.now()); err != nil {
		return fmt.Errorf("ratelimit: prune: %w", err)
	}
	return nil
}

func ipKey(ip string) string {
	if ip == "" {
		return ""
	}
	return "ip:" + ip
}

func emailKey(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return ""
	}
	return "email:" + email
}

func (l *Limiter) exhausted(ctx context.Context, key string, limit int, now time.Time) (bool, error) {
	if limit <= 0 || key == "" {
		return false, nil
	}
	n, err := l.store.Count(ctx, key, now)
	if err != nil {
		return false, fmt.Errorf("ratelimit: count %s: %w", key, err)
	}
	return n >= limit, nil
}

func (l *Limiter) hit(ctx context.Context, key string, limit int, span time.Duration, now time.Time) error {
	if limit <= 0 || key == "" {
		return nil
	}
	if err := l.store.Add(ctx, key, span, now); err != nil {
		return fmt.Errorf("ratelimit: record %s: %w", key, err)
	}
	return nil
}
