package job

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrJobNotFound is returned when a job cannot be found by ID.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned when creating a job whose ID is already stored.
	ErrJobExists = errors.New("job already exists")
)

// MutateFunc changes a job inside Repository.Update. Returning an error
// aborts the update and leaves the stored job untouched.
type MutateFunc func(*Job) error

// Repository defines the interface for job persistence.
// It acts as a port in the hexagonal architecture pattern.
type Repository interface {
	// Create persists a new job.
	// Returns ErrJobExists if the ID is already taken.
	Create(ctx context.Context, job *Job) error

	// FindByID retrieves a job by its unique identifier.
	// Returns ErrJobNotFound if the job does not exist.
	FindByID(ctx context.Context, id string) (*Job, error)

	// FindByCheckoutSession retrieves the job that owns a checkout session.
	// Returns ErrJobNotFound if no job references the session.
	FindByCheckoutSession(ctx context.Context, sessionID string) (*Job, error)

	// Update applies fn to the stored job as one atomic read-modify-write
	// and returns the stored result. UpdatedAt is refreshed on success.
	Update(ctx context.Context, id string, fn MutateFunc) (*Job, error)

	// ListCreatedBefore returns jobs created strictly before cutoff.
	ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]*Job, error)

	// ListByStatus returns jobs in any of the given states, oldest first.
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error)

	// Delete removes a job from storage.
	// Returns ErrJobNotFound if the job does not exist.
	Delete(ctx context.Context, id string) error
}
