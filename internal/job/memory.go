package job

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// Compile-time check that MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository is an in-memory implementation of Repository.
// It uses a map with RWMutex for thread-safe access.
// Suitable for development and testing; use SQLRepository in production.
type MemoryRepository struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewMemoryRepository creates a new in-memory job repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs: make(map[string]*Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a clone of job.
func (r *MemoryRepository) Create(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return ErrJobExists
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

// FindByID retrieves a job by its ID.
// Returns a clone to prevent external mutations.
func (r *MemoryRepository) FindByID(_ context.Context, id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// FindByCheckoutSession scans for the job holding sessionID.
func (r *MemoryRepository) FindByCheckoutSession(_ context.Context, sessionID string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sessionID == "" {
		return nil, ErrJobNotFound
	}
	for _, job := range r.jobs {
		if job.StripeSessionID == sessionID {
			return job.Clone(), nil
		}
	}
	return nil, ErrJobNotFound
}

// Update runs fn on a working copy under the write lock and swaps it in
// only if fn succeeds.
func (r *MemoryRepository) Update(_ context.Context, id string, fn MutateFunc) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	work := stored.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	work.ID = stored.ID
	work.UpdatedAt = r.now()
	r.jobs[id] = work
	return work.Clone(), nil
}

// ListCreatedBefore returns clones of the jobs older than cutoff, oldest first.
func (r *MemoryRepository) ListCreatedBefore(_ context.Context, cutoff time.Time) ([]*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Job, 0)
	for _, job := range r.jobs {
		if job.CreatedAt.Before(cutoff) {
			result = append(result, job.Clone())
		}
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	return result, nil
}

// ListByStatus returns clones of the jobs in any of statuses, oldest first.
func (r *MemoryRepository) ListByStatus(_ context.Context, statuses ...Status) ([]*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Job, 0)
	for _, job := range r.jobs {
		if slices.Contains(statuses, job.Status) {
			result = append(result, job.Clone())
		}
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	return result, nil
}

// Delete removes a job from storage.
func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(r.jobs, id)
	return nil
}
