package memory

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrm/outreach/internal/outreach_service/domain"
)

var _ domain.JobRepository = (*JobRepository)(nil)

// JobRepository keeps all jobs in a map plus a slice of pending jobs
// sorted by (fire_at, id), which serves ListDue by binary search.
type JobRepository struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*domain.Job
	pending []*domain.Job
}

func NewJobRepository() *JobRepository {
	return &JobRepository{jobs: make(map[uuid.UUID]*domain.Job)}
}

func (r *JobRepository) Insert(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.Status == domain.JobPending {
		for _, p := range r.pending {
			if p.SuggestionID == job.SuggestionID {
				return domain.ErrDuplicatePendingJob
			}
		}
	}
	stored := *job
	r.jobs[job.ID] = &stored
	if stored.Status == domain.JobPending {
		r.indexPending(&stored)
	}
	return nil
}

func (r *JobRepository) GetByID(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *j
	return &c, nil
}

func (r *JobRepository) Transition(_ context.Context, id uuid.UUID, from, to domain.JobStatus, lastError string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status != from {
		return domain.ErrConcurrentModification
	}
	if from == domain.JobPending {
		r.unindexPending(j)
	}
	j.Status = to
	if lastError != "" {
		j.LastError = lastError
	}
	j.UpdatedAt = at
	if to == domain.JobPending {
		r.indexPending(j)
	}
	return nil
}

func (r *JobRepository) ListDue(_ context.Context, now time.Time, after *domain.JobCursor, limit int) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := 0
	if after != nil {
		start, _ = slices.BinarySearchFunc(r.pending, *after, func(j *domain.Job, c domain.JobCursor) int {
			return compareKey(j.FireAt, j.ID, c.FireAt, c.ID)
		})
		for start < len(r.pending) && !after.After(r.pending[start]) {
			start++
		}
	}

	var out []*domain.Job
	for i := start; i < len(r.pending) && len(out) < limit; i++ {
		j := r.pending[i]
		if j.FireAt.After(now) {
			break
		}
		c := *j
		out = append(out, &c)
	}
	return out, nil
}

func (r *JobRepository) ListBySuggestion(_ context.Context, suggestionID uuid.UUID) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Job
	for _, j := range r.jobs {
		if j.SuggestionID == suggestionID {
			c := *j
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *domain.Job) int { return a.Attempt - b.Attempt })
	return out, nil
}

func (r *JobRepository) DeleteBySuggestion(_ context.Context, suggestionID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, j := range r.jobs {
		if j.SuggestionID != suggestionID {
			continue
		}
		if j.Status == domain.JobPending {
			r.unindexPending(j)
		}
		delete(r.jobs, id)
		n++
	}
	return n, nil
}

func (r *JobRepository) indexPending(j *domain.Job) {
	i, _ := slices.BinarySearchFunc(r.pending, j, func(a, b *domain.Job) int {
		return compareKey(a.FireAt, a.ID, b.FireAt, b.ID)
	})
	r.pending = slices.Insert(r.pending, i, j)
}

func (r *JobRepository) unindexPending(j *domain.Job) {
	i, found := slices.BinarySearchFunc(r.pending, j, func(a, b *domain.Job) int {
		return compareKey(a.FireAt, a.ID, b.FireAt, b.ID)
	})
	if found {
		r.pending = slices.Delete(r.pending, i, i+1)
	}
}

func compareKey(at time.Time, id uuid.UUID, bt time.Time, bid uuid.UUID) int {
	if c := at.Compare(bt); c != 0 {
		return c
	}
	return compareUUID(id, bid)
}

func compareUUID(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}
