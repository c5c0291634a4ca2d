// Package memory holds single-process repositories. Each call holds the
// repository mutex, which makes every conditional write an atomic
// compare-and-set.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrm/outreach/internal/outreach_service/domain"
)

var _ domain.SuggestionRepository = (*SuggestionRepository)(nil)

// SuggestionRepository stores suggestions in a map keyed by id.
type SuggestionRepository struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*domain.Suggestion
}

func NewSuggestionRepository() *SuggestionRepository {
	return &SuggestionRepository{rows: make(map[uuid.UUID]*domain.Suggestion)}
}

func (r *SuggestionRepository) Create(_ context.Context, s *domain.Suggestion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rows[s.ID]; exists {
		return domain.ErrConcurrentModification
	}
	r.rows[s.ID] = s.Clone()
	return nil
}

func (r *SuggestionRepository) GetByID(_ context.Context, id uuid.UUID) (*domain.Suggestion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.Clone(), nil
}

func (r *SuggestionRepository) Update(_ context.Context, s *domain.Suggestion, guard domain.Guard) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.rows[s.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if !guard.Matches(current) {
		return domain.ErrConcurrentModification
	}
	r.rows[s.ID] = s.Clone()
	return nil
}

func (r *SuggestionRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.rows, id)
	return nil
}

func (r *SuggestionRepository) ListByState(_ context.Context, states ...domain.State) ([]*domain.Suggestion, error) {
	return r.filter(func(s *domain.Suggestion) bool {
		return slices.Contains(states, s.State)
	}), nil
}

func (r *SuggestionRepository) ListByContact(_ context.Context, contactID uuid.UUID) ([]*domain.Suggestion, error) {
	return r.filter(func(s *domain.Suggestion) bool {
		return s.ContactID == contactID
	}), nil
}

func (r *SuggestionRepository) ListScheduledBetween(_ context.Context, from, to time.Time) ([]*domain.Suggestion, error) {
	out := r.filter(func(s *domain.Suggestion) bool {
		return s.State == domain.StateScheduled && s.SendAt != nil &&
			!s.SendAt.Before(from) && s.SendAt.Before(to)
	})
	slices.SortFunc(out, func(a, b *domain.Suggestion) int {
		return a.SendAt.Compare(*b.SendAt)
	})
	return out, nil
}

// filter returns clones ordered by creation time.
func (r *SuggestionRepository) filter(keep func(*domain.Suggestion) bool) []*domain.Suggestion {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Suggestion
	for _, s := range r.rows {
		if keep(s) {
			out = append(out, s.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *domain.Suggestion) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareUUID(a.ID, b.ID)
	})
	return out
}
