package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrm/outreach/internal/outreach_service/domain"
)

var _ domain.ActivityRepository = (*ActivityRepository)(nil)

type sourceKey struct {
	contactID uuid.UUID
	sourceID  string
}

// ActivityRepository stores events with a unique (contact, source id) index.
type ActivityRepository struct {
	mu       sync.RWMutex
	events   map[uuid.UUID]*domain.ActivityEvent
	bySource map[sourceKey]uuid.UUID
}

func NewActivityRepository() *ActivityRepository {
	return &ActivityRepository{
		events:   make(map[uuid.UUID]*domain.ActivityEvent),
		bySource: make(map[sourceKey]uuid.UUID),
	}
}

func (r *ActivityRepository) Record(_ context.Context, ev *domain.ActivityEvent) (*domain.ActivityEvent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sourceKey{contactID: ev.ContactID, sourceID: ev.SourceMessageID}
	if id, dup := r.bySource[key]; dup {
		existing := *r.events[id]
		return &existing, false, nil
	}
	stored := *ev
	r.events[stored.ID] = &stored
	r.bySource[key] = stored.ID
	out := stored
	return &out, true, nil
}

func (r *ActivityRepository) GetByID(_ context.Context, id uuid.UUID) (*domain.ActivityEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.events[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *ev
	return &c, nil
}

func (r *ActivityRepository) FindBySource(_ context.Context, contactID uuid.UUID, sourceMessageID string) (*domain.ActivityEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySource[sourceKey{contactID: contactID, sourceID: sourceMessageID}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *r.events[id]
	return &c, nil
}

func (r *ActivityRepository) ListByContact(_ context.Context, contactID uuid.UUID, limit int) ([]*domain.ActivityEvent, error) {
	out := r.newestFirst(func(ev *domain.ActivityEvent) bool { return ev.ContactID == contactID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ActivityRepository) LatestInbound(_ context.Context, contactID uuid.UUID) (*domain.ActivityEvent, error) {
	out := r.newestFirst(func(ev *domain.ActivityEvent) bool {
		return ev.ContactID == contactID && ev.Direction == domain.DirectionInbound
	})
	if len(out) == 0 {
		return nil, domain.ErrNotFound
	}
	return out[0], nil
}

func (r *ActivityRepository) DeleteByContact(_ context.Context, contactID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, ev := range r.events {
		if ev.ContactID != contactID {
			continue
		}
		delete(r.bySource, sourceKey{contactID: ev.ContactID, sourceID: ev.SourceMessageID})
		delete(r.events, id)
		n++
	}
	return n, nil
}

func (r *ActivityRepository) newestFirst(keep func(*domain.ActivityEvent) bool) []*domain.ActivityEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.ActivityEvent
	for _, ev := range r.events {
		if keep(ev) {
			c := *ev
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *domain.ActivityEvent) int {
		return b.OccurredAt.Compare(a.OccurredAt)
	})
	return out
}

var _ domain.WatermarkRepository = (*WatermarkRepository)(nil)

// WatermarkRepository keeps one timestamp per account.
type WatermarkRepository struct {
	mu    sync.Mutex
	marks map[string]time.Time
}

func NewWatermarkRepository() *WatermarkRepository {
	return &WatermarkRepository{marks: make(map[string]time.Time)}
}

func (r *WatermarkRepository) Get(_ context.Context, accountID string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.marks[accountID], nil
}

func (r *WatermarkRepository) Advance(_ context.Context, accountID string, to time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if to.After(r.marks[accountID]) {
		r.marks[accountID] = to
	}
	return nil
}
