// Package contacts provides ContactDirectory implementations backed by
// process memory.
package contacts

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrm/outreach/internal/outreach_service/domain"
)

var _ domain.ContactDirectory = (*MemoryDirectory)(nil)

// MemoryDirectory is an in-process contact and action store.
type MemoryDirectory struct {
	mu       sync.RWMutex
	contacts map[uuid.UUID]*domain.Contact
	byEmail  map[string]uuid.UUID
	actions  map[uuid.UUID]*domain.Action
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		contacts: make(map[uuid.UUID]*domain.Contact),
		byEmail:  make(map[string]uuid.UUID),
		actions:  make(map[uuid.UUID]*domain.Action),
	}
}

// AddContact stores c, assigning an id when missing, and returns a copy.
func (d *MemoryDirectory) AddContact(c domain.Contact) *domain.Contact {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Email = domain.NormalizeAddress(c.Email)
	d.contacts[c.ID] = &c
	if c.Email != "" {
		d.byEmail[c.Email] = c.ID
	}
	out := c
	return &out
}

// AddAction stores an open action for a contact.
func (d *MemoryDirectory) AddAction(contactID uuid.UUID, title string, due *time.Time) *domain.Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := &domain.Action{ID: uuid.New(), ContactID: contactID, Title: title, DueDate: due}
	d.actions[a.ID] = a
	out := *a
	return &out
}

// RemoveContact deletes a contact and its actions.
func (d *MemoryDirectory) RemoveContact(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.contacts[id]; ok {
		delete(d.byEmail, c.Email)
		delete(d.contacts, id)
	}
	for aid, a := range d.actions {
		if a.ContactID == id {
			delete(d.actions, aid)
		}
	}
}

// Actions returns every action of a contact ordered by due date, open
// actions without a due date last.
func (d *MemoryDirectory) Actions(contactID uuid.UUID) []*domain.Action {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*domain.Action
	for _, a := range d.actions {
		if a.ContactID == contactID {
			c := *a
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, compareDue)
	return out
}

func (d *MemoryDirectory) GetContact(_ context.Context, id uuid.UUID) (*domain.Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.contacts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (d *MemoryDirectory) ResolveByAddress(_ context.Context, address string) (*domain.Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byEmail[domain.NormalizeAddress(address)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *d.contacts[id]
	return &out, nil
}

func (d *MemoryDirectory) GetPendingAction(_ context.Context, contactID uuid.UUID) (*domain.Action, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var open []*domain.Action
	for _, a := range d.actions {
		if a.ContactID == contactID && a.CompletedAt == nil {
			open = append(open, a)
		}
	}
	if len(open) == 0 {
		return nil, domain.ErrNotFound
	}
	slices.SortFunc(open, compareDue)
	out := *open[0]
	return &out, nil
}

func (d *MemoryDirectory) CompleteAction(_ context.Context, actionID uuid.UUID, at time.Time) (*domain.Action, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.actions[actionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if a.CompletedAt == nil {
		done := at
		a.CompletedAt = &done
	}
	out := *a
	return &out, nil
}

func (d *MemoryDirectory) CreateNextAction(_ context.Context, contactID uuid.UUID, title string, due time.Time) (*domain.Action, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.contacts[contactID]; !ok {
		return nil, domain.ErrNotFound
	}
	a := &domain.Action{ID: uuid.New(), ContactID: contactID, Title: title, DueDate: &due}
	d.actions[a.ID] = a
	out := *a
	return &out, nil
}

func (d *MemoryDirectory) MarkContacted(_ context.Context, contactID uuid.UUID, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contacts[contactID]
	if !ok {
		return domain.ErrNotFound
	}
	if c.LastContactedAt == nil || at.After(*c.LastContactedAt) {
		t := at
		c.LastContactedAt = &t
	}
	return nil
}

func compareDue(a, b *domain.Action) int {
	switch {
	case a.DueDate == nil && b.DueDate == nil:
		return 0
	case a.DueDate == nil:
		return 1
	case b.DueDate == nil:
		return -1
	default:
		return a.DueDate.Compare(*b.DueDate)
	}
}
