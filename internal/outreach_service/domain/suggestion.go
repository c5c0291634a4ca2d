package domain

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a suggestion.
type State string

const (
	StateDraft       State = "draft"
	StateApproved    State = "approved"
	StateScheduled   State = "scheduled"
	StateSent        State = "sent"
	StateNeedsReview State = "needs_review"
	StateCanceled    State = "canceled"
)

// Provenance records where the current content came from.
type Provenance string

const (
	ProvenanceAIGenerated    Provenance = "ai-generated"
	ProvenanceTemplated      Provenance = "templated"
	ProvenanceManuallyEdited Provenance = "manually-edited"
)

var transitions = map[State][]State{
	StateDraft:       {StateApproved, StateCanceled},
	StateApproved:    {StateScheduled, StateDraft, StateNeedsReview, StateCanceled},
	StateScheduled:   {StateSent, StateNeedsReview, StateCanceled},
	StateNeedsReview: {StateApproved, StateCanceled},
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSent || s == StateCanceled
}

// Editable reports whether content may be changed in this state.
func (s State) Editable() bool {
	return s == StateDraft || s == StateNeedsReview
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateDraft, StateApproved, StateScheduled, StateSent, StateNeedsReview, StateCanceled:
		return true
	}
	return false
}

// Suggestion is a drafted outgoing message addressed to one contact action.
type Suggestion struct {
	ID         uuid.UUID  `json:"id"`
	ContactID  uuid.UUID  `json:"contact_id"`
	ActionID   *uuid.UUID `json:"action_id,omitempty"`
	AccountID  string     `json:"account_id"`
	Subject    string     `json:"subject"`
	Body       string     `json:"body"`
	SendAt     *time.Time `json:"send_at,omitempty"`
	Rationale  string     `json:"rationale"`
	State      State      `json:"state"`
	Provenance Provenance `json:"provenance"`
	Version    int        `json:"version"`

	JobID         *uuid.UUID `json:"job_id,omitempty"`
	ReviewReason  string     `json:"review_reason,omitempty"`
	ReviewEventID *uuid.UUID `json:"review_event_id,omitempty"`

	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so snapshots never alias stored state.
func (s *Suggestion) Clone() *Suggestion {
	if s == nil {
		return nil
	}
	c := *s
	c.ActionID = cloneUUID(s.ActionID)
	c.JobID = cloneUUID(s.JobID)
	c.ReviewEventID = cloneUUID(s.ReviewEventID)
	c.SendAt = cloneTime(s.SendAt)
	c.ApprovedAt = cloneTime(s.ApprovedAt)
	c.ScheduledAt = cloneTime(s.ScheduledAt)
	c.SentAt = cloneTime(s.SentAt)
	return &c
}

// HasJob reports whether the suggestion points at jobID.
func (s *Suggestion) HasJob(jobID uuid.UUID) bool {
	return s.JobID != nil && *s.JobID == jobID
}

// Guard is the (state, version, job) triple a conditional write must observe.
type Guard struct {
	State   State
	Version int
	JobID   *uuid.UUID
}

// GuardOf captures the guard for the current snapshot of s.
func GuardOf(s *Suggestion) Guard {
	return Guard{State: s.State, Version: s.Version, JobID: cloneUUID(s.JobID)}
}

// Matches reports whether s still satisfies the guard.
func (g Guard) Matches(s *Suggestion) bool {
	if s.State != g.State || s.Version != g.Version {
		return false
	}
	if (g.JobID == nil) != (s.JobID == nil) {
		return false
	}
	return g.JobID == nil || *g.JobID == *s.JobID
}

// Draft is generated or operator-supplied suggestion content.
type Draft struct {
	Subject    string
	Body       string
	Rationale  string
	SendAt     *time.Time
	Provenance Provenance
}

// SuggestionEdit carries optional content changes; nil fields are untouched.
type SuggestionEdit struct {
	Subject *string
	Body    *string
	SendAt  *time.Time
}

// Empty reports whether the edit changes nothing.
func (e SuggestionEdit) Empty() bool {
	return e.Subject == nil && e.Body == nil && e.SendAt == nil
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
