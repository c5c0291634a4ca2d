package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ProviderMessage is a message fetched from a connected account.
type ProviderMessage struct {
	ID        string
	From      string
	To        string // Comma-separated header value
	Subject   string
	Snippet   string
	Timestamp time.Time
}

// OutgoingMessage is handed to the provider for delivery.
type OutgoingMessage struct {
	To             string
	Subject        string
	Body           string
	IdempotencyKey string
}

// DeliveryReceipt is returned by a successful send.
type DeliveryReceipt struct {
	MessageID string
	SentAt    time.Time
}

// MessageProvider fetches and sends mail for connected accounts.
type MessageProvider interface {
	// FetchRecentMessages returns messages with timestamps at or after since.
	FetchRecentMessages(ctx context.Context, accountID string, since time.Time) ([]ProviderMessage, error)
	// SendMessage delivers msg. Repeated calls with the same idempotency key
	// must not produce a second delivery.
	SendMessage(ctx context.Context, accountID string, msg OutgoingMessage) (*DeliveryReceipt, error)
}

// ContactDirectory is the external contact/action store.
type ContactDirectory interface {
	GetContact(ctx context.Context, id uuid.UUID) (*Contact, error)
	// ResolveByAddress matches a bare or "Name <addr>" address, case-insensitively.
	ResolveByAddress(ctx context.Context, address string) (*Contact, error)
	// GetPendingAction returns the earliest-due open action, or ErrNotFound.
	GetPendingAction(ctx context.Context, contactID uuid.UUID) (*Action, error)
	// CompleteAction marks the action done and returns it. Completing an
	// already completed action is not an error.
	CompleteAction(ctx context.Context, actionID uuid.UUID, at time.Time) (*Action, error)
	CreateNextAction(ctx context.Context, contactID uuid.UUID, title string, due time.Time) (*Action, error)
	MarkContacted(ctx context.Context, contactID uuid.UUID, at time.Time) error
}

// TextCompleter generates free text from a prompt.
type TextCompleter interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// EventPublisher emits lifecycle notifications.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// Lifecycle event subjects.
const (
	SubjectSuggestionScheduled   = "outreach.suggestion.scheduled"
	SubjectSuggestionSent        = "outreach.suggestion.sent"
	SubjectSuggestionNeedsReview = "outreach.suggestion.needs_review"
)

// LifecycleEvent is the JSON payload published on the subjects above.
type LifecycleEvent struct {
	SuggestionID uuid.UUID  `json:"suggestion_id"`
	ContactID    uuid.UUID  `json:"contact_id"`
	State        State      `json:"state"`
	JobID        *uuid.UUID `json:"job_id,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	OccurredAt   time.Time  `json:"occurred_at"`
}
