package domain

import (
	"time"

	"github.com/google/uuid"
)

// Direction of a contact activity event relative to the operator.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ActivityEvent is one message exchanged with a contact.
type ActivityEvent struct {
	ID              uuid.UUID  `json:"id"`
	ContactID       uuid.UUID  `json:"contact_id"`
	AccountID       string     `json:"account_id"`
	OccurredAt      time.Time  `json:"occurred_at"`
	Direction       Direction  `json:"direction"`
	SourceMessageID string     `json:"source_message_id"`
	Subject         string     `json:"subject,omitempty"`
	Snippet         string     `json:"snippet,omitempty"`
	SuggestionID    *uuid.UUID `json:"suggestion_id,omitempty"`
	RecordedAt      time.Time  `json:"recorded_at"`
}
