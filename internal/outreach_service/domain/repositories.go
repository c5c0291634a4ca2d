package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SuggestionRepository persists suggestions. Update is a conditional write:
// it succeeds only when the stored row still satisfies guard, otherwise it
// returns ErrConcurrentModification (or ErrNotFound if the row is gone).
type SuggestionRepository interface {
	Create(ctx context.Context, s *Suggestion) error
	GetByID(ctx context.Context, id uuid.UUID) (*Suggestion, error)
	Update(ctx context.Context, s *Suggestion, guard Guard) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByState(ctx context.Context, states ...State) ([]*Suggestion, error)
	ListByContact(ctx context.Context, contactID uuid.UUID) ([]*Suggestion, error)
	// ListScheduledBetween returns scheduled suggestions with from <= send_at < to.
	ListScheduledBetween(ctx context.Context, from, to time.Time) ([]*Suggestion, error)
}

// JobRepository persists scheduled jobs.
type JobRepository interface {
	// Insert fails with ErrDuplicatePendingJob when the suggestion already
	// has a pending job.
	Insert(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)
	// Transition moves a job from one status to another, failing with
	// ErrConcurrentModification if the stored status is not from.
	Transition(ctx context.Context, id uuid.UUID, from, to JobStatus, lastError string, at time.Time) error
	// ListDue returns up to limit pending jobs with fire_at <= now that sort
	// after the cursor, ordered by (fire_at, id). A nil cursor starts at the beginning.
	ListDue(ctx context.Context, now time.Time, after *JobCursor, limit int) ([]*Job, error)
	ListBySuggestion(ctx context.Context, suggestionID uuid.UUID) ([]*Job, error)
	DeleteBySuggestion(ctx context.Context, suggestionID uuid.UUID) (int64, error)
}

// ActivityRepository persists contact activity events.
type ActivityRepository interface {
	// Record stores the event unless one with the same (contact, source
	// message id) exists. It reports whether a new row was written and
	// returns the stored event either way.
	Record(ctx context.Context, ev *ActivityEvent) (*ActivityEvent, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*ActivityEvent, error)
	FindBySource(ctx context.Context, contactID uuid.UUID, sourceMessageID string) (*ActivityEvent, error)
	// ListByContact returns the newest events first.
	ListByContact(ctx context.Context, contactID uuid.UUID, limit int) ([]*ActivityEvent, error)
	// LatestInbound returns the newest inbound event, or ErrNotFound.
	LatestInbound(ctx context.Context, contactID uuid.UUID) (*ActivityEvent, error)
	DeleteByContact(ctx context.Context, contactID uuid.UUID) (int64, error)
}

// WatermarkRepository stores the ingestion high-water mark per account.
type WatermarkRepository interface {
	// Get returns the zero time when the account has never been synced.
	Get(ctx context.Context, accountID string) (time.Time, error)
	// Advance moves the watermark forward; it never moves backwards.
	Advance(ctx context.Context, accountID string, to time.Time) error
}
