package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the status of a scheduled job.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobFired    JobStatus = "fired"    // Claimed by the scheduler; never fires again
	JobCanceled JobStatus = "canceled" // Canceled before firing
)

// Job is one timed delivery attempt for a suggestion. A retry is a new job
// with Attempt+1.
type Job struct {
	ID           uuid.UUID `json:"id"`
	SuggestionID uuid.UUID `json:"suggestion_id"`
	FireAt       time.Time `json:"fire_at"`
	Status       JobStatus `json:"status"`
	Attempt      int       `json:"attempt"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewJob creates a pending job.
func NewJob(suggestionID uuid.UUID, fireAt time.Time, attempt int, now time.Time) *Job {
	return &Job{
		ID:           uuid.New(),
		SuggestionID: suggestionID,
		FireAt:       fireAt,
		Status:       JobPending,
		Attempt:      attempt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// JobCursor is the keyset position (fire_at, id) of the last job read.
type JobCursor struct {
	FireAt time.Time
	ID     uuid.UUID
}

// After reports whether j sorts strictly after the cursor.
func (c JobCursor) After(j *Job) bool {
	if j.FireAt.Equal(c.FireAt) {
		return j.ID.String() > c.ID.String()
	}
	return j.FireAt.After(c.FireAt)
}
