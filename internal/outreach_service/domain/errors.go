package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates that a requested resource was not found.
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidStateTransition indicates an operation not allowed from the entity's current state.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrConcurrentModification indicates a compare-and-set lost against another writer.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrExternalService indicates a failure in a provider, directory or completer call.
	ErrExternalService = errors.New("external service failure")
	// ErrDuplicatePendingJob indicates the suggestion already has a pending job.
	ErrDuplicatePendingJob = errors.New("suggestion already has a pending job")
	// ErrSyncInProgress indicates an ingestion pass is already running.
	ErrSyncInProgress = errors.New("ingestion sync already in progress")
)

// TransitionError describes a rejected suggestion state change.
type TransitionError struct {
	SuggestionID uuid.UUID
	From         State
	To           State
	Reason       string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("suggestion %s: cannot move from %s to %s", e.SuggestionID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap lets callers match with errors.Is(err, ErrInvalidStateTransition).
func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

// External wraps err from a named collaborator so it matches ErrExternalService.
func External(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrExternalService, err)
}
