package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrm/outreach/internal/outreach_service/domain"
	"github.com/relaycrm/outreach/internal/platform/clock"
)

// SuggestionStore is the only writer of suggestion state. Every transition
// reads a snapshot, validates it and writes back conditionally on the
// snapshot's (state, version, job id).
type SuggestionStore struct {
	repo   domain.SuggestionRepository
	clock  clock.Clock
	logger *slog.Logger
}

func NewSuggestionStore(repo domain.SuggestionRepository, clk clock.Clock, logger *slog.Logger) *SuggestionStore {
	return &SuggestionStore{
		repo:   repo,
		clock:  clk,
		logger: logger.With("component", "suggestion_store"),
	}
}

// NewSuggestion describes a draft to create.
type NewSuggestion struct {
	ContactID uuid.UUID
	ActionID  *uuid.UUID
	AccountID string
	Draft     domain.Draft
}

// Create stores a new draft at version 1.
func (st *SuggestionStore) Create(ctx context.Context, in NewSuggestion) (*domain.Suggestion, error) {
	now := st.clock.Now()
	s := &domain.Suggestion{
		ID:         uuid.New(),
		ContactID:  in.ContactID,
		ActionID:   in.ActionID,
		AccountID:  in.AccountID,
		Subject:    in.Draft.Subject,
		Body:       in.Draft.Body,
		SendAt:     in.Draft.SendAt,
		Rationale:  in.Draft.Rationale,
		State:      domain.StateDraft,
		Provenance: in.Draft.Provenance,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := st.repo.Create(ctx, s); err != nil {
		st.logger.ErrorContext(ctx, "Failed to create suggestion", "error", err, "contact_id", in.ContactID)
		return nil, fmt.Errorf("create suggestion: %w", err)
	}
	st.logger.InfoContext(ctx, "Suggestion drafted", "suggestion_id", s.ID, "contact_id", s.ContactID, "provenance", s.Provenance)
	return s.Clone(), nil
}

// Get returns a snapshot.
func (st *SuggestionStore) Get(ctx context.Context, id uuid.UUID) (*domain.Suggestion, error) {
	s, err := st.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get suggestion %s: %w", id, err)
	}
	return s, nil
}

// Edit applies operator changes. Allowed in draft and needs_review; the
// version must match and is bumped.
func (st *SuggestionStore) Edit(ctx context.Context, id uuid.UUID, expectedVersion int, edit domain.SuggestionEdit) (*domain.Suggestion, error) {
	return st.transition(ctx, id, "", func(cur *domain.Suggestion) error {
		if !cur.State.Editable() {
			return &domain.TransitionError{SuggestionID: id, From: cur.State, To: cur.State, Reason: "content can only be edited in draft or needs_review"}
		}
		return checkVersion(cur, expectedVersion)
	}, func(next *domain.Suggestion) {
		if edit.Empty() {
			return
		}
		if edit.Subject != nil {
			next.Subject = *edit.Subject
		}
		if edit.Body != nil {
			next.Body = *edit.Body
		}
		if edit.SendAt != nil {
			at := *edit.SendAt
			next.SendAt = &at
		}
		next.Provenance = domain.ProvenanceManuallyEdited
		next.Version++
	})
}

// Rewrite replaces the content with a freshly generated draft.
func (st *SuggestionStore) Rewrite(ctx context.Context, id uuid.UUID, expectedVersion int, d domain.Draft) (*domain.Suggestion, error) {
	return st.transition(ctx, id, "", func(cur *domain.Suggestion) error {
		if !cur.State.Editable() {
			return &domain.TransitionError{SuggestionID: id, From: cur.State, To: cur.State, Reason: "content can only be regenerated in draft or needs_review"}
		}
		return checkVersion(cur, expectedVersion)
	}, func(next *domain.Suggestion) {
		next.Subject = d.Subject
		next.Body = d.Body
		next.Rationale = d.Rationale
		next.SendAt = d.SendAt
		next.Provenance = d.Provenance
		next.Version++
	})
}

// Approve moves a draft to approved. A send time is required.
func (st *SuggestionStore) Approve(ctx context.Context, id uuid.UUID, expectedVersion int) (*domain.Suggestion, error) {
	return st.approve(ctx, id, expectedVersion, domain.StateDraft)
}

// Reapprove moves a needs_review suggestion back to approved.
func (st *SuggestionStore) Reapprove(ctx context.Context, id uuid.UUID, expectedVersion int) (*domain.Suggestion, error) {
	return st.approve(ctx, id, expectedVersion, domain.StateNeedsReview)
}

func (st *SuggestionStore) approve(ctx context.Context, id uuid.UUID, expectedVersion int, from domain.State) (*domain.Suggestion, error) {
	now := st.clock.Now()
	return st.transition(ctx, id, domain.StateApproved, func(cur *domain.Suggestion) error {
		if cur.State != from {
			return &domain.TransitionError{SuggestionID: id, From: cur.State, To: domain.StateApproved, Reason: "expected " + string(from)}
		}
		if err := checkVersion(cur, expectedVersion); err != nil {
			return err
		}
		if cur.SendAt == nil {
			return &domain.TransitionError{SuggestionID: id, From: cur.State, To: domain.StateApproved, Reason: "no send time"}
		}
		return nil
	}, func(next *domain.Suggestion) {
		next.State = domain.StateApproved
		next.ApprovedAt = &now
	})
}

// RevertApproval undoes an approval whose job could not be enqueued. The
// suggestion returns to needs_review if it carried a review reason, else draft.
func (st *SuggestionStore) RevertApproval(ctx context.Context, id uuid.UUID) (*domain.Suggestion, error) {
	var to domain.State
	return st.transition(ctx, id, domain.StateDraft, func(cur *domain.Suggestion) error {
		if cur.State != domain.StateApproved {
			return fmt.Errorf("suggestion %s is %s: %w", id, cur.State, domain.ErrConcurrentModification)
		}
		to = domain.StateDraft
		if cur.ReviewReason != "" {
			to = domain.StateNeedsReview
		}
		return nil
	}, func(next *domain.Suggestion) {
		next.State = to
		next.ApprovedAt = nil
	})
}

// MarkScheduled records the live job of an approved suggestion.
func (st *SuggestionStore) MarkScheduled(ctx context.Context, id, jobID uuid.UUID) (*domain.Suggestion, error) {
	now := st.clock.Now()
	return st.transition(ctx, id, domain.StateScheduled, func(cur *domain.Suggestion) error {
		if cur.State != domain.StateApproved {
			return fmt.Errorf("suggestion %s is %s, not approved: %w", id, cur.State, domain.ErrConcurrentModification)
		}
		return nil
	}, func(next *domain.Suggestion) {
		next.State = domain.StateScheduled
		next.JobID = &jobID
		next.ScheduledAt = &now
		next.ReviewReason = ""
		next.ReviewEventID = nil
	})
}

// SwapJob points a scheduled suggestion at its retry job.
func (st *SuggestionStore) SwapJob(ctx context.Context, id, oldJobID, newJobID uuid.UUID) (*domain.Suggestion, error) {
	return st.transition(ctx, id, domain.StateScheduled, func(cur *domain.Suggestion) error {
		if cur.State != domain.StateScheduled || !cur.HasJob(oldJobID) {
			return fmt.Errorf("suggestion %s no longer scheduled on job %s: %w", id, oldJobID, domain.ErrConcurrentModification)
		}
		return nil
	}, func(next *domain.Suggestion) {
		next.JobID = &newJobID
	})
}

// MarkSent finalizes a suggestion delivered by jobID.
func (st *SuggestionStore) MarkSent(ctx context.Context, id, jobID uuid.UUID) (*domain.Suggestion, error) {
	now := st.clock.Now()
	return st.transition(ctx, id, domain.StateSent, func(cur *domain.Suggestion) error {
		if cur.State != domain.StateScheduled || !cur.HasJob(jobID) {
			return fmt.Errorf("suggestion %s no longer scheduled on job %s: %w", id, jobID, domain.ErrConcurrentModification)
		}
		return nil
	}, func(next *domain.Suggestion) {
		next.State = domain.StateSent
		next.SentAt = &now
	})
}

// MarkNeedsReview flags a suggestion scheduled on jobID for operator
// attention. The content is preserved; the live job reference is cleared.
// A suggestion that moved to another job fails with ErrConcurrentModification.
func (st *SuggestionStore) MarkNeedsReview(ctx context.Context, id, jobID uuid.UUID, reason string, eventID *uuid.UUID) (*domain.Suggestion, error) {
	return st.transition(ctx, id, domain.StateNeedsReview, func(cur *domain.Suggestion) error {
		if cur.State != domain.StateScheduled || !cur.HasJob(jobID) {
			return fmt.Errorf("suggestion %s no longer scheduled on job %s: %w", id, jobID, domain.ErrConcurrentModification)
		}
		return nil
	}, func(next *domain.Suggestion) {
		next.State = domain.StateNeedsReview
		next.JobID = nil
		next.ReviewReason = reason
		next.ReviewEventID = eventID
	})
}

// Cancel moves any non-terminal suggestion to canceled. Callers cancel the
// live job first.
func (st *SuggestionStore) Cancel(ctx context.Context, id uuid.UUID, guard domain.Guard) (*domain.Suggestion, error) {
	return st.transition(ctx, id, domain.StateCanceled, func(cur *domain.Suggestion) error {
		if cur.State.Terminal() {
			return &domain.TransitionError{SuggestionID: id, From: cur.State, To: domain.StateCanceled}
		}
		if !guard.Matches(cur) {
			return fmt.Errorf("suggestion %s changed since it was read: %w", id, domain.ErrConcurrentModification)
		}
		return nil
	}, func(next *domain.Suggestion) {
		next.State = domain.StateCanceled
		next.JobID = nil
	})
}

// Delete removes a suggestion. Jobs are removed by the caller.
func (st *SuggestionStore) Delete(ctx context.Context, id uuid.UUID) error {
	if err := st.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete suggestion %s: %w", id, err)
	}
	st.logger.InfoContext(ctx, "Suggestion deleted", "suggestion_id", id)
	return nil
}

func (st *SuggestionStore) ListByState(ctx context.Context, states ...domain.State) ([]*domain.Suggestion, error) {
	return st.repo.ListByState(ctx, states...)
}

func (st *SuggestionStore) ListByContact(ctx context.Context, contactID uuid.UUID) ([]*domain.Suggestion, error) {
	return st.repo.ListByContact(ctx, contactID)
}

// ListScheduledBetween returns scheduled suggestions with from <= send time < to.
func (st *SuggestionStore) ListScheduledBetween(ctx context.Context, from, to time.Time) ([]*domain.Suggestion, error) {
	return st.repo.ListScheduledBetween(ctx, from, to)
}

// transition runs check against a fresh snapshot, applies mutate to a copy
// and writes it back guarded by the snapshot. metricState labels the
// outcome; empty means a content-only change.
func (st *SuggestionStore) transition(
	ctx context.Context,
	id uuid.UUID,
	metricState domain.State,
	check func(cur *domain.Suggestion) error,
	mutate func(next *domain.Suggestion),
) (*domain.Suggestion, error) {
	label := string(metricState)
	if label == "" {
		label = "edit"
	}

	cur, err := st.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("suggestion %s: %w", id, err)
	}
	if err := check(cur); err != nil {
		suggestionTransitionsCounter.WithLabelValues(label, resultLabel(err)).Inc()
		st.logger.WarnContext(ctx, "Suggestion transition rejected", "suggestion_id", id, "state", cur.State, "to", label, "error", err)
		return nil, err
	}

	next := cur.Clone()
	mutate(next)
	next.UpdatedAt = st.clock.Now()

	if err := st.repo.Update(ctx, next, domain.GuardOf(cur)); err != nil {
		suggestionTransitionsCounter.WithLabelValues(label, resultLabel(err)).Inc()
		st.logger.WarnContext(ctx, "Suggestion write lost", "suggestion_id", id, "to", label, "error", err)
		return nil, fmt.Errorf("suggestion %s: %w", id, err)
	}
	suggestionTransitionsCounter.WithLabelValues(label, "ok").Inc()
	st.logger.InfoContext(ctx, "Suggestion updated", "suggestion_id", id, "from", cur.State, "state", next.State, "version", next.Version)
	return next, nil
}

func checkVersion(cur *domain.Suggestion, expected int) error {
	if cur.Version != expected {
		return fmt.Errorf("suggestion %s is at version %d, not %d: %w", cur.ID, cur.Version, expected, domain.ErrConcurrentModification)
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return "invalid"
	case errors.Is(err, domain.ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
