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

const draftHistoryLimit = 5

// ReviewItem is a suggestion awaiting an operator decision.
type ReviewItem struct {
	Suggestion   *domain.Suggestion    `json:"suggestion"`
	TriggerEvent *domain.ActivityEvent `json:"trigger_event,omitempty"`
}

// ApprovalRequest approves one suggestion, optionally editing it first.
type ApprovalRequest struct {
	SuggestionID    uuid.UUID
	ExpectedVersion int
	Edit            *domain.SuggestionEdit
}

// ApprovalResult is the per-item outcome of ApproveBatch.
type ApprovalResult struct {
	SuggestionID uuid.UUID
	Suggestion   *domain.Suggestion
	Err          error
}

// ApprovalService is the operator-facing workflow: review, edit, approve in
// batches, regenerate, cancel and delete.
type ApprovalService struct {
	store          *SuggestionStore
	scheduler      *Scheduler
	drafts         *DraftGenerator
	contacts       domain.ContactDirectory
	activity       domain.ActivityRepository
	publisher      domain.EventPublisher
	clock          clock.Clock
	logger         *slog.Logger
	defaultAccount string
}

func NewApprovalService(
	store *SuggestionStore,
	scheduler *Scheduler,
	drafts *DraftGenerator,
	contacts domain.ContactDirectory,
	activity domain.ActivityRepository,
	publisher domain.EventPublisher,
	clk clock.Clock,
	logger *slog.Logger,
	defaultAccount string,
) *ApprovalService {
	return &ApprovalService{
		store:          store,
		scheduler:      scheduler,
		drafts:         drafts,
		contacts:       contacts,
		activity:       activity,
		publisher:      publisher,
		clock:          clk,
		logger:         logger.With("component", "approval"),
		defaultAccount: defaultAccount,
	}
}

// Review lists drafts and needs_review suggestions; the latter carry the
// activity event that triggered the review, when there was one.
func (a *ApprovalService) Review(ctx context.Context) ([]ReviewItem, error) {
	list, err := a.store.ListByState(ctx, domain.StateDraft, domain.StateNeedsReview)
	if err != nil {
		return nil, err
	}
	items := make([]ReviewItem, 0, len(list))
	for _, s := range list {
		item := ReviewItem{Suggestion: s}
		if s.ReviewEventID != nil {
			ev, err := a.activity.GetByID(ctx, *s.ReviewEventID)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return nil, err
			}
			item.TriggerEvent = ev
		}
		items = append(items, item)
	}
	return items, nil
}

// Get returns a snapshot of one suggestion.
func (a *ApprovalService) Get(ctx context.Context, id uuid.UUID) (*domain.Suggestion, error) {
	return a.store.Get(ctx, id)
}

// Drafts lists suggestions in draft.
func (a *ApprovalService) Drafts(ctx context.Context) ([]*domain.Suggestion, error) {
	return a.store.ListByState(ctx, domain.StateDraft)
}

// NeedingReview lists suggestions in needs_review.
func (a *ApprovalService) NeedingReview(ctx context.Context) ([]*domain.Suggestion, error) {
	return a.store.ListByState(ctx, domain.StateNeedsReview)
}

// ScheduledBetween lists scheduled suggestions with from <= send time < to.
func (a *ApprovalService) ScheduledBetween(ctx context.Context, from, to time.Time) ([]*domain.Suggestion, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("empty window [%s, %s)", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return a.store.ListScheduledBetween(ctx, from, to)
}

// Edit changes content without changing state.
func (a *ApprovalService) Edit(ctx context.Context, id uuid.UUID, expectedVersion int, edit domain.SuggestionEdit) (*domain.Suggestion, error) {
	return a.store.Edit(ctx, id, expectedVersion, edit)
}

// ApproveBatch approves and schedules each item independently; one item's
// failure does not affect the others.
func (a *ApprovalService) ApproveBatch(ctx context.Context, reqs []ApprovalRequest) []ApprovalResult {
	results := make([]ApprovalResult, 0, len(reqs))
	for _, req := range reqs {
		s, err := a.approveOne(ctx, req)
		if err != nil {
			approvalsCounter.WithLabelValues("failed").Inc()
			a.logger.WarnContext(ctx, "Approval item failed", "suggestion_id", req.SuggestionID, "error", err)
		} else {
			approvalsCounter.WithLabelValues("scheduled").Inc()
		}
		results = append(results, ApprovalResult{SuggestionID: req.SuggestionID, Suggestion: s, Err: err})
	}
	return results
}

func (a *ApprovalService) approveOne(ctx context.Context, req ApprovalRequest) (*domain.Suggestion, error) {
	version := req.ExpectedVersion
	if req.Edit != nil && !req.Edit.Empty() {
		edited, err := a.store.Edit(ctx, req.SuggestionID, version, *req.Edit)
		if err != nil {
			return nil, err
		}
		version = edited.Version
	}

	cur, err := a.store.Get(ctx, req.SuggestionID)
	if err != nil {
		return nil, err
	}
	var approved *domain.Suggestion
	if cur.State == domain.StateNeedsReview {
		approved, err = a.store.Reapprove(ctx, req.SuggestionID, version)
	} else {
		approved, err = a.store.Approve(ctx, req.SuggestionID, version)
	}
	if err != nil {
		return nil, err
	}

	job, err := a.scheduler.Enqueue(ctx, approved.ID, *approved.SendAt, 1)
	if err != nil {
		if _, revertErr := a.store.RevertApproval(ctx, approved.ID); revertErr != nil {
			a.logger.ErrorContext(ctx, "Failed to revert approval after enqueue failure", "error", revertErr, "suggestion_id", approved.ID)
		}
		return nil, err
	}

	scheduled, err := a.store.MarkScheduled(ctx, approved.ID, job.ID)
	if err != nil {
		if _, cancelErr := a.scheduler.Cancel(ctx, job.ID); cancelErr != nil {
			a.logger.ErrorContext(ctx, "Failed to cancel job of lost approval", "error", cancelErr, "job_id", job.ID)
		}
		return nil, err
	}
	publishLifecycle(ctx, a.publisher, a.logger, domain.SubjectSuggestionScheduled, scheduled, "", a.clock.Now())
	return scheduled, nil
}

// Generate drafts a new suggestion for the contact's pending action.
func (a *ApprovalService) Generate(ctx context.Context, contactID uuid.UUID, accountID string) (*domain.Suggestion, error) {
	contact, action, history, err := a.draftInputs(ctx, contactID, nil)
	if err != nil {
		return nil, err
	}
	if accountID == "" {
		accountID = a.defaultAccount
	}
	d := a.drafts.Generate(ctx, contact, action, history)

	var actionID *uuid.UUID
	if action != nil {
		id := action.ID
		actionID = &id
	}
	return a.store.Create(ctx, NewSuggestion{ContactID: contactID, ActionID: actionID, AccountID: accountID, Draft: d})
}

// Regenerate replaces the content of a draft or needs_review suggestion
// with a fresh draft built from current conversation history.
func (a *ApprovalService) Regenerate(ctx context.Context, id uuid.UUID, expectedVersion int) (*domain.Suggestion, error) {
	cur, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cur.State.Editable() {
		return nil, &domain.TransitionError{SuggestionID: id, From: cur.State, To: cur.State, Reason: "only draft or needs_review suggestions can be regenerated"}
	}
	contact, action, history, err := a.draftInputs(ctx, cur.ContactID, cur.ActionID)
	if err != nil {
		return nil, err
	}
	d := a.drafts.Generate(ctx, contact, action, history)
	return a.store.Rewrite(ctx, id, expectedVersion, d)
}

// draftInputs loads the contact, the action a draft should address and recent
// history. actionID pins a specific action; otherwise the pending one is used.
func (a *ApprovalService) draftInputs(ctx context.Context, contactID uuid.UUID, actionID *uuid.UUID) (*domain.Contact, *domain.Action, []*domain.ActivityEvent, error) {
	contact, err := a.contacts.GetContact(ctx, contactID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil, nil, fmt.Errorf("contact %s: %w", contactID, err)
	}
	if err != nil {
		return nil, nil, nil, domain.External("get contact", err)
	}

	action, err := a.contacts.GetPendingAction(ctx, contactID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		action = nil
	case err != nil:
		return nil, nil, nil, domain.External("get pending action", err)
	case actionID != nil && action.ID != *actionID:
		// The pinned action is no longer pending.
		action = nil
	}

	history, err := a.activity.ListByContact(ctx, contactID, draftHistoryLimit)
	if err != nil {
		return nil, nil, nil, err
	}
	return contact, action, history, nil
}

// Cancel stops a suggestion. The job is canceled first; if it already
// fired the send is in flight and the suggestion is left alone.
func (a *ApprovalService) Cancel(ctx context.Context, id uuid.UUID) (*domain.Suggestion, error) {
	cur, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.State.Terminal() {
		return nil, &domain.TransitionError{SuggestionID: id, From: cur.State, To: domain.StateCanceled}
	}
	if cur.JobID != nil {
		status, err := a.scheduler.Cancel(ctx, *cur.JobID)
		if err != nil {
			return nil, err
		}
		if status == domain.JobFired {
			return nil, fmt.Errorf("suggestion %s is being sent: %w", id, domain.ErrConcurrentModification)
		}
	}
	return a.store.Cancel(ctx, id, domain.GuardOf(cur))
}

// Delete removes a suggestion and all of its jobs.
func (a *ApprovalService) Delete(ctx context.Context, id uuid.UUID) error {
	cur, err := a.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.JobID != nil {
		status, err := a.scheduler.Cancel(ctx, *cur.JobID)
		if err != nil {
			return err
		}
		if status == domain.JobFired && cur.State == domain.StateScheduled {
			return fmt.Errorf("suggestion %s is being sent: %w", id, domain.ErrConcurrentModification)
		}
	}
	if _, err := a.scheduler.Purge(ctx, id); err != nil {
		return err
	}
	return a.store.Delete(ctx, id)
}

// PurgeContact deletes every suggestion of a contact, cascading to jobs,
// along with its recorded activity.
func (a *ApprovalService) PurgeContact(ctx context.Context, contactID uuid.UUID) (int, error) {
	list, err := a.store.ListByContact(ctx, contactID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, s := range list {
		if err := a.Delete(ctx, s.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return deleted, err
		}
		deleted++
	}
	if _, err := a.activity.DeleteByContact(ctx, contactID); err != nil {
		return deleted, err
	}
	a.logger.InfoContext(ctx, "Contact purged", "contact_id", contactID, "suggestions", deleted)
	return deleted, nil
}
