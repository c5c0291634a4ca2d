package app

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/outreach/internal/outreach_service/domain"
)

func TestApproveBatch_MissingSendTimeFailsAlone(t *testing.T) {
	h := newHarness(t)
	due := t0.Add(3 * time.Hour)

	var reqs []ApprovalRequest
	for _, name := range []string{"Ana", "Ben"} {
		c, _ := h.contactWithAction(name, name+"@example.com", due)
		s := h.draft(c.ID)
		reqs = append(reqs, ApprovalRequest{SuggestionID: s.ID, ExpectedVersion: s.Version})
	}
	c, _ := h.contactWithAction("Cid", "cid@example.com", due)
	noTime, err := h.engine.Store.Create(h.ctx, NewSuggestion{
		ContactID: c.ID,
		AccountID: testAccount,
		Draft:     domain.Draft{Subject: "Hi", Body: "Body", Provenance: domain.ProvenanceTemplated},
	})
	require.NoError(t, err)
	reqs = []ApprovalRequest{reqs[0], {SuggestionID: noTime.ID, ExpectedVersion: noTime.Version}, reqs[1]}

	results := h.engine.Approval.ApproveBatch(h.ctx, reqs)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, domain.ErrInvalidStateTransition)
	assert.NoError(t, results[2].Err)

	assert.Equal(t, domain.StateScheduled, h.get(reqs[0].SuggestionID).State)
	assert.Equal(t, domain.StateDraft, h.get(noTime.ID).State)
	assert.Equal(t, domain.StateScheduled, h.get(reqs[2].SuggestionID).State)
	for _, r := range reqs {
		h.requireScheduledInvariant(r.SuggestionID)
	}
	assert.Equal(t, 2, h.publisher.count(domain.SubjectSuggestionScheduled))
}

func TestApproveBatch_EditThenApprove(t *testing.T) {
	h := newHarness(t)
	c, _ := h.contactWithAction("Ana", "ana@example.com", t0.Add(time.Hour))
	s := h.draft(c.ID)

	subject := "Proposal attached"
	results := h.engine.Approval.ApproveBatch(h.ctx, []ApprovalRequest{{
		SuggestionID:    s.ID,
		ExpectedVersion: s.Version,
		Edit:            &domain.SuggestionEdit{Subject: &subject},
	}})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	got := results[0].Suggestion
	assert.Equal(t, subject, got.Subject)
	assert.Equal(t, domain.ProvenanceManuallyEdited, got.Provenance)
	assert.Equal(t, domain.StateScheduled, got.State)
	require.NotNil(t, got.JobID)
	assert.Equal(t, t0.Add(time.Hour), h.job(*got.JobID).FireAt)
}

func TestApproveBatch_StaleVersion(t *testing.T) {
	h := newHarness(t)
	c, _ := h.contactWithAction("Ana", "ana@example.com", t0.Add(time.Hour))
	s := h.draft(c.ID)

	body := "new body"
	_, err := h.engine.Approval.Edit(h.ctx, s.ID, s.Version, domain.SuggestionEdit{Body: &body})
	require.NoError(t, err)

	results := h.engine.Approval.ApproveBatch(h.ctx, []ApprovalRequest{{SuggestionID: s.ID, ExpectedVersion: s.Version}})
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, domain.ErrConcurrentModification)
	assert.Equal(t, domain.StateDraft, h.get(s.ID).State)
	h.requireScheduledInvariant(s.ID)
}

func TestApproveBatch_UnknownSuggestion(t *testing.T) {
	h := newHarness(t)
	results := h.engine.Approval.ApproveBatch(h.ctx, []ApprovalRequest{{SuggestionID: uuid.New(), ExpectedVersion: 1}})
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, domain.ErrNotFound)
}

func TestApproval_ReviewCarriesTriggerEvent(t *testing.T) {
	h := newHarness(t)
	c, _ := h.contactWithAction("Dana", "dana@example.com", t0.Add(2*time.Hour))
	flagged := h.schedule(h.draft(c.ID))

	other, _ := h.contactWithAction("Eli", "eli@example.com", t0.Add(2*time.Hour))
	plain := h.draft(other.ID)

	h.clock.Advance(10 * time.Minute)
	h.inbound("dana@example.com", "Quick question", t0.Add(5*time.Minute))
	_, err := h.engine.Correlator.SyncAccount(h.ctx, testAccount)
	require.NoError(t, err)

	items, err := h.engine.Approval.Review(h.ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)

	byID := map[uuid.UUID]ReviewItem{}
	for _, it := range items {
		byID[it.Suggestion.ID] = it
	}
	require.Contains(t, byID, flagged.ID)
	require.Contains(t, byID, plain.ID)

	trig := byID[flagged.ID].TriggerEvent
	require.NotNil(t, trig)
	assert.Equal(t, "Quick question", trig.Subject)
	assert.Equal(t, domain.StateNeedsReview, byID[flagged.ID].Suggestion.State)
	assert.Nil(t, byID[plain.ID].TriggerEvent)

	needing, err := h.engine.Approval.NeedingReview(h.ctx)
	require.NoError(t, err)
	require.Len(t, needing, 1)
	drafts, err := h.engine.Approval.Drafts(h.ctx)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, plain.ID, drafts[0].ID)
}

func TestApproval_ReapproveFromNeedsReview(t *testing.T) {
	h := newHarness(t)
	c, _ := h.contactWithAction("Dana", "dana@example.com", t0.Add(2*time.Hour))
	s := h.schedule(h.draft(c.ID))

	h.clock.Advance(time.Minute)
	h.inbound("dana@example.com", "re: proposal", t0.Add(30*time.Second))
	_, err := h.engine.Correlator.SyncAccount(h.ctx, testAccount)
	require.NoError(t, err)

	flagged := h.get(s.ID)
	require.Equal(t, domain.StateNeedsReview, flagged.State)
	assert.Equal(t, s.Subject, flagged.Subject)
	assert.Equal(t, s.Body, flagged.Body)

	again := h.schedule(flagged)
	assert.Empty(t, again.ReviewReason)
	assert.Nil(t, again.ReviewEventID)
	h.requireScheduledInvariant(s.ID)

	jobs, err := h.engine.Scheduler.Jobs(h.ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestApproval_Cancel(t *testing.T) {
	h := newHarness(t)
	c, _ := h.contactWithAction("Ana", "ana@example.com", t0.Add(time.Hour))
	s := h.schedule(h.draft(c.ID))

	canceled, err := h.engine.Approval.Cancel(h.ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCanceled, canceled.State)
	assert.Equal(t, domain.JobCanceled, h.job(*s.JobID).Status)
	h.requireScheduledInvariant(s.ID)

	_, err = h.engine.Approval.Cancel(h.ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	h.clock.Advance(2 * time.Hour)
	n, err := h.engine.Scheduler.Tick(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, h.provider.SendCalls())
}

func TestApproval_CancelDraft(t *testing.T) {
	h := newHarness(t)
	c, _ := h.contactWithAction("Ana", "ana@example.com", t0.Add(time.Hour))
	s := h.draft(c.ID)

	canceled, err := h.engine.Approval.Cancel(h.ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCanceled, canceled.State)
}

func TestApproval_CancelWhileSending(t *testing.T) {
	h := newHarness(t)
	c, _ := h.contactWithAction("Ana", "ana@example.com", t0.Add(time.Hour))
	s := h.schedule(h.draft(c.ID))

	claimed, err := h.engine.Scheduler.Claim(h.ctx, h.job(*s.JobID))
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = h.engine.Approval.Cancel(h.ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)
	assert.Equal(t, domain.StateScheduled, h.get(s.ID).State)
}

func TestApproval_DeleteCascadesToJobs(t *testing.T) {
	h := newHarness(t)
	c, _ := h.contactWithAction("Ana", "ana@example.com", t0.Add(time.Hour))
	s := h.schedule(h.draft(c.ID))

	require.NoError(t, h.engine.Approval.Delete(h.ctx, s.ID))

	_, err := h.engine.Approval.Get(h.ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	jobs, err := h.jobs.ListBySuggestion(h.ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	assert.ErrorIs(t, h.engine.Approval.Delete(h.ctx, s.ID), domain.ErrNotFound)
}

func TestApproval_PurgeContact(t *testing.T) {
	h := newHarness(t)
	c, _ := h.contactWithAction("Ana", "ana@example.com", t0.Add(time.Hour))
	h.schedule(h.draft(c.ID))
	h.draft(c.ID)
	other, _ := h.contactWithAction("Ben", "ben@example.com", t0.Add(time.Hour))
	kept := h.draft(other.ID)

	h.inbound("ana@example.com", "hello", t0.Add(-time.Minute))
	_, err := h.engine.Correlator.SyncAccount(h.ctx, testAccount)
	require.NoError(t, err)

	n, err := h.engine.Approval.PurgeContact(h.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := h.engine.Store.ListByContact(h.ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, left)
	events, err := h.activity.ListByContact(h.ctx, c.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.Equal(t, domain.StateDraft, h.get(kept.ID).State)
}

func TestApproval_GenerateWithoutAction(t *testing.T) {
	h := newHarness(t)
	c := h.directory.AddContact(domain.Contact{Name: "Ana", Email: "ana@example.com"})

	s, err := h.engine.Approval.Generate(h.ctx, c.ID, "")
	require.NoError(t, err)
	assert.Nil(t, s.ActionID)
	assert.Equal(t, testAccount, s.AccountID)
	assert.Equal(t, "Checking in with Ana", s.Subject)
	require.NotNil(t, s.SendAt)
	assert.Equal(t, t0.Add(48*time.Hour), *s.SendAt)
	assert.Equal(t, domain.ProvenanceTemplated, s.Provenance)
	assert.Equal(t, 1, s.Version)
}

func TestApproval_GenerateUnknownContact(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Approval.Generate(h.ctx, uuid.New(), "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApproval_Regenerate(t *testing.T) {
	h := newHarness(t)
	c, a := h.contactWithAction("Ana", "ana@example.com", t0.Add(time.Hour))
	s := h.draft(c.ID)
	require.Equal(t, a.ID, *s.ActionID)

	body := "hand written"
	edited, err := h.engine.Approval.Edit(h.ctx, s.ID, s.Version, domain.SuggestionEdit{Body: &body})
	require.NoError(t, err)

	fresh, err := h.engine.Approval.Regenerate(h.ctx, s.ID, edited.Version)
	require.NoError(t, err)
	assert.Equal(t, edited.Version+1, fresh.Version)
	assert.Equal(t, "Checking in about Send proposal", fresh.Subject)
	assert.NotEqual(t, body, fresh.Body)
	assert.Equal(t, domain.ProvenanceTemplated, fresh.Provenance)

	_, err = h.engine.Approval.Regenerate(h.ctx, s.ID, edited.Version)
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)

	scheduled := h.schedule(fresh)
	_, err = h.engine.Approval.Regenerate(h.ctx, s.ID, scheduled.Version)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestApproval_ScheduledBetween(t *testing.T) {
	h := newHarness(t)
	a, _ := h.contactWithAction("Ana", "ana@example.com", t0.Add(time.Hour))
	b, _ := h.contactWithAction("Ben", "ben@example.com", t0.Add(5*time.Hour))
	early := h.schedule(h.draft(a.ID))
	h.schedule(h.draft(b.ID))

	list, err := h.engine.Approval.ScheduledBetween(h.ctx, t0, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, early.ID, list[0].ID)

	list, err = h.engine.Approval.ScheduledBetween(h.ctx, t0.Add(time.Hour), t0.Add(6*time.Hour))
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = h.engine.Approval.ScheduledBetween(h.ctx, t0, t0)
	assert.Error(t, err)
}
