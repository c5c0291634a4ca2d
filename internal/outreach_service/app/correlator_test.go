package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/outreach/internal/outreach_service/domain"
)

func TestCorrelator_ReingestProducesOneEvent(t *testing.T) {
	h := newHarness(t)
	contact, _ := h.contactWithAction("Lee", "lee@example.com", t0.Add(time.Hour))
	h.inbound("Lee <LEE@example.com>", "hello", t0.Add(-time.Minute))

	_, err := h.engine.Correlator.SyncAccount(h.ctx, testAccount)
	require.NoError(t, err)

	// The watermark is inclusive, so the same message is read again.
	n, err := h.engine.Correlator.SyncAccount(h.ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events, err := h.activity.ListByContact(h.ctx, contact.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.DirectionInbound, events[0].Direction)
	assert.Equal(t, testAccount, events[0].AccountID)
}

func TestCorrelator_WatermarkAdvancesOnlyOnSuccess(t *testing.T) {
	h := newHarness(t)
	h.contactWithAction("Lee", "lee@example.com", t0.Add(time.Hour))
	latest := t0.Add(-time.Minute)
	h.inbound("lee@example.com", "one", t0.Add(-time.Hour))
	h.inbound("lee@example.com", "two", latest)

	h.provider.FailFetches(true)
	err := h.engine.Correlator.PollOnce(h.ctx)
	require.ErrorIs(t, err, domain.ErrExternalService)
	mark, _ := h.repos.Watermarks.Get(h.ctx, testAccount)
	assert.True(t, mark.IsZero())

	h.provider.FailFetches(false)
	n, err := h.engine.Correlator.SyncAccount(h.ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	mark, _ = h.repos.Watermarks.Get(h.ctx, testAccount)
	assert.Equal(t, latest, mark)
}

func TestCorrelator_UnknownAndOutboundMessages(t *testing.T) {
	h := newHarness(t)
	contact, _ := h.contactWithAction("Lee", "lee@example.com", t0.Add(time.Hour))
	h.provider.Deliver(testAccount, domain.ProviderMessage{ID: "spam", From: "noreply@vendor.io", Timestamp: t0.Add(-time.Hour)})
	h.provider.Deliver(testAccount, domain.ProviderMessage{
		ID: "mine", From: "primary@outreach.local", To: "Ops <ops@example.com>, Lee <lee@example.com>", Timestamp: t0.Add(-time.Minute),
	})

	_, err := h.engine.Correlator.SyncAccount(h.ctx, testAccount)
	require.NoError(t, err)

	events, err := h.activity.ListByContact(h.ctx, contact.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.DirectionOutbound, events[0].Direction)
	assert.Equal(t, "mine", events[0].SourceMessageID)
}

func TestCorrelator_InboundCancelsAndFlags(t *testing.T) {
	h := newHarness(t)
	due := t0.Add(2 * time.Hour)
	contact, _ := h.contactWithAction("Lee", "lee@example.com", due)
	s := h.schedule(h.draft(contact.ID))
	jobID := *s.JobID

	h.clock.Advance(time.Hour)
	h.inbound("lee@example.com", "Quick question", h.clock.Now())
	require.NoError(t, h.engine.Correlator.PollOnce(h.ctx))

	got := h.get(s.ID)
	assert.Equal(t, domain.StateNeedsReview, got.State)
	assert.Contains(t, got.ReviewReason, "Quick question")
	require.NotNil(t, got.ReviewEventID)
	assert.Equal(t, domain.JobCanceled, h.job(jobID).Status)
	assert.Equal(t, got.Subject, s.Subject, "content preserved")
	assert.Equal(t, 1, h.publisher.count(domain.SubjectSuggestionNeedsReview))
	h.requireScheduledInvariant(s.ID)

	// The fire at the original time loses its claim.
	h.clock.Set(due)
	n, err := h.engine.Scheduler.Tick(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, h.provider.SendCalls())
}

func TestCorrelator_FiredJobLeftToSendPipeline(t *testing.T) {
	h := newHarness(t)
	due := t0.Add(time.Hour)
	contact, _ := h.contactWithAction("Lee", "lee@example.com", due)
	s := h.schedule(h.draft(contact.ID))

	// The scheduler claimed the job but has not run the send yet.
	job := h.job(*s.JobID)
	claimed, err := h.engine.Scheduler.Claim(h.ctx, job)
	require.NoError(t, err)
	require.True(t, claimed)

	h.clock.Set(due)
	h.inbound("lee@example.com", "Ping", due.Add(-time.Second))
	require.NoError(t, h.engine.Correlator.PollOnce(h.ctx))
	assert.Equal(t, domain.StateScheduled, h.get(s.ID).State, "correlator does not flip an in-flight send")

	// The send pipeline sees the reply and stops.
	require.NoError(t, h.engine.Sender.HandleJob(h.ctx, job))
	assert.Equal(t, domain.StateNeedsReview, h.get(s.ID).State)
	assert.Zero(t, h.provider.SendCalls())
}

func TestCorrelator_DuplicateEventDoesNotFlagReapprovedSuggestion(t *testing.T) {
	h := newHarness(t)
	due := t0.Add(3 * time.Hour)
	contact, _ := h.contactWithAction("Lee", "lee@example.com", due)
	s := h.schedule(h.draft(contact.ID))

	h.clock.Advance(time.Minute)
	h.inbound("lee@example.com", "Reply", h.clock.Now())
	require.NoError(t, h.engine.Correlator.PollOnce(h.ctx))
	flagged := h.get(s.ID)
	require.Equal(t, domain.StateNeedsReview, flagged.State)

	// Operator reviews and re-approves after seeing the reply.
	h.clock.Advance(time.Minute)
	res := h.engine.Approval.ApproveBatch(h.ctx, []ApprovalRequest{{SuggestionID: s.ID, ExpectedVersion: flagged.Version}})
	require.NoError(t, res[0].Err)

	// The provider returns the same message again (inclusive watermark).
	require.NoError(t, h.engine.Correlator.PollOnce(h.ctx))
	assert.Equal(t, domain.StateScheduled, h.get(s.ID).State)
	h.requireScheduledInvariant(s.ID)
}

// Dana's suggestion is approved at T-60min; her reply is ingested at T-1min.
// Nothing is sent at T.
func TestScenario_DanaRepliesBeforeSend(t *testing.T) {
	h := newHarness(t)
	T := t0.Add(60 * time.Minute)
	contact, _ := h.contactWithAction("Dana", "dana@example.com", T)
	s1 := h.schedule(h.draft(contact.ID))
	assert.Equal(t, T, *s1.SendAt)
	assert.Equal(t, t0, *s1.ApprovedAt)
	jobID := *s1.JobID

	require.NoError(t, h.engine.Scheduler.Start(h.ctx))
	defer h.engine.Scheduler.Stop()
	h.clock.WaitForTimers(1)

	h.clock.Set(T.Add(-time.Minute))
	h.inbound("Dana <dana@example.com>", "Re: proposal", h.clock.Now())
	require.NoError(t, h.engine.Correlator.PollOnce(h.ctx))

	h.clock.Set(T.Add(time.Second))
	require.Never(t, func() bool { return h.provider.SendCalls() > 0 }, 100*time.Millisecond, 5*time.Millisecond)

	got := h.get(s1.ID)
	assert.Equal(t, domain.StateNeedsReview, got.State)
	assert.Equal(t, domain.JobCanceled, h.job(jobID).Status)
	assert.Zero(t, h.outboundCount(contact.ID))
}

// Ingestion and firing race on the same suggestion. Whatever the
// interleaving, the message is sent at most once, a canceled job never
// sends, and the suggestion never ends up both flagged and delivered.
func TestRace_IngestVersusFire(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t)
		due := t0.Add(time.Hour)
		contact, _ := h.contactWithAction("Lee", "lee@example.com", due)
		s := h.schedule(h.draft(contact.ID))
		jobID := *s.JobID

		h.clock.Set(due)
		h.inbound("lee@example.com", "Reply", due.Add(-time.Second))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = h.engine.Scheduler.Tick(h.ctx)
		}()
		go func() {
			defer wg.Done()
			_ = h.engine.Correlator.PollOnce(h.ctx)
		}()
		wg.Wait()

		got := h.get(s.ID)
		job := h.job(jobID)
		require.LessOrEqual(t, h.provider.SendCalls(), 1)
		switch job.Status {
		case domain.JobCanceled:
			require.Equal(t, domain.StateNeedsReview, got.State)
			require.Zero(t, h.provider.SendCalls())
		case domain.JobFired:
			require.Contains(t, []domain.State{domain.StateSent, domain.StateNeedsReview}, got.State)
			if got.State == domain.StateNeedsReview {
				require.Zero(t, h.outboundCount(contact.ID))
			}
		default:
			t.Fatalf("job left %s", job.Status)
		}
		h.requireScheduledInvariant(s.ID)
	}
}

// interleavingCanceler runs between once, right after the first cancel.
type interleavingCanceler struct {
	inner   JobCanceler
	once    sync.Once
	between func()
}

func (c *interleavingCanceler) Cancel(ctx context.Context, jobID uuid.UUID) (domain.JobStatus, error) {
	status, err := c.inner.Cancel(ctx, jobID)
	c.once.Do(c.between)
	return status, err
}

func TestCorrelator_FlagSkipsSuggestionRescheduledMeanwhile(t *testing.T) {
	h := newHarness(t)
	contact, _ := h.contactWithAction("Lee", "lee@example.com", t0.Add(time.Hour))
	s := h.schedule(h.draft(contact.ID))
	firstJob := *s.JobID

	// Between the cancel and the flag, another pass flags the suggestion
	// and the operator approves it again on a fresh job.
	canceler := &interleavingCanceler{inner: h.engine.Scheduler, between: func() {
		_, err := h.engine.Store.MarkNeedsReview(h.ctx, s.ID, firstJob, "earlier reply", nil)
		require.NoError(t, err)
		cur := h.get(s.ID)
		res := h.engine.Approval.ApproveBatch(h.ctx, []ApprovalRequest{{SuggestionID: s.ID, ExpectedVersion: cur.Version}})
		require.NoError(t, res[0].Err)
	}}
	correlator := NewCorrelator(h.provider, h.directory, h.repos.Activity, h.repos.Watermarks, h.engine.Store,
		canceler, h.publisher, h.clock, discardLogger(), testEngineConfig().Correlator)

	h.inbound("lee@example.com", "Reply", t0.Add(-time.Minute))
	_, err := correlator.SyncAccount(h.ctx, testAccount)
	require.NoError(t, err)

	got := h.get(s.ID)
	require.Equal(t, domain.StateScheduled, got.State)
	require.NotNil(t, got.JobID)
	assert.NotEqual(t, firstJob, *got.JobID)
	assert.Equal(t, domain.JobCanceled, h.job(firstJob).Status)
	assert.Equal(t, domain.JobPending, h.job(*got.JobID).Status)
	h.requireScheduledInvariant(s.ID)
}

func TestCorrelator_PassesDoNotOverlap(t *testing.T) {
	h := newHarness(t)
	contact, _ := h.contactWithAction("Lee", "lee@example.com", t0.Add(time.Hour))
	h.schedule(h.draft(contact.ID))

	var inner error
	canceler := &interleavingCanceler{inner: h.engine.Scheduler}
	correlator := NewCorrelator(h.provider, h.directory, h.repos.Activity, h.repos.Watermarks, h.engine.Store,
		canceler, h.publisher, h.clock, discardLogger(), testEngineConfig().Correlator)
	canceler.between = func() {
		inner = correlator.PollOnce(h.ctx)
		_, err := correlator.SyncAccount(h.ctx, testAccount)
		assert.ErrorIs(t, err, domain.ErrSyncInProgress)
	}

	h.inbound("lee@example.com", "Reply", t0.Add(-time.Minute))
	require.NoError(t, correlator.PollOnce(h.ctx))
	assert.ErrorIs(t, inner, domain.ErrSyncInProgress)

	// The lock is released once the pass ends.
	require.NoError(t, correlator.PollOnce(h.ctx))
}
