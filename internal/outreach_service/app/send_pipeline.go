package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/sha3"

	"github.com/relaycrm/outreach/internal/outreach_service/domain"
	"github.com/relaycrm/outreach/internal/platform/clock"
)

// JobScheduler is the part of the Scheduler the send pipeline needs for retries.
type JobScheduler interface {
	Enqueue(ctx context.Context, suggestionID uuid.UUID, fireAt time.Time, attempt int) (*domain.Job, error)
	Cancel(ctx context.Context, jobID uuid.UUID) (domain.JobStatus, error)
}

// SendConfig holds configuration specific to the SendPipeline.
type SendConfig struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	FollowUpDelay time.Duration // Due offset of the action created after a send
	Timeout       time.Duration // Bound on each provider/directory call
}

// SendPipeline executes fired jobs. It re-validates the suggestion, sends
// once per (suggestion, version), records the outbound activity and
// advances the contact's action flow.
type SendPipeline struct {
	store     *SuggestionStore
	scheduler JobScheduler
	activity  domain.ActivityRepository
	contacts  domain.ContactDirectory
	provider  domain.MessageProvider
	publisher domain.EventPublisher
	clock     clock.Clock
	logger    *slog.Logger
	cfg       SendConfig
}

func NewSendPipeline(
	store *SuggestionStore,
	scheduler JobScheduler,
	activity domain.ActivityRepository,
	contacts domain.ContactDirectory,
	provider domain.MessageProvider,
	publisher domain.EventPublisher,
	clk clock.Clock,
	logger *slog.Logger,
	cfg SendConfig,
) *SendPipeline {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.FollowUpDelay <= 0 {
		cfg.FollowUpDelay = 14 * 24 * time.Hour
	}
	return &SendPipeline{
		store:     store,
		scheduler: scheduler,
		activity:  activity,
		contacts:  contacts,
		provider:  provider,
		publisher: publisher,
		clock:     clk,
		logger:    logger.With("component", "send_pipeline"),
		cfg:       cfg,
	}
}

// IdempotencyKey derives the delivery key for a suggestion version.
func IdempotencyKey(suggestionID uuid.UUID, version int) string {
	sum := sha3.Sum256([]byte(suggestionID.String() + ":" + strconv.Itoa(version)))
	return hex.EncodeToString(sum[:16])
}

// Backoff returns the delay before attempt+1: base*2^(attempt-1), capped.
func (p *SendPipeline) Backoff(attempt int) time.Duration {
	d := p.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.BackoffMax {
			return p.cfg.BackoffMax
		}
	}
	return d
}

// HandleJob runs one claimed job.
func (p *SendPipeline) HandleJob(ctx context.Context, job *domain.Job) error {
	s, err := p.store.Get(ctx, job.SuggestionID)
	if errors.Is(err, domain.ErrNotFound) {
		p.abort(ctx, job, "suggestion deleted")
		return nil
	}
	if err != nil {
		return err
	}
	if s.State != domain.StateScheduled || !s.HasJob(job.ID) {
		p.abort(ctx, job, "suggestion is "+string(s.State)+" or moved to another job")
		return nil
	}
	if job.Status == domain.JobCanceled {
		return p.needsReview(ctx, s, job, "delivery job was canceled before completion", nil)
	}

	// A recorded delivery is finalized even if the contact replied since.
	key := IdempotencyKey(s.ID, s.Version)
	if existing, err := p.activity.FindBySource(ctx, s.ContactID, key); err == nil {
		p.logger.InfoContext(ctx, "Delivery already recorded; finalizing without resend", "suggestion_id", s.ID, "job_id", job.ID)
		sendsCounter.WithLabelValues("deduplicated").Inc()
		return p.finalize(ctx, s, job, existing.OccurredAt)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return p.fail(ctx, s, job, fmt.Errorf("check prior delivery: %w", err))
	}

	latest, err := p.activity.LatestInbound(ctx, s.ContactID)
	switch {
	case err == nil:
		if s.ApprovedAt != nil && latest.OccurredAt.After(*s.ApprovedAt) {
			return p.needsReview(ctx, s, job, inboundReason(latest), &latest.ID)
		}
	case !errors.Is(err, domain.ErrNotFound):
		return p.fail(ctx, s, job, fmt.Errorf("check inbound activity: %w", err))
	}

	contact, err := p.lookupContact(ctx, s.ContactID)
	if errors.Is(err, domain.ErrNotFound) {
		return p.needsReview(ctx, s, job, "contact no longer exists in the directory", nil)
	}
	if err != nil {
		return p.fail(ctx, s, job, err)
	}

	receipt, err := p.send(ctx, s, contact, key)
	if err != nil {
		return p.fail(ctx, s, job, err)
	}

	sentAt := receipt.SentAt
	if sentAt.IsZero() {
		sentAt = p.clock.Now()
	}
	_, _, err = p.activity.Record(ctx, &domain.ActivityEvent{
		ID:              uuid.New(),
		ContactID:       s.ContactID,
		AccountID:       s.AccountID,
		OccurredAt:      sentAt,
		Direction:       domain.DirectionOutbound,
		SourceMessageID: key,
		Subject:         s.Subject,
		Snippet:         snippet(s.Body),
		SuggestionID:    &s.ID,
		RecordedAt:      p.clock.Now(),
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to record outbound activity", "error", err, "suggestion_id", s.ID)
	}
	sendsCounter.WithLabelValues("sent").Inc()
	return p.finalize(ctx, s, job, sentAt)
}

func (p *SendPipeline) lookupContact(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	c, err := p.contacts.GetContact(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, domain.External("get contact", err)
	}
	return c, nil
}

func (p *SendPipeline) send(ctx context.Context, s *domain.Suggestion, contact *domain.Contact, key string) (*domain.DeliveryReceipt, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	timer := prometheus.NewTimer(sendDurationHist.WithLabelValues(s.AccountID))
	defer timer.ObserveDuration()

	receipt, err := p.provider.SendMessage(ctx, s.AccountID, domain.OutgoingMessage{
		To:             contact.Email,
		Subject:        s.Subject,
		Body:           s.Body,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, domain.External("send message", err)
	}
	p.logger.InfoContext(ctx, "Message sent", "suggestion_id", s.ID, "message_id", receipt.MessageID, "account", s.AccountID)
	return receipt, nil
}

func (p *SendPipeline) finalize(ctx context.Context, s *domain.Suggestion, job *domain.Job, sentAt time.Time) error {
	sent, err := p.store.MarkSent(ctx, s.ID, job.ID)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to mark suggestion sent", "error", err, "suggestion_id", s.ID, "job_id", job.ID)
		return err
	}
	p.advanceFlow(ctx, sent, sentAt)
	publishLifecycle(ctx, p.publisher, p.logger, domain.SubjectSuggestionSent, sent, "", sentAt)
	return nil
}

// advanceFlow completes the addressed action and opens the next one with
// the same title. Failures here are logged; the send already happened.
func (p *SendPipeline) advanceFlow(ctx context.Context, s *domain.Suggestion, at time.Time) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	if err := p.contacts.MarkContacted(ctx, s.ContactID, at); err != nil {
		p.logger.WarnContext(ctx, "Failed to update last contacted time", "error", err, "contact_id", s.ContactID)
	}
	if s.ActionID == nil {
		return
	}
	done, err := p.contacts.CompleteAction(ctx, *s.ActionID, at)
	if err != nil {
		p.logger.WarnContext(ctx, "Failed to complete action", "error", err, "action_id", *s.ActionID)
		return
	}
	next, err := p.contacts.CreateNextAction(ctx, s.ContactID, done.Title, at.Add(p.cfg.FollowUpDelay))
	if err != nil {
		p.logger.WarnContext(ctx, "Failed to create next action", "error", err, "contact_id", s.ContactID)
		return
	}
	p.logger.InfoContext(ctx, "Action flow advanced", "completed_action_id", done.ID, "next_action_id", next.ID, "contact_id", s.ContactID)
}

// fail retries with backoff until MaxAttempts, then flags the suggestion.
func (p *SendPipeline) fail(ctx context.Context, s *domain.Suggestion, job *domain.Job, cause error) error {
	if job.Attempt >= p.cfg.MaxAttempts {
		reason := fmt.Sprintf("delivery failed after %d attempts: %v", job.Attempt, cause)
		return p.needsReview(ctx, s, job, reason, nil)
	}

	fireAt := p.clock.Now().Add(p.Backoff(job.Attempt))
	next, err := p.scheduler.Enqueue(ctx, s.ID, fireAt, job.Attempt+1)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to enqueue retry", "error", err, "suggestion_id", s.ID, "cause", cause)
		return err
	}
	if _, err := p.store.SwapJob(ctx, s.ID, job.ID, next.ID); err != nil {
		if _, cancelErr := p.scheduler.Cancel(ctx, next.ID); cancelErr != nil {
			p.logger.ErrorContext(ctx, "Failed to cancel orphaned retry job", "error", cancelErr, "job_id", next.ID)
		}
		return err
	}
	sendsCounter.WithLabelValues("retry").Inc()
	p.logger.WarnContext(ctx, "Send failed; retry scheduled", "suggestion_id", s.ID, "attempt", job.Attempt, "next_attempt_at", fireAt, "cause", cause)
	return nil
}

func (p *SendPipeline) needsReview(ctx context.Context, s *domain.Suggestion, job *domain.Job, reason string, eventID *uuid.UUID) error {
	flagged, err := p.store.MarkNeedsReview(ctx, s.ID, job.ID, reason, eventID)
	if err != nil {
		return err
	}
	sendsCounter.WithLabelValues("needs_review").Inc()
	p.logger.WarnContext(ctx, "Suggestion needs review", "suggestion_id", s.ID, "reason", reason)
	publishLifecycle(ctx, p.publisher, p.logger, domain.SubjectSuggestionNeedsReview, flagged, reason, p.clock.Now())
	return nil
}

func (p *SendPipeline) abort(ctx context.Context, job *domain.Job, why string) {
	sendsCounter.WithLabelValues("aborted").Inc()
	p.logger.InfoContext(ctx, "Fired job no longer applies", "job_id", job.ID, "suggestion_id", job.SuggestionID, "reason", why)
}

func (p *SendPipeline) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.cfg.Timeout)
}

func inboundReason(ev *domain.ActivityEvent) string {
	if ev.Subject == "" {
		return "new inbound message from contact"
	}
	return "new inbound message from contact: " + ev.Subject
}

func snippet(body string) string {
	const limit = 200
	r := []rune(body)
	if len(r) <= limit {
		return body
	}
	return string(r[:limit])
}
