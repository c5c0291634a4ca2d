package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrm/outreach/internal/outreach_service/domain"
	"github.com/relaycrm/outreach/internal/platform/clock"
)

// JobCanceler is the part of the Scheduler the correlator needs.
type JobCanceler interface {
	Cancel(ctx context.Context, jobID uuid.UUID) (domain.JobStatus, error)
}

// CorrelatorConfig holds configuration specific to the Correlator.
type CorrelatorConfig struct {
	Accounts     []string
	PollInterval time.Duration
	Timeout      time.Duration // Bound on each provider/directory call
}

// Correlator ingests messages from connected accounts, records them as
// contact activity and invalidates scheduled suggestions when a contact
// writes first.
type Correlator struct {
	provider   domain.MessageProvider
	contacts   domain.ContactDirectory
	activity   domain.ActivityRepository
	watermarks domain.WatermarkRepository
	store      *SuggestionStore
	scheduler  JobCanceler
	publisher  domain.EventPublisher
	clock      clock.Clock
	logger     *slog.Logger
	cfg        CorrelatorConfig

	// syncMu keeps ingestion on a single timeline across the loop and
	// on-demand syncs.
	syncMu sync.Mutex
}

func NewCorrelator(
	provider domain.MessageProvider,
	contacts domain.ContactDirectory,
	activity domain.ActivityRepository,
	watermarks domain.WatermarkRepository,
	store *SuggestionStore,
	scheduler JobCanceler,
	publisher domain.EventPublisher,
	clk clock.Clock,
	logger *slog.Logger,
	cfg CorrelatorConfig,
) *Correlator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	return &Correlator{
		provider:   provider,
		contacts:   contacts,
		activity:   activity,
		watermarks: watermarks,
		store:      store,
		scheduler:  scheduler,
		publisher:  publisher,
		clock:      clk,
		logger:     logger.With("component", "correlator"),
		cfg:        cfg,
	}
}

// Run polls every PollInterval, starting immediately, until ctx is done.
func (c *Correlator) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "Correlator started", "accounts", c.cfg.Accounts, "poll_interval", c.cfg.PollInterval)
	ticker := c.clock.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		err := c.PollOnce(ctx)
		switch {
		case errors.Is(err, domain.ErrSyncInProgress):
			c.logger.DebugContext(ctx, "On-demand sync running; skipping this cycle")
		case err != nil && ctx.Err() == nil:
			c.logger.WarnContext(ctx, "Ingestion cycle incomplete", "error", err)
		}
		select {
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "Correlator stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce syncs every configured account. One account's failure does not
// stop the others; all failures are returned joined. It fails with
// ErrSyncInProgress while another pass is running.
func (c *Correlator) PollOnce(ctx context.Context) error {
	if !c.syncMu.TryLock() {
		return domain.ErrSyncInProgress
	}
	defer c.syncMu.Unlock()

	var errs []error
	for _, account := range c.cfg.Accounts {
		if _, err := c.syncAccount(ctx, account); err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", account, err))
		}
	}
	return errors.Join(errs...)
}

// SyncAccount ingests messages since the account's watermark and returns
// how many were processed. The watermark only advances once the whole
// batch succeeded, so a failed batch is re-read next cycle.
func (c *Correlator) SyncAccount(ctx context.Context, account string) (int, error) {
	if !c.syncMu.TryLock() {
		return 0, domain.ErrSyncInProgress
	}
	defer c.syncMu.Unlock()
	return c.syncAccount(ctx, account)
}

func (c *Correlator) syncAccount(ctx context.Context, account string) (int, error) {
	since, err := c.watermarks.Get(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}

	msgs, err := c.fetch(ctx, account, since)
	if err != nil {
		ingestFetchErrorsCounter.WithLabelValues(account).Inc()
		c.logger.WarnContext(ctx, "Fetch failed; will retry next interval", "account", account, "error", err)
		return 0, err
	}
	slices.SortStableFunc(msgs, func(a, b domain.ProviderMessage) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	newest := since
	for i, m := range msgs {
		if err := c.ingest(ctx, account, m); err != nil {
			c.logger.ErrorContext(ctx, "Ingestion aborted; watermark kept", "account", account, "message_id", m.ID, "error", err)
			return i, err
		}
		if m.Timestamp.After(newest) {
			newest = m.Timestamp
		}
	}
	if newest.After(since) {
		if err := c.watermarks.Advance(ctx, account, newest); err != nil {
			return len(msgs), fmt.Errorf("advance watermark: %w", err)
		}
	}
	if len(msgs) > 0 {
		c.logger.InfoContext(ctx, "Account synced", "account", account, "messages", len(msgs), "watermark", newest)
	}
	return len(msgs), nil
}

func (c *Correlator) fetch(ctx context.Context, account string, since time.Time) ([]domain.ProviderMessage, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	msgs, err := c.provider.FetchRecentMessages(ctx, account, since)
	if err != nil {
		return nil, domain.External("fetch messages", err)
	}
	return msgs, nil
}

func (c *Correlator) ingest(ctx context.Context, account string, m domain.ProviderMessage) error {
	contact, dir, err := c.resolve(ctx, m)
	if errors.Is(err, domain.ErrNotFound) {
		ingestedEventsCounter.WithLabelValues(account, "unknown_contact").Inc()
		c.logger.DebugContext(ctx, "Message does not match a known contact", "account", account, "message_id", m.ID)
		return nil
	}
	if err != nil {
		return err
	}

	ev, inserted, err := c.activity.Record(ctx, &domain.ActivityEvent{
		ID:              uuid.New(),
		ContactID:       contact.ID,
		AccountID:       account,
		OccurredAt:      m.Timestamp,
		Direction:       dir,
		SourceMessageID: m.ID,
		Subject:         m.Subject,
		Snippet:         m.Snippet,
		RecordedAt:      c.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	if inserted {
		ingestedEventsCounter.WithLabelValues(account, "recorded").Inc()
	} else {
		ingestedEventsCounter.WithLabelValues(account, "duplicate").Inc()
	}

	if dir != domain.DirectionInbound {
		return nil
	}
	return c.cancelAndFlag(ctx, contact.ID, ev, inserted)
}

// resolve matches the sender first (inbound), then each recipient (outbound).
func (c *Correlator) resolve(ctx context.Context, m domain.ProviderMessage) (*domain.Contact, domain.Direction, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if from := domain.NormalizeAddress(m.From); from != "" {
		contact, err := c.contacts.ResolveByAddress(ctx, from)
		if err == nil {
			return contact, domain.DirectionInbound, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, "", domain.External("resolve sender", err)
		}
	}
	for _, to := range domain.SplitAddresses(m.To) {
		contact, err := c.contacts.ResolveByAddress(ctx, to)
		if err == nil {
			return contact, domain.DirectionOutbound, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, "", domain.External("resolve recipient", err)
		}
	}
	return nil, "", domain.ErrNotFound
}

// cancelAndFlag cancels the live job of every scheduled suggestion of the
// contact and moves the suggestion to needs_review. A job that already
// fired is left to the send pipeline. For a re-read event only suggestions
// approved before the event was first recorded are considered.
func (c *Correlator) cancelAndFlag(ctx context.Context, contactID uuid.UUID, ev *domain.ActivityEvent, fresh bool) error {
	suggestions, err := c.store.ListByContact(ctx, contactID)
	if err != nil {
		return fmt.Errorf("list suggestions of contact %s: %w", contactID, err)
	}

	flagged := 0
	for _, s := range suggestions {
		if s.State != domain.StateScheduled || s.JobID == nil {
			continue
		}
		if !fresh && s.ApprovedAt != nil && !s.ApprovedAt.Before(ev.RecordedAt) {
			continue
		}

		jobID := *s.JobID
		status, err := c.scheduler.Cancel(ctx, jobID)
		if err != nil {
			return err
		}
		if status == domain.JobFired {
			c.logger.InfoContext(ctx, "Send already in flight; leaving suggestion to the send pipeline", "suggestion_id", s.ID, "job_id", jobID)
			continue
		}

		reason := inboundReason(ev)
		updated, err := c.store.MarkNeedsReview(ctx, s.ID, jobID, reason, &ev.ID)
		if errors.Is(err, domain.ErrConcurrentModification) {
			c.logger.InfoContext(ctx, "Suggestion changed while flagging; skipping", "suggestion_id", s.ID)
			continue
		}
		if err != nil {
			return err
		}
		flagged++
		publishLifecycle(ctx, c.publisher, c.logger, domain.SubjectSuggestionNeedsReview, updated, reason, c.clock.Now())
	}

	if flagged == 0 {
		c.logger.DebugContext(ctx, "Conversation logged", "contact_id", contactID, "event_id", ev.ID)
	} else {
		c.logger.InfoContext(ctx, "Scheduled suggestions sent back for review", "contact_id", contactID, "event_id", ev.ID, "count", flagged)
	}
	return nil
}

func (c *Correlator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}
