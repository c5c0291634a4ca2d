package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/relaycrm/outreach/internal/outreach_service/domain"
)

// NoopPublisher discards lifecycle events. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, []byte) error { return nil }

// publishLifecycle emits a lifecycle event. Failures are logged and never
// affect the transition that already committed.
func publishLifecycle(ctx context.Context, pub domain.EventPublisher, logger *slog.Logger, subject string, s *domain.Suggestion, reason string, at time.Time) {
	if pub == nil {
		return
	}
	payload, err := json.Marshal(domain.LifecycleEvent{
		SuggestionID: s.ID,
		ContactID:    s.ContactID,
		State:        s.State,
		JobID:        s.JobID,
		Reason:       reason,
		OccurredAt:   at,
	})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to marshal lifecycle event", "error", err, "suggestion_id", s.ID)
		return
	}
	if err := pub.Publish(ctx, subject, payload); err != nil {
		logger.WarnContext(ctx, "Failed to publish lifecycle event", "error", err, "subject", subject, "suggestion_id", s.ID)
	}
}
