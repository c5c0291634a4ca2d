package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/relaycrm/outreach/internal/outreach_service/domain"
)

const (
	activityColumns     = `id, contact_id, account_id, occurred_at, direction, source_message_id, subject, snippet, suggestion_id, recorded_at`
	activitySourceIndex = "activity_events_contact_source_key"
)

type PgActivityRepository struct {
	db     Querier
	logger *slog.Logger
}

var _ domain.ActivityRepository = (*PgActivityRepository)(nil)

func NewPgActivityRepository(db Querier, logger *slog.Logger) *PgActivityRepository {
	return &PgActivityRepository{db: db, logger: logger.With("component", "activity_repository_pg")}
}

func scanActivity(row pgx.Row) (*domain.ActivityEvent, error) {
	var ev domain.ActivityEvent
	var direction string
	err := row.Scan(
		&ev.ID, &ev.ContactID, &ev.AccountID, &ev.OccurredAt, &direction, &ev.SourceMessageID,
		&ev.Subject, &ev.Snippet, &ev.SuggestionID, &ev.RecordedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.Direction = domain.Direction(direction)
	return &ev, nil
}

// Record inserts the event unless (contact_id, source_message_id) already
// exists, in which case the stored row is returned.
func (r *PgActivityRepository) Record(ctx context.Context, ev *domain.ActivityEvent) (*domain.ActivityEvent, bool, error) {
	query := `
		INSERT INTO activity_events (` + activityColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT ON CONSTRAINT ` + activitySourceIndex + ` DO NOTHING
		RETURNING ` + activityColumns
	stored, err := scanActivity(r.db.QueryRow(ctx, query,
		ev.ID, ev.ContactID, ev.AccountID, ev.OccurredAt, string(ev.Direction), ev.SourceMessageID,
		ev.Subject, ev.Snippet, ev.SuggestionID, ev.RecordedAt,
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		r.logger.ErrorContext(ctx, "Error recording activity event", "error", err, "contact_id", ev.ContactID, "source_message_id", ev.SourceMessageID)
		return nil, false, err
	}

	existing, err := r.FindBySource(ctx, ev.ContactID, ev.SourceMessageID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *PgActivityRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.ActivityEvent, error) {
	ev, err := scanActivity(r.db.QueryRow(ctx, `SELECT `+activityColumns+` FROM activity_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return ev, err
}

func (r *PgActivityRepository) FindBySource(ctx context.Context, contactID uuid.UUID, sourceMessageID string) (*domain.ActivityEvent, error) {
	query := `SELECT ` + activityColumns + ` FROM activity_events WHERE contact_id = $1 AND source_message_id = $2`
	ev, err := scanActivity(r.db.QueryRow(ctx, query, contactID, sourceMessageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return ev, err
}

// ListByContact returns newest first; limit <= 0 means no limit.
func (r *PgActivityRepository) ListByContact(ctx context.Context, contactID uuid.UUID, limit int) ([]*domain.ActivityEvent, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	query := `
		SELECT ` + activityColumns + `
		FROM activity_events
		WHERE contact_id = $1
		ORDER BY occurred_at DESC, id
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, contactID, lim)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing activity by contact", "error", err, "contact_id", contactID)
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ActivityEvent
	for rows.Next() {
		ev, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *PgActivityRepository) LatestInbound(ctx context.Context, contactID uuid.UUID) (*domain.ActivityEvent, error) {
	query := `
		SELECT ` + activityColumns + `
		FROM activity_events
		WHERE contact_id = $1 AND direction = $2
		ORDER BY occurred_at DESC
		LIMIT 1
	`
	ev, err := scanActivity(r.db.QueryRow(ctx, query, contactID, string(domain.DirectionInbound)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return ev, err
}

func (r *PgActivityRepository) DeleteByContact(ctx context.Context, contactID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM activity_events WHERE contact_id = $1`, contactID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error deleting activity by contact", "error", err, "contact_id", contactID)
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type PgWatermarkRepository struct {
	db     Querier
	logger *slog.Logger
}

var _ domain.WatermarkRepository = (*PgWatermarkRepository)(nil)

func NewPgWatermarkRepository(db Querier, logger *slog.Logger) *PgWatermarkRepository {
	return &PgWatermarkRepository{db: db, logger: logger.With("component", "watermark_repository_pg")}
}

func (r *PgWatermarkRepository) Get(ctx context.Context, accountID string) (time.Time, error) {
	var at time.Time
	err := r.db.QueryRow(ctx, `SELECT synced_through FROM ingest_watermarks WHERE account_id = $1`, accountID).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "Error reading watermark", "error", err, "account_id", accountID)
		return time.Time{}, err
	}
	return at, nil
}

// Advance upserts with GREATEST so a stale writer cannot move the mark back.
func (r *PgWatermarkRepository) Advance(ctx context.Context, accountID string, to time.Time) error {
	query := `
		INSERT INTO ingest_watermarks (account_id, synced_through, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (account_id) DO UPDATE
		SET synced_through = GREATEST(ingest_watermarks.synced_through, EXCLUDED.synced_through), updated_at = now()
	`
	if _, err := r.db.Exec(ctx, query, accountID, to); err != nil {
		r.logger.ErrorContext(ctx, "Error advancing watermark", "error", err, "account_id", accountID)
		return err
	}
	return nil
}
