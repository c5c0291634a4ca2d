package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/relaycrm/outreach/internal/outreach_service/domain"
)

const suggestionColumns = `id, contact_id, action_id, account_id, subject, body, send_at, rationale, state, provenance, version,
	job_id, review_reason, review_event_id, approved_at, scheduled_at, sent_at, created_at, updated_at`

type PgSuggestionRepository struct {
	db     Querier
	logger *slog.Logger
}

var _ domain.SuggestionRepository = (*PgSuggestionRepository)(nil)

func NewPgSuggestionRepository(db Querier, logger *slog.Logger) *PgSuggestionRepository {
	return &PgSuggestionRepository{db: db, logger: logger.With("component", "suggestion_repository_pg")}
}

func scanSuggestion(row pgx.Row) (*domain.Suggestion, error) {
	var s domain.Suggestion
	var state, provenance string
	err := row.Scan(
		&s.ID, &s.ContactID, &s.ActionID, &s.AccountID, &s.Subject, &s.Body, &s.SendAt, &s.Rationale,
		&state, &provenance, &s.Version,
		&s.JobID, &s.ReviewReason, &s.ReviewEventID, &s.ApprovedAt, &s.ScheduledAt, &s.SentAt,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.State = domain.State(state)
	if !s.State.Valid() {
		return nil, fmt.Errorf("suggestion %s has unknown state %q", s.ID, state)
	}
	s.Provenance = domain.Provenance(provenance)
	return &s, nil
}

func collectSuggestions(rows pgx.Rows) ([]*domain.Suggestion, error) {
	defer rows.Close()
	var out []*domain.Suggestion
	for rows.Next() {
		s, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PgSuggestionRepository) Create(ctx context.Context, s *domain.Suggestion) error {
	query := `
		INSERT INTO suggestions (` + suggestionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err := r.db.Exec(ctx, query,
		s.ID, s.ContactID, s.ActionID, s.AccountID, s.Subject, s.Body, s.SendAt, s.Rationale,
		string(s.State), string(s.Provenance), s.Version,
		s.JobID, s.ReviewReason, s.ReviewEventID, s.ApprovedAt, s.ScheduledAt, s.SentAt,
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating suggestion", "error", err, "suggestion_id", s.ID)
		return err
	}
	return nil
}

func (r *PgSuggestionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Suggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM suggestions WHERE id = $1`
	s, err := scanSuggestion(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting suggestion by ID", "error", err, "suggestion_id", id)
		return nil, err
	}
	return s, nil
}

// Update writes every mutable column when the stored row still matches
// guard. A miss is resolved into ErrNotFound or ErrConcurrentModification
// with a follow-up existence check.
func (r *PgSuggestionRepository) Update(ctx context.Context, s *domain.Suggestion, guard domain.Guard) error {
	query := `
		UPDATE suggestions
		SET subject = $1, body = $2, send_at = $3, rationale = $4, state = $5, provenance = $6, version = $7,
			job_id = $8, review_reason = $9, review_event_id = $10, approved_at = $11, scheduled_at = $12,
			sent_at = $13, updated_at = $14, action_id = $15
		WHERE id = $16 AND state = $17 AND version = $18 AND job_id IS NOT DISTINCT FROM $19
	`
	tag, err := r.db.Exec(ctx, query,
		s.Subject, s.Body, s.SendAt, s.Rationale, string(s.State), string(s.Provenance), s.Version,
		s.JobID, s.ReviewReason, s.ReviewEventID, s.ApprovedAt, s.ScheduledAt,
		s.SentAt, s.UpdatedAt, s.ActionID,
		s.ID, string(guard.State), guard.Version, guard.JobID,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating suggestion", "error", err, "suggestion_id", s.ID)
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM suggestions WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check suggestion %s: %w", s.ID, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	r.logger.InfoContext(ctx, "Conditional suggestion update lost", "suggestion_id", s.ID, "expected_state", guard.State, "expected_version", guard.Version)
	return domain.ErrConcurrentModification
}

func (r *PgSuggestionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM suggestions WHERE id = $1`, id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error deleting suggestion", "error", err, "suggestion_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PgSuggestionRepository) ListByState(ctx context.Context, states ...domain.State) ([]*domain.Suggestion, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	query := `SELECT ` + suggestionColumns + ` FROM suggestions WHERE state = ANY($1) ORDER BY created_at, id`
	rows, err := r.db.Query(ctx, query, names)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing suggestions by state", "error", err, "states", names)
		return nil, err
	}
	return collectSuggestions(rows)
}

func (r *PgSuggestionRepository) ListByContact(ctx context.Context, contactID uuid.UUID) ([]*domain.Suggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM suggestions WHERE contact_id = $1 ORDER BY created_at, id`
	rows, err := r.db.Query(ctx, query, contactID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing suggestions by contact", "error", err, "contact_id", contactID)
		return nil, err
	}
	return collectSuggestions(rows)
}

func (r *PgSuggestionRepository) ListScheduledBetween(ctx context.Context, from, to time.Time) ([]*domain.Suggestion, error) {
	query := `
		SELECT ` + suggestionColumns + `
		FROM suggestions
		WHERE state = $1 AND send_at >= $2 AND send_at < $3
		ORDER BY send_at, id
	`
	rows, err := r.db.Query(ctx, query, string(domain.StateScheduled), from, to)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing scheduled suggestions", "error", err)
		return nil, err
	}
	return collectSuggestions(rows)
}
