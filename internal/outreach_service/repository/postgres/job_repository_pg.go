package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/relaycrm/outreach/internal/outreach_service/domain"
)

const (
	jobColumns = `id, suggestion_id, fire_at, status, attempt, last_error, created_at, updated_at`

	uniqueViolation    = "23505"
	onePendingJobIndex = "idx_scheduled_jobs_one_pending"
)

type PgJobRepository struct {
	db     Querier
	logger *slog.Logger
}

var _ domain.JobRepository = (*PgJobRepository)(nil)

func NewPgJobRepository(db Querier, logger *slog.Logger) *PgJobRepository {
	return &PgJobRepository{db: db, logger: logger.With("component", "job_repository_pg")}
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	var status string
	if err := row.Scan(&j.ID, &j.SuggestionID, &j.FireAt, &status, &j.Attempt, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = domain.JobStatus(status)
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	defer rows.Close()
	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}

func (r *PgJobRepository) Insert(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO scheduled_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		job.ID, job.SuggestionID, job.FireAt, string(job.Status), job.Attempt, job.LastError, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, onePendingJobIndex) {
			r.logger.WarnContext(ctx, "Suggestion already has a pending job", "suggestion_id", job.SuggestionID)
			return domain.ErrDuplicatePendingJob
		}
		r.logger.ErrorContext(ctx, "Error inserting scheduled job", "error", err, "job_id", job.ID)
		return err
	}
	return nil
}

func (r *PgJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	j, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting scheduled job by ID", "error", err, "job_id", id)
		return nil, err
	}
	return j, nil
}

// Transition is a compare-and-set on status. An empty lastError keeps the
// stored one.
func (r *PgJobRepository) Transition(ctx context.Context, id uuid.UUID, from, to domain.JobStatus, lastError string, at time.Time) error {
	query := `
		UPDATE scheduled_jobs
		SET status = $1, last_error = COALESCE(NULLIF($2, ''), last_error), updated_at = $3
		WHERE id = $4 AND status = $5
	`
	tag, err := r.db.Exec(ctx, query, string(to), lastError, at, id, string(from))
	if err != nil {
		r.logger.ErrorContext(ctx, "Error transitioning scheduled job", "error", err, "job_id", id, "from", from, "to", to)
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM scheduled_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job %s: %w", id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrConcurrentModification
}

// ListDue pages through due pending jobs by the (fire_at, id) keyset.
func (r *PgJobRepository) ListDue(ctx context.Context, now time.Time, after *domain.JobCursor, limit int) ([]*domain.Job, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if after == nil {
		query := `
			SELECT ` + jobColumns + `
			FROM scheduled_jobs
			WHERE status = $1 AND fire_at <= $2
			ORDER BY fire_at, id
			LIMIT $3
		`
		rows, err = r.db.Query(ctx, query, string(domain.JobPending), now, limit)
	} else {
		query := `
			SELECT ` + jobColumns + `
			FROM scheduled_jobs
			WHERE status = $1 AND fire_at <= $2 AND (fire_at, id) > ($3, $4)
			ORDER BY fire_at, id
			LIMIT $5
		`
		rows, err = r.db.Query(ctx, query, string(domain.JobPending), now, after.FireAt, after.ID, limit)
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing due jobs", "error", err)
		return nil, err
	}
	return collectJobs(rows)
}

func (r *PgJobRepository) ListBySuggestion(ctx context.Context, suggestionID uuid.UUID) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs WHERE suggestion_id = $1 ORDER BY attempt, created_at`
	rows, err := r.db.Query(ctx, query, suggestionID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing jobs by suggestion", "error", err, "suggestion_id", suggestionID)
		return nil, err
	}
	return collectJobs(rows)
}

func (r *PgJobRepository) DeleteBySuggestion(ctx context.Context, suggestionID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM scheduled_jobs WHERE suggestion_id = $1`, suggestionID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error deleting jobs by suggestion", "error", err, "suggestion_id", suggestionID)
		return 0, err
	}
	return tag.RowsAffected(), nil
}
