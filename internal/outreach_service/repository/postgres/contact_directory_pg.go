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
	contactColumns = `id, name, email, company, last_contacted_at`
	actionColumns  = `id, contact_id, title, due_date, completed_at`
)

// PgContactDirectory serves contacts and their actions from the contacts
// and contact_actions tables.
type PgContactDirectory struct {
	db     Querier
	logger *slog.Logger
}

var _ domain.ContactDirectory = (*PgContactDirectory)(nil)

func NewPgContactDirectory(db Querier, logger *slog.Logger) *PgContactDirectory {
	return &PgContactDirectory{db: db, logger: logger.With("component", "contact_directory_pg")}
}

func scanContact(row pgx.Row) (*domain.Contact, error) {
	var c domain.Contact
	if err := row.Scan(&c.ID, &c.Name, &c.Email, &c.Company, &c.LastContactedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanAction(row pgx.Row) (*domain.Action, error) {
	var a domain.Action
	if err := row.Scan(&a.ID, &a.ContactID, &a.Title, &a.DueDate, &a.CompletedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// AddContact inserts a contact, assigning an id when missing.
func (d *PgContactDirectory) AddContact(ctx context.Context, c domain.Contact) (*domain.Contact, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Email = domain.NormalizeAddress(c.Email)
	query := `
		INSERT INTO contacts (id, name, email, company, last_contacted_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := d.db.Exec(ctx, query, c.ID, c.Name, c.Email, c.Company, c.LastContactedAt); err != nil {
		d.logger.ErrorContext(ctx, "Error creating contact", "error", err, "contact_id", c.ID)
		return nil, err
	}
	return &c, nil
}

// AddAction inserts an open action for a contact.
func (d *PgContactDirectory) AddAction(ctx context.Context, contactID uuid.UUID, title string, due *time.Time) (*domain.Action, error) {
	a := &domain.Action{ID: uuid.New(), ContactID: contactID, Title: title, DueDate: due}
	query := `INSERT INTO contact_actions (id, contact_id, title, due_date) VALUES ($1, $2, $3, $4)`
	if _, err := d.db.Exec(ctx, query, a.ID, a.ContactID, a.Title, a.DueDate); err != nil {
		d.logger.ErrorContext(ctx, "Error creating action", "error", err, "contact_id", contactID)
		return nil, err
	}
	return a, nil
}

func (d *PgContactDirectory) GetContact(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	c, err := scanContact(d.db.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return c, err
}

func (d *PgContactDirectory) ResolveByAddress(ctx context.Context, address string) (*domain.Contact, error) {
	email := domain.NormalizeAddress(address)
	if email == "" {
		return nil, domain.ErrNotFound
	}
	c, err := scanContact(d.db.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE lower(email) = $1`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return c, err
}

// GetPendingAction returns the open action due soonest; undated actions
// come last.
func (d *PgContactDirectory) GetPendingAction(ctx context.Context, contactID uuid.UUID) (*domain.Action, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM contact_actions
		WHERE contact_id = $1 AND completed_at IS NULL
		ORDER BY due_date ASC NULLS LAST, created_at
		LIMIT 1
	`
	a, err := scanAction(d.db.QueryRow(ctx, query, contactID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return a, err
}

// CompleteAction stamps completed_at once; completing twice keeps the first
// timestamp.
func (d *PgContactDirectory) CompleteAction(ctx context.Context, actionID uuid.UUID, at time.Time) (*domain.Action, error) {
	query := `
		UPDATE contact_actions
		SET completed_at = COALESCE(completed_at, $2)
		WHERE id = $1
		RETURNING ` + actionColumns
	a, err := scanAction(d.db.QueryRow(ctx, query, actionID, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		d.logger.ErrorContext(ctx, "Error completing action", "error", err, "action_id", actionID)
		return nil, err
	}
	return a, nil
}

func (d *PgContactDirectory) CreateNextAction(ctx context.Context, contactID uuid.UUID, title string, due time.Time) (*domain.Action, error) {
	query := `
		INSERT INTO contact_actions (id, contact_id, title, due_date)
		SELECT $1, id, $3, $4 FROM contacts WHERE id = $2
		RETURNING ` + actionColumns
	a, err := scanAction(d.db.QueryRow(ctx, query, uuid.New(), contactID, title, due))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		d.logger.ErrorContext(ctx, "Error creating next action", "error", err, "contact_id", contactID)
		return nil, err
	}
	return a, nil
}

// MarkContacted only moves last_contacted_at forward.
func (d *PgContactDirectory) MarkContacted(ctx context.Context, contactID uuid.UUID, at time.Time) error {
	query := `
		UPDATE contacts
		SET last_contacted_at = GREATEST(COALESCE(last_contacted_at, $2), $2)
		WHERE id = $1
	`
	tag, err := d.db.Exec(ctx, query, contactID, at)
	if err != nil {
		d.logger.ErrorContext(ctx, "Error marking contact contacted", "error", err, "contact_id", contactID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
