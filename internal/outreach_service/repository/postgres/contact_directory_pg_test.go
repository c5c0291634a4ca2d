package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/outreach/internal/outreach_service/domain"
)

var (
	contactCols = []string{"id", "name", "email", "company", "last_contacted_at"}
	actionCols  = []string{"id", "contact_id", "title", "due_date", "completed_at"}
)

func TestPgContactDirectory_ResolveByAddress(t *testing.T) {
	t.Run("NormalizesAddress", func(t *testing.T) {
		mockPool := newMock(t)
		dir := NewPgContactDirectory(mockPool, discardLogger())
		id := uuid.New()

		mockPool.ExpectQuery(`FROM contacts WHERE lower\(email\) = \$1`).
			WithArgs("dana@example.com").
			WillReturnRows(mockPool.NewRows(contactCols).AddRow(id, "Dana", "dana@example.com", "Acme", (*time.Time)(nil)))

		c, err := dir.ResolveByAddress(context.Background(), "Dana Smith <DANA@Example.com>")
		require.NoError(t, err)
		assert.Equal(t, id, c.ID)
		assert.Nil(t, c.LastContactedAt)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Unknown", func(t *testing.T) {
		mockPool := newMock(t)
		dir := NewPgContactDirectory(mockPool, discardLogger())

		mockPool.ExpectQuery(`FROM contacts WHERE lower\(email\) = \$1`).
			WithArgs("nobody@example.com").
			WillReturnError(pgx.ErrNoRows)

		_, err := dir.ResolveByAddress(context.Background(), "nobody@example.com")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Empty", func(t *testing.T) {
		dir := NewPgContactDirectory(newMock(t), discardLogger())
		_, err := dir.ResolveByAddress(context.Background(), "  ")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestPgContactDirectory_GetPendingAction(t *testing.T) {
	mockPool := newMock(t)
	dir := NewPgContactDirectory(mockPool, discardLogger())
	contactID := uuid.New()
	due := t0.Add(time.Hour)
	actionID := uuid.New()

	mockPool.ExpectQuery(`WHERE contact_id = \$1 AND completed_at IS NULL ORDER BY due_date ASC NULLS LAST`).
		WithArgs(contactID).
		WillReturnRows(mockPool.NewRows(actionCols).AddRow(actionID, contactID, "Send proposal", &due, (*time.Time)(nil)))
	mockPool.ExpectQuery(`WHERE contact_id = \$1 AND completed_at IS NULL`).
		WithArgs(contactID).
		WillReturnError(pgx.ErrNoRows)

	a, err := dir.GetPendingAction(context.Background(), contactID)
	require.NoError(t, err)
	assert.Equal(t, actionID, a.ID)
	assert.Equal(t, due, *a.DueDate)

	_, err = dir.GetPendingAction(context.Background(), contactID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgContactDirectory_FlowAdvance(t *testing.T) {
	mockPool := newMock(t)
	dir := NewPgContactDirectory(mockPool, discardLogger())
	contactID, actionID := uuid.New(), uuid.New()
	sentAt := t0.Add(2 * time.Hour)
	next := sentAt.Add(14 * 24 * time.Hour)

	mockPool.ExpectQuery(`UPDATE contact_actions SET completed_at = COALESCE\(completed_at, \$2\) WHERE id = \$1 RETURNING`).
		WithArgs(actionID, sentAt).
		WillReturnRows(mockPool.NewRows(actionCols).AddRow(actionID, contactID, "Send proposal", (*time.Time)(nil), &sentAt))
	mockPool.ExpectQuery(`INSERT INTO contact_actions .+ SELECT \$1, id, \$3, \$4 FROM contacts WHERE id = \$2`).
		WithArgs(pgxmock.AnyArg(), contactID, "Send proposal", next).
		WillReturnRows(mockPool.NewRows(actionCols).AddRow(uuid.New(), contactID, "Send proposal", &next, (*time.Time)(nil)))
	mockPool.ExpectExec(`UPDATE contacts SET last_contacted_at = GREATEST`).
		WithArgs(contactID, sentAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	done, err := dir.CompleteAction(context.Background(), actionID, sentAt)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)

	created, err := dir.CreateNextAction(context.Background(), contactID, done.Title, next)
	require.NoError(t, err)
	assert.Equal(t, "Send proposal", created.Title)
	assert.Nil(t, created.CompletedAt)

	require.NoError(t, dir.MarkContacted(context.Background(), contactID, sentAt))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgContactDirectory_MarkContactedUnknown(t *testing.T) {
	mockPool := newMock(t)
	dir := NewPgContactDirectory(mockPool, discardLogger())
	id := uuid.New()

	mockPool.ExpectExec(`UPDATE contacts SET last_contacted_at`).
		WithArgs(id, t0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	assert.ErrorIs(t, dir.MarkContacted(context.Background(), id, t0), domain.ErrNotFound)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
