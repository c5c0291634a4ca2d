package database

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureSchema(t *testing.T) {
	t.Run("Applies", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectExec(regexp.QuoteMeta(Schema())).
			WillReturnResult(pgxmock.NewResult("CREATE", 0))

		require.NoError(t, EnsureSchema(context.Background(), mockPool))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Error", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectExec(regexp.QuoteMeta(Schema())).WillReturnError(errors.New("permission denied"))

		err = EnsureSchema(context.Background(), mockPool)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "apply schema")
	})
}

func TestSchemaInvariants(t *testing.T) {
	s := Schema()
	assert.Contains(t, s, "idx_scheduled_jobs_one_pending")
	assert.Contains(t, s, "WHERE status = 'pending'")
	assert.Contains(t, s, "UNIQUE (contact_id, source_message_id)")
	assert.Contains(t, s, "ON DELETE CASCADE")
}

func TestNewDBPool_BadDSN(t *testing.T) {
	_, err := NewDBPool(context.Background(), "postgres://%zz", DefaultPoolConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse pgxpool config")
}
