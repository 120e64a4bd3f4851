package storage

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		mockDB.Close()
	})

	return NewDBFromConn(sqlx.NewDb(mockDB, "postgres")), mock
}

var txColumns = []string{
	"id", "account_id", "session_id", "kind", "amount", "balance_after",
	"idempotency_key", "description", "created_at",
}
