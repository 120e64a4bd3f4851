package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session_billing/internal/models"
	"session_billing/internal/rates"
)

func TestRateRepository_Resolve(t *testing.T) {
	tests := []struct {
		name    string
		rows    *sqlmock.Rows
		want    int64
		wantErr error
	}{
		{"published", sqlmock.NewRows([]string{"rate_per_minute"}).AddRow(399), 399, nil},
		{"missing", sqlmock.NewRows([]string{"rate_per_minute"}), 0, rates.ErrRateUnavailable},
		{"zero", sqlmock.NewRows([]string{"rate_per_minute"}).AddRow(0), 0, rates.ErrRateUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := db.NewRateRepository()

			mock.ExpectQuery("FROM provider_rates").
				WithArgs("reader-42", "chat").
				WillReturnRows(tt.rows)

			rate, err := repo.Resolve(context.Background(), models.SessionTypeChat, "reader-42")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, rate)
		})
	}
}

func TestRateRepository_Upsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := db.NewRateRepository()

	mock.ExpectExec("INSERT INTO provider_rates").
		WithArgs("reader-42", "video", int64(599)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(context.Background(), "reader-42", models.SessionTypeVideo, 599))
}

func TestMigrate(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()

	require.NoError(t, db.Migrate(context.Background()))
}
