package recipient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_ListAccounts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "email", "device_token"}).
		AddRow("acc-1", "one@corp.io", "token-1").
		AddRow("acc-2", "", nil)
	mock.ExpectQuery(`SELECT id, COALESCE\(email, ''\), device_token FROM accounts WHERE is_active = TRUE`).
		WillReturnRows(rows)

	accounts, err := NewPostgresStore(db).ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	assert.Equal(t, "acc-1", accounts[0].AccountID)
	assert.True(t, accounts[0].HasPushToken())
	assert.Equal(t, "token-1", accounts[0].PushToken())
	assert.True(t, accounts[0].Active)

	assert.False(t, accounts[1].HasPushToken())
	assert.False(t, accounts[1].HasEmail())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListAccounts_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM accounts`).WillReturnError(errors.New("connection reset"))

	_, err = NewPostgresStore(db).ListAccounts(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list accounts")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListActiveSubscribers(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	notified := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "email", "last_notified_at"}).
		AddRow("sub-1", "alpha@news.io", notified).
		AddRow("sub-2", "beta@news.io", nil)
	mock.ExpectQuery(`SELECT id, COALESCE\(email, ''\), last_notified_at FROM subscribers WHERE is_active = TRUE`).
		WillReturnRows(rows)

	subs, err := NewPostgresStore(db).ListActiveSubscribers(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 2)

	require.NotNil(t, subs[0].LastNotifiedAt)
	assert.True(t, subs[0].LastNotifiedAt.Equal(notified))
	assert.Nil(t, subs[1].LastNotifiedAt)
	assert.True(t, subs[1].IsActive())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateLastNotified(t *testing.T) {
	at := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	t.Run("updated", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec(`UPDATE subscribers SET last_notified_at = \$2 WHERE id = \$1`).
			WithArgs("sub-1", at).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, NewPostgresStore(db).UpdateLastNotified(context.Background(), "sub-1", at))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing subscriber", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec(`UPDATE subscribers`).
			WithArgs("sub-404", at).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err = NewPostgresStore(db).UpdateLastNotified(context.Background(), "sub-404", at)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}
