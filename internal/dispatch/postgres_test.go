package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"publish-dispatch/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var requestColumnNames = []string{
	"id", "document_id", "kind", "idempotency_key", "snapshot", "state",
	"attempts", "last_error", "version", "created_at", "updated_at",
}

func TestPostgresStore_CreateIfAbsent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	req := models.NewDispatchRequest(models.KindPublished, publishedChange().Current)

	mock.ExpectQuery(`INSERT INTO dispatch_requests .* ON CONFLICT \(idempotency_key\) DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(req.ID.String()))
	mock.ExpectQuery(`INSERT INTO dispatch_requests`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	store := NewPostgresStore(db)

	created, err := store.CreateIfAbsent(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.CreateIfAbsent(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, created)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateIfAbsent_Error(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO dispatch_requests`).WillReturnError(errors.New("connection refused"))

	_, err = NewPostgresStore(db).CreateIfAbsent(context.Background(),
		models.NewDispatchRequest(models.KindPublished, publishedChange().Current))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert dispatch request")
}

func TestPostgresStore_Transition(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	req := models.NewDispatchRequest(models.KindPublished, publishedChange().Current)

	mock.ExpectExec(`UPDATE dispatch_requests\s+SET state = \$1`).
		WithArgs("resolving", 1, "", int64(1), sqlmock.AnyArg(), sqlmock.AnyArg(), "pending", int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresStore(db)
	err = store.Transition(context.Background(), req, models.StateResolving, func(r *models.DispatchRequest) {
		r.Attempts++
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateResolving, req.State)
	assert.Equal(t, int64(1), req.Version)
	assert.Equal(t, 1, req.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Transition_ClaimLost(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	req := models.NewDispatchRequest(models.KindPublished, publishedChange().Current)
	mock.ExpectExec(`UPDATE dispatch_requests`).WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewPostgresStore(db).Transition(context.Background(), req, models.StateResolving, nil)
	assert.ErrorIs(t, err, ErrClaimLost)
	assert.Equal(t, models.StatePending, req.State)
	assert.Equal(t, int64(0), req.Version)
}

func TestPostgresStore_Transition_Illegal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	req := models.NewDispatchRequest(models.KindPublished, publishedChange().Current)

	err = NewPostgresStore(db).Transition(context.Background(), req, models.StateCompleted, nil)
	assert.ErrorIs(t, err, models.ErrIllegalTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	snapshot := []byte(`{"id":"doc-1","title":"Quarterly update","published":true,"publishedAt":"2026-03-01T10:00:00Z","updatedAt":"2026-03-01T10:00:00Z"}`)

	mock.ExpectQuery(`FROM dispatch_requests WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(requestColumnNames).
			AddRow(id.String(), "doc-1", "published", "published:doc-1:1", snapshot, "delivering", 2, "", int64(4), now, now))
	mock.ExpectQuery(`FROM dispatch_requests WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(requestColumnNames))

	store := NewPostgresStore(db)

	req, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, req.ID)
	assert.Equal(t, models.KindPublished, req.Kind)
	assert.Equal(t, models.StateDelivering, req.State)
	assert.Equal(t, 2, req.Attempts)
	assert.Equal(t, int64(4), req.Version)
	assert.Equal(t, "Quarterly update", req.Snapshot.Title)
	require.NotNil(t, req.Snapshot.PublishedAt)

	_, err = store.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrRequestNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListUnfinished(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	snapshot := []byte(`{"id":"doc-1","title":"T","published":true,"updatedAt":"2026-03-01T10:00:00Z"}`)
	mock.ExpectQuery(`WHERE state = ANY\(\$1\)`).
		WithArgs(sqlmock.AnyArg(), 1000).
		WillReturnRows(sqlmock.NewRows(requestColumnNames).
			AddRow(uuid.New().String(), "doc-1", "published", "k1", snapshot, "pending", 0, "", int64(0), now, now).
			AddRow(uuid.New().String(), "doc-2", "updated", "k2", snapshot, "resolving", 1, "timeout", int64(1), now, now))

	reqs, err := NewPostgresStore(db).ListUnfinished(context.Background(), models.UnfinishedStates, 0)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, models.StatePending, reqs[0].State)
	assert.Equal(t, models.KindUpdated, reqs[1].Kind)
	assert.Equal(t, "timeout", reqs[1].LastError)
	assert.NoError(t, mock.ExpectationsWereMet())
}
