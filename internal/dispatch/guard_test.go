package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "publish-dispatch/internal/common/errors"
	"publish-dispatch/internal/common/logger"
	"publish-dispatch/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingQueue struct {
	mu    sync.Mutex
	reqs  []*models.DispatchRequest
	err   error
	count int32
}

func (q *recordingQueue) Enqueue(req *models.DispatchRequest) error {
	if q.err != nil {
		return q.err
	}
	atomic.AddInt32(&q.count, 1)
	q.mu.Lock()
	q.reqs = append(q.reqs, req)
	q.mu.Unlock()
	return nil
}

type failingRequestStore struct{ RequestStore }

func (failingRequestStore) CreateIfAbsent(context.Context, *models.DispatchRequest) (bool, error) {
	return false, errors.New("connection refused")
}

func TestIsPublishTransition(t *testing.T) {
	tests := []struct {
		name string
		cur  *models.Document
		prev *models.Document
		want bool
	}{
		{"draft to published", &models.Document{Published: true}, &models.Document{Published: false}, true},
		{"edit of published", &models.Document{Published: true}, &models.Document{Published: true}, false},
		{"unpublished write", &models.Document{Published: false}, &models.Document{Published: false}, false},
		{"unpublish", &models.Document{Published: false}, &models.Document{Published: true}, false},
		{"created published", &models.Document{Published: true}, nil, true},
		{"change set says published", &models.Document{Published: true, ChangedFields: []string{"published", "title"}}, nil, true},
		{"change set without published", &models.Document{Published: true, ChangedFields: []string{"title"}}, nil, false},
		{"nil current", nil, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPublishTransition(tt.cur, tt.prev))
		})
	}
}

func TestIsContentUpdate(t *testing.T) {
	tests := []struct {
		name string
		cur  *models.Document
		prev *models.Document
		want bool
	}{
		{"title edited", &models.Document{Published: true, Title: "B"}, &models.Document{Published: true, Title: "A"}, true},
		{"body edited via change set", &models.Document{Published: true, ChangedFields: []string{"body"}}, &models.Document{Published: true}, true},
		{"no content change", &models.Document{Published: true, Title: "A"}, &models.Document{Published: true, Title: "A"}, false},
		{"first publish is not an update", &models.Document{Published: true, Title: "B"}, &models.Document{Published: false, Title: "A"}, false},
		{"draft edit", &models.Document{Published: false, Title: "B"}, &models.Document{Published: false, Title: "A"}, false},
		{"change set only", &models.Document{Published: true, ChangedFields: []string{"title"}}, nil, true},
		{"change set with publish", &models.Document{Published: true, ChangedFields: []string{"published", "title"}}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsContentUpdate(tt.cur, tt.prev))
		})
	}
}

func publishedChange() Change {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return Change{
		Kind: models.KindPublished,
		Current: models.Document{
			ID:          "doc-1",
			Title:       "Quarterly update",
			Body:        "Numbers are up.",
			Published:   true,
			PublishedAt: &at,
			UpdatedAt:   at,
		},
		Previous: &models.Document{ID: "doc-1", Published: false},
	}
}

func TestGuard_Admit(t *testing.T) {
	store := NewMemoryStore()
	queue := &recordingQueue{}
	guard := NewGuard(store, queue, false, logger.NewTestLogger(t))
	ctx := context.Background()

	first, err := guard.Admit(ctx, publishedChange())
	require.NoError(t, err)
	assert.True(t, first.Admitted)
	assert.False(t, first.Duplicate)
	assert.True(t, first.Enqueued)
	require.NotNil(t, first.Request)
	assert.Equal(t, models.StatePending, first.Request.State)

	second, err := guard.Admit(ctx, publishedChange())
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	require.NotNil(t, second.Request)
	assert.Equal(t, first.Request.ID, second.Request.ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&queue.count))

	edit := publishedChange()
	edit.Previous = &models.Document{ID: "doc-1", Published: true}
	ignored, err := guard.Admit(ctx, edit)
	require.NoError(t, err)
	assert.False(t, ignored.Admitted)
	assert.Nil(t, ignored.Request)
	assert.Equal(t, "not a publish transition", ignored.Reason)
}

func TestGuard_Admit_RepublishIsNewTransition(t *testing.T) {
	store := NewMemoryStore()
	guard := NewGuard(store, &recordingQueue{}, false, logger.NewTestLogger(t))

	first, err := guard.Admit(context.Background(), publishedChange())
	require.NoError(t, err)

	again := publishedChange()
	later := again.Current.PublishedAt.Add(24 * time.Hour)
	again.Current.PublishedAt = &later
	second, err := guard.Admit(context.Background(), again)
	require.NoError(t, err)

	assert.False(t, second.Duplicate)
	assert.NotEqual(t, first.Request.IdempotencyKey, second.Request.IdempotencyKey)
}

func TestGuard_Admit_Concurrent(t *testing.T) {
	store := NewMemoryStore()
	queue := &recordingQueue{}
	guard := NewGuard(store, queue, false, logger.NewTestLogger(t))

	var (
		wg         sync.WaitGroup
		fresh, dup int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm, err := guard.Admit(context.Background(), publishedChange())
			if !assert.NoError(t, err) {
				return
			}
			if adm.Duplicate {
				atomic.AddInt32(&dup, 1)
			} else {
				atomic.AddInt32(&fresh, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh)
	assert.Equal(t, int32(19), dup)
	assert.Equal(t, int32(1), atomic.LoadInt32(&queue.count))

	pending, err := store.ListUnfinished(context.Background(), models.UnfinishedStates, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestGuard_Admit_QueueFullLeavesPending(t *testing.T) {
	store := NewMemoryStore()
	guard := NewGuard(store, &recordingQueue{err: ErrQueueFull}, false, logger.NewTestLogger(t))

	adm, err := guard.Admit(context.Background(), publishedChange())
	require.NoError(t, err)
	assert.True(t, adm.Admitted)
	assert.False(t, adm.Enqueued)

	stored, err := store.Get(context.Background(), adm.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, stored.State)
}

func TestGuard_Admit_StoreError(t *testing.T) {
	guard := NewGuard(failingRequestStore{}, &recordingQueue{}, false, logger.NewTestLogger(t))

	_, err := guard.Admit(context.Background(), publishedChange())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeStorageUnavailable))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestGuard_Admit_Updated(t *testing.T) {
	updated := publishedChange()
	updated.Kind = models.KindUpdated
	updated.Current.Title = "Quarterly update (revised)"
	updated.Current.UpdatedAt = updated.Current.UpdatedAt.Add(time.Hour)
	updated.Previous = &models.Document{ID: "doc-1", Published: true, Title: "Quarterly update"}

	disabled := NewGuard(NewMemoryStore(), &recordingQueue{}, false, logger.NewTestLogger(t))
	adm, err := disabled.Admit(context.Background(), updated)
	require.NoError(t, err)
	assert.False(t, adm.Admitted)
	assert.Equal(t, "renotify on update disabled", adm.Reason)

	store := NewMemoryStore()
	enabled := NewGuard(store, &recordingQueue{}, true, logger.NewTestLogger(t))
	adm, err = enabled.Admit(context.Background(), updated)
	require.NoError(t, err)
	require.True(t, adm.Admitted)
	assert.Equal(t, models.KindUpdated, adm.Request.Kind)
	assert.Contains(t, adm.Request.IdempotencyKey, "updated:doc-1:")

	publish, err := enabled.Admit(context.Background(), publishedChange())
	require.NoError(t, err)
	assert.False(t, publish.Duplicate, "update and publish keys never collide")
}

func TestMemoryStore_Transition(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	req := models.NewDispatchRequest(models.KindPublished, publishedChange().Current)
	created, err := store.CreateIfAbsent(ctx, req)
	require.NoError(t, err)
	require.True(t, created)

	stale := *req
	require.NoError(t, store.Transition(ctx, req, models.StateResolving, func(r *models.DispatchRequest) { r.Attempts++ }))
	assert.Equal(t, models.StateResolving, req.State)
	assert.Equal(t, int64(1), req.Version)
	assert.Equal(t, 1, req.Attempts)

	err = store.Transition(ctx, &stale, models.StateResolving, nil)
	assert.ErrorIs(t, err, ErrClaimLost)
	assert.Equal(t, models.StatePending, stale.State)

	err = store.Transition(ctx, req, models.StateCompleted, nil)
	assert.ErrorIs(t, err, models.ErrIllegalTransition)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrRequestNotFound)
}
