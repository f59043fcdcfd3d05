package documentpublished

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "publish-dispatch/internal/common/errors"
	"publish-dispatch/internal/common/logger"
	"publish-dispatch/internal/dispatch"
	"publish-dispatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queue struct {
	mu   sync.Mutex
	reqs []*models.DispatchRequest
}

func (q *queue) Enqueue(req *models.DispatchRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reqs = append(q.reqs, req)
	return nil
}

type admitFunc func(ctx context.Context, change dispatch.Change) (*dispatch.Admission, error)

func (f admitFunc) Admit(ctx context.Context, change dispatch.Change) (*dispatch.Admission, error) {
	return f(ctx, change)
}

func createTestHandler(t *testing.T) (*Handler, *dispatch.MemoryStore, *queue) {
	store := dispatch.NewMemoryStore()
	q := &queue{}
	log := logger.NewTestLogger(t)
	guard := dispatch.NewGuard(store, q, false, log)
	return NewHandler(&Config{Timeout: 5 * time.Second}, guard, nil, log), store, q
}

const publishPayload = `{
	"documentId": "doc-42",
	"title": "Release notes",
	"body": "<p>What changed</p>",
	"author": "editor",
	"publishedAt": "2026-03-01T10:00:00Z",
	"previous": {"published": false}
}`

func TestHandler_Execute_AdmitsPublish(t *testing.T) {
	h, store, q := createTestHandler(t)
	ctx := context.Background()

	out, err := h.Execute(ctx, []byte(publishPayload))
	require.NoError(t, err)
	assert.True(t, out.Admitted)
	assert.False(t, out.Duplicate)
	require.NotEmpty(t, out.DispatchRequestID)
	require.Len(t, q.reqs, 1)

	req := q.reqs[0]
	assert.Equal(t, out.DispatchRequestID, req.ID.String())
	assert.Equal(t, models.KindPublished, req.Kind)
	assert.Equal(t, "Release notes", req.Snapshot.Title)
	assert.Equal(t, models.StatePending, req.State)

	stored, err := store.GetByKey(ctx, req.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, req.ID, stored.ID)
}

func TestHandler_Execute_ReplayIsDuplicate(t *testing.T) {
	h, _, q := createTestHandler(t)
	ctx := context.Background()

	first, err := h.Execute(ctx, []byte(publishPayload))
	require.NoError(t, err)
	second, err := h.Execute(ctx, []byte(publishPayload))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.DispatchRequestID, second.DispatchRequestID)
	assert.Len(t, q.reqs, 1)
}

func TestHandler_Execute_NotATransition(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{
			name: "already published",
			payload: `{"documentId": "doc-1", "title": "T", "publishedAt": "2026-03-01T10:00:00Z",
				"previous": {"published": true, "publishedAt": "2026-02-01T10:00:00Z"}}`,
		},
		{
			name:    "unpublished write",
			payload: `{"documentId": "doc-1", "title": "T", "published": false, "publishedAt": "2026-03-01T10:00:00Z"}`,
		},
		{
			name: "change set without published",
			payload: `{"documentId": "doc-1", "title": "T", "publishedAt": "2026-03-01T10:00:00Z",
				"changedFields": ["body"]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, q := createTestHandler(t)
			out, err := h.Execute(context.Background(), []byte(tt.payload))
			require.NoError(t, err)
			assert.False(t, out.Admitted)
			assert.Empty(t, out.DispatchRequestID)
			assert.Equal(t, "not a publish transition", out.Reason)
			assert.Empty(t, q.reqs)
		})
	}
}

func TestHandler_Execute_InvalidPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		detail  string
	}{
		{"missing title", `{"documentId": "doc-1", "publishedAt": "2026-03-01T10:00:00Z"}`, "title"},
		{"missing publishedAt", `{"documentId": "doc-1", "title": "T"}`, "publishedAt"},
		{"empty id", `{"documentId": "", "title": "T", "publishedAt": "2026-03-01T10:00:00Z"}`, "documentId"},
		{"not json", `{"documentId":`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, q := createTestHandler(t)
			out, err := h.Execute(context.Background(), []byte(tt.payload))
			require.Error(t, err)
			assert.Nil(t, out)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidEvent))
			assert.False(t, apperrors.IsRetryable(err))
			if tt.detail != "" {
				assert.Contains(t, err.Error(), tt.detail)
			}
			assert.Empty(t, q.reqs)
		})
	}
}

func TestHandler_Execute_StoreErrorIsRetryable(t *testing.T) {
	log := logger.NewTestLogger(t)
	guard := admitFunc(func(context.Context, dispatch.Change) (*dispatch.Admission, error) {
		return nil, apperrors.NewStorageUnavailableError("dispatch_requests", errors.New("connection refused"))
	})
	h := NewHandler(&Config{Timeout: time.Second}, guard, nil, log)

	_, err := h.Execute(context.Background(), []byte(publishPayload))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeStorageUnavailable))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestInput_Change(t *testing.T) {
	published := time.Date(2026, 3, 1, 11, 0, 0, 0, time.FixedZone("CET", 3600))
	in := Input{
		DocumentID:  "doc-7",
		Title:       "Title",
		PublishedAt: published,
		Previous:    &PreviousState{Published: false},
	}

	change := in.Change()
	assert.Equal(t, models.KindPublished, change.Kind)
	assert.True(t, change.Current.Published)
	require.NotNil(t, change.Current.PublishedAt)
	assert.Equal(t, time.UTC, change.Current.PublishedAt.Location())
	assert.True(t, change.Current.PublishedAt.Equal(published))
	assert.Equal(t, *change.Current.PublishedAt, change.Current.UpdatedAt)
	require.NotNil(t, change.Previous)
	assert.False(t, change.Previous.Published)
}
