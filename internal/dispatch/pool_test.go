package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"publish-dispatch/internal/common/logger"
	"publish-dispatch/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockDispatcher struct {
	mu           sync.Mutex
	seen         []uuid.UUID
	DispatchFunc func(ctx context.Context, req *models.DispatchRequest) error
}

func (m *MockDispatcher) Dispatch(ctx context.Context, req *models.DispatchRequest) error {
	m.mu.Lock()
	m.seen = append(m.seen, req.ID)
	fn := m.DispatchFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return nil
}

func (m *MockDispatcher) Seen() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uuid.UUID(nil), m.seen...)
}

func newPending(t *testing.T, store *MemoryStore, id string) *models.DispatchRequest {
	t.Helper()
	change := publishedChange()
	change.Current.ID = id
	req := models.NewDispatchRequest(models.KindPublished, change.Current)
	_, err := store.CreateIfAbsent(context.Background(), req)
	require.NoError(t, err)
	return req
}

func shutdown(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestPool_Enqueue(t *testing.T) {
	store := NewMemoryStore()
	pool := NewPool(&MockDispatcher{}, store, PoolOptions{Workers: 1, QueueSize: 1}, logger.NewTestLogger(t))

	r1 := newPending(t, store, "doc-1")
	r2 := newPending(t, store, "doc-2")

	require.NoError(t, pool.Enqueue(r1))
	require.NoError(t, pool.Enqueue(r1), "a queued request is accepted once")
	assert.ErrorIs(t, pool.Enqueue(r2), ErrQueueFull)

	shutdown(t, pool)
	assert.ErrorIs(t, pool.Enqueue(r2), ErrPoolClosed)
}

func TestPool_RunsQueuedRequests(t *testing.T) {
	store := NewMemoryStore()
	dispatcher := &MockDispatcher{}
	pool := NewPool(dispatcher, store, PoolOptions{Workers: 2, QueueSize: 8}, logger.NewTestLogger(t))
	pool.Start()

	for _, id := range []string{"doc-1", "doc-2", "doc-3"} {
		require.NoError(t, pool.Enqueue(newPending(t, store, id)))
	}

	require.Eventually(t, func() bool { return len(dispatcher.Seen()) == 3 }, 2*time.Second, 5*time.Millisecond)
	shutdown(t, pool)
}

func TestPool_PanicDoesNotKillWorker(t *testing.T) {
	store := NewMemoryStore()
	first := true
	dispatcher := &MockDispatcher{DispatchFunc: func(context.Context, *models.DispatchRequest) error {
		if first {
			first = false
			panic("boom")
		}
		return nil
	}}
	pool := NewPool(dispatcher, store, PoolOptions{Workers: 1, QueueSize: 4}, logger.NewTestLogger(t))
	pool.Start()

	require.NoError(t, pool.Enqueue(newPending(t, store, "doc-1")))
	require.NoError(t, pool.Enqueue(newPending(t, store, "doc-2")))

	require.Eventually(t, func() bool { return len(dispatcher.Seen()) == 2 }, 2*time.Second, 5*time.Millisecond)
	shutdown(t, pool)
}

func TestPool_Resume(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	pending := newPending(t, store, "doc-1")
	delivering := newPending(t, store, "doc-2")
	require.NoError(t, store.Transition(ctx, delivering, models.StateResolving, nil))
	require.NoError(t, store.Transition(ctx, delivering, models.StateDelivering, nil))
	done := newPending(t, store, "doc-3")
	require.NoError(t, store.Transition(ctx, done, models.StateFailed, nil))

	dispatcher := &MockDispatcher{}
	pool := NewPool(dispatcher, store, PoolOptions{Workers: 1, QueueSize: 8}, logger.NewTestLogger(t))

	queued, err := pool.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, queued)

	pool.Start()
	require.Eventually(t, func() bool { return len(dispatcher.Seen()) == 2 }, 2*time.Second, 5*time.Millisecond)
	shutdown(t, pool)

	assert.ElementsMatch(t, []uuid.UUID{pending.ID, delivering.ID}, dispatcher.Seen())
}

func TestPool_SweepPicksUpPending(t *testing.T) {
	store := NewMemoryStore()
	dispatcher := &MockDispatcher{}
	pool := NewPool(dispatcher, store, PoolOptions{Workers: 1, QueueSize: 4, SweepInterval: 10 * time.Millisecond}, logger.NewTestLogger(t))

	req := newPending(t, store, "doc-1")
	pool.Start()

	require.Eventually(t, func() bool {
		for _, id := range dispatcher.Seen() {
			if id == req.ID {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	shutdown(t, pool)
}

func TestPool_ShutdownSignalsStop(t *testing.T) {
	store := NewMemoryStore()
	started := make(chan struct{})
	dispatcher := &MockDispatcher{DispatchFunc: func(ctx context.Context, _ *models.DispatchRequest) error {
		close(started)
		<-ctx.Done()
		return nil
	}}
	pool := NewPool(dispatcher, store, PoolOptions{Workers: 1, QueueSize: 1}, logger.NewTestLogger(t))
	pool.Start()

	require.NoError(t, pool.Enqueue(newPending(t, store, "doc-1")))
	<-started

	shutdown(t, pool)
}

func TestPool_ShutdownTimeout(t *testing.T) {
	store := NewMemoryStore()
	started := make(chan struct{})
	release := make(chan struct{})
	dispatcher := &MockDispatcher{DispatchFunc: func(context.Context, *models.DispatchRequest) error {
		close(started)
		<-release
		return nil
	}}
	pool := NewPool(dispatcher, store, PoolOptions{Workers: 1, QueueSize: 1}, logger.NewTestLogger(t))
	pool.Start()

	require.NoError(t, pool.Enqueue(newPending(t, store, "doc-1")))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Shutdown(ctx), context.DeadlineExceeded)

	close(release)
	shutdown(t, pool)
}
