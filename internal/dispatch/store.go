package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"publish-dispatch/internal/models"

	"github.com/google/uuid"
)

var (
	ErrRequestNotFound = errors.New("dispatch request not found")
	// ErrClaimLost means the stored row moved on since it was read; another
	// worker owns the request.
	ErrClaimLost = errors.New("dispatch request claimed elsewhere")
)

// RequestStore persists DispatchRequests. CreateIfAbsent must be atomic on
// the idempotency key and Transition must be a compare-and-set on state and
// version.
type RequestStore interface {
	CreateIfAbsent(ctx context.Context, req *models.DispatchRequest) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (*models.DispatchRequest, error)
	GetByKey(ctx context.Context, key string) (*models.DispatchRequest, error)
	Transition(ctx context.Context, req *models.DispatchRequest, to models.DispatchState, mutate func(*models.DispatchRequest)) error
	ListUnfinished(ctx context.Context, states []models.DispatchState, limit int) ([]*models.DispatchRequest, error)
}

// nextState validates and applies a transition on a copy of req.
func nextState(req *models.DispatchRequest, to models.DispatchState, mutate func(*models.DispatchRequest)) (*models.DispatchRequest, error) {
	next := *req
	if err := next.Apply(to); err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(&next)
	}
	return &next, nil
}

var _ RequestStore = (*MemoryStore)(nil)

type MemoryStore struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]*models.DispatchRequest
	byKey map[string]uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[uuid.UUID]*models.DispatchRequest),
		byKey: make(map[string]uuid.UUID),
	}
}

func (m *MemoryStore) CreateIfAbsent(_ context.Context, req *models.DispatchRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byKey[req.IdempotencyKey]; exists {
		return false, nil
	}
	cp := *req
	m.byID[req.ID] = &cp
	m.byKey[req.IdempotencyKey] = req.ID
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.DispatchRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.byID[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *stored
	return &cp, nil
}

func (m *MemoryStore) GetByKey(ctx context.Context, key string) (*models.DispatchRequest, error) {
	m.mu.Lock()
	id, ok := m.byKey[key]
	m.mu.Unlock()
	if !ok {
		return nil, ErrRequestNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) Transition(_ context.Context, req *models.DispatchRequest, to models.DispatchState, mutate func(*models.DispatchRequest)) error {
	next, err := nextState(req, to, mutate)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.byID[req.ID]
	if !ok {
		return ErrRequestNotFound
	}
	if stored.State != req.State || stored.Version != req.Version {
		return fmt.Errorf("%w: %s at version %d, expected %s at %d",
			ErrClaimLost, stored.State, stored.Version, req.State, req.Version)
	}

	cp := *next
	m.byID[req.ID] = &cp
	*req = *next
	return nil
}

func (m *MemoryStore) ListUnfinished(_ context.Context, states []models.DispatchState, limit int) ([]*models.DispatchRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[models.DispatchState]bool, len(states))
	for _, s := range states {
		wanted[s] = true
	}

	var out []*models.DispatchRequest
	for _, r := range m.byID {
		if wanted[r.State] {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
