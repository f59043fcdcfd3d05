package audit

import (
	"context"
	"sort"
	"sync"

	"publish-dispatch/internal/models"
)

var _ Store = (*MemoryStore)(nil)

type MemoryStore struct {
	mu   sync.RWMutex
	rows []models.DeliveryAttempt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, attempt *models.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *attempt)
	return nil
}

// Query returns newest rows first, matching the SQL store ordering.
func (m *MemoryStore) Query(_ context.Context, filter Filter) ([]models.DeliveryAttempt, error) {
	m.mu.RLock()
	matched := make([]models.DeliveryAttempt, 0)
	for i := range m.rows {
		if filter.Matches(&m.rows[i]) {
			matched = append(matched, m.rows[i])
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset >= len(matched) {
		return []models.DeliveryAttempt{}, nil
	}
	matched = matched[filter.Offset:]
	if limit := filter.EffectiveLimit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *MemoryStore) All() []models.DeliveryAttempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DeliveryAttempt, len(m.rows))
	copy(out, m.rows)
	return out
}
