package recipient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"publish-dispatch/internal/models"
)

var _ Store = (*MemoryStore)(nil)

type MemoryStore struct {
	mu          sync.RWMutex
	accounts    []*models.Account
	subscribers []*models.Subscriber
}

func NewMemoryStore(accounts []*models.Account, subscribers []*models.Subscriber) *MemoryStore {
	return &MemoryStore{accounts: accounts, subscribers: subscribers}
}

func (m *MemoryStore) ListAccounts(context.Context) ([]*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		if a.Active {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListActiveSubscribers(context.Context) ([]*models.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Subscriber, 0, len(m.subscribers))
	for _, s := range m.subscribers {
		if s.Active {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateLastNotified(_ context.Context, subscriberID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.subscribers {
		if s.SubscriberID == subscriberID {
			t := at
			s.LastNotifiedAt = &t
			return nil
		}
	}
	return fmt.Errorf("subscriber %s not found", subscriberID)
}

func (m *MemoryStore) Subscriber(id string) (*models.Subscriber, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.subscribers {
		if s.SubscriberID == id {
			cp := *s
			return &cp, true
		}
	}
	return nil, false
}
