package recipient

import (
	"context"
	"time"

	"publish-dispatch/internal/models"
)

// Store reads recipients owned by the content system. Only the subscriber
// last-notified timestamp is ever written back.
type Store interface {
	ListAccounts(ctx context.Context) ([]*models.Account, error)
	ListActiveSubscribers(ctx context.Context) ([]*models.Subscriber, error)
	UpdateLastNotified(ctx context.Context, subscriberID string, at time.Time) error
}
