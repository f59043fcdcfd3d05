package audit

import (
	"context"

	"publish-dispatch/internal/models"

	"github.com/hashicorp/go-multierror"
)

var _ Store = (*MultiStore)(nil)

// MultiStore appends to every backend and reads from the first one.
type MultiStore struct {
	stores []Store
}

func NewMultiStore(primary Store, secondary ...Store) *MultiStore {
	return &MultiStore{stores: append([]Store{primary}, secondary...)}
}

// Append writes to all stores even when one fails; the error lists every
// failing backend.
func (m *MultiStore) Append(ctx context.Context, attempt *models.DeliveryAttempt) error {
	var result error
	for _, s := range m.stores {
		if err := s.Append(ctx, attempt); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (m *MultiStore) Query(ctx context.Context, filter Filter) ([]models.DeliveryAttempt, error) {
	return m.stores[0].Query(ctx, filter)
}
