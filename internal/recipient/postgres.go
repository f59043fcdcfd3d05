package recipient

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"publish-dispatch/internal/models"
)

var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COALESCE(email, ''), device_token FROM accounts WHERE is_active = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []*models.Account
	for rows.Next() {
		var (
			a     = &models.Account{Active: true}
			token sql.NullString
		)
		if err := rows.Scan(&a.AccountID, &a.Email, &token); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		if token.Valid {
			t := token.String
			a.DeviceToken = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListActiveSubscribers(ctx context.Context) ([]*models.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COALESCE(email, ''), last_notified_at FROM subscribers WHERE is_active = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	var out []*models.Subscriber
	for rows.Next() {
		var (
			sub      = &models.Subscriber{Active: true}
			notified sql.NullTime
		)
		if err := rows.Scan(&sub.SubscriberID, &sub.Email, &notified); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		if notified.Valid {
			at := notified.Time
			sub.LastNotifiedAt = &at
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateLastNotified(ctx context.Context, subscriberID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET last_notified_at = $2 WHERE id = $1`, subscriberID, at)
	if err != nil {
		return fmt.Errorf("update last notified: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update last notified: subscriber %s not found", subscriberID)
	}
	return nil
}
