package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"publish-dispatch/internal/common/config"

	_ "github.com/lib/pq"
)

type PostgresClient struct {
	DB *sql.DB
}

func NewPostgres(cfg config.PostgresConfig) (*PostgresClient, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &PostgresClient{DB: db}, nil
}

func (c *PostgresClient) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

func (c *PostgresClient) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}

// EnsureSchema creates the dispatch tables when they are missing. Account and
// subscriber tables belong to the content system and are only read here.
func (c *PostgresClient) EnsureSchema(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := c.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS dispatch_requests (
		id UUID PRIMARY KEY,
		document_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		snapshot JSONB NOT NULL,
		state TEXT NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS dispatch_requests_state_idx ON dispatch_requests (state)`,
	`CREATE TABLE IF NOT EXISTS delivery_attempts (
		id UUID PRIMARY KEY,
		dispatch_id UUID NULL,
		document_id TEXT NOT NULL,
		recipient_id TEXT NULL,
		recipient_kind TEXT NOT NULL DEFAULT '',
		channel TEXT NOT NULL,
		notification_type TEXT NOT NULL,
		token TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		message_id TEXT NULL,
		success BOOLEAN NOT NULL,
		error TEXT NULL,
		metadata JSONB NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS delivery_attempts_type_idx ON delivery_attempts (notification_type)`,
	`CREATE INDEX IF NOT EXISTS delivery_attempts_success_idx ON delivery_attempts (success)`,
	`CREATE INDEX IF NOT EXISTS delivery_attempts_created_at_idx ON delivery_attempts (created_at)`,
	`CREATE INDEX IF NOT EXISTS delivery_attempts_dispatch_idx ON delivery_attempts (dispatch_id)`,
}
