package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"publish-dispatch/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var _ RequestStore = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `id, document_id, kind, idempotency_key, snapshot, state, attempts, last_error, version, created_at, updated_at`

// CreateIfAbsent relies on the unique idempotency_key constraint; a
// conflicting insert returns no row.
func (s *PostgresStore) CreateIfAbsent(ctx context.Context, req *models.DispatchRequest) (bool, error) {
	snapshot, err := json.Marshal(req.Snapshot)
	if err != nil {
		return false, fmt.Errorf("marshal snapshot: %w", err)
	}

	var id uuid.UUID
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO dispatch_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`,
		req.ID, req.DocumentID, string(req.Kind), req.IdempotencyKey, snapshot,
		string(req.State), req.Attempts, req.LastError, req.Version, req.CreatedAt, req.UpdatedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert dispatch request: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.DispatchRequest, error) {
	return s.getOne(ctx, `SELECT `+requestColumns+` FROM dispatch_requests WHERE id = $1`, id)
}

func (s *PostgresStore) GetByKey(ctx context.Context, key string) (*models.DispatchRequest, error) {
	return s.getOne(ctx, `SELECT `+requestColumns+` FROM dispatch_requests WHERE idempotency_key = $1`, key)
}

func (s *PostgresStore) getOne(ctx context.Context, query string, arg interface{}) (*models.DispatchRequest, error) {
	req, err := scanRequest(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch request: %w", err)
	}
	return req, nil
}

// Transition is a conditional update: it only applies when the row still
// has the state and version req was read with.
func (s *PostgresStore) Transition(ctx context.Context, req *models.DispatchRequest, to models.DispatchState, mutate func(*models.DispatchRequest)) error {
	next, err := nextState(req, to, mutate)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_requests
		SET state = $1, attempts = $2, last_error = $3, version = $4, updated_at = $5
		WHERE id = $6 AND state = $7 AND version = $8`,
		string(next.State), next.Attempts, next.LastError, next.Version, next.UpdatedAt,
		req.ID, string(req.State), req.Version,
	)
	if err != nil {
		return fmt.Errorf("update dispatch request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update dispatch request: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s expected %s at version %d", ErrClaimLost, req.ID, req.State, req.Version)
	}

	*req = *next
	return nil
}

func (s *PostgresStore) ListUnfinished(ctx context.Context, states []models.DispatchState, limit int) ([]*models.DispatchRequest, error) {
	if limit <= 0 {
		limit = 1000
	}
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM dispatch_requests
		WHERE state = ANY($1)
		ORDER BY created_at
		LIMIT $2`,
		pq.Array(names), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unfinished dispatch requests: %w", err)
	}
	defer rows.Close()

	var out []*models.DispatchRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*models.DispatchRequest, error) {
	var (
		req         models.DispatchRequest
		kind, state string
		snapshot    []byte
	)
	if err := row.Scan(&req.ID, &req.DocumentID, &kind, &req.IdempotencyKey, &snapshot,
		&state, &req.Attempts, &req.LastError, &req.Version, &req.CreatedAt, &req.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(snapshot, &req.Snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	req.Kind = models.DispatchKind(kind)
	req.State = models.DispatchState(state)
	return &req, nil
}
