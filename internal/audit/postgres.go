package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"publish-dispatch/internal/models"

	"github.com/google/uuid"
)

var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const attemptColumns = `id, dispatch_id, document_id, recipient_id, recipient_kind, channel, notification_type,
	token, address, title, body, message_id, success, error, metadata, created_at`

func (s *PostgresStore) Append(ctx context.Context, a *models.DeliveryAttempt) error {
	var metadata []byte
	if len(a.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(a.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	var dispatchID uuid.NullUUID
	if a.DispatchID != nil {
		dispatchID = uuid.NullUUID{UUID: *a.DispatchID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		a.ID, dispatchID, a.DocumentID, nullString(a.RecipientID), string(a.RecipientKind),
		string(a.Channel), string(a.NotificationType), a.Token, a.Address, a.Title, a.Body,
		nullString(a.MessageID), a.Success, nullString(a.Error), metadata, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]models.DeliveryAttempt, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if f.Channel != "" {
		add("channel = $%d", string(f.Channel))
	}
	if f.NotificationType != "" {
		add("notification_type = $%d", string(f.NotificationType))
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}
	if f.DispatchID != nil {
		add("dispatch_id = $%d", *f.DispatchID)
	}
	if f.RecipientID != "" {
		add("recipient_id = $%d", f.RecipientID)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}

	query := `SELECT ` + attemptColumns + ` FROM delivery_attempts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.EffectiveLimit(), f.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query delivery attempts: %w", err)
	}
	defer rows.Close()

	out := make([]models.DeliveryAttempt, 0)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAttempt(rows *sql.Rows) (models.DeliveryAttempt, error) {
	var (
		a                                 models.DeliveryAttempt
		dispatchID                        uuid.NullUUID
		recipientID, messageID, errString sql.NullString
		recipientKind, channel, nType     string
		metadata                          []byte
	)

	if err := rows.Scan(
		&a.ID, &dispatchID, &a.DocumentID, &recipientID, &recipientKind, &channel, &nType,
		&a.Token, &a.Address, &a.Title, &a.Body, &messageID, &a.Success, &errString, &metadata, &a.CreatedAt,
	); err != nil {
		return a, fmt.Errorf("scan delivery attempt: %w", err)
	}

	if dispatchID.Valid {
		id := dispatchID.UUID
		a.DispatchID = &id
	}
	a.RecipientID = stringPtr(recipientID)
	a.MessageID = stringPtr(messageID)
	a.Error = stringPtr(errString)
	a.RecipientKind = models.RecipientKind(recipientKind)
	a.Channel = models.Channel(channel)
	a.NotificationType = models.NotificationType(nType)

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return a, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return a, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
