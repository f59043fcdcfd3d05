// Package audit keeps the append-only record of every delivery attempt.
// Writes never fail the caller; a missing row is logged and counted.
package audit

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"publish-dispatch/internal/common/logger"
	"publish-dispatch/internal/common/metrics"
	"publish-dispatch/internal/models"

	"github.com/google/uuid"
)

type Store interface {
	Append(ctx context.Context, attempt *models.DeliveryAttempt) error
	Query(ctx context.Context, filter Filter) ([]models.DeliveryAttempt, error)
}

// Recorder is what the delivery channels write through.
type Recorder interface {
	Record(ctx context.Context, attempt *models.DeliveryAttempt)
}

var _ Recorder = (*Log)(nil)

// Filter narrows a Query. Zero values mean "any".
type Filter struct {
	Channel          models.Channel
	NotificationType models.NotificationType
	Success          *bool
	DispatchID       *uuid.UUID
	RecipientID      string
	From             time.Time
	To               time.Time
	Limit            int
	Offset           int
}

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

func (f Filter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultQueryLimit
	case f.Limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return f.Limit
	}
}

// Matches applies the filter to a single row; stores without a query
// language use it directly.
func (f Filter) Matches(a *models.DeliveryAttempt) bool {
	if f.Channel != "" && a.Channel != f.Channel {
		return false
	}
	if f.NotificationType != "" && a.NotificationType != f.NotificationType {
		return false
	}
	if f.Success != nil && a.Success != *f.Success {
		return false
	}
	if f.DispatchID != nil && (a.DispatchID == nil || *a.DispatchID != *f.DispatchID) {
		return false
	}
	if f.RecipientID != "" && (a.RecipientID == nil || *a.RecipientID != f.RecipientID) {
		return false
	}
	if !f.From.IsZero() && a.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !a.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

type Options struct {
	TokenPrefix  int
	BodyLimit    int
	WriteTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{TokenPrefix: 15, BodyLimit: 100, WriteTimeout: 5 * time.Second}
}

type Log struct {
	store  Store
	opts   Options
	logger logger.Logger
}

func NewLog(store Store, opts Options, log logger.Logger) *Log {
	def := DefaultOptions()
	if opts.TokenPrefix <= 0 {
		opts.TokenPrefix = def.TokenPrefix
	}
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = def.BodyLimit
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	return &Log{
		store:  store,
		opts:   opts,
		logger: log.WithFields(map[string]interface{}{"component": "audit"}),
	}
}

// Record redacts and persists attempt. Tokens and email addresses never
// reach the store in full. The write is detached from ctx cancellation so
// rows for in-flight sends survive shutdown.
func (l *Log) Record(ctx context.Context, attempt *models.DeliveryAttempt) {
	if attempt == nil {
		return
	}

	row := *attempt
	row.Token = RedactToken(row.Token, l.opts.TokenPrefix)
	row.Address = MaskAddress(row.Address)
	row.Body = TruncateBody(row.Body, l.opts.BodyLimit)
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.WriteTimeout)
	defer cancel()

	if err := l.store.Append(writeCtx, &row); err != nil {
		metrics.AuditWriteFailures.Inc()
		l.logger.Error("failed to record delivery attempt", map[string]interface{}{
			"attemptId":  row.ID.String(),
			"documentId": row.DocumentID,
			"channel":    string(row.Channel),
			"success":    row.Success,
			"error":      err,
		})
	}
}

func (l *Log) Query(ctx context.Context, filter Filter) ([]models.DeliveryAttempt, error) {
	return l.store.Query(ctx, filter)
}

// RedactToken keeps a strict prefix of token followed by "...". Tokens no
// longer than prefix are cut to half their length.
func RedactToken(token string, prefix int) string {
	if token == "" {
		return ""
	}
	runes := []rune(token)
	n := prefix
	if n >= len(runes) {
		n = len(runes) / 2
	}
	return string(runes[:n]) + "..."
}

// MaskAddress keeps the first rune of the local part and the domain, so
// "reader@corp.io" is stored as "r***@corp.io".
func MaskAddress(address string) string {
	if address == "" {
		return ""
	}
	local, domain, found := strings.Cut(address, "@")
	first, _ := utf8.DecodeRuneInString(local)
	masked := "***"
	if local != "" {
		masked = string(first) + "***"
	}
	if !found {
		return masked
	}
	return masked + "@" + domain
}

// TruncateBody bounds body to limit runes.
func TruncateBody(body string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(body) <= limit {
		return body
	}
	return string([]rune(body)[:limit])
}
