// Package server exposes the operator surface: health, Prometheus metrics
// and a read-only query over the delivery audit log.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"publish-dispatch/internal/audit"
	"publish-dispatch/internal/common/logger"
	"publish-dispatch/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AuditQuerier is the read side of the audit log.
type AuditQuerier interface {
	Query(ctx context.Context, filter audit.Filter) ([]models.DeliveryAttempt, error)
}

// Check is one named dependency probe for /healthz.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type Server struct {
	srv    *http.Server
	audit  AuditQuerier
	checks []Check
	logger logger.Logger
}

func New(address string, auditLog AuditQuerier, checks []Check, log logger.Logger) *Server {
	s := &Server{
		audit:  auditLog,
		checks: checks,
		logger: log.WithFields(map[string]interface{}{"component": "http_server"}),
	}
	s.srv = &http.Server{
		Addr:              address,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/audit", s.handleAudit)
	return r
}

// Start serves in the background. A listen failure is logged.
func (s *Server) Start() {
	go func() {
		s.logger.Info("operator server listening", map[string]interface{}{"address": s.srv.Addr})
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("operator server failed", map[string]interface{}{"error": err})
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for _, c := range s.checks {
		if err := c.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[c.Name] = err.Error()
			s.logger.Warn("health check failed", map[string]interface{}{"check": c.Name, "error": err})
			continue
		}
		results[c.Name] = "ok"
	}

	body := map[string]interface{}{
		"status": "healthy",
		"checks": results,
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if status != http.StatusOK {
		body["status"] = "unhealthy"
	}
	writeJSON(w, status, body)
}

type auditResponse struct {
	Items  []models.DeliveryAttempt `json:"items"`
	Count  int                      `json:"count"`
	Limit  int                      `json:"limit"`
	Offset int                      `json:"offset"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	rows, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		s.logger.Error("audit query failed", map[string]interface{}{"error": err})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "audit query failed"})
		return
	}
	if rows == nil {
		rows = []models.DeliveryAttempt{}
	}

	writeJSON(w, http.StatusOK, auditResponse{
		Items:  rows,
		Count:  len(rows),
		Limit:  filter.EffectiveLimit(),
		Offset: filter.Offset,
	})
}

// ParseFilter reads an audit.Filter from query parameters. Times are RFC 3339.
func ParseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	var f audit.Filter

	switch ch := models.Channel(q.Get("channel")); ch {
	case "", models.ChannelPush, models.ChannelEmail:
		f.Channel = ch
	default:
		return f, fmt.Errorf("unknown channel %q", ch)
	}

	switch nt := models.NotificationType(q.Get("type")); nt {
	case "", models.NotificationDocumentPublished, models.NotificationDocumentUpdated:
		f.NotificationType = nt
	default:
		return f, fmt.Errorf("unknown type %q", nt)
	}

	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("invalid success %q", v)
		}
		f.Success = &b
	}

	if v := q.Get("dispatch_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, fmt.Errorf("invalid dispatch_id %q", v)
		}
		f.DispatchID = &id
	}
	f.RecipientID = q.Get("recipient_id")

	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		return f, fmt.Errorf("invalid from: %w", err)
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		return f, fmt.Errorf("invalid to: %w", err)
	}

	if f.Limit, err = parseNonNegative(q.Get("limit")); err != nil {
		return f, fmt.Errorf("invalid limit: %w", err)
	}
	if f.Offset, err = parseNonNegative(q.Get("offset")); err != nil {
		return f, fmt.Errorf("invalid offset: %w", err)
	}
	return f, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func parseNonNegative(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
