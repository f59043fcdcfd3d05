package dispatch

import (
	"context"
	"errors"

	apperrors "publish-dispatch/internal/common/errors"
	"publish-dispatch/internal/common/logger"
	"publish-dispatch/internal/common/metrics"
	"publish-dispatch/internal/models"
)

// Change is one observed write to a document. Previous is the state before
// the write, nil when the producer does not know it.
type Change struct {
	Kind     models.DispatchKind
	Current  models.Document
	Previous *models.Document
}

// Admission reports what the guard did with a Change.
type Admission struct {
	Request   *models.DispatchRequest
	Admitted  bool
	Duplicate bool
	Enqueued  bool
	Reason    string
}

// Enqueuer hands freshly created requests to the worker pool.
type Enqueuer interface {
	Enqueue(req *models.DispatchRequest) error
}

// IsPublishTransition reports whether cur is the write that made the
// document published. Without a previous state the change set decides.
func IsPublishTransition(cur, prev *models.Document) bool {
	if cur == nil || !cur.Published {
		return false
	}
	if prev != nil {
		return !prev.Published
	}
	if cur.HasChangeTracking() {
		return cur.WasChanged(models.FieldPublished)
	}
	return true
}

// IsContentUpdate reports an edit to the title or body of a document that
// was already published before this write.
func IsContentUpdate(cur, prev *models.Document) bool {
	if cur == nil || !cur.Published {
		return false
	}
	if prev != nil {
		if !prev.Published {
			return false
		}
		if prev.Title != cur.Title || prev.Body != cur.Body {
			return true
		}
	} else if cur.WasChanged(models.FieldPublished) {
		return false
	}
	return cur.ContentChanged()
}

type Guard struct {
	store            RequestStore
	queue            Enqueuer
	renotifyOnUpdate bool
	logger           logger.Logger
}

func NewGuard(store RequestStore, queue Enqueuer, renotifyOnUpdate bool, log logger.Logger) *Guard {
	return &Guard{
		store:            store,
		queue:            queue,
		renotifyOnUpdate: renotifyOnUpdate,
		logger:           log.WithFields(map[string]interface{}{"component": "transition_guard"}),
	}
}

// Admit creates at most one DispatchRequest per transition. Only the caller
// whose insert wins enqueues; every other caller gets Duplicate. A full queue
// is not an error: the request stays pending and is picked up by the sweep.
func (g *Guard) Admit(ctx context.Context, change Change) (*Admission, error) {
	if change.Kind == "" {
		change.Kind = models.KindPublished
	}
	cur := change.Current
	log := g.logger.WithFields(map[string]interface{}{
		"documentId": cur.ID,
		"kind":       string(change.Kind),
	})

	if reason := g.ignoreReason(change); reason != "" {
		metrics.DispatchAdmissions.WithLabelValues(string(change.Kind), "ignored").Inc()
		log.Debug("change ignored", map[string]interface{}{"reason": reason})
		return &Admission{Reason: reason}, nil
	}

	req := models.NewDispatchRequest(change.Kind, cur)
	created, err := g.store.CreateIfAbsent(ctx, req)
	if err != nil {
		return nil, apperrors.NewStorageUnavailableError("dispatch_requests", err)
	}

	if !created {
		metrics.DispatchAdmissions.WithLabelValues(string(change.Kind), "duplicate").Inc()
		existing, err := g.store.GetByKey(ctx, req.IdempotencyKey)
		if err != nil {
			log.Warn("duplicate transition, existing request not readable", map[string]interface{}{"error": err})
		}
		log.Info("duplicate transition ignored", map[string]interface{}{"idempotencyKey": req.IdempotencyKey})
		return &Admission{Request: existing, Admitted: true, Duplicate: true, Reason: "duplicate"}, nil
	}

	metrics.DispatchAdmissions.WithLabelValues(string(change.Kind), "admitted").Inc()
	metrics.DispatchRequests.WithLabelValues(string(change.Kind), string(models.StatePending)).Inc()

	adm := &Admission{Request: req, Admitted: true}
	if err := g.queue.Enqueue(req); err != nil {
		if !errors.Is(err, ErrQueueFull) && !errors.Is(err, ErrPoolClosed) {
			return nil, err
		}
		log.Warn("dispatch request left pending", map[string]interface{}{
			"dispatchRequestId": req.ID.String(),
			"error":             err,
		})
		return adm, nil
	}

	adm.Enqueued = true
	log.Info("dispatch request admitted", map[string]interface{}{
		"dispatchRequestId": req.ID.String(),
		"idempotencyKey":    req.IdempotencyKey,
	})
	return adm, nil
}

func (g *Guard) ignoreReason(change Change) string {
	cur := &change.Current
	switch change.Kind {
	case models.KindPublished:
		if !IsPublishTransition(cur, change.Previous) {
			return "not a publish transition"
		}
	case models.KindUpdated:
		if !g.renotifyOnUpdate {
			return "renotify on update disabled"
		}
		if !IsContentUpdate(cur, change.Previous) {
			return "no content change on a published document"
		}
	default:
		return "unknown change kind"
	}
	return ""
}
