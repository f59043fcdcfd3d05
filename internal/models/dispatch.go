package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type DispatchKind string

const (
	KindPublished DispatchKind = "published"
	KindUpdated   DispatchKind = "updated"
)

func (k DispatchKind) NotificationType() NotificationType {
	if k == KindUpdated {
		return NotificationDocumentUpdated
	}
	return NotificationDocumentPublished
}

type DispatchState string

const (
	StatePending    DispatchState = "pending"
	StateResolving  DispatchState = "resolving"
	StateDelivering DispatchState = "delivering"
	StateCompleted  DispatchState = "completed"
	StateFailed     DispatchState = "failed"
)

var ErrIllegalTransition = errors.New("ILLEGAL_STATE_TRANSITION")

// delivering -> delivering is the resume claim after a restart; a resume
// whose resolution is exhausted goes delivering -> failed.
var dispatchTransitions = map[DispatchState][]DispatchState{
	StatePending:    {StateResolving, StateFailed},
	StateResolving:  {StateDelivering, StatePending, StateFailed},
	StateDelivering: {StateDelivering, StateCompleted, StateFailed},
}

func (s DispatchState) CanTransitionTo(to DispatchState) bool {
	for _, allowed := range dispatchTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s DispatchState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// UnfinishedStates are picked up again on startup.
var UnfinishedStates = []DispatchState{StatePending, StateResolving, StateDelivering}

// DispatchRequest is the unit of work created once per publish transition.
// Version is bumped on every state change and used for optimistic claims.
type DispatchRequest struct {
	ID             uuid.UUID     `json:"id"`
	DocumentID     string        `json:"documentId"`
	Kind           DispatchKind  `json:"kind"`
	IdempotencyKey string        `json:"idempotencyKey"`
	Snapshot       Document      `json:"snapshot"`
	State          DispatchState `json:"state"`
	Attempts       int           `json:"attempts"`
	LastError      string        `json:"lastError,omitempty"`
	Version        int64         `json:"version"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

func NewDispatchRequest(kind DispatchKind, doc Document) *DispatchRequest {
	now := time.Now().UTC()
	return &DispatchRequest{
		ID:             uuid.New(),
		DocumentID:     doc.ID,
		Kind:           kind,
		IdempotencyKey: IdempotencyKey(kind, doc),
		Snapshot:       doc,
		State:          StatePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IdempotencyKey identifies one transition: the same document published
// twice at different instants yields two keys.
func IdempotencyKey(kind DispatchKind, doc Document) string {
	var at time.Time
	switch kind {
	case KindUpdated:
		at = doc.UpdatedAt
	default:
		if doc.PublishedAt != nil {
			at = *doc.PublishedAt
		}
	}
	return fmt.Sprintf("%s:%s:%d", kind, doc.ID, at.UTC().UnixNano())
}

// Apply moves the request to the next state in memory.
func (r *DispatchRequest) Apply(to DispatchState) error {
	if !r.State.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.State, to)
	}
	r.State = to
	r.Version++
	r.UpdatedAt = time.Now().UTC()
	return nil
}
