package models

import (
	"time"

	"github.com/google/uuid"
)

type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
)

type NotificationType string

const (
	NotificationDocumentPublished NotificationType = "document_published"
	NotificationDocumentUpdated   NotificationType = "document_updated"
)

// Outcome is the per-recipient result of a channel send.
type Outcome string

const (
	OutcomeSent        Outcome = "sent"
	OutcomeFailed      Outcome = "failed"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeRateLimited Outcome = "rate_limited"
)

// DeliveryAttempt is one append-only audit row. Token and Body are stored
// redacted and truncated; the audit package applies that before persisting.
type DeliveryAttempt struct {
	ID               uuid.UUID              `json:"id"`
	DispatchID       *uuid.UUID             `json:"dispatchId,omitempty"`
	DocumentID       string                 `json:"documentId"`
	RecipientID      *string                `json:"recipientId,omitempty"`
	RecipientKind    RecipientKind          `json:"recipientKind,omitempty"`
	Channel          Channel                `json:"channel"`
	NotificationType NotificationType       `json:"notificationType"`
	Token            string                 `json:"token,omitempty"`
	Address          string                 `json:"address,omitempty"`
	Title            string                 `json:"title"`
	Body             string                 `json:"body"`
	MessageID        *string                `json:"messageId,omitempty"`
	Success          bool                   `json:"success"`
	Error            *string                `json:"error,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
}

func NewDeliveryAttempt(channel Channel, notificationType NotificationType, documentID string) *DeliveryAttempt {
	return &DeliveryAttempt{
		ID:               uuid.New(),
		DocumentID:       documentID,
		Channel:          channel,
		NotificationType: notificationType,
		CreatedAt:        time.Now().UTC(),
	}
}

func (a *DeliveryAttempt) ForRecipient(r Recipient) *DeliveryAttempt {
	if r != nil {
		id := r.ID()
		a.RecipientID = &id
		a.RecipientKind = r.Kind()
	}
	return a
}

func (a *DeliveryAttempt) Succeeded(messageID string) *DeliveryAttempt {
	a.Success = true
	if messageID != "" {
		a.MessageID = &messageID
	}
	a.Error = nil
	return a
}

func (a *DeliveryAttempt) Failed(err error) *DeliveryAttempt {
	a.Success = false
	if err != nil {
		msg := err.Error()
		a.Error = &msg
	}
	return a
}
