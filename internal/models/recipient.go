package models

import (
	"strings"
	"time"
)

type RecipientKind string

const (
	RecipientAccount    RecipientKind = "account"
	RecipientSubscriber RecipientKind = "subscriber"
)

// Recipient is anything that can receive a notification on at least one channel.
type Recipient interface {
	ID() string
	Kind() RecipientKind
	HasPushToken() bool
	PushToken() string
	HasEmail() bool
	EmailAddress() string
	IsActive() bool
}

// Account is a registered user. DeviceToken is nil until a device registers.
type Account struct {
	AccountID   string  `json:"id"`
	Email       string  `json:"email"`
	DeviceToken *string `json:"deviceToken,omitempty"`
	Active      bool    `json:"active"`
}

func (a *Account) ID() string          { return a.AccountID }
func (a *Account) Kind() RecipientKind { return RecipientAccount }
func (a *Account) IsActive() bool      { return a.Active }

func (a *Account) HasPushToken() bool {
	return a.DeviceToken != nil && strings.TrimSpace(*a.DeviceToken) != ""
}

func (a *Account) PushToken() string {
	if a.DeviceToken == nil {
		return ""
	}
	return *a.DeviceToken
}

func (a *Account) HasEmail() bool       { return strings.TrimSpace(a.Email) != "" }
func (a *Account) EmailAddress() string { return strings.TrimSpace(a.Email) }

// Subscriber is an email-only opt-in contact.
type Subscriber struct {
	SubscriberID   string     `json:"id"`
	Email          string     `json:"email"`
	Active         bool       `json:"active"`
	LastNotifiedAt *time.Time `json:"lastNotifiedAt,omitempty"`
}

func (s *Subscriber) ID() string           { return s.SubscriberID }
func (s *Subscriber) Kind() RecipientKind  { return RecipientSubscriber }
func (s *Subscriber) IsActive() bool       { return s.Active }
func (s *Subscriber) HasPushToken() bool   { return false }
func (s *Subscriber) PushToken() string    { return "" }
func (s *Subscriber) HasEmail() bool       { return strings.TrimSpace(s.Email) != "" }
func (s *Subscriber) EmailAddress() string { return strings.TrimSpace(s.Email) }
