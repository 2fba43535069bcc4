package model

import (
	"encoding/json"
	"time"
)

// Decision is the user's answer to the notification opt-in prompt.
type Decision string

const (
	DecisionUndecided Decision = "undecided"
	DecisionAccepted  Decision = "accepted"
	DecisionDeclined  Decision = "declined"
)

// Subscription is the serialized form of a push subscription, as sent to
// the backend in `{subscription: ...}` bodies.
type Subscription struct {
	Endpoint       string           `json:"endpoint" validate:"required,url"`
	ExpirationTime *int64           `json:"expirationTime"`
	Keys           SubscriptionKeys `json:"keys" validate:"required"`
}

// SubscriptionKeys holds the base64url client keys.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh" validate:"required,base64rawurl"`
	Auth   string `json:"auth" validate:"required,base64rawurl"`
}

// Payload is what the push sender puts in the message body. Every field is
// optional.
type Payload struct {
	Title string          `json:"title,omitempty"`
	Body  string          `json:"body,omitempty"`
	Icon  string          `json:"icon,omitempty"`
	Path  string          `json:"path,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ShownNotification is carried by NOTIFICATION_SHOWN so tabs can update
// their in-app list without re-deriving it.
type ShownNotification struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Path  string `json:"path,omitempty"`
	Icon  string `json:"icon,omitempty"`
}

// StoredNotification is a client-local notification center record.
type StoredNotification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
	Path      string    `json:"path,omitempty"`
}
