// Package push sends Web Push messages the way the FastTrack backend does.
// The agent itself never sends pushes; the sender backs the pushsend tool
// and the end-to-end tests of the push endpoint.
package push

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/gioruanova/fasttrack-push/internal/model"
)

// ErrExpired is returned when a push subscription is no longer valid (404 or 410).
var ErrExpired = errors.New("push subscription expired")

const defaultTTL = 86400

// Sender signs and delivers push messages with a VAPID key pair.
type Sender struct {
	publicKey  string
	privateKey string
	subscriber string
	ttl        int
	httpClient webpush.HTTPClient
}

// Option configures a Sender.
type Option func(*Sender)

// WithHTTPClient sets the client used to reach push endpoints.
func WithHTTPClient(c webpush.HTTPClient) Option {
	return func(s *Sender) { s.httpClient = c }
}

// WithTTL sets how long the push service may hold a message, in seconds.
func WithTTL(seconds int) Option {
	return func(s *Sender) { s.ttl = seconds }
}

// NewSender creates a sender. subscriber is a mailto: or https: contact
// placed in the VAPID token.
func NewSender(publicKey, privateKey, subscriber string, opts ...Option) *Sender {
	s := &Sender{
		publicKey:  publicKey,
		privateKey: privateKey,
		subscriber: subscriber,
		ttl:        defaultTTL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// VAPIDPublicKey returns the application server key subscriptions must be
// created with.
func (s *Sender) VAPIDPublicKey() string {
	return s.publicKey
}

// Send encrypts payload for sub and posts it to the subscription endpoint.
func (s *Sender) Send(ctx context.Context, sub model.Subscription, payload model.Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return s.SendRaw(ctx, sub, data)
}

// SendRaw delivers data as is. data may be empty for a push without payload.
func (s *Sender) SendRaw(ctx context.Context, sub model.Subscription, data []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, data, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      s.httpClient,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		Subscriber:      s.subscriber,
		TTL:             s.ttl,
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		return ErrExpired
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push service returned %d: %s", resp.StatusCode, msg)
	}

	return nil
}

// GenerateVAPIDKeys generates a new ECDSA P-256 key pair for VAPID.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ECDSA key: %w", err)
	}

	pubBytes, err := key.PublicKey.Bytes()
	if err != nil {
		return "", "", fmt.Errorf("encode public key: %w", err)
	}
	privBytes, err := key.Bytes()
	if err != nil {
		return "", "", fmt.Errorf("encode private key: %w", err)
	}
	publicKey = base64.RawURLEncoding.EncodeToString(pubBytes)
	privateKey = base64.RawURLEncoding.EncodeToString(privBytes)

	return publicKey, privateKey, nil
}
