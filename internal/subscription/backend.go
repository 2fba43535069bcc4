package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/gioruanova/fasttrack-push/internal/model"
	"github.com/gioruanova/fasttrack-push/internal/session"
)

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: backend returned %d", e.Op, e.Status)
}

// BackendConfig holds the backend location and its two partitions.
type BackendConfig struct {
	URL                 string
	PrivilegedPartition string
	TenantPartition     string
	Timeout             time.Duration
}

type vapidKeyResponse struct {
	PublicKey string `json:"publicKey" validate:"required,base64rawurl"`
}

type subscriptionRequest struct {
	Subscription model.Subscription `json:"subscription"`
}

// Backend talks to the REST service that stores push subscriptions.
type Backend struct {
	cfg        BackendConfig
	httpClient *http.Client
	validate   *validator.Validate
}

func NewBackend(cfg BackendConfig) *Backend {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Backend{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		validate:   validator.New(),
	}
}

// Partition returns the path prefix id's requests go to.
func (b *Backend) Partition(id session.Identity) string {
	if id.Privileged() {
		return b.cfg.PrivilegedPartition
	}
	return b.cfg.TenantPartition
}

// VAPIDPublicKey fetches the application server key for id's partition.
func (b *Backend) VAPIDPublicKey(ctx context.Context, id session.Identity) (string, error) {
	resp, err := b.do(ctx, id, http.MethodGet, "/push/vapid-public-key", nil)
	if err != nil {
		return "", fmt.Errorf("fetch vapid key: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Op: "fetch vapid key", Status: resp.StatusCode}
	}
	var vr vapidKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return "", fmt.Errorf("decode vapid key: %w", err)
	}
	vr.PublicKey = strings.TrimRight(vr.PublicKey, "=")
	if err := b.validate.Struct(vr); err != nil {
		return "", fmt.Errorf("invalid vapid key: %w", err)
	}
	return vr.PublicKey, nil
}

// Register stores sub for id.
func (b *Backend) Register(ctx context.Context, id session.Identity, sub model.Subscription) error {
	return b.send(ctx, id, "register subscription", http.MethodPost, "/push/subscribe", &sub)
}

// Unregister removes sub for id.
func (b *Backend) Unregister(ctx context.Context, id session.Identity, sub model.Subscription) error {
	return b.send(ctx, id, "unregister subscription", http.MethodDelete, "/push/unsubscribe", &sub)
}

// UnregisterAll removes every subscription id owns, on every device.
func (b *Backend) UnregisterAll(ctx context.Context, id session.Identity) error {
	return b.send(ctx, id, "unregister all subscriptions", http.MethodDelete, "/push/unsubscribe-all", nil)
}

func (b *Backend) send(ctx context.Context, id session.Identity, op, method, path string, sub *model.Subscription) error {
	var body []byte
	if sub != nil {
		if err := b.validate.Struct(sub); err != nil {
			return fmt.Errorf("%s: invalid subscription: %w", op, err)
		}
		var err error
		body, err = json.Marshal(subscriptionRequest{Subscription: *sub})
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
	}

	resp, err := b.do(ctx, id, method, path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, Status: resp.StatusCode}
	}
	return nil
}

func (b *Backend) do(ctx context.Context, id session.Identity, method, path string, body []byte) (*http.Response, error) {
	if !id.Resolved() {
		return nil, errors.New("identity not resolved")
	}
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.cfg.URL+b.Partition(id)+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if id.Token != "" {
		req.Header.Set("Authorization", "Bearer "+id.Token)
	}
	return b.httpClient.Do(req)
}
