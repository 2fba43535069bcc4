// Package webpush is the device side of the Web Push protocol. The agent
// mints its own subscriptions, so the push endpoint a backend delivers to
// is served by this process.
package webpush

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gioruanova/fasttrack-push/internal/model"
	"github.com/gioruanova/fasttrack-push/internal/store"
)

var (
	// ErrUnknownSubscription is returned for a push addressed to an
	// endpoint this device does not hold.
	ErrUnknownSubscription = errors.New("unknown push subscription")
	// ErrUnauthorized is returned when the VAPID token is missing or invalid.
	ErrUnauthorized = errors.New("push not authorized")
	// ErrDecrypt is returned when the message cannot be decrypted.
	ErrDecrypt = errors.New("push message undecryptable")
)

const authSecretLen = 16

// Receiver holds this device's push subscription and opens the messages
// delivered to it.
type Receiver struct {
	devices  *store.DeviceStore
	baseURL  string
	audience string
	now      func() time.Time
	logger   *slog.Logger

	mu sync.Mutex
}

// NewReceiver returns a Receiver whose endpoints live under publicURL.
func NewReceiver(devices *store.DeviceStore, publicURL string, logger *slog.Logger) (*Receiver, error) {
	u, err := url.Parse(publicURL)
	if err != nil {
		return nil, fmt.Errorf("parse public url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("public url %q is not absolute", publicURL)
	}
	return &Receiver{
		devices:  devices,
		baseURL:  u.Scheme + "://" + u.Host + u.Path,
		audience: u.Scheme + "://" + u.Host,
		now:      time.Now,
		logger:   logger,
	}, nil
}

// Subscribe returns the device subscription for applicationServerKey. An
// existing subscription made with the same key is returned as is; one made
// with a different key is replaced.
func (r *Receiver) Subscribe(ctx context.Context, applicationServerKey string) (model.Subscription, error) {
	if _, err := ParseApplicationServerKey(applicationServerKey); err != nil {
		return model.Subscription{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.devices.Current(ctx)
	switch {
	case err == nil && sameKey(cur.ApplicationServerKey, applicationServerKey):
		return toSubscription(cur)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return model.Subscription{}, err
	}

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("generating subscription key: %w", err)
	}
	secret := make([]byte, authSecretLen)
	if _, err := rand.Read(secret); err != nil {
		return model.Subscription{}, fmt.Errorf("generating auth secret: %w", err)
	}

	id := uuid.NewString()
	dev := &store.DeviceSubscription{
		ID:                   id,
		Endpoint:             r.baseURL + "/push/" + id,
		PrivateKey:           priv.Bytes(),
		AuthSecret:           secret,
		ApplicationServerKey: applicationServerKey,
	}
	if err := r.devices.Replace(ctx, dev); err != nil {
		return model.Subscription{}, err
	}
	if cur != nil {
		r.logger.Info("push subscription replaced", "previous", cur.ID, "id", id)
	} else {
		r.logger.Info("push subscription created", "id", id)
	}
	return toSubscription(dev)
}

// Subscription returns the current subscription, or nil if there is none.
func (r *Receiver) Subscription(ctx context.Context) (*model.Subscription, error) {
	cur, err := r.devices.Current(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sub, err := toSubscription(cur)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// Unsubscribe drops the current subscription. It reports whether one
// existed.
func (r *Receiver) Unsubscribe(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.devices.Current(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := r.devices.Delete(ctx); err != nil {
		return false, err
	}
	r.logger.Info("push subscription removed", "id", cur.ID)
	return true, nil
}

// Receive authorizes and decrypts a message delivered to endpointID. An
// empty body is a push without payload and yields nil.
func (r *Receiver) Receive(ctx context.Context, endpointID string, body []byte, authorization string) ([]byte, error) {
	cur, err := r.devices.Current(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownSubscription
	}
	if err != nil {
		return nil, err
	}
	if cur.ID != endpointID {
		return nil, ErrUnknownSubscription
	}

	if err := verifyVAPID(authorization, r.audience, cur.ApplicationServerKey, r.now()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	if len(body) == 0 {
		return nil, nil
	}
	priv, err := ecdh.P256().NewPrivateKey(cur.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("loading subscription key: %w", err)
	}
	plain, err := decrypt(priv, cur.AuthSecret, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

func toSubscription(dev *store.DeviceSubscription) (model.Subscription, error) {
	priv, err := ecdh.P256().NewPrivateKey(dev.PrivateKey)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("loading subscription key: %w", err)
	}
	return model.Subscription{
		Endpoint: dev.Endpoint,
		Keys: model.SubscriptionKeys{
			P256dh: base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(dev.AuthSecret),
		},
	}, nil
}

func sameKey(a, b string) bool {
	ka, errA := decodeKey(a)
	kb, errB := decodeKey(b)
	return errA == nil && errB == nil && string(ka) == string(kb)
}
