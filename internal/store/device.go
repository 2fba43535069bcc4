package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DeviceSubscription is this device's push subscription, including the
// private half of the encryption keys.
type DeviceSubscription struct {
	ID                   string
	Endpoint             string
	PrivateKey           []byte
	AuthSecret           []byte
	ApplicationServerKey string
	CreatedAt            time.Time
}

// DeviceStore holds at most one subscription for the device.
type DeviceStore struct {
	db *sql.DB
}

func NewDeviceStore(db *sql.DB) *DeviceStore {
	return &DeviceStore{db: db}
}

// Replace stores sub as the only subscription, discarding any prior one.
func (s *DeviceStore) Replace(ctx context.Context, sub *DeviceSubscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace subscription: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM device_subscriptions`); err != nil {
		return fmt.Errorf("clear device subscriptions: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO device_subscriptions (id, endpoint, private_key, auth_secret, application_server_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Endpoint, sub.PrivateKey, sub.AuthSecret, sub.ApplicationServerKey, sub.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert device subscription: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace subscription: %w", err)
	}
	return nil
}

// Current returns the device subscription, or ErrNotFound.
func (s *DeviceStore) Current(ctx context.Context) (*DeviceSubscription, error) {
	var sub DeviceSubscription
	err := s.db.QueryRowContext(ctx,
		`SELECT id, endpoint, private_key, auth_secret, application_server_key, created_at
		 FROM device_subscriptions ORDER BY created_at DESC LIMIT 1`,
	).Scan(&sub.ID, &sub.Endpoint, &sub.PrivateKey, &sub.AuthSecret, &sub.ApplicationServerKey, &sub.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device subscription: %w", err)
	}
	return &sub, nil
}

// Delete removes the device subscription. Deleting when none exists is not
// an error.
func (s *DeviceStore) Delete(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM device_subscriptions`); err != nil {
		return fmt.Errorf("delete device subscription: %w", err)
	}
	return nil
}
