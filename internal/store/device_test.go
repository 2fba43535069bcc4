package store

import (
	"context"
	"errors"
	"testing"
)

func TestDeviceReplaceKeepsOne(t *testing.T) {
	ctx := context.Background()
	ds := NewDeviceStore(setupTestDB(t))

	if _, err := ds.Current(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("current on empty = %v, want ErrNotFound", err)
	}

	first := &DeviceSubscription{ID: "a", Endpoint: "http://localhost/push/a", PrivateKey: []byte{1}, AuthSecret: []byte{2}, ApplicationServerKey: "k1"}
	second := &DeviceSubscription{ID: "b", Endpoint: "http://localhost/push/b", PrivateKey: []byte{3}, AuthSecret: []byte{4}, ApplicationServerKey: "k2"}
	if err := ds.Replace(ctx, first); err != nil {
		t.Fatalf("replace first: %v", err)
	}
	if err := ds.Replace(ctx, second); err != nil {
		t.Fatalf("replace second: %v", err)
	}

	sub, err := ds.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if sub.ID != "b" {
		t.Errorf("id = %q, want %q", sub.ID, "b")
	}
	if sub.ApplicationServerKey != "k2" {
		t.Errorf("application server key = %q, want %q", sub.ApplicationServerKey, "k2")
	}

	var count int
	ds.db.QueryRow(`SELECT COUNT(*) FROM device_subscriptions`).Scan(&count)
	if count != 1 {
		t.Errorf("rows = %d, want 1", count)
	}
}

func TestDeviceDelete(t *testing.T) {
	ctx := context.Background()
	ds := NewDeviceStore(setupTestDB(t))

	ds.Replace(ctx, &DeviceSubscription{ID: "a", Endpoint: "http://localhost/push/a", PrivateKey: []byte{1}, AuthSecret: []byte{2}, ApplicationServerKey: "k"})
	if err := ds.Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := ds.Delete(ctx); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := ds.Current(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("current = %v, want ErrNotFound", err)
	}
}
