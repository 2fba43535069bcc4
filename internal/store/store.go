// Package store persists per-device state in SQLite: opt-in decisions, the
// local notification center, the versioned offline cache and the device's
// push subscription.
package store

import "errors"

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("record not found")
