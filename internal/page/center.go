package page

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gioruanova/fasttrack-push/internal/model"
	"github.com/gioruanova/fasttrack-push/internal/session"
	"github.com/gioruanova/fasttrack-push/internal/store"
)

// Identities returns the identity signed in to the page.
type Identities interface {
	Current() (session.Identity, bool)
}

// Center is the in-app notification list. It keeps the newest
// store.MaxStoredNotifications records.
type Center struct {
	store    *store.NotificationStore
	sessions Identities
	now      func() time.Time
}

func NewCenter(s *store.NotificationStore, sessions Identities) *Center {
	return &Center{store: s, sessions: sessions, now: time.Now}
}

// Enabled reports whether the signed-in identity keeps notifications.
func (c *Center) Enabled() bool {
	id, ok := c.sessions.Current()
	return ok && id.NotificationsEnabled()
}

// Record stores a shown notification. It reports false when notifications
// are disabled for the identity or the notification is already stored.
func (c *Center) Record(ctx context.Context, n model.ShownNotification) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	return c.store.Add(ctx, model.StoredNotification{
		ID:        n.ID,
		Title:     n.Title,
		Body:      n.Body,
		Path:      n.Path,
		Timestamp: c.now(),
	})
}

func (c *Center) List(ctx context.Context) ([]model.StoredNotification, error) {
	return c.store.List(ctx)
}

func (c *Center) MarkRead(ctx context.Context, id string) error {
	return c.store.MarkRead(ctx, id)
}

func (c *Center) MarkAllRead(ctx context.Context) error {
	return c.store.MarkAllRead(ctx)
}

func (c *Center) UnreadCount(ctx context.Context) (int, error) {
	return c.store.UnreadCount(ctx)
}

func (c *Center) Clear(ctx context.Context) error {
	return c.store.Clear(ctx)
}
