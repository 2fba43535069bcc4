// Package notify renders system notifications.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
)

// Permission is the notification permission state.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionPrompt  Permission = "prompt"
)

// ErrNotAllowed is returned by Show when notifications are not granted.
var ErrNotAllowed = errors.New("notifications not allowed")

// Action is a notification button.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Data is what a notification click carries back to the router.
type Data struct {
	Path  string          `json:"path,omitempty"`
	Extra json.RawMessage `json:"extra,omitempty"`
}

// Notification is a rendered system notification.
type Notification struct {
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Icon    string   `json:"icon,omitempty"`
	Badge   string   `json:"badge,omitempty"`
	Tag     string   `json:"tag,omitempty"`
	Vibrate []int    `json:"vibrate,omitempty"`
	Actions []Action `json:"actions,omitempty"`
	Data    Data     `json:"data"`
}

// Notifier is the platform notification API.
type Notifier interface {
	Permission() Permission
	RequestPermission(ctx context.Context) (Permission, error)
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, tag string) error
}

// LogNotifier renders notifications to a logger. While the permission is
// prompt, RequestPermission resolves it to the configured answer.
type LogNotifier struct {
	mu         sync.Mutex
	permission Permission
	answer     Permission
	open       map[string]Notification
	logger     *slog.Logger
}

func NewLogNotifier(logger *slog.Logger, permission, answer Permission) *LogNotifier {
	return &LogNotifier{
		permission: permission,
		answer:     answer,
		open:       make(map[string]Notification),
		logger:     logger,
	}
}

func (n *LogNotifier) Permission() Permission {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.permission
}

func (n *LogNotifier) RequestPermission(ctx context.Context) (Permission, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.permission == PermissionPrompt {
		n.permission = n.answer
		n.logger.Info("notification permission answered", "permission", n.permission)
	}
	return n.permission, nil
}

func (n *LogNotifier) Show(ctx context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.permission != PermissionGranted {
		return ErrNotAllowed
	}
	// A notification with the same tag replaces the previous one.
	n.open[note.Tag] = note
	n.logger.Info("notification", "title", note.Title, "body", note.Body, "path", note.Data.Path, "tag", note.Tag)
	return nil
}

func (n *LogNotifier) Close(ctx context.Context, tag string) error {
	n.mu.Lock()
	delete(n.open, tag)
	n.mu.Unlock()
	return nil
}

// Open returns the notifications currently displayed.
func (n *LogNotifier) Open() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, 0, len(n.open))
	for _, note := range n.open {
		out = append(out, note)
	}
	return out
}
