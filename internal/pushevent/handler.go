// Package pushevent turns a decrypted push into a rendered notification and
// tells the open tabs about it.
package pushevent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/gioruanova/fasttrack-push/internal/bus"
	"github.com/gioruanova/fasttrack-push/internal/metrics"
	"github.com/gioruanova/fasttrack-push/internal/model"
	"github.com/gioruanova/fasttrack-push/internal/notify"
)

// Broadcaster fans an envelope out to every open tab.
type Broadcaster interface {
	Broadcast(env bus.Envelope)
}

// Handler handles push events.
type Handler struct {
	notifier notify.Notifier
	clients  Broadcaster
	parsers  []Parser
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewHandler(notifier notify.Notifier, clients Broadcaster, m *metrics.Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		notifier: notifier,
		clients:  clients,
		parsers:  Parsers,
		metrics:  m,
		logger:   logger,
	}
}

// Handle processes one push body. It never fails: parse problems fall back
// to defaults and render problems become NOTIFICATION_ERROR.
func (h *Handler) Handle(ctx context.Context, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("push handler panic", "panic", r)
			h.clients.Broadcast(bus.NotificationError{Error: fmt.Sprint(r)})
		}
	}()

	h.clients.Broadcast(bus.PushReceived{Data: receivedData(data)})

	payload, parser := Parse(data, h.parsers)
	h.metrics.IncParsed(parser)
	if parser != h.parsers[0].Name {
		h.logger.Warn("push payload fell back", "parser", parser, "size", len(data))
	}

	n := Merge(payload)
	if err := h.notifier.Show(ctx, n); err != nil {
		h.metrics.IncRenderError()
		h.logger.Error("show notification", "title", n.Title, "error", err)
		h.clients.Broadcast(bus.NotificationError{Error: err.Error()})
		return
	}

	h.metrics.IncShown()
	h.clients.Broadcast(bus.NotificationShown{Data: model.ShownNotification{
		ID:    uuid.NewString(),
		Title: n.Title,
		Body:  n.Body,
		Path:  n.Data.Path,
		Icon:  n.Icon,
	}})
	h.logger.Debug("notification shown", "title", n.Title, "path", n.Data.Path)
}

// receivedData is the PUSH_RECEIVED data: the body when it is JSON, a JSON
// string of it when it is text, null otherwise.
func receivedData(data []byte) json.RawMessage {
	if len(data) == 0 || !utf8.Valid(data) {
		return json.RawMessage("null")
	}
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	s, _ := json.Marshal(string(data))
	return s
}
