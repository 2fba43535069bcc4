package webpush

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gioruanova/fasttrack-push/internal/metrics"
)

// maxMessageSize caps a push request body. Push services limit payloads to
// 4096 bytes of ciphertext; the slack covers oversized record sizes.
const maxMessageSize = 8 << 10

// Sink receives decrypted push payloads.
type Sink interface {
	Handle(ctx context.Context, data []byte)
}

// Handler serves POST /push/{id}: the push endpoint of the device
// subscription.
func Handler(recv *Receiver, sink Sink, m *metrics.Metrics, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
		if err != nil {
			m.IncRejected("size")
			http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
			return
		}
		// A push without payload carries no content encoding.
		if enc := r.Header.Get("Content-Encoding"); len(body) > 0 && !strings.EqualFold(enc, "aes128gcm") {
			m.IncRejected("encoding")
			http.Error(w, "unsupported content encoding", http.StatusUnsupportedMediaType)
			return
		}

		id := r.PathValue("id")
		plain, err := recv.Receive(r.Context(), id, body, r.Header.Get("Authorization"))
		switch {
		case errors.Is(err, ErrUnknownSubscription):
			m.IncRejected("unknown")
			http.Error(w, "no such subscription", http.StatusNotFound)
			return
		case errors.Is(err, ErrUnauthorized):
			m.IncRejected("unauthorized")
			logger.Warn("push rejected", "id", id, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		case errors.Is(err, ErrDecrypt):
			m.IncRejected("decrypt")
			logger.Warn("push rejected", "id", id, "error", err)
			http.Error(w, "undecryptable message", http.StatusBadRequest)
			return
		case err != nil:
			logger.Error("receive push", "id", id, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		m.IncPushReceived()
		sink.Handle(r.Context(), plain)
		w.WriteHeader(http.StatusCreated)
	}
}
