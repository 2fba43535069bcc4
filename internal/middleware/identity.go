package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/gioruanova/fasttrack-push/internal/session"
)

// Identities returns the current portal identity.
type Identities interface {
	Current() (session.Identity, bool)
}

// RequireIdentity rejects requests until the portal has set a resolved
// identity, and puts the identity in the request context.
func RequireIdentity(sessions Identities) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := sessions.Current()
			if !ok || !id.Resolved() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "identity not resolved"})
				return
			}
			next.ServeHTTP(w, r.WithContext(session.WithIdentity(r.Context(), id)))
		})
	}
}
