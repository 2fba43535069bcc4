package agent

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gioruanova/fasttrack-push/internal/bus"
	"github.com/gioruanova/fasttrack-push/internal/middleware"
	"github.com/gioruanova/fasttrack-push/internal/router"
	"github.com/gioruanova/fasttrack-push/internal/session"
	"github.com/gioruanova/fasttrack-push/internal/webpush"
)

const maxJSONBody = 64 << 10

func (a *Agent) Router() http.Handler {
	mux := http.NewServeMux()
	requireIdentity := middleware.RequireIdentity(a.sessions)

	mux.HandleFunc("GET /health", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /ws", bus.HandleWebSocket(a.hub, originPatterns(a.cfg.OriginURL, a.cfg.PublicURL), a.logger.With("component", "ws")))

	pushEndpoint := webpush.Handler(a.receiver, a.pushes, a.metrics, a.logger.With("component", "push_endpoint"))
	mux.Handle("POST /push/{id}", middleware.LimitFailures(a.limiter)(pushEndpoint))
	mux.HandleFunc("POST /notifications/click", a.handleClick)

	mux.HandleFunc("GET /session", a.handleGetSession)
	mux.HandleFunc("PUT /session", a.handlePutSession)
	mux.HandleFunc("DELETE /session", a.handleDeleteSession)

	mux.HandleFunc("GET /subscription", a.handleSubscriptionStatus)
	mux.HandleFunc("GET /subscription/decision", a.handleDecision)
	mux.Handle("POST /subscription", requireIdentity(http.HandlerFunc(a.handleSubscribe)))
	mux.HandleFunc("DELETE /subscription", a.handleUnsubscribe)

	mux.HandleFunc("GET /worker", a.handleWorkerStatus)
	mux.HandleFunc("POST /worker/update", a.handleWorkerUpdate)
	mux.HandleFunc("POST /worker/skip-waiting", a.handleSkipWaiting)

	mux.Handle("/", a.proxy)

	return middleware.RequestLogger(a.logger.With("component", "http"))(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":     "ok",
		"clients":    a.hub.ClientCount(),
		"subscribed": a.subs.Subscribed(),
	}
	if active, ok := a.container.Active(); ok {
		resp["worker"] = active.Version
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *Agent) handleClick(w http.ResponseWriter, r *http.Request) {
	var click router.Click
	if err := decodeJSON(r, &click); err != nil {
		writeError(w, http.StatusBadRequest, "invalid click")
		return
	}
	out, err := a.router.HandleClick(r.Context(), click)
	if err != nil {
		a.logger.Error("route notification click", "error", err)
		writeError(w, http.StatusBadGateway, "could not open window")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *Agent) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := a.sessions.Current()
	if !ok {
		writeError(w, http.StatusNotFound, "no session")
		return
	}
	id.Token = ""
	writeJSON(w, http.StatusOK, id)
}

func (a *Agent) handlePutSession(w http.ResponseWriter, r *http.Request) {
	var id session.Identity
	if err := decodeJSON(r, &id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid identity")
		return
	}
	if !id.Resolved() {
		writeError(w, http.StatusUnprocessableEntity, "user_id and a known role are required")
		return
	}
	a.sessions.Set(id)
	a.logger.Info("session set", "user_id", id.UserID, "role", id.Role)
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	a.sessions.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) handleSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.subs.Status(r.Context()))
}

func (a *Agent) handleDecision(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		if id, ok := a.sessions.Current(); ok {
			userID = id.UserID
		}
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":      userID,
		"has_decision": a.subs.HasNotificationDecision(r.Context(), userID),
		"decision":     a.subs.GetNotificationDecision(r.Context(), userID),
	})
}

type subscribeRequest struct {
	UserID       string `json:"user_id"`
	ShowFeedback bool   `json:"show_feedback"`
}

func (a *Agent) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	ok := a.subs.SubscribeToPush(r.Context(), req.ShowFeedback, req.UserID)
	status := http.StatusOK
	if !ok {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{"ok": ok, "status": a.subs.Status(r.Context())})
}

// handleUnsubscribe drops this device's subscription. With all=true it
// drops every device's, which also needs confirm=true.
func (a *Agent) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")

	var ok bool
	if q.Get("all") == "true" {
		ok = a.subs.UnsubscribeFromAllDevices(r.Context(), userID, q.Get("confirm") == "true")
	} else {
		ok = a.subs.UnsubscribeFromPush(r.Context(), userID)
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{"ok": ok, "status": a.subs.Status(r.Context())})
}

func (a *Agent) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.container.Status())
}

func (a *Agent) handleWorkerUpdate(w http.ResponseWriter, r *http.Request) {
	updated := a.updater.Check(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"updated": updated, "status": a.container.Status()})
}

func (a *Agent) handleSkipWaiting(w http.ResponseWriter, r *http.Request) {
	ok, err := a.container.SkipWaiting(r.Context())
	if err != nil {
		a.logger.Error("skip waiting", "error", err)
		writeError(w, http.StatusInternalServerError, "activation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activated": ok, "status": a.container.Status()})
}
