package subscription

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gioruanova/fasttrack-push/internal/database"
	"github.com/gioruanova/fasttrack-push/internal/logging"
	"github.com/gioruanova/fasttrack-push/internal/model"
	"github.com/gioruanova/fasttrack-push/internal/notify"
	"github.com/gioruanova/fasttrack-push/internal/push"
	"github.com/gioruanova/fasttrack-push/internal/session"
	"github.com/gioruanova/fasttrack-push/internal/store"
	"github.com/gioruanova/fasttrack-push/internal/webpush"
	"github.com/gioruanova/fasttrack-push/internal/worker"
)

// fakeBackend records the subscription calls it receives.
type fakeBackend struct {
	mu        sync.Mutex
	calls     []string
	auth      []string
	subs      []model.Subscription
	publicKey string
	failOn    string
}

func (f *fakeBackend) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	record := func(w http.ResponseWriter, r *http.Request) bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		call := r.Method + " " + r.URL.Path
		f.calls = append(f.calls, call)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		if call == f.failOn {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return false
		}
		return true
	}
	for _, partition := range []string{"/superadmin", "/empresa"} {
		mux.HandleFunc("GET "+partition+"/push/vapid-public-key", func(w http.ResponseWriter, r *http.Request) {
			if record(w, r) {
				json.NewEncoder(w).Encode(map[string]string{"publicKey": f.publicKey})
			}
		})
		withSub := func(w http.ResponseWriter, r *http.Request) {
			var req subscriptionRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode %s body: %v", r.URL.Path, err)
			}
			if record(w, r) {
				f.mu.Lock()
				f.subs = append(f.subs, req.Subscription)
				f.mu.Unlock()
				w.WriteHeader(http.StatusCreated)
			}
		}
		mux.HandleFunc("POST "+partition+"/push/subscribe", withSub)
		mux.HandleFunc("DELETE "+partition+"/push/unsubscribe", withSub)
		mux.HandleFunc("DELETE "+partition+"/push/unsubscribe-all", func(w http.ResponseWriter, r *http.Request) {
			if record(w, r) {
				w.WriteHeader(http.StatusNoContent)
			}
		})
	}
	return mux
}

func (f *fakeBackend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type activeWorker struct{}

func (activeWorker) WaitActivated(context.Context, time.Duration) (worker.Worker, error) {
	return worker.Worker{Version: "v1", State: worker.StateActivated}, nil
}

type neverActive struct{}

func (neverActive) WaitActivated(ctx context.Context, _ time.Duration) (worker.Worker, error) {
	<-ctx.Done()
	return worker.Worker{}, ctx.Err()
}

type recordedFeedback struct {
	success, failure []string
}

func (f *recordedFeedback) Success(msg string) { f.success = append(f.success, msg) }
func (f *recordedFeedback) Failure(msg string) { f.failure = append(f.failure, msg) }

type fixture struct {
	manager  *Manager
	backend  *fakeBackend
	receiver *webpush.Receiver
	sessions *session.Store
	notifier *notify.LogNotifier
	feedback *recordedFeedback
}

func setup(t *testing.T, reg Registration, permission notify.Permission) *fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pub, _, err := push.GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	fb := &fakeBackend{publicKey: pub}
	srv := httptest.NewServer(fb.handler(t))
	t.Cleanup(srv.Close)

	recv, err := webpush.NewReceiver(store.NewDeviceStore(db), "http://localhost:8090", logging.Discard())
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}

	f := &fixture{
		backend:  fb,
		receiver: recv,
		sessions: session.NewStore(),
		notifier: notify.NewLogNotifier(logging.Discard(), permission, notify.PermissionGranted),
		feedback: &recordedFeedback{},
	}
	backend := NewBackend(BackendConfig{URL: srv.URL, PrivilegedPartition: "/superadmin", TenantPartition: "/empresa"})
	f.manager = NewManager(
		Environment{Worker: reg, Push: recv, Notifier: f.notifier},
		backend, store.NewDecisionStore(db), f.sessions, f.feedback,
		Options{ActivationPoll: time.Millisecond}, logging.Discard(),
	)
	f.sessions.Set(session.Identity{UserID: "u1", Role: session.RoleOperador, CompanyActive: true, Token: "tok"})
	return f
}

func TestSubscribeAndUnsubscribeDecision(t *testing.T) {
	ctx := context.Background()
	f := setup(t, activeWorker{}, notify.PermissionGranted)

	if f.manager.HasNotificationDecision(ctx, "u1") {
		t.Fatal("expected no decision before subscribing")
	}
	if !f.manager.SubscribeToPush(ctx, true, "") {
		t.Fatalf("subscribe failed, feedback = %v", f.feedback.failure)
	}
	if !f.manager.HasNotificationDecision(ctx, "u1") {
		t.Error("expected a decision after subscribing")
	}
	if d := f.manager.GetNotificationDecision(ctx, "u1"); d != model.DecisionAccepted {
		t.Errorf("decision = %q, want %q", d, model.DecisionAccepted)
	}
	if !f.manager.Subscribed() || !f.manager.CheckSubscription(ctx) {
		t.Error("expected subscribed")
	}
	if len(f.feedback.success) != 1 {
		t.Errorf("success feedback = %v", f.feedback.success)
	}

	if !f.manager.UnsubscribeFromPush(ctx, "u1") {
		t.Fatal("unsubscribe failed")
	}
	if d := f.manager.GetNotificationDecision(ctx, "u1"); d != model.DecisionDeclined {
		t.Errorf("decision = %q, want %q", d, model.DecisionDeclined)
	}
	if f.manager.CheckSubscription(ctx) {
		t.Error("expected no subscription after unsubscribe")
	}

	want := []string{
		"GET /empresa/push/vapid-public-key",
		"POST /empresa/push/subscribe",
		"DELETE /empresa/push/unsubscribe",
	}
	got := f.backend.Calls()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, got[i], want[i])
		}
	}
	for _, a := range f.backend.auth {
		if a != "Bearer tok" {
			t.Errorf("authorization = %q, want Bearer tok", a)
		}
	}
}

func TestSubscribeTwiceKeepsOneSubscription(t *testing.T) {
	ctx := context.Background()
	f := setup(t, activeWorker{}, notify.PermissionGranted)

	f.manager.SubscribeToPush(ctx, false, "")
	first, _ := f.receiver.Subscription(ctx)
	f.manager.SubscribeToPush(ctx, false, "")
	second, _ := f.receiver.Subscription(ctx)

	if first == nil || second == nil {
		t.Fatal("expected a subscription")
	}
	if first.Endpoint != second.Endpoint {
		t.Errorf("endpoint changed: %q then %q", first.Endpoint, second.Endpoint)
	}
	if len(f.backend.subs) != 2 || f.backend.subs[0].Endpoint != f.backend.subs[1].Endpoint {
		t.Errorf("registered = %+v", f.backend.subs)
	}
}

func TestSubscribePrivilegedPartition(t *testing.T) {
	ctx := context.Background()
	f := setup(t, activeWorker{}, notify.PermissionGranted)
	f.sessions.Set(session.Identity{UserID: "root", Role: session.RoleSuperadmin})

	if !f.manager.SubscribeToPush(ctx, false, "") {
		t.Fatal("subscribe failed")
	}
	calls := f.backend.Calls()
	if len(calls) != 2 || calls[0] != "GET /superadmin/push/vapid-public-key" || calls[1] != "POST /superadmin/push/subscribe" {
		t.Errorf("calls = %v", calls)
	}
}

func TestSubscribeUsesRequestIdentity(t *testing.T) {
	f := setup(t, activeWorker{}, notify.PermissionGranted)
	ctx := session.WithIdentity(context.Background(), session.Identity{
		UserID: "root", Role: session.RoleSuperadmin, Token: "req",
	})
	// The portal switches users while the request is in flight.
	f.sessions.Set(session.Identity{UserID: "u2", Role: session.RoleOperador, CompanyActive: true, Token: "other"})

	if !f.manager.SubscribeToPush(ctx, false, "") {
		t.Fatalf("subscribe failed, feedback = %v", f.feedback.failure)
	}
	calls := f.backend.Calls()
	if len(calls) != 2 || calls[0] != "GET /superadmin/push/vapid-public-key" || calls[1] != "POST /superadmin/push/subscribe" {
		t.Errorf("calls = %v", calls)
	}
	f.backend.mu.Lock()
	auth := append([]string(nil), f.backend.auth...)
	f.backend.mu.Unlock()
	for _, a := range auth {
		if a != "Bearer req" {
			t.Errorf("authorization = %q, want %q", a, "Bearer req")
		}
	}
	if d := f.manager.GetNotificationDecision(ctx, "root"); d != model.DecisionAccepted {
		t.Errorf("root decision = %q, want %q", d, model.DecisionAccepted)
	}
	if f.manager.HasNotificationDecision(ctx, "u2") {
		t.Error("decision stored for the session user instead of the request user")
	}
}

func TestSubscribeUnresolvedIdentity(t *testing.T) {
	ctx := context.Background()
	f := setup(t, activeWorker{}, notify.PermissionGranted)
	f.sessions.Set(session.Identity{UserID: "u1"})

	if f.manager.SubscribeToPush(ctx, true, "") {
		t.Fatal("expected subscribe to fail without a role")
	}
	if len(f.backend.Calls()) != 0 {
		t.Errorf("backend called: %v", f.backend.Calls())
	}
	if len(f.feedback.failure) != 1 {
		t.Errorf("failure feedback = %v", f.feedback.failure)
	}
}

func TestSubscribePermissionDenied(t *testing.T) {
	ctx := context.Background()
	f := setup(t, activeWorker{}, notify.PermissionDenied)

	if f.manager.SubscribeToPush(ctx, false, "") {
		t.Fatal("expected subscribe to fail")
	}
	if d := f.manager.GetNotificationDecision(ctx, "u1"); d != model.DecisionDeclined {
		t.Errorf("decision = %q, want %q", d, model.DecisionDeclined)
	}
	if len(f.backend.Calls()) != 0 {
		t.Errorf("backend called: %v", f.backend.Calls())
	}
}

func TestSubscribeRequestsPermission(t *testing.T) {
	ctx := context.Background()
	f := setup(t, activeWorker{}, notify.PermissionPrompt)

	if !f.manager.SubscribeToPush(ctx, false, "") {
		t.Fatal("subscribe failed")
	}
	if p := f.notifier.Permission(); p != notify.PermissionGranted {
		t.Errorf("permission = %q, want granted", p)
	}
}

func TestSubscribeWaitsForActivation(t *testing.T) {
	f := setup(t, neverActive{}, notify.PermissionGranted)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if f.manager.SubscribeToPush(ctx, false, "") {
		t.Fatal("expected subscribe to fail with no active worker")
	}
	if sub, _ := f.receiver.Subscription(context.Background()); sub != nil {
		t.Error("subscription created against an inactive worker")
	}
	if f.manager.HasNotificationDecision(context.Background(), "u1") {
		t.Error("decision persisted on failure")
	}
}

func TestSubscribeActivationWaitIsBounded(t *testing.T) {
	f := setup(t, neverActive{}, notify.PermissionGranted)

	done := make(chan bool, 1)
	go func() { done <- f.manager.SubscribeToPush(context.Background(), true, "") }()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected subscribe to fail with no active worker")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe still waiting for an active worker")
	}
	if len(f.feedback.failure) != 1 {
		t.Errorf("failure feedback = %v", f.feedback.failure)
	}
	calls := f.backend.Calls()
	if len(calls) != 1 || calls[0] != "GET /empresa/push/vapid-public-key" {
		t.Errorf("calls = %v, want only the key fetch", calls)
	}
}

func TestSubscribeBackendFailureLeavesUnsubscribed(t *testing.T) {
	ctx := context.Background()
	f := setup(t, activeWorker{}, notify.PermissionGranted)
	f.backend.failOn = "POST /empresa/push/subscribe"

	if f.manager.SubscribeToPush(ctx, false, "") {
		t.Fatal("expected subscribe to fail")
	}
	if f.manager.CheckSubscription(ctx) || f.manager.Subscribed() {
		t.Error("device looks subscribed without backend acknowledgement")
	}
	if f.manager.HasNotificationDecision(ctx, "u1") {
		t.Error("decision persisted on failure")
	}
}

func TestUnsubscribeBackendFailureStillSucceeds(t *testing.T) {
	ctx := context.Background()
	f := setup(t, activeWorker{}, notify.PermissionGranted)
	f.manager.SubscribeToPush(ctx, false, "")
	f.backend.failOn = "DELETE /empresa/push/unsubscribe"

	if !f.manager.UnsubscribeFromPush(ctx, "") {
		t.Fatal("expected unsubscribe to succeed locally")
	}
	if f.manager.CheckSubscription(ctx) {
		t.Error("subscription survived unsubscribe")
	}
	if d := f.manager.GetNotificationDecision(ctx, "u1"); d != model.DecisionDeclined {
		t.Errorf("decision = %q, want declined", d)
	}
}

func TestUnsubscribeFromAllDevicesNeedsConfirmation(t *testing.T) {
	ctx := context.Background()
	f := setup(t, activeWorker{}, notify.PermissionGranted)
	f.manager.SubscribeToPush(ctx, false, "")

	if f.manager.UnsubscribeFromAllDevices(ctx, "", false) {
		t.Fatal("expected unconfirmed call to fail")
	}
	if !f.manager.CheckSubscription(ctx) {
		t.Fatal("unconfirmed call tore down the subscription")
	}

	if !f.manager.UnsubscribeFromAllDevices(ctx, "", true) {
		t.Fatal("confirmed call failed")
	}
	if f.manager.CheckSubscription(ctx) {
		t.Error("subscription survived")
	}
	calls := f.backend.Calls()
	if calls[len(calls)-1] != "DELETE /empresa/push/unsubscribe-all" {
		t.Errorf("last call = %q", calls[len(calls)-1])
	}
}

func TestUnsupportedEnvironment(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	defer db.Close()

	sessions := session.NewStore()
	sessions.Set(session.Identity{UserID: "u1", Role: session.RoleOwner, CompanyActive: true})
	m := NewManager(Environment{Worker: activeWorker{}}, NewBackend(BackendConfig{URL: "http://127.0.0.1:1"}),
		store.NewDecisionStore(db), sessions, nil, Options{}, logging.Discard())

	if m.CheckSupport() {
		t.Error("expected unsupported")
	}
	if m.CheckSubscription(ctx) {
		t.Error("expected no subscription")
	}
	if m.SubscribeToPush(ctx, true, "") {
		t.Error("expected subscribe to fail")
	}
	if st := m.Status(ctx); st.Supported {
		t.Errorf("status = %+v", st)
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	f := setup(t, activeWorker{}, notify.PermissionGranted)
	f.manager.SubscribeToPush(ctx, false, "")

	st := f.manager.Status(ctx)
	if !st.Supported || !st.Subscribed || st.Subscription == nil {
		t.Errorf("status = %+v", st)
	}
	if st.Decision != model.DecisionAccepted || st.Permission != notify.PermissionGranted {
		t.Errorf("status = %+v", st)
	}
}
