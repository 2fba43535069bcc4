package page

import (
	"context"
	"database/sql"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gioruanova/fasttrack-push/internal/broadcast"
	"github.com/gioruanova/fasttrack-push/internal/bus"
	"github.com/gioruanova/fasttrack-push/internal/database"
	"github.com/gioruanova/fasttrack-push/internal/logging"
	"github.com/gioruanova/fasttrack-push/internal/model"
	"github.com/gioruanova/fasttrack-push/internal/session"
	"github.com/gioruanova/fasttrack-push/internal/store"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func enabledSessions() *session.Store {
	s := session.NewStore()
	s.Set(session.Identity{UserID: "u1", Role: session.RoleOperador, CompanyActive: true})
	return s
}

func setupCenter(t *testing.T, sessions Identities) *Center {
	t.Helper()
	return NewCenter(store.NewNotificationStore(setupDB(t)), sessions)
}

func startHub(t *testing.T) (*bus.Hub, string) {
	t.Helper()
	hub := bus.NewHub(logging.Discard(), nil)
	srv := httptest.NewServer(bus.HandleWebSocket(hub, nil, logging.Discard()))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, opts Options) *Client {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPing(t *testing.T) {
	_, agentURL := startHub(t)
	c := dial(t, Options{AgentURL: agentURL, PageURL: "http://localhost:3000/dashboard/owner"})

	rtt, err := c.Ping(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if rtt <= 0 {
		t.Errorf("rtt = %v, want > 0", rtt)
	}
}

func TestPageURLReachesHub(t *testing.T) {
	hub, agentURL := startHub(t)
	c := dial(t, Options{AgentURL: agentURL, PageURL: "http://localhost:3000/dashboard/owner"})

	waitFor(t, "client registration", func() bool { return hub.ClientCount() == 1 })
	if got := hub.Clients()[0].URL; got != "http://localhost:3000/dashboard/owner" {
		t.Errorf("url = %q", got)
	}

	if err := c.ReportURL(context.Background(), "http://localhost:3000/dashboard/owner/agenda", true); err != nil {
		t.Fatalf("report url: %v", err)
	}
	waitFor(t, "url update", func() bool {
		info := hub.Clients()[0]
		return strings.HasSuffix(info.URL, "/agenda") && !info.FocusedAt.IsZero()
	})
}

func TestNavigateTo(t *testing.T) {
	hub, agentURL := startHub(t)

	var mu sync.Mutex
	var navigated []string
	c := dial(t, Options{
		AgentURL: agentURL,
		PageURL:  "http://localhost:3000/dashboard/operador",
		Navigate: func(ctx context.Context, u string) {
			mu.Lock()
			navigated = append(navigated, u)
			mu.Unlock()
		},
	})
	waitFor(t, "client registration", func() bool { return hub.ClientCount() == 1 })

	id := hub.Clients()[0].ID
	if err := hub.Send(id, bus.NavigateTo{URL: "/dashboard/operador/mensajes/5"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "navigation", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(navigated) == 1
	})

	want := "http://localhost:3000/dashboard/operador/mensajes/5"
	if navigated[0] != want {
		t.Errorf("navigated = %q, want %q", navigated[0], want)
	}
	if c.URL() != want {
		t.Errorf("page url = %q, want %q", c.URL(), want)
	}
	waitFor(t, "hub url update", func() bool { return hub.Clients()[0].URL == want })
}

func TestReloadOnce(t *testing.T) {
	hub, agentURL := startHub(t)

	var mu sync.Mutex
	var reloads []string
	c := dial(t, Options{
		AgentURL: agentURL,
		PageURL:  "http://localhost:3000/",
		Reload: func(ctx context.Context, version string) {
			mu.Lock()
			reloads = append(reloads, version)
			mu.Unlock()
		},
	})
	waitFor(t, "client registration", func() bool { return hub.ClientCount() == 1 })

	seen := make(chan struct{}, 2)
	c.Handle(bus.TypeControllerChanged, func(ctx context.Context, env bus.Envelope) { seen <- struct{}{} })

	hub.Broadcast(bus.ControllerChanged{Version: "v2"})
	hub.Broadcast(bus.ControllerChanged{Version: "v3"})
	for i := 0; i < 2; i++ {
		select {
		case <-seen:
		case <-time.After(2 * time.Second):
			t.Fatal("controller change not delivered")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reloads) != 1 || reloads[0] != "v2" {
		t.Errorf("reloads = %v, want [v2]", reloads)
	}
}

func TestSkipWaiting(t *testing.T) {
	hub, agentURL := startHub(t)
	got := make(chan struct{}, 1)
	hub.Handle(bus.TypeSkipWaiting, func(ctx context.Context, from bus.ClientInfo, env bus.Envelope) {
		got <- struct{}{}
	})

	c := dial(t, Options{AgentURL: agentURL, PageURL: "http://localhost:3000/"})
	if err := c.SkipWaiting(context.Background()); err != nil {
		t.Fatalf("skip waiting: %v", err)
	}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("SKIP_WAITING not received")
	}
}

func TestNotificationShownRecordedAndRebroadcast(t *testing.T) {
	// Page A shares a hub with the worker; page B only hears the broadcast
	// channel.
	hubA, agentA := startHub(t)
	_, agentB := startHub(t)
	mem := broadcast.NewMemory()

	centerA := setupCenter(t, enabledSessions())
	centerB := setupCenter(t, enabledSessions())
	dial(t, Options{AgentURL: agentA, PageURL: "http://localhost:3000/", Center: centerA, Channel: mem.Open("fasttrack")})
	dial(t, Options{AgentURL: agentB, PageURL: "http://localhost:3000/", Center: centerB, Channel: mem.Open("fasttrack")})
	waitFor(t, "client registration", func() bool { return hubA.ClientCount() == 1 })

	hubA.Broadcast(bus.NotificationShown{Data: model.ShownNotification{ID: "n1", Title: "T", Body: "B", Path: "/dashboard/owner/x"}})

	ctx := context.Background()
	for name, c := range map[string]*Center{"A": centerA, "B": centerB} {
		waitFor(t, "notification in center "+name, func() bool {
			n, _ := c.UnreadCount(ctx)
			return n == 1
		})
		list, _ := c.List(ctx)
		if list[0].ID != "n1" || list[0].Path != "/dashboard/owner/x" {
			t.Errorf("center %s = %+v", name, list[0])
		}
	}
}

func TestCenterDedupesByID(t *testing.T) {
	ctx := context.Background()
	c := setupCenter(t, enabledSessions())

	n := model.ShownNotification{ID: "n1", Title: "T", Body: "B"}
	if ok, err := c.Record(ctx, n); err != nil || !ok {
		t.Fatalf("first record = %v, %v", ok, err)
	}
	if ok, _ := c.Record(ctx, n); ok {
		t.Error("duplicate recorded")
	}
	if count, _ := c.UnreadCount(ctx); count != 1 {
		t.Errorf("unread = %d, want 1", count)
	}
}

func TestCenterKeepsNewest(t *testing.T) {
	ctx := context.Background()
	c := setupCenter(t, enabledSessions())

	for i := 0; i < 60; i++ {
		c.Record(ctx, model.ShownNotification{ID: fmt.Sprintf("n%d", i), Title: "T"})
	}
	list, err := c.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != store.MaxStoredNotifications {
		t.Fatalf("len = %d, want %d", len(list), store.MaxStoredNotifications)
	}
	if list[0].ID != "n59" || list[len(list)-1].ID != "n10" {
		t.Errorf("newest = %q, oldest = %q", list[0].ID, list[len(list)-1].ID)
	}
}

func TestCenterGatedOnIdentity(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		id   *session.Identity
		want bool
	}{
		{"no identity", nil, false},
		{"inactive company", &session.Identity{UserID: "u1", Role: session.RoleOwner}, false},
		{"active company", &session.Identity{UserID: "u1", Role: session.RoleOwner, CompanyActive: true}, true},
		{"superadmin", &session.Identity{UserID: "root", Role: session.RoleSuperadmin}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := session.NewStore()
			if tt.id != nil {
				sessions.Set(*tt.id)
			}
			c := setupCenter(t, sessions)
			ok, err := c.Record(ctx, model.ShownNotification{Title: "T"})
			if err != nil {
				t.Fatalf("record: %v", err)
			}
			if ok != tt.want {
				t.Errorf("recorded = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestCenterReadState(t *testing.T) {
	ctx := context.Background()
	c := setupCenter(t, enabledSessions())
	c.Record(ctx, model.ShownNotification{ID: "a", Title: "A"})
	c.Record(ctx, model.ShownNotification{ID: "b", Title: "B"})

	if err := c.MarkRead(ctx, "a"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if n, _ := c.UnreadCount(ctx); n != 1 {
		t.Errorf("unread = %d, want 1", n)
	}
	c.MarkAllRead(ctx)
	if n, _ := c.UnreadCount(ctx); n != 0 {
		t.Errorf("unread = %d, want 0", n)
	}
	c.Clear(ctx)
	if list, _ := c.List(ctx); len(list) != 0 {
		t.Errorf("list after clear = %v", list)
	}
}
