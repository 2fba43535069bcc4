package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gioruanova/fasttrack-push/internal/bus"
	"github.com/gioruanova/fasttrack-push/internal/logging"
	"github.com/gioruanova/fasttrack-push/internal/notify"
	"github.com/gioruanova/fasttrack-push/internal/pushevent"
)

type sent struct {
	id  string
	env bus.Envelope
}

type fakeClients struct {
	infos []bus.ClientInfo
	sent  []sent
	err   error
}

func (f *fakeClients) Clients() []bus.ClientInfo { return f.infos }

func (f *fakeClients) Send(id string, env bus.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{id, env})
	return nil
}

const origin = "http://localhost:3000"

func tab(id, path string, seq uint64) bus.ClientInfo {
	return bus.ClientInfo{ID: id, URL: origin + path, Seq: seq}
}

func TestResolve(t *testing.T) {
	focused := tab("b", "/dashboard/owner/panel", 2)
	focused.FocusedAt = time.Now()

	tests := []struct {
		name    string
		path    string
		clients []bus.ClientInfo
		want    string
	}{
		{"role from tab", "/mensajes/5", []bus.ClientInfo{tab("a", "/dashboard/operador/inicio", 1)}, "/dashboard/operador/mensajes/5"},
		{"no tab", "/mensajes/5", nil, "/dashboard"},
		{"tab without role", "/mensajes/5", []bus.ClientInfo{tab("a", "/login", 1)}, "/dashboard"},
		{"role prefixed verbatim", "/dashboard/owner/x", []bus.ClientInfo{tab("a", "/dashboard/operador", 1)}, "/dashboard/owner/x"},
		{"generic home verbatim", "/dashboard", []bus.ClientInfo{tab("a", "/dashboard/operador", 1)}, "/dashboard"},
		{"missing slash", "mensajes/5", []bus.ClientInfo{tab("a", "/dashboard/profesional", 1)}, "/dashboard/profesional/mensajes/5"},
		{"empty path", "", []bus.ClientInfo{tab("a", "/dashboard/operador", 1)}, "/dashboard/operador"},
		{"focused tab wins", "/x", []bus.ClientInfo{tab("a", "/dashboard/operador", 1), focused}, "/dashboard/owner/x"},
		{"first registered wins", "/x", []bus.ClientInfo{tab("b", "/dashboard/owner", 2), tab("a", "/dashboard/operador", 1)}, "/dashboard/operador/x"},
		{"unknown role ignored", "/x", []bus.ClientInfo{tab("a", "/dashboard/admin", 1)}, "/dashboard"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.path, tt.clients); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func setupRouter(t *testing.T, clients *fakeClients) (*Router, *notify.LogNotifier, *LogOpener) {
	t.Helper()
	n := notify.NewLogNotifier(logging.Discard(), notify.PermissionGranted, notify.PermissionGranted)
	opener := NewLogOpener(logging.Discard())
	return New(origin+"/", clients, n, opener, logging.Discard()), n, opener
}

func TestHandleClickNavigatesTab(t *testing.T) {
	clients := &fakeClients{infos: []bus.ClientInfo{tab("a", "/dashboard/operador/inicio", 1)}}
	r, n, opener := setupRouter(t, clients)
	n.Show(context.Background(), pushevent.Defaults())

	out, err := r.HandleClick(context.Background(), Click{Action: pushevent.ActionOpen, Data: notify.Data{Path: "/mensajes/5"}})
	if err != nil {
		t.Fatalf("click: %v", err)
	}
	if out.Result != ResultNavigated || out.URL != "/dashboard/operador/mensajes/5" || out.ClientID != "a" {
		t.Errorf("outcome = %+v", out)
	}
	if len(clients.sent) != 2 {
		t.Fatalf("sent %d envelopes, want 2", len(clients.sent))
	}
	if nav, ok := clients.sent[0].env.(bus.NavigateTo); !ok || nav.URL != "/dashboard/operador/mensajes/5" {
		t.Errorf("first envelope = %#v", clients.sent[0].env)
	}
	if _, ok := clients.sent[1].env.(bus.Focus); !ok {
		t.Errorf("second envelope = %#v, want Focus", clients.sent[1].env)
	}
	if len(opener.Opened()) != 0 {
		t.Errorf("opened = %v, want none", opener.Opened())
	}
	if len(n.Open()) != 0 {
		t.Error("notification not closed")
	}
}

func TestHandleClickOpensWindowWithoutTabs(t *testing.T) {
	r, _, opener := setupRouter(t, &fakeClients{})

	out, err := r.HandleClick(context.Background(), Click{Data: notify.Data{Path: "/mensajes/5"}})
	if err != nil {
		t.Fatalf("click: %v", err)
	}
	if out.Result != ResultOpened || out.URL != origin+"/dashboard" {
		t.Errorf("outcome = %+v", out)
	}
	if got := opener.Opened(); len(got) != 1 || got[0] != origin+"/dashboard" {
		t.Errorf("opened = %v", got)
	}
}

func TestHandleClickDismiss(t *testing.T) {
	clients := &fakeClients{infos: []bus.ClientInfo{tab("a", "/dashboard/owner", 1)}}
	r, n, opener := setupRouter(t, clients)
	n.Show(context.Background(), pushevent.Defaults())

	out, err := r.HandleClick(context.Background(), Click{Action: pushevent.ActionClose, Data: notify.Data{Path: "/x"}})
	if err != nil {
		t.Fatalf("click: %v", err)
	}
	if out.Result != ResultDismissed {
		t.Errorf("result = %q, want %q", out.Result, ResultDismissed)
	}
	if len(clients.sent) != 0 || len(opener.Opened()) != 0 {
		t.Errorf("dismiss navigated: sent=%v opened=%v", clients.sent, opener.Opened())
	}
	if len(n.Open()) != 0 {
		t.Error("notification not closed")
	}
}

func TestHandleClickFallsBackWhenSendFails(t *testing.T) {
	clients := &fakeClients{
		infos: []bus.ClientInfo{tab("a", "/dashboard/owner", 1)},
		err:   bus.ErrUnknownClient,
	}
	r, _, opener := setupRouter(t, clients)

	out, err := r.HandleClick(context.Background(), Click{Data: notify.Data{Path: "/x"}})
	if err != nil {
		t.Fatalf("click: %v", err)
	}
	if out.Result != ResultOpened || out.URL != origin+"/dashboard/owner/x" {
		t.Errorf("outcome = %+v", out)
	}
	if len(opener.Opened()) != 1 {
		t.Errorf("opened = %v", opener.Opened())
	}
}

type failingOpener struct{}

func (failingOpener) Open(context.Context, string) error { return errors.New("no display") }

func TestHandleClickOpenerError(t *testing.T) {
	n := notify.NewLogNotifier(logging.Discard(), notify.PermissionGranted, notify.PermissionGranted)
	r := New(origin, &fakeClients{}, n, failingOpener{}, logging.Discard())

	if _, err := r.HandleClick(context.Background(), Click{}); err == nil {
		t.Error("expected opener error")
	}
}

func TestPickTabPrefersDashboard(t *testing.T) {
	login := tab("a", "/login", 1)
	login.FocusedAt = time.Now()
	got, ok := pickTab([]bus.ClientInfo{login, tab("b", "/dashboard/owner", 2)})
	if !ok || got.ID != "b" {
		t.Errorf("pickTab = %+v, %v, want b", got, ok)
	}
}
