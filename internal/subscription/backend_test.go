package subscription

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gioruanova/fasttrack-push/internal/model"
	"github.com/gioruanova/fasttrack-push/internal/session"
)

var tenant = session.Identity{UserID: "u1", Role: session.RoleOwner, CompanyActive: true, Token: "tok"}

func backendServer(t *testing.T, status int, body string) *Backend {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return NewBackend(BackendConfig{URL: srv.URL + "/", PrivilegedPartition: "/superadmin", TenantPartition: "/empresa"})
}

func TestVAPIDPublicKeyStripsPadding(t *testing.T) {
	b := backendServer(t, http.StatusOK, `{"publicKey":"BAAA=="}`)

	key, err := b.VAPIDPublicKey(context.Background(), tenant)
	if err != nil {
		t.Fatalf("vapid key: %v", err)
	}
	if key != "BAAA" {
		t.Errorf("key = %q, want BAAA", key)
	}
}

func TestVAPIDPublicKeyErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{}`},
		{"missing key", http.StatusOK, `{}`},
		{"not base64", http.StatusOK, `{"publicKey":"no spaces allowed"}`},
		{"not json", http.StatusOK, `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := backendServer(t, tt.status, tt.body)
			if _, err := b.VAPIDPublicKey(context.Background(), tenant); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestStatusError(t *testing.T) {
	b := backendServer(t, http.StatusUnauthorized, ``)

	err := b.UnregisterAll(context.Background(), tenant)
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusUnauthorized {
		t.Errorf("err = %v, want StatusError 401", err)
	}
}

func TestRegisterValidatesSubscription(t *testing.T) {
	b := backendServer(t, http.StatusCreated, ``)

	bad := model.Subscription{Endpoint: "not a url"}
	if err := b.Register(context.Background(), tenant, bad); err == nil {
		t.Error("expected validation error")
	}
}

func TestBackendRequiresIdentity(t *testing.T) {
	b := backendServer(t, http.StatusOK, `{"publicKey":"BAAA"}`)
	if _, err := b.VAPIDPublicKey(context.Background(), session.Identity{}); err == nil {
		t.Error("expected error for unresolved identity")
	}
}

func TestPartition(t *testing.T) {
	b := NewBackend(BackendConfig{PrivilegedPartition: "/superadmin", TenantPartition: "/empresa"})
	if got := b.Partition(session.Identity{UserID: "a", Role: session.RoleSuperadmin}); got != "/superadmin" {
		t.Errorf("superadmin partition = %q", got)
	}
	if got := b.Partition(tenant); got != "/empresa" {
		t.Errorf("tenant partition = %q", got)
	}
}
