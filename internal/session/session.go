// Package session holds the portal identity the push layer gates on: who
// the user is, which role-scoped dashboard they use and whether their
// company is active.
package session

import (
	"context"
	"strings"
	"sync"
)

// Role is a portal role. It is also the path segment of the role's home.
type Role string

const (
	RoleSuperadmin  Role = "superadmin"
	RoleOwner       Role = "owner"
	RoleOperador    Role = "operador"
	RoleProfesional Role = "profesional"
)

// GenericHome is the role-agnostic landing path.
const GenericHome = "/dashboard"

var roles = []Role{RoleSuperadmin, RoleOwner, RoleOperador, RoleProfesional}

// ParseRole returns the role named by s, or false if s is not a known role.
func ParseRole(s string) (Role, bool) {
	for _, r := range roles {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

// HomePrefix returns the dashboard prefix of role, e.g. /dashboard/owner.
func HomePrefix(r Role) string {
	return GenericHome + "/" + string(r)
}

// RoleFromPath returns the role whose home prefix starts path.
func RoleFromPath(path string) (Role, bool) {
	rest, ok := strings.CutPrefix(path, GenericHome+"/")
	if !ok {
		return "", false
	}
	seg, _, _ := strings.Cut(rest, "/")
	return ParseRole(seg)
}

// Identity is the authenticated portal user.
type Identity struct {
	UserID        string `json:"user_id"`
	Role          Role   `json:"role"`
	CompanyActive bool   `json:"company_active"`
	Token         string `json:"token,omitempty"`
}

// Resolved reports whether both the user and a known role are set.
func (id Identity) Resolved() bool {
	if id.UserID == "" {
		return false
	}
	_, ok := ParseRole(string(id.Role))
	return ok
}

// Privileged reports whether the identity uses the privileged backend
// partition.
func (id Identity) Privileged() bool {
	return id.Role == RoleSuperadmin
}

// NotificationsEnabled reports whether in-app notifications should be kept
// for this identity. Tenant roles need an active company.
func (id Identity) NotificationsEnabled() bool {
	return id.Resolved() && (id.Privileged() || id.CompanyActive)
}

// Store holds the current identity. The zero value is empty and ready.
type Store struct {
	mu      sync.RWMutex
	current Identity
	set     bool
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Set(id Identity) {
	s.mu.Lock()
	s.current = id
	s.set = true
	s.mu.Unlock()
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.current = Identity{}
	s.set = false
	s.mu.Unlock()
}

// Current returns the identity and whether one is set.
func (s *Store) Current() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.set
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
