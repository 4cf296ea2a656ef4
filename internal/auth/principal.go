package auth

import (
	"context"
	"strings"

	"github.com/eventdesk/apiserver/types"
	"github.com/google/uuid"
)

type Role string

const (
	RoleUser  Role = types.RoleUser
	RoleAdmin Role = types.RoleAdmin
)

// NormalizeRole maps unknown roles to RoleUser.
func NormalizeRole(role string) Role {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case string(RoleAdmin):
		return RoleAdmin
	default:
		return RoleUser
	}
}

// Capability is an action class an operation requires.
type Capability int

const (
	// CapRead covers listing and viewing events.
	CapRead Capability = iota
	// CapWriteOwn covers mutations on the caller's own behalf, such as registering.
	CapWriteOwn
	// CapWriteAdmin covers creating, editing and deleting events.
	CapWriteAdmin
)

func (c Capability) String() string {
	switch c {
	case CapRead:
		return "read"
	case CapWriteOwn:
		return "write-own"
	case CapWriteAdmin:
		return "write-admin"
	default:
		return "unknown"
	}
}

var roleCapabilities = map[Role][]Capability{
	RoleUser:  {CapRead, CapWriteOwn},
	RoleAdmin: {CapRead, CapWriteOwn, CapWriteAdmin},
}

// Principal is the authenticated caller decoded from a session token.
type Principal struct {
	UserID   uuid.UUID
	Username string
	Role     string
}

// Can reports whether the principal's role grants the capability.
func (p Principal) Can(c Capability) bool {
	for _, granted := range roleCapabilities[NormalizeRole(p.Role)] {
		if granted == c {
			return true
		}
	}
	return false
}

func (p Principal) IsAdmin() bool {
	return NormalizeRole(p.Role) == RoleAdmin
}

// PrincipalFor builds the principal of a stored user.
func PrincipalFor(user types.User) Principal {
	return Principal{UserID: user.ID, Username: user.Username, Role: user.Role}
}

type contextKey struct{}

// WithPrincipal attaches the principal to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFromContext returns the principal attached by the auth middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	if !ok || p.UserID == uuid.Nil {
		return Principal{}, false
	}
	return p, true
}
