package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rpattn/recordimport/internal/domain"
)

// Scope is the data scope granted to a caller.
type Scope string

const (
	ScopeNone       Scope = "none"
	ScopeRestricted Scope = "restricted"
	ScopeFull       Scope = "full"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string `json:"userId"`
	Scope  Scope  `json:"scope"`
}

// Authenticator resolves the caller of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

type contextKey string

const identityKey contextKey = "identity"

// ContextWithIdentity returns a new context that carries the authenticated caller.
func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext retrieves the authenticated caller from the context, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	identity, ok := ctx.Value(identityKey).(Identity)
	if !ok || strings.TrimSpace(identity.UserID) == "" {
		return Identity{}, false
	}
	return identity, true
}

// RequireImportAccess returns the caller when it holds full data scope.
func RequireImportAccess(ctx context.Context) (Identity, error) {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return Identity{}, fmt.Errorf("%w: no authenticated caller", domain.ErrUnauthorized)
	}
	switch identity.Scope {
	case ScopeFull:
		return identity, nil
	case ScopeRestricted:
		return identity, fmt.Errorf("%w: user %s has restricted data scope", domain.ErrForbidden, identity.UserID)
	default:
		return identity, fmt.Errorf("%w: user %s has no data scope", domain.ErrUnauthorized, identity.UserID)
	}
}

// HeaderAuthenticator trusts identity headers set by an upstream gateway.
type HeaderAuthenticator struct {
	UserHeader  string
	ScopeHeader string
}

// NewHeaderAuthenticator reads X-User-Id and X-Data-Scope.
func NewHeaderAuthenticator() *HeaderAuthenticator {
	return &HeaderAuthenticator{UserHeader: "X-User-Id", ScopeHeader: "X-Data-Scope"}
}

func (a *HeaderAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	userID := strings.TrimSpace(r.Header.Get(a.UserHeader))
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: missing %s header", domain.ErrUnauthorized, a.UserHeader)
	}
	scope := Scope(strings.ToLower(strings.TrimSpace(r.Header.Get(a.ScopeHeader))))
	switch scope {
	case ScopeFull, ScopeRestricted:
	default:
		scope = ScopeNone
	}
	return Identity{UserID: userID, Scope: scope}, nil
}
