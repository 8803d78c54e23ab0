// Package auth resolves the caller identity for each request.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingAPIKey   = errors.New("missing authorization header")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrAuthUnavailable = errors.New("auth backend unavailable")
)

// KeyPrefix starts every issued API key.
const KeyPrefix = "sgk_"

// Identity is who a request acts as. An empty TenantID means
// single-tenant mode.
type Identity struct {
	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	OrgRole  string `json:"org_role,omitempty"`
}

// MultiTenant reports whether the identity is scoped to a tenant.
func (i *Identity) MultiTenant() bool { return i != nil && i.TenantID != "" }

// Authenticator validates an incoming request and returns its identity.
type Authenticator interface {
	Authenticate(r *http.Request) (*Identity, error)
}

type ctxKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by WithIdentity, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(ctxKey{}).(*Identity)
	return id
}

// StaticAuthenticator serves single-tenant deployments. When Token is set,
// requests must present it as a bearer token.
type StaticAuthenticator struct {
	Token string
}

func NewStaticAuthenticator(token string) *StaticAuthenticator {
	return &StaticAuthenticator{Token: token}
}

func (a *StaticAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	if a.Token == "" {
		return &Identity{UserID: r.Header.Get(HeaderUserID)}, nil
	}
	token, ok := bearerToken(r)
	if !ok {
		return nil, ErrMissingAPIKey
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.Token)) != 1 {
		return nil, ErrInvalidAPIKey
	}
	return &Identity{UserID: r.Header.Get(HeaderUserID)}, nil
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
// The scheme is case-insensitive (RFC 6750).
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) <= 7 || !strings.EqualFold(h[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	return token, token != ""
}
