package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/triage-ai/semgate/internal/registry"
)

const (
	HeaderTenantID   = "X-Tenant-Id"
	HeaderTenantName = "X-Tenant-Name"
	HeaderUserID     = "X-User-Id"
	HeaderOrgRole    = "X-Org-Role"
)

// TenantEnsurer maps an external tenant identity to a tenant record.
// *registry.Registry satisfies it.
type TenantEnsurer interface {
	EnsureTenant(ctx context.Context, externalID, name string) (*registry.Tenant, error)
}

// HeaderAuthenticator trusts identity headers set by an upstream proxy.
// The external tenant id is mapped to a tenant, which is created on
// first sight. Requests without a tenant header run in single-tenant mode.
type HeaderAuthenticator struct {
	tenants TenantEnsurer
}

func NewHeaderAuthenticator(tenants TenantEnsurer) *HeaderAuthenticator {
	return &HeaderAuthenticator{tenants: tenants}
}

func (a *HeaderAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	id := &Identity{
		UserID:  r.Header.Get(HeaderUserID),
		OrgRole: r.Header.Get(HeaderOrgRole),
	}
	external := r.Header.Get(HeaderTenantID)
	if external == "" {
		return id, nil
	}
	t, err := a.tenants.EnsureTenant(r.Context(), external, r.Header.Get(HeaderTenantName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	id.TenantID = t.ID
	return id, nil
}
