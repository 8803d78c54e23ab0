package registry

import (
	"context"
	"errors"
)

// ErrConflict is returned by a Store when a unique key is already taken.
var ErrConflict = errors.New("registry: unique constraint violated")

// Store abstracts persistence for testability. Every tenantID argument is a
// filter: empty matches any row, non-empty matches only rows owned by that
// tenant. Lookups return (nil, nil) when nothing matches.
type Store interface {
	InsertDatabase(ctx context.Context, d *Database) (*Database, error)
	GetDatabase(ctx context.Context, id, tenantID string) (*Database, error)
	GetDatabaseBySlug(ctx context.Context, slug, tenantID string) (*Database, error)
	ListDatabases(ctx context.Context, tenantID string, activeOnly bool) ([]*Database, error)
	UpdateDatabase(ctx context.Context, id, tenantID string, p UpdateParams) (*Database, error)
	UpdateDatabaseStatus(ctx context.Context, id, tenantID string, status Status, lastError string) (bool, error)
	// DeleteDatabase removes the row unless it is active. It reports
	// whether a row was removed.
	DeleteDatabase(ctx context.Context, id, tenantID string) (bool, error)

	InsertTenant(ctx context.Context, t *Tenant) (*Tenant, error)
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	GetTenantByExternalID(ctx context.Context, externalID string) (*Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (*Tenant, error)
	UpdateTenantSlug(ctx context.Context, id, slug string) (*Tenant, error)
}
