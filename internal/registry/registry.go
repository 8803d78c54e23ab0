package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/semgate/internal/apperror"
	"go.uber.org/zap"
)

// Registry is the tenant-isolated CRUD service over database
// configurations and tenants. Every tenantID argument restricts the
// operation to that tenant's rows; a row owned by another tenant behaves
// exactly as if it did not exist.
type Registry struct {
	store  Store
	cache  *DatabaseCache
	logger *zap.Logger
}

// Config configures a Registry.
type Config struct {
	DB       *sql.DB // nil selects the in-memory store
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// New creates a Registry backed by Postgres when cfg.DB is set and by
// process memory otherwise.
func New(cfg Config) *Registry {
	var store Store
	if cfg.DB != nil {
		store = NewPostgresStore(cfg.DB)
	} else {
		store = NewMemoryStore()
	}
	return NewWithStore(store, cfg.CacheTTL, cfg.Logger)
}

// NewWithStore creates a registry with a custom store.
func NewWithStore(store Store, cacheTTL time.Duration, logger *zap.Logger) *Registry {
	if cacheTTL == 0 {
		cacheTTL = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:  store,
		cache:  NewDatabaseCache(cacheTTL),
		logger: logger,
	}
}

// Create inserts a new database configuration. The slug defaults to the
// given id and the storage id is the tenant-scoped form of the id.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*Database, error) {
	base := p.ID
	if base == "" {
		base = p.Slug
	}
	slug := p.Slug
	if slug == "" {
		slug = p.ID
	}
	if !ValidDatabaseSlug(base) || !ValidDatabaseSlug(slug) {
		return nil, apperror.Validation("INVALID_DATABASE_ID",
			fmt.Sprintf("database id %q must start with a letter or digit and contain only letters, digits, '_' or '-' (max 64)", slug))
	}
	status := p.Status
	if status == "" {
		status = StatusInactive
	}
	if !status.Valid() {
		return nil, apperror.Validation("INVALID_STATUS", fmt.Sprintf("unknown status %q", status))
	}
	name := p.Name
	if name == "" {
		name = slug
	}

	d := &Database{
		ID:              ScopeDatabaseID(base, p.TenantID),
		Slug:            slug,
		TenantID:        p.TenantID,
		Name:            name,
		Description:     p.Description,
		Status:          status,
		Connection:      p.Connection,
		CubeAPIURL:      p.CubeAPIURL,
		JWTSecret:       p.JWTSecret,
		MaxLimit:        p.MaxLimit,
		DenyMembers:     p.DenyMembers,
		DefaultSegments: p.DefaultSegments,
		ReturnSQL:       p.ReturnSQL,
	}
	out, err := r.store.InsertDatabase(ctx, d)
	if errors.Is(err, ErrConflict) {
		return nil, apperror.Conflict("DATABASE_EXISTS", fmt.Sprintf("database %q already exists", slug))
	}
	if err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}
	r.cache.Forget(out.ID)

	r.logger.Info("database created",
		zap.String("database_id", out.ID),
		zap.String("tenant_id", out.TenantID),
		zap.String("status", string(out.Status)),
	)
	return out, nil
}

// Get returns the database identified by ref, or nil if none is visible to
// tenantID. Within a tenant, ref may be either the storage id or the slug.
func (r *Registry) Get(ctx context.Context, ref, tenantID string) (*Database, error) {
	cached := r.cache.Get(tenantID, ref)
	if cached.Hit {
		if cached.NeedsRefresh {
			go r.refreshInBackground(ref, tenantID)
		}
		return cached.Database, nil
	}

	d, err := r.lookup(ctx, ref, tenantID)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	if d != nil {
		r.cache.Set(tenantID, ref, d)
	}
	return d, nil
}

func (r *Registry) lookup(ctx context.Context, ref, tenantID string) (*Database, error) {
	d, err := r.store.GetDatabase(ctx, ref, tenantID)
	if err != nil || d != nil {
		return d, err
	}
	return r.store.GetDatabaseBySlug(ctx, ref, tenantID)
}

func (r *Registry) refreshInBackground(ref, tenantID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d, err := r.lookup(ctx, ref, tenantID)
	if err != nil {
		r.logger.Warn("background registry refresh failed",
			zap.String("database_ref", ref),
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return
	}
	if d == nil {
		r.cache.store.Delete(cacheKey(tenantID, ref))
		return
	}
	r.cache.Set(tenantID, ref, d)
}

// Exists reports whether ref resolves to a database visible to tenantID.
func (r *Registry) Exists(ctx context.Context, ref, tenantID string) (bool, error) {
	d, err := r.lookup(ctx, ref, tenantID)
	if err != nil {
		return false, fmt.Errorf("Exists: %w", err)
	}
	return d != nil, nil
}

// List returns all databases visible to tenantID, newest first.
func (r *Registry) List(ctx context.Context, tenantID string) ([]*Database, error) {
	out, err := r.store.ListDatabases(ctx, tenantID, false)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	return out, nil
}

// ListActive returns the active databases visible to tenantID.
func (r *Registry) ListActive(ctx context.Context, tenantID string) ([]*Database, error) {
	out, err := r.store.ListDatabases(ctx, tenantID, true)
	if err != nil {
		return nil, fmt.Errorf("ListActive: %w", err)
	}
	return out, nil
}

// Update applies a partial update. It returns nil when the database is not
// visible to tenantID.
func (r *Registry) Update(ctx context.Context, ref string, p UpdateParams, tenantID string) (*Database, error) {
	id, err := r.resolveID(ctx, ref, tenantID)
	if err != nil || id == "" {
		return nil, err
	}
	if p.MaxLimit != nil && *p.MaxLimit < 1 {
		return nil, apperror.Validation("INVALID_LIMIT", "max_limit must be at least 1")
	}
	d, err := r.store.UpdateDatabase(ctx, id, tenantID, p)
	if err != nil {
		return nil, fmt.Errorf("Update: %w", err)
	}
	r.cache.Forget(id)
	return d, nil
}

// UpdateStatus transitions the database's lifecycle state, recording
// lastError for the error state. It reports whether a row was changed.
func (r *Registry) UpdateStatus(ctx context.Context, ref string, status Status, lastError, tenantID string) (bool, error) {
	if !status.Valid() {
		return false, apperror.Validation("INVALID_STATUS", fmt.Sprintf("unknown status %q", status))
	}
	id, err := r.resolveID(ctx, ref, tenantID)
	if err != nil || id == "" {
		return false, err
	}
	ok, err := r.store.UpdateDatabaseStatus(ctx, id, tenantID, status, lastError)
	if err != nil {
		return false, fmt.Errorf("UpdateStatus: %w", err)
	}
	r.cache.Forget(id)
	if ok {
		r.logger.Info("database status changed",
			zap.String("database_id", id),
			zap.String("status", string(status)),
		)
	}
	return ok, nil
}

// Delete removes the database. An active database is never deleted: the
// call fails with a policy error and the row is left untouched. A database
// not visible to tenantID yields (false, nil).
func (r *Registry) Delete(ctx context.Context, ref, tenantID string) (bool, error) {
	id, err := r.resolveID(ctx, ref, tenantID)
	if err != nil || id == "" {
		return false, err
	}
	deleted, err := r.store.DeleteDatabase(ctx, id, tenantID)
	if err != nil {
		return false, fmt.Errorf("Delete: %w", err)
	}
	r.cache.Forget(id)
	if deleted {
		r.logger.Info("database deleted", zap.String("database_id", id))
		return true, nil
	}

	// Distinguish "refused because active" from "vanished concurrently".
	cur, err := r.store.GetDatabase(ctx, id, tenantID)
	if err != nil {
		return false, fmt.Errorf("Delete: %w", err)
	}
	if cur.IsActive() {
		return false, apperror.Policy("DATABASE_ACTIVE",
			fmt.Sprintf("database %q is active; deactivate it before deleting", cur.Slug))
	}
	return false, nil
}

func (r *Registry) resolveID(ctx context.Context, ref, tenantID string) (string, error) {
	d, err := r.lookup(ctx, ref, tenantID)
	if err != nil {
		return "", fmt.Errorf("resolveID: %w", err)
	}
	if d == nil {
		return "", nil
	}
	return d.ID, nil
}
