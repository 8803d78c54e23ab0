// Package handler lazily builds and caches the per-database bundle of
// catalog index, policy enforcer and query orchestrator.
package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/triage-ai/semgate/internal/apperror"
	"github.com/triage-ai/semgate/internal/catalog"
	"github.com/triage-ai/semgate/internal/config"
	"github.com/triage-ai/semgate/internal/cube"
	"github.com/triage-ai/semgate/internal/governance"
	"github.com/triage-ai/semgate/internal/metrics"
	"github.com/triage-ai/semgate/internal/orchestrator"
	"github.com/triage-ai/semgate/internal/policy"
	"github.com/triage-ai/semgate/internal/policy/rules"
	"github.com/triage-ai/semgate/internal/registry"
	"github.com/triage-ai/semgate/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Handler is the ready-to-serve bundle for one database.
type Handler struct {
	Database     registry.Database
	Settings     config.DatabaseSettings
	Client       *cube.Client
	Catalog      *catalog.Index
	Enforcer     *policy.Enforcer
	Orchestrator *orchestrator.Orchestrator

	governanceRev string
	ready         atomic.Bool
}

// Ready reports whether every component finished initializing.
func (h *Handler) Ready() bool { return h != nil && h.ready.Load() }

// Registry is the lookup the cache needs. *registry.Registry satisfies it.
type Registry interface {
	Get(ctx context.Context, ref, tenantID string) (*registry.Database, error)
}

type Config struct {
	Registry   Registry
	Settings   config.DatabaseSettings // global values, overridden per database
	Governance governance.Store
	MetaCache  cube.MetaCache
	Audit      storage.EventWriter
	Metrics    *metrics.Metrics
	HTTPClient *http.Client
	// BuildTimeout bounds one initialization. Defaults to the metadata
	// timeout.
	BuildTimeout time.Duration
	Logger       *zap.Logger
}

// Cache maps storage ids to ready handlers. Concurrent first access to the
// same database shares one initialization, and a failed initialization is
// never cached. A handler is rebuilt when its database row or its
// governance document changes.
type Cache struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*Handler
	group   singleflight.Group
}

func NewCache(cfg Config) *Cache {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = cfg.Settings.MetaTimeout
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 10 * time.Second
	}
	return &Cache{cfg: cfg, logger: logger, entries: make(map[string]*Handler)}
}

// Get returns the ready handler for databaseID (storage id or, within a
// tenant, slug). The database must exist for tenantID and be active.
func (c *Cache) Get(ctx context.Context, databaseID, tenantID string) (*Handler, error) {
	db, err := c.cfg.Registry.Get(ctx, databaseID, tenantID)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, apperror.NotFound("DATABASE_NOT_FOUND", fmt.Sprintf("database %q not found", databaseID))
	}
	if !db.IsActive() {
		c.Invalidate(db.ID)
		return nil, apperror.Policy("DATABASE_NOT_ACTIVE",
			fmt.Sprintf("database %q is %s, not active", db.Slug, db.Status))
	}

	rev := c.governanceRevision(ctx, db)
	if h := c.lookup(db, rev); h != nil {
		return h, nil
	}

	key := db.ID + "@" + strconv.FormatInt(db.UpdatedAt.UnixNano(), 10) + "@" + rev
	v, err, shared := c.group.Do(key, func() (any, error) {
		if h := c.lookup(db, rev); h != nil {
			return h, nil
		}
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.BuildTimeout)
		defer cancel()

		start := time.Now()
		h, err := c.build(buildCtx, db, rev)
		if err != nil {
			c.cfg.Metrics.ObserveHandlerBuild("error")
			c.logger.Warn("handler initialization failed",
				zap.String("database_id", db.ID),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)
			return nil, err
		}

		c.mu.Lock()
		c.entries[db.ID] = h
		n := len(c.entries)
		c.mu.Unlock()

		c.cfg.Metrics.ObserveHandlerBuild("ok")
		c.cfg.Metrics.SetHandlersCached(n)
		c.logger.Info("handler initialized",
			zap.String("database_id", db.ID),
			zap.String("tenant_id", db.TenantID),
			zap.Duration("elapsed", time.Since(start)),
		)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("joined in-flight handler initialization", zap.String("database_id", db.ID))
	}
	return v.(*Handler), nil
}

// lookup returns the cached handler when it is ready and was built from
// the same revision of db and of its governance document.
func (c *Cache) lookup(db *registry.Database, governanceRev string) *Handler {
	c.mu.RLock()
	h := c.entries[db.ID]
	c.mu.RUnlock()
	if h.Ready() && h.Database.UpdatedAt.Equal(db.UpdatedAt) && h.governanceRev == governanceRev {
		return h
	}
	return nil
}

// governanceRevision reads the current document revision. When the store
// cannot be reached the cached handler's revision is returned so it keeps
// serving.
func (c *Cache) governanceRevision(ctx context.Context, db *registry.Database) string {
	if c.cfg.Governance == nil {
		return ""
	}
	rev, err := c.cfg.Governance.Revision(ctx, db.TenantID, db.ID)
	if err == nil {
		return rev
	}
	c.logger.Warn("governance revision check failed",
		zap.String("database_id", db.ID),
		zap.Error(err),
	)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h := c.entries[db.ID]; h != nil {
		return h.governanceRev
	}
	return ""
}

func (c *Cache) build(ctx context.Context, db *registry.Database, governanceRev string) (*Handler, error) {
	settings := c.cfg.Settings.With(config.Overrides{
		CubeAPIURL:      db.CubeAPIURL,
		JWTSecret:       db.JWTSecret,
		MaxLimit:        db.MaxLimit,
		DenyMembers:     db.DenyMembers,
		DefaultSegments: db.DefaultSegments,
		ReturnSQL:       db.ReturnSQL,
	})
	if settings.CubeAPIURL == "" || settings.CubeAPISecret == "" {
		return nil, apperror.Configuration(fmt.Sprintf("database %q has no semantic layer URL or secret", db.ID))
	}

	logger := c.logger.With(zap.String("database_id", db.ID))
	client := cube.NewClient(cube.ClientConfig{
		BaseURL:      settings.CubeAPIURL,
		Secret:       settings.CubeAPISecret,
		DatabaseID:   db.ID,
		HTTPClient:   c.cfg.HTTPClient,
		MetaCache:    c.cfg.MetaCache,
		MetaTimeout:  settings.MetaTimeout,
		QueryTimeout: settings.QueryTimeout,
		Logger:       logger,
	})

	idx := catalog.New(catalog.Config{
		TenantID:        db.TenantID,
		DatabaseID:      db.ID,
		Meta:            client,
		Governance:      c.cfg.Governance,
		DefaultSegments: settings.DefaultSegments,
		Logger:          logger,
	})
	if err := idx.Initialize(ctx); err != nil {
		return nil, err
	}

	enforcer := policy.NewEnforcer(rules.Default(), idx, policy.Settings{
		MaxLimit:    settings.MaxLimit,
		DenyMembers: settings.DenyMembers,
		ReturnSQL:   settings.ReturnSQL,
	}, logger)

	h := &Handler{
		Database:      *db,
		Settings:      settings,
		Client:        client,
		Catalog:       idx,
		Enforcer:      enforcer,
		governanceRev: governanceRev,
		Orchestrator: orchestrator.New(orchestrator.Config{
			TenantID:   db.TenantID,
			DatabaseID: db.ID,
			Engine:     client,
			Policy:     enforcer,
			Audit:      c.cfg.Audit,
			Metrics:    c.cfg.Metrics,
			Logger:     logger,
		}),
	}
	h.ready.Store(true)
	return h, nil
}

// Invalidate drops the handler for a storage id.
func (c *Cache) Invalidate(databaseID string) {
	c.mu.Lock()
	_, ok := c.entries[databaseID]
	delete(c.entries, databaseID)
	n := len(c.entries)
	c.mu.Unlock()
	if ok {
		c.cfg.Metrics.SetHandlersCached(n)
		c.logger.Info("handler evicted", zap.String("database_id", databaseID))
	}
}

// InvalidateAll drops every cached handler.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]*Handler)
	c.mu.Unlock()
	c.cfg.Metrics.SetHandlersCached(0)
}

// Len returns the number of cached handlers.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
