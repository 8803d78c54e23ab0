// Package api exposes the tool contract and the audit log over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/rs/cors"
	"github.com/triage-ai/semgate/internal/auth"
	"github.com/triage-ai/semgate/internal/chread"
	"github.com/triage-ai/semgate/internal/metrics"
	"github.com/triage-ai/semgate/internal/registry"
	"github.com/triage-ai/semgate/internal/tools"
	"go.uber.org/zap"
)

// AuditReader reads the audit log. *chread.Reader satisfies it.
type AuditReader interface {
	ListEvents(ctx context.Context, params chread.ListEventsParams) ([]chread.EventRow, int, error)
	GetEvent(ctx context.Context, tenantID, requestID string) ([]chread.EventRow, error)
	GetAnalytics(ctx context.Context, tenantID, databaseID string, days int) (*chread.AnalyticsResult, error)
}

// DatabaseResolver maps a user-facing database reference to its record.
// *registry.Registry satisfies it.
type DatabaseResolver interface {
	Get(ctx context.Context, ref, tenantID string) (*registry.Database, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Tools       *tools.Service
	Auth        auth.Authenticator
	Databases   DatabaseResolver
	Reader      AuditReader // nil if ClickHouse unavailable
	Metrics     *metrics.Metrics
	CORSOrigins []string
	Logger      *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	// Tool contract
	mux.HandleFunc("GET /v1/databases/{database_id}/tools", deps.authMiddleware(deps.handleListTools))
	mux.HandleFunc("POST /v1/databases/{database_id}/tools/{tool}", deps.authMiddleware(deps.handleCallTool))

	// Audit log
	mux.HandleFunc("GET /api/audit/events", deps.authMiddleware(deps.handleListEvents))
	mux.HandleFunc("GET /api/audit/events/{request_id}", deps.authMiddleware(deps.handleGetEvent))
	mux.HandleFunc("GET /api/audit/analytics", deps.authMiddleware(deps.handleGetAnalytics))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", deps.Metrics.Handler())

	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", requestIDHeader,
			auth.HeaderTenantID, auth.HeaderTenantName, auth.HeaderUserID, auth.HeaderOrgRole},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         86400,
	})
	return c.Handler(requestID(requestLogging(mux, deps.Logger)))
}
