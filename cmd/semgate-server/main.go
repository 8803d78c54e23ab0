package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/triage-ai/semgate/internal/api"
	"github.com/triage-ai/semgate/internal/auth"
	"github.com/triage-ai/semgate/internal/chread"
	"github.com/triage-ai/semgate/internal/config"
	"github.com/triage-ai/semgate/internal/cube"
	"github.com/triage-ai/semgate/internal/governance"
	"github.com/triage-ai/semgate/internal/handler"
	"github.com/triage-ai/semgate/internal/logging"
	"github.com/triage-ai/semgate/internal/metrics"
	"github.com/triage-ai/semgate/internal/registry"
	"github.com/triage-ai/semgate/internal/storage"
	"github.com/triage-ai/semgate/internal/tools"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

const healthService = "semgate.v1.Gateway"

// defaultDatabaseID names the database registered at startup when the
// process runs without Postgres.
const defaultDatabaseID = "default"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "semgate-server: %v\n", err)
		os.Exit(1)
	}

	logger := logging.MustBuild(cfg.LogLevel, cfg.LogFile)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting semgate server",
		zap.String("http_port", cfg.HTTPPort),
		zap.String("health_port", cfg.HealthPort),
		zap.String("auth_mode", cfg.AuthMode),
		zap.Int("max_limit", cfg.MaxLimit),
	)

	ctx := context.Background()

	// Postgres backs the registry, governance and API keys; in-memory otherwise
	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = openPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		logger.Info("postgres connected")
	} else {
		logger.Info("no POSTGRES_DSN set, using in-memory registry")
	}

	reg := registry.New(registry.Config{
		DB:       db,
		CacheTTL: cfg.DBCacheTTL(),
		Logger:   logger,
	})
	if db == nil {
		if _, err := reg.Create(ctx, registry.CreateParams{
			ID:     defaultDatabaseID,
			Name:   "Default",
			Status: registry.StatusActive,
		}); err != nil {
			logger.Fatal("failed to register default database", zap.Error(err))
		}
	}

	var gov governance.Store
	switch {
	case db != nil:
		gov = governance.NewPostgresStore(db)
	case cfg.GovernanceDir != "":
		gov = governance.NewFileStore(cfg.GovernanceDir)
		logger.Info("governance documents read from disk", zap.String("dir", cfg.GovernanceDir))
	default:
		gov = governance.NewMemoryStore()
	}

	// Audit: ClickHouse or LogWriter fallback
	var (
		writer storage.EventWriter
		reader *chread.Reader
	)
	if cfg.ClickHouseDSN != "" {
		conn, err := openClickHouse(ctx, cfg.ClickHouseDSN)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			writer = storage.NewLogWriter(logger)
		} else {
			writer = storage.NewClickHouseWriter(conn, logger)
			reader = chread.NewReader(conn, logger)
			logger.Info("clickhouse audit store connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}

	// Metadata cache: Redis when configured. Without it each handler build
	// fetches metadata from the engine and the handler keeps its own copy.
	var metaCache cube.MetaCache
	if cfg.RedisURL != "" {
		rc, err := cube.NewRedisMetaCache(ctx, cfg.RedisURL, cfg.MetaCacheTTL())
		if err != nil {
			logger.Warn("redis connection failed, metadata not shared across handlers", zap.Error(err))
		} else {
			defer func() { _ = rc.Close() }()
			metaCache = rc
			logger.Info("redis metadata cache connected")
		}
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	handlers := handler.NewCache(handler.Config{
		Registry:   reg,
		Settings:   cfg.Settings(),
		Governance: gov,
		MetaCache:  metaCache,
		Audit:      writer,
		Metrics:    m,
		Logger:     logger,
	})

	svc, err := tools.NewService(handlers, m, logger)
	if err != nil {
		logger.Fatal("failed to compile tool schemas", zap.Error(err))
	}

	var authenticator auth.Authenticator
	switch cfg.AuthMode {
	case "apikey":
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: cfg.AuthCacheTTL(),
			Logger:   logger,
		})
		logger.Info("using api key authenticator")
	case "header":
		authenticator = auth.NewHeaderAuthenticator(reg)
		logger.Info("using trusted header authenticator")
	default:
		authenticator = auth.NewStaticAuthenticator(cfg.StaticToken)
		if cfg.StaticToken == "" {
			logger.Warn("static auth without SEMGATE_STATIC_TOKEN, all requests accepted")
		}
	}

	deps := &api.Dependencies{
		Tools:       svc,
		Auth:        authenticator,
		Databases:   reg,
		Metrics:     m,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	}
	if reader != nil {
		deps.Reader = reader
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.QueryTimeout() + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// gRPC health endpoint for orchestrator health checks
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+cfg.HealthPort)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", cfg.HealthPort), zap.Error(err))
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc health server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", zap.Error(err))
		}
		grpcServer.GracefulStop()
	}()

	logger.Info("semgate server listening",
		zap.String("addr", httpServer.Addr),
		zap.String("health_addr", lis.Addr().String()),
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server failed", zap.Error(err))
	}
	<-done

	// Drain buffered audit events before the connection goes away.
	writer.Close()
	if reader != nil {
		if err := reader.Close(); err != nil {
			logger.Warn("clickhouse close failed", zap.Error(err))
		}
	}
	logger.Info("semgate server stopped", zap.Int("handlers_cached", handlers.Len()))
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func openClickHouse(ctx context.Context, dsn string) (driver.Conn, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return storage.Open(pingCtx, dsn)
}
