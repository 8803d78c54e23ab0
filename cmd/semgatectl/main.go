package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/triage-ai/semgate/internal/governance"
	"github.com/triage-ai/semgate/internal/logging"
	"github.com/triage-ai/semgate/internal/registry"
	"go.uber.org/zap"
)

var (
	postgresDSN   string
	clickhouseDSN string
	governanceDir string
	tenantID      string
	logLevel      string

	logger = zap.NewNop()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "semgatectl",
	Short:         "Administer the semantic gateway",
	Long:          "Manage database configurations, tenants, governance documents and API keys for the semantic gateway.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = logging.MustBuild(logLevel, "")
	},
}

func init() {
	_ = godotenv.Load() // .env is optional

	rootCmd.PersistentFlags().StringVar(&postgresDSN, "postgres-dsn", os.Getenv("POSTGRES_DSN"), "Postgres connection string")
	rootCmd.PersistentFlags().StringVar(&clickhouseDSN, "clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string")
	rootCmd.PersistentFlags().StringVar(&governanceDir, "governance-dir", os.Getenv("SEMGATE_GOVERNANCE_DIR"), "Directory of governance documents, used without Postgres")
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", "", "Tenant id; empty for single-tenant mode")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "error", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(scopeCmd, databasesCmd, tenantsCmd, catalogCmd, keysCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// scopeCmd prints the storage id a slug maps to for the selected tenant.
var scopeCmd = &cobra.Command{
	Use:   "scope [slug]",
	Short: "Print the scoped database id for a slug",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !registry.ValidDatabaseSlug(args[0]) {
			return fmt.Errorf("invalid database slug %q", args[0])
		}
		fmt.Fprintln(cmd.OutOrStdout(), registry.ScopeDatabaseID(args[0], tenantID))
		return nil
	},
}

func openPostgres(ctx context.Context) (*sql.DB, error) {
	if postgresDSN == "" {
		return nil, fmt.Errorf("--postgres-dsn or POSTGRES_DSN is required")
	}
	db, err := sql.Open("pgx", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// withRegistry opens the registry for the duration of fn.
func withRegistry(ctx context.Context, fn func(*registry.Registry) error) error {
	db, err := openPostgres(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return fn(registry.New(registry.Config{DB: db, Logger: logger}))
}

// withGovernance opens the governance store and resolves ref to the
// (tenant, storage id) pair documents are keyed by.
func withGovernance(ctx context.Context, ref string, fn func(store governance.Store, dbID string) error) error {
	if postgresDSN == "" {
		if governanceDir == "" {
			return fmt.Errorf("either --postgres-dsn or --governance-dir is required")
		}
		return fn(governance.NewFileStore(governanceDir), registry.ScopeDatabaseID(ref, tenantID))
	}
	db, err := openPostgres(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	d, err := registry.New(registry.Config{DB: db, Logger: logger}).Get(ctx, ref, tenantID)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("database %q not found", ref)
	}
	return fn(governance.NewPostgresStore(db), d.ID)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
