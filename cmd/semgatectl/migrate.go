package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/triage-ai/semgate/internal/registry"
	"github.com/triage-ai/semgate/internal/storage"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the Postgres and ClickHouse tables",
	Long:  "Create the registry tables in Postgres and, when a ClickHouse DSN is given, the audit table.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openPostgres(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		if err := registry.Migrate(ctx, db); err != nil {
			return err
		}
		logger.Info("postgres schema applied")
		fmt.Fprintln(cmd.OutOrStdout(), "postgres: ok")

		if clickhouseDSN == "" {
			return nil
		}
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		conn, err := storage.Open(openCtx, clickhouseDSN)
		if err != nil {
			return err
		}
		defer func() { _ = conn.Close() }()
		if err := storage.Migrate(ctx, conn); err != nil {
			return err
		}
		logger.Info("clickhouse schema applied", zap.String("table", "query_audit_events"))
		fmt.Fprintln(cmd.OutOrStdout(), "clickhouse: ok")
		return nil
	},
}
