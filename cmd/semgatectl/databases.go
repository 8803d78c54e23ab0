package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/triage-ai/semgate/internal/config"
	"github.com/triage-ai/semgate/internal/registry"
)

// databasesCmd represents the databases command
var databasesCmd = &cobra.Command{
	Use:     "databases",
	Aliases: []string{"db"},
	Short:   "Manage database configurations",
}

var createDatabaseFlags struct {
	slug            string
	name            string
	description     string
	status          string
	cubeURL         string
	jwtSecret       string
	connection      string
	maxLimit        int
	denyMembers     string
	defaultSegments string
	returnSQL       bool
}

var createDatabaseCmd = &cobra.Command{
	Use:   "create [id]",
	Short: "Register a database configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := createDatabaseFlags
		p := registry.CreateParams{
			ID:              args[0],
			Slug:            f.slug,
			TenantID:        tenantID,
			Name:            f.name,
			Description:     f.description,
			Status:          registry.Status(f.status),
			CubeAPIURL:      f.cubeURL,
			JWTSecret:       f.jwtSecret,
			DenyMembers:     config.SplitList(f.denyMembers),
			DefaultSegments: config.SplitList(f.defaultSegments),
			ReturnSQL:       f.returnSQL,
		}
		if f.connection != "" {
			if !json.Valid([]byte(f.connection)) {
				return fmt.Errorf("--connection must be a JSON object")
			}
			p.Connection = json.RawMessage(f.connection)
		}
		if cmd.Flags().Changed("max-limit") {
			p.MaxLimit = &f.maxLimit
		}
		return withRegistry(cmd.Context(), func(reg *registry.Registry) error {
			d, err := reg.Create(cmd.Context(), p)
			if err != nil {
				return err
			}
			return printJSON(cmd, d)
		})
	},
}

var listDatabasesCmd = &cobra.Command{
	Use:   "list",
	Short: "List database configurations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd.Context(), func(reg *registry.Registry) error {
			dbs, err := reg.List(cmd.Context(), tenantID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSLUG\tNAME\tSTATUS\tUPDATED")
			for _, d := range dbs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Slug, d.Name, d.Status, d.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		})
	},
}

var getDatabaseCmd = &cobra.Command{
	Use:   "get [id-or-slug]",
	Short: "Show a database configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd.Context(), func(reg *registry.Registry) error {
			d, err := reg.Get(cmd.Context(), args[0], tenantID)
			if err != nil {
				return err
			}
			if d == nil {
				return fmt.Errorf("database %q not found", args[0])
			}
			return printJSON(cmd, d)
		})
	},
}

var statusLastError string

var statusDatabaseCmd = &cobra.Command{
	Use:   "status [id-or-slug] [initializing|active|inactive|error]",
	Short: "Change a database's lifecycle status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd.Context(), func(reg *registry.Registry) error {
			ok, err := reg.UpdateStatus(cmd.Context(), args[0], registry.Status(args[1]), statusLastError, tenantID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("database %q not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", args[0], args[1])
			return nil
		})
	},
}

var deleteDatabaseCmd = &cobra.Command{
	Use:   "delete [id-or-slug]",
	Short: "Delete an inactive database configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd.Context(), func(reg *registry.Registry) error {
			ok, err := reg.Delete(cmd.Context(), args[0], tenantID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("database %q not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		})
	},
}

func init() {
	f := createDatabaseCmd.Flags()
	f.StringVar(&createDatabaseFlags.slug, "slug", "", "User-facing slug (defaults to the id)")
	f.StringVar(&createDatabaseFlags.name, "name", "", "Display name")
	f.StringVar(&createDatabaseFlags.description, "description", "", "Description")
	f.StringVar(&createDatabaseFlags.status, "status", "", "Initial status (defaults to inactive)")
	f.StringVar(&createDatabaseFlags.cubeURL, "cube-url", "", "Semantic layer API URL override")
	f.StringVar(&createDatabaseFlags.jwtSecret, "jwt-secret", "", "Semantic layer signing secret override")
	f.StringVar(&createDatabaseFlags.connection, "connection", "", "Connection settings as a JSON object")
	f.IntVar(&createDatabaseFlags.maxLimit, "max-limit", 0, "Row limit override")
	f.StringVar(&createDatabaseFlags.denyMembers, "deny-members", "", "Comma separated members denied on this database")
	f.StringVar(&createDatabaseFlags.defaultSegments, "default-segments", "", "Comma separated segments applied to every query")
	f.BoolVar(&createDatabaseFlags.returnSQL, "return-sql", false, "Include generated SQL in query results")

	statusDatabaseCmd.Flags().StringVar(&statusLastError, "last-error", "", "Error message recorded with the error status")

	databasesCmd.AddCommand(createDatabaseCmd, listDatabasesCmd, getDatabaseCmd, statusDatabaseCmd, deleteDatabaseCmd)
}
