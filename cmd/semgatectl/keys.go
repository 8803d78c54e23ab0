package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/triage-ai/semgate/internal/auth"
)

// keysCmd represents the keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
}

var keyFlags struct {
	userID  string
	orgRole string
}

var createKeyCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue an API key for the tenant given by --tenant",
	Long:  "Issue an API key. The raw key is printed once and only its hash is stored.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tenantID == "" {
			return fmt.Errorf("--tenant is required")
		}
		db, err := openPostgres(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		raw, err := auth.IssueKey(cmd.Context(), auth.NewSQLKeyStore(db), tenantID, keyFlags.userID, keyFlags.orgRole)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), raw)
		return nil
	},
}

func init() {
	createKeyCmd.Flags().StringVar(&keyFlags.userID, "user", "", "User id recorded on audit events")
	createKeyCmd.Flags().StringVar(&keyFlags.orgRole, "role", "member", "Organization role")
	keysCmd.AddCommand(createKeyCmd)
}
