package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/triage-ai/semgate/internal/registry"
)

// tenantsCmd represents the tenants command
var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Manage tenants",
}

var ensureTenantName string

var ensureTenantCmd = &cobra.Command{
	Use:   "ensure [external-id]",
	Short: "Create the tenant for an external id if it does not exist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd.Context(), func(reg *registry.Registry) error {
			t, err := reg.EnsureTenant(cmd.Context(), args[0], ensureTenantName)
			if err != nil {
				return err
			}
			return printJSON(cmd, t)
		})
	},
}

var getTenantCmd = &cobra.Command{
	Use:   "get [id-or-slug]",
	Short: "Show a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd.Context(), func(reg *registry.Registry) error {
			t, err := reg.GetTenant(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if t == nil {
				if t, err = reg.GetTenantBySlug(cmd.Context(), args[0]); err != nil {
					return err
				}
			}
			if t == nil {
				return fmt.Errorf("tenant %q not found", args[0])
			}
			return printJSON(cmd, t)
		})
	},
}

var setSlugCmd = &cobra.Command{
	Use:   "set-slug [tenant-id] [slug]",
	Short: "Change a tenant's slug",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd.Context(), func(reg *registry.Registry) error {
			t, err := reg.UpdateTenantSlug(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if t == nil {
				return fmt.Errorf("tenant %q not found", args[0])
			}
			return printJSON(cmd, t)
		})
	},
}

func init() {
	ensureTenantCmd.Flags().StringVar(&ensureTenantName, "name", "", "Display name for a new tenant")
	tenantsCmd.AddCommand(ensureTenantCmd, getTenantCmd, setSlugCmd)
}
