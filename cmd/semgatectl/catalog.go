package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/triage-ai/semgate/internal/config"
	"github.com/triage-ai/semgate/internal/governance"
	"gopkg.in/yaml.v3"
)

// catalogCmd represents the catalog command
var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage per-database governance documents",
}

var showCatalogCmd = &cobra.Command{
	Use:   "show [database]",
	Short: "Print the governance document as YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGovernance(cmd.Context(), args[0], func(store governance.Store, dbID string) error {
			doc, err := store.Load(cmd.Context(), tenantID, dbID)
			if err != nil {
				return err
			}
			if doc == nil {
				doc = governance.Default()
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer func() { _ = enc.Close() }()
			return enc.Encode(doc)
		})
	},
}

var applyCatalogFile string

var applyCatalogCmd = &cobra.Command{
	Use:   "apply [database]",
	Short: "Replace the governance document from a JSON or YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(applyCatalogFile)
		if err != nil {
			return err
		}
		doc, err := governance.Parse(raw)
		if err != nil {
			return err
		}
		return withGovernance(cmd.Context(), args[0], func(store governance.Store, dbID string) error {
			if err := store.Save(cmd.Context(), tenantID, dbID, doc); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved governance for %s (%d member overrides)\n", dbID, len(doc.Members))
			return nil
		})
	},
}

var overrideFlags struct {
	exposed        bool
	pii            bool
	requiresTime   bool
	description    string
	allowedGroupBy string
	deniedGroupBy  string
}

var setOverrideCmd = &cobra.Command{
	Use:   "set-override [database] [member]",
	Short: "Set governance for one member",
	Long: "Set governance for one member. Only the flags given are recorded; " +
		"a member left with no settings has its override removed.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		var o governance.Override
		if flags.Changed("exposed") {
			o.Exposed = governance.Bool(overrideFlags.exposed)
		}
		if flags.Changed("pii") {
			o.PII = governance.Bool(overrideFlags.pii)
		}
		if flags.Changed("requires-time-dimension") {
			o.RequiresTimeDimension = governance.Bool(overrideFlags.requiresTime)
		}
		if flags.Changed("description") {
			o.Description = governance.String(overrideFlags.description)
		}
		o.AllowedGroupBy = config.SplitList(overrideFlags.allowedGroupBy)
		o.DeniedGroupBy = config.SplitList(overrideFlags.deniedGroupBy)

		return withGovernance(cmd.Context(), args[0], func(store governance.Store, dbID string) error {
			doc, err := store.ApplyOverride(cmd.Context(), tenantID, dbID, args[1], o)
			if err != nil {
				return err
			}
			if _, ok := doc.Override(args[1]); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "override for %s saved\n", args[1])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "override for %s removed\n", args[1])
			}
			return nil
		})
	},
}

func init() {
	applyCatalogCmd.Flags().StringVarP(&applyCatalogFile, "file", "f", "", "Governance document to apply")
	_ = applyCatalogCmd.MarkFlagRequired("file")

	f := setOverrideCmd.Flags()
	f.BoolVar(&overrideFlags.exposed, "exposed", true, "Whether the member is visible to agents")
	f.BoolVar(&overrideFlags.pii, "pii", false, "Whether the member holds personal data")
	f.BoolVar(&overrideFlags.requiresTime, "requires-time-dimension", false, "Whether queries using the member need a time dimension")
	f.StringVar(&overrideFlags.description, "description", "", "Description shown instead of the model's own")
	f.StringVar(&overrideFlags.allowedGroupBy, "allowed-group-by", "", "Comma separated dimensions the member may be grouped by")
	f.StringVar(&overrideFlags.deniedGroupBy, "denied-group-by", "", "Comma separated dimensions the member may not be grouped by")

	catalogCmd.AddCommand(showCatalogCmd, applyCatalogCmd, setOverrideCmd)
}
