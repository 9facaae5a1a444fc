package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/bookflow/types"
)

var (
	flagRulesFile   string
	flagRulesOutput string
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage automation rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules in evaluation order",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.store.ListRules(ctx)
		if err != nil {
			return err
		}
		records := make([]types.RuleRecord, 0, len(list))
		for _, r := range list {
			records = append(records, r.Record())
		}

		out := cmd.OutOrStdout()
		switch flagRulesOutput {
		case "json":
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		case "yaml":
			enc := yaml.NewEncoder(out)
			defer enc.Close()
			return enc.Encode(records)
		default:
			return fmt.Errorf("unknown output format %q", flagRulesOutput)
		}
	},
}

var rulesImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import rules from a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagRulesFile == "" {
			return fmt.Errorf("--file is required")
		}
		var records []types.RuleRecord
		if err := readYAML(flagRulesFile, &records); err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		ids, err := a.importRules(ctx, records)
		for _, id := range ids {
			fmt.Fprintf(cmd.OutOrStdout(), "imported rule %d\n", id)
		}
		return err
	},
}

func parseRuleIDs(args []string) ([]uint64, error) {
	ids := make([]uint64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid rule id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete rules",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseRuleIDs(args)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, id := range ids {
			if err := a.store.DeleteRule(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted rule %d\n", id)
		}
		return nil
	},
}

// toggleCmd builds the enable and disable commands.
func toggleCmd(use, verb string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>...",
		Short: verb + " rules",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseRuleIDs(args)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, id := range ids {
				if err := a.setRuleActive(ctx, id, active); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%sd rule %d\n", use, id)
			}
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(
		rulesListCmd,
		rulesImportCmd,
		rulesDeleteCmd,
		toggleCmd("enable", "Enable", true),
		toggleCmd("disable", "Disable", false),
	)
	rulesListCmd.Flags().StringVarP(&flagRulesOutput, "output", "o", "yaml", "output format: yaml or json")
	rulesImportCmd.Flags().StringVarP(&flagRulesFile, "file", "f", "", "YAML file holding a list of rules")
}
