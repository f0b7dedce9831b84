package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lydakis/cws/internal/policy"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the workspace policy",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newPolicyCheckCmd())
	return cmd
}

func newPolicyCheckCmd() *cobra.Command {
	var workspace string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the policy file and print the effective policy",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := policy.Load(workspace)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			source := cfg.Source
			if source == "" {
				source = "none (defaults apply)"
			}
			fmt.Fprintf(out, "# workspace: %s\n# policy file: %s\n", cfg.WorkspaceRoot, source)
			return cfg.WriteTOML(out)
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".", "workspace root directory")
	return cmd
}
