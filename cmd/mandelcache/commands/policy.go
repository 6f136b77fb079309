package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect admission policies",
		Long: `Admission policies are Rego modules evaluated against the plan of every generate
request. Built-in policies enforce the budgets under policy.limits in the configuration;
more can be loaded from policy.paths.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			if rt.policy == nil {
				return fmt.Errorf("admission policies are disabled in the configuration")
			}

			policies := rt.policy.ListPolicies()
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), policies)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
			for _, p := range policies {
				source := p.Source
				if p.Builtin {
					source = "builtin"
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, source, p.Description)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			limits := rt.policy.Limits()
			fmt.Fprintf(cmd.OutOrStdout(), "\nLimits: max_work=%d max_arbitrary_work=%d max_iterations=%d max_pixels=%d\n",
				limits.MaxWork, limits.MaxArbitraryWork, limits.MaxIterations, limits.MaxPixels)
			return nil
		},
	}
}
