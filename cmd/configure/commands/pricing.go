package commands

import (
	"fmt"
	"sort"

	"github.com/benvon/picklepal/internal/config"
	"github.com/benvon/picklepal/internal/services/moderation"
	"github.com/spf13/cobra"
)

// NewPricingCmd creates the pricing command
func NewPricingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pricing",
		Short: "Inspect the pricing and moderation rule file",
	}
	cmd.AddCommand(newPricingValidateCmd())
	return cmd
}

func newPricingValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a PRICING_FILE and print the effective cost table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pf, err := config.LoadPricing(args[0])
			if err != nil {
				return err
			}
			for i, spec := range pf.ModerationRules {
				if _, err := moderation.CompileRule(spec.Category, spec.Pattern); err != nil {
					return fmt.Errorf("moderation rule %d: %w", i+1, err)
				}
			}

			out := cmd.OutOrStdout()
			types := make([]string, 0, len(pf.CostPerRequest))
			for t := range pf.CostPerRequest {
				types = append(types, t)
			}
			sort.Strings(types)
			fmt.Fprintln(out, "Cost per request (USD):")
			for _, t := range types {
				fmt.Fprintf(out, "  %-10s %.6f\n", t, pf.CostPerRequest[t])
			}
			fmt.Fprintf(out, "Extra moderation rules: %d\n", len(pf.ModerationRules))
			return nil
		},
	}
}
