package commands

import (
	"fmt"

	"github.com/benvon/picklepal/internal/config"
	"github.com/benvon/picklepal/internal/database"
	"github.com/spf13/cobra"
)

// NewListCmd creates the list command
func NewListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured OIDC providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withDB(ctx, func(_ *config.Config, db *database.DB) error {
				configs, err := database.NewOIDCConfigRepository(db).List(ctx)
				if err != nil {
					return fmt.Errorf("failed to list OIDC configs: %w", err)
				}

				out := cmd.OutOrStdout()
				if len(configs) == 0 {
					fmt.Fprintln(out, "No OIDC providers configured")
					return nil
				}
				fmt.Fprintln(out, "Configured OIDC providers:")
				for _, c := range configs {
					fmt.Fprintf(out, "  - Provider: %s\n", c.Provider)
					fmt.Fprintf(out, "    Issuer: %s\n", c.Issuer)
					fmt.Fprintf(out, "    Client ID: %s\n", c.ClientID)
					if c.JWKSUrl != nil {
						fmt.Fprintf(out, "    JWKS URL: %s\n", *c.JWKSUrl)
					} else {
						fmt.Fprintln(out, "    JWKS URL: (discovered)")
					}
					fmt.Fprintln(out)
				}
				return nil
			})
		},
	}
}
