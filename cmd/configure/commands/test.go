package commands

import (
	"fmt"

	"github.com/benvon/picklepal/internal/config"
	"github.com/benvon/picklepal/internal/database"
	"github.com/benvon/picklepal/internal/services/oidc"
	"github.com/spf13/cobra"
)

// NewTestCmd creates the test command
func NewTestCmd() *cobra.Command {
	var provider string

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Test OIDC configuration",
		Long:  "Resolve the provider's JWKS the way the server does and report the signing keys it serves",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withDB(ctx, func(cfg *config.Config, db *database.DB) error {
				name := provider
				if name == "" {
					name = cfg.OIDCProvider
				}
				p := oidc.NewProvider(database.NewOIDCConfigRepository(db), name, oidc.NewJWKSManager(nil))

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Testing OIDC configuration for provider: %s\n", name)
				jwksURL, set, err := p.ResolveJWKS(ctx)
				if jwksURL != "" {
					fmt.Fprintf(out, "JWKS endpoint: %s\n", jwksURL)
				}
				if err != nil {
					return fmt.Errorf("JWKS check failed: %w", err)
				}
				if set.Len() == 0 {
					return fmt.Errorf("JWKS endpoint serves no keys")
				}
				for i := 0; i < set.Len(); i++ {
					key, _ := set.Key(i)
					fmt.Fprintf(out, "  - kid=%s kty=%s alg=%s\n", key.KeyID(), key.KeyType(), key.Algorithm())
				}
				fmt.Fprintln(out, "OIDC configuration test passed")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "Provider name to test (defaults to OIDC_PROVIDER)")

	return cmd
}
