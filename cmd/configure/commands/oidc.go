package commands

import (
	"fmt"
	"strings"

	"github.com/benvon/picklepal/internal/config"
	"github.com/benvon/picklepal/internal/database"
	"github.com/benvon/picklepal/internal/models"
	"github.com/spf13/cobra"
)

// NewOIDCCmd creates the OIDC configuration command
func NewOIDCCmd() *cobra.Command {
	var issuer, clientID, jwksURL string

	cmd := &cobra.Command{
		Use:   "oidc <provider-name>",
		Short: "Configure the identity provider bearer tokens are verified against",
		Long:  "Configure an OIDC provider. Provider name can be any identifier (e.g., 'supabase', 'cognito', 'auth0') and must match OIDC_PROVIDER on the server. Tokens must carry the client ID as audience.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := strings.TrimSpace(args[0])
			if provider == "" {
				return fmt.Errorf("provider name cannot be empty")
			}
			if issuer == "" || clientID == "" {
				return fmt.Errorf("required flags: --issuer, --client-id (--jwks-url is optional and discovered from the issuer when omitted)")
			}

			oc := &models.OIDCConfig{
				Provider: provider,
				Issuer:   strings.TrimRight(issuer, "/"),
				ClientID: clientID,
			}
			if jwksURL != "" {
				oc.JWKSUrl = &jwksURL
			}

			ctx := cmd.Context()
			return withDB(ctx, func(_ *config.Config, db *database.DB) error {
				if err := database.NewOIDCConfigRepository(db).Upsert(ctx, oc); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved OIDC configuration for provider: %s\n", provider)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&issuer, "issuer", "", "OIDC issuer URL (required)")
	cmd.Flags().StringVar(&clientID, "client-id", "", "Client ID expected as the token audience (required)")
	cmd.Flags().StringVar(&jwksURL, "jwks-url", "", "JWKS URL (optional, discovered from the issuer when omitted)")

	return cmd
}
