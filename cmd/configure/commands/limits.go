package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/benvon/picklepal/internal/config"
	"github.com/benvon/picklepal/internal/database"
	"github.com/benvon/picklepal/internal/models"
	"github.com/spf13/cobra"
	"github.com/ulule/limiter/v3"
)

// NewLimitsCmd creates the gateway limits command with show and set subcommands.
func NewLimitsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Manage moderation quotas and the edge rate",
		Long:  "Show or update the per-user chat quotas, the violation cooldown and the per-IP edge rate. Running servers pick up changes within a minute.",
	}
	cmd.AddCommand(newLimitsShowCmd())
	cmd.AddCommand(newLimitsSetCmd())
	return cmd
}

func newLimitsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the stored limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(_ *config.Config, db *database.DB) error {
				c, err := database.NewGatewayLimitsRepository(db).Get(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if c == nil {
					fmt.Fprintln(out, "No limits stored; servers use their environment defaults. Use 'limits set' to add them.")
					return nil
				}
				fmt.Fprintln(out, "Gateway limits:")
				fmt.Fprintf(out, "  Per minute: %d\n", c.PerMinute)
				fmt.Fprintf(out, "  Per day:    %d\n", c.PerDay)
				fmt.Fprintf(out, "  Cooldown:   %s\n", time.Duration(c.CooldownSeconds)*time.Second)
				fmt.Fprintf(out, "  Edge rate:  %s\n", c.EdgeRate)
				fmt.Fprintf(out, "  Updated:    %s\n", c.UpdatedAt.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func newLimitsSetCmd() *cobra.Command {
	var perMinute, perDay int
	var cooldown time.Duration
	var edgeRate string

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store new limits",
		Long:  "Store the limits. Flags left unset keep their stored value, or the default when nothing is stored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withDB(ctx, func(cfg *config.Config, db *database.DB) error {
				repo := database.NewGatewayLimitsRepository(db)
				current, err := repo.Get(ctx)
				if err != nil {
					return err
				}
				if current == nil {
					current = &models.GatewayLimits{
						PerMinute:       cfg.PerUserMinuteLimit,
						PerDay:          cfg.PerUserDailyLimit,
						CooldownSeconds: int(cfg.ViolationCooldown / time.Second),
						EdgeRate:        cfg.EdgeRate,
					}
				}
				next, err := mergeLimits(current, cmd, perMinute, perDay, cooldown, edgeRate)
				if err != nil {
					return err
				}
				if err := repo.Set(ctx, next); err != nil {
					return fmt.Errorf("set gateway limits: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Gateway limits updated.")
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&perMinute, "per-minute", 0, "Chat messages per user per minute")
	cmd.Flags().IntVar(&perDay, "per-day", 0, "Chat messages per user per day")
	cmd.Flags().DurationVar(&cooldown, "cooldown", 0, "Cooldown after a content violation (e.g. 60s)")
	cmd.Flags().StringVar(&edgeRate, "edge-rate", "", "Per-IP edge rate (e.g. 5-S, 100-M, 1000-H)")
	return cmd
}

// mergeLimits applies the flags the user actually set over current and validates the result
func mergeLimits(current *models.GatewayLimits, cmd *cobra.Command, perMinute, perDay int, cooldown time.Duration, edgeRate string) (*models.GatewayLimits, error) {
	next := *current
	flags := cmd.Flags()
	if flags.Changed("per-minute") {
		next.PerMinute = perMinute
	}
	if flags.Changed("per-day") {
		next.PerDay = perDay
	}
	if flags.Changed("cooldown") {
		next.CooldownSeconds = int(cooldown / time.Second)
	}
	if flags.Changed("edge-rate") {
		next.EdgeRate = strings.TrimSpace(edgeRate)
	}
	if _, err := limiter.NewRateFromFormatted(next.EdgeRate); err != nil {
		return nil, fmt.Errorf("invalid edge rate %q (expected e.g. 5-S, 100-M): %w", next.EdgeRate, err)
	}
	if err := database.ValidateGatewayLimits(&next); err != nil {
		return nil, err
	}
	return &next, nil
}

