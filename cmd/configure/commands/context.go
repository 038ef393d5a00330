package commands

import (
	"encoding/json"
	"fmt"

	"github.com/benvon/picklepal/internal/database"
	"github.com/benvon/picklepal/internal/services/memory"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// NewContextCmd creates the user context maintenance command
func NewContextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Prune, export or clear remembered user context",
	}
	cmd.AddCommand(newContextPruneCmd())
	cmd.AddCommand(newContextExportCmd())
	cmd.AddCommand(newContextClearCmd())
	return cmd
}

func newContextPruneCmd() *cobra.Command {
	var userID string
	var all bool
	var days int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove context entries older than --days",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 0 {
				return fmt.Errorf("--days must not be negative")
			}
			if all == (userID != "") {
				return fmt.Errorf("exactly one of --user or --all is required")
			}
			ctx := cmd.Context()
			return withContextStore(ctx, func(store *memory.Store, db *database.DB) error {
				var ids []uuid.UUID
				if all {
					listed, err := database.NewUserRepository(db).ListIDs(ctx)
					if err != nil {
						return err
					}
					ids = listed
				} else {
					id, err := uuid.Parse(userID)
					if err != nil {
						return fmt.Errorf("invalid --user: %w", err)
					}
					ids = []uuid.UUID{id}
				}

				total := 0
				for _, id := range ids {
					removed, err := store.PruneOldContext(ctx, id, days)
					if err != nil {
						return fmt.Errorf("prune %s: %w", id, err)
					}
					total += removed
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries older than %d days across %d users.\n", total, days, len(ids))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User ID to prune")
	cmd.Flags().BoolVar(&all, "all", false, "Prune every known user")
	cmd.Flags().IntVar(&days, "days", 90, "Age in days beyond which entries are removed")
	return cmd
}

func newContextExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <user-id>",
		Short: "Print everything remembered about a user as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			ctx := cmd.Context()
			return withContextStore(ctx, func(store *memory.Store, _ *database.DB) error {
				export, err := store.ExportUserContext(ctx, id)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(export)
			})
		},
	}
}

func newContextClearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear <user-id>",
		Short: "Erase a user's remembered context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			if !yes {
				return fmt.Errorf("refusing to clear context for %s without --yes", id)
			}
			ctx := cmd.Context()
			return withContextStore(ctx, func(store *memory.Store, _ *database.DB) error {
				if err := store.ClearUserContext(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared context for %s.\n", id)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the erase")
	return cmd
}
