package main

import (
	"fmt"
	"os"

	"github.com/benvon/picklepal/cmd/configure/commands"
	"github.com/spf13/cobra"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "picklepal-configure",
		Short: "Configuration tool for the PicklePal AI gateway",
		Long:  "CLI tool for identity providers, gateway limits, pricing files and stored user context",
	}

	rootCmd.AddCommand(commands.NewOIDCCmd())
	rootCmd.AddCommand(commands.NewListCmd())
	rootCmd.AddCommand(commands.NewTestCmd())
	rootCmd.AddCommand(commands.NewLimitsCmd())
	rootCmd.AddCommand(commands.NewPricingCmd())
	rootCmd.AddCommand(commands.NewContextCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
