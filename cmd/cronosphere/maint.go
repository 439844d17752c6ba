package main

import (
	"context"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"cronosphere/internal/app"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished runs older than the retention window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.CleanupOldRuns(ctx)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("%d runs deleted", n)
			return nil
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file without starting anything",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.CheckConfig(cfgPath, quietLookup); err != nil {
			return err
		}
		src := strings.TrimSpace(cfgPath)
		if src == "" {
			src = "defaults + environment"
		}
		pterm.Success.Printfln("config ok (%s)", src)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configCheckCmd)
}
