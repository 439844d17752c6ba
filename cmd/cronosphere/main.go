package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"cronosphere/internal/app"
	"cronosphere/internal/config"
)

var (
	cfgPath string
	envFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "cronosphere",
	Short: "Run user commands and scripts on cron schedules",
	Long: `cronosphere schedules shell commands and stored scripts, runs each
execution in a fresh workspace directory and records the result.

Examples:
  cronosphere serve --config ./config.yaml
  cronosphere job add --owner 1 --name backup --schedule "0 3 * * *" --command "tar czf b.tgz ."
  cronosphere job run 12
  cronosphere runs list 12`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile == "" {
			return nil
		}
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv("CRONOSPHERE_CONFIG"), "config file (json, yaml or toml); empty uses defaults and environment")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "keep INFO logs on one-shot commands")

	rootCmd.AddCommand(serveCmd, jobCmd, runsCmd, scriptCmd, cleanupCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

// quietLookup lowers one-shot commands to WARN so logs don't drown the
// command output.
func quietLookup(k string) (string, bool) {
	if k == config.EnvLogLevel && !verbose {
		if v, ok := os.LookupEnv(k); ok {
			return v, ok
		}
		return "WARN", true
	}
	return os.LookupEnv(k)
}

// withApp opens the app for a one-shot command: storage is checked, nothing
// is scheduled. Logs go to stderr so stdout carries only command output.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.New(cfgPath, app.WithEnvLookup(quietLookup), app.WithLogOutput(os.Stderr))
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopCommandEnd)
	}()
	if err := a.Ping(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}
