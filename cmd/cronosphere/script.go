package main

import (
	"context"
	"io"
	"os"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"cronosphere/internal/app"
	"cronosphere/internal/job"
)

var (
	scriptOwner int64
	scriptName  string
	scriptKind  string
)

var scriptCmd = &cobra.Command{
	Use:   "script",
	Short: "Manage stored scripts",
}

var scriptAddCmd = &cobra.Command{
	Use:   "add <file|->",
	Short: "Store a script read from a file or stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			content []byte
			err     error
		)
		if args[0] == "-" {
			content, err = io.ReadAll(os.Stdin)
		} else {
			content, err = os.ReadFile(args[0])
		}
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			sc, err := a.SubmitScript(ctx, scriptOwner, scriptName, string(content), job.ParseScriptKind(scriptKind))
			if err != nil {
				return err
			}
			pterm.Success.Printfln("script %d stored (%s)", sc.ID, sc.Kind)
			return nil
		})
	},
}

var scriptListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored scripts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			scripts, err := a.ListScripts(ctx, scriptOwner)
			if err != nil {
				return err
			}
			if len(scripts) == 0 {
				pterm.Info.Println("no scripts")
				return nil
			}
			data := pterm.TableData{{"ID", "OWNER", "NAME", "KIND", "SIZE"}}
			for _, sc := range scripts {
				data = append(data, []string{
					strconv.FormatInt(sc.ID, 10),
					strconv.FormatInt(sc.Owner, 10),
					sc.Name,
					string(sc.Kind),
					strconv.Itoa(len(sc.Content)),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

func init() {
	scriptCmd.PersistentFlags().Int64Var(&scriptOwner, "owner", app.AnyOwner, "owner id")
	scriptAddCmd.Flags().StringVar(&scriptName, "name", "", "script name")
	scriptAddCmd.Flags().StringVar(&scriptKind, "kind", "bash", "interpreter: bash or node")
	scriptCmd.AddCommand(scriptAddCmd, scriptListCmd)
}
