package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"cronosphere/internal/app"
	"cronosphere/internal/job"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect run history",
}

var runsListCmd = &cobra.Command{
	Use:   "list <job-id>",
	Short: "List a job's runs, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			runs, err := a.ListRuns(ctx, jobOwner, id, runsLimit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				pterm.Info.Println("no runs")
				return nil
			}
			data := pterm.TableData{{"RUN", "STATUS", "STARTED", "DURATION", "OUTPUT"}}
			for _, r := range runs {
				data = append(data, []string{
					strconv.FormatInt(r.ID, 10),
					colorStatus(r.Status),
					r.StartedAt.Local().Format(time.DateTime),
					runDuration(r),
					truncate(firstLine(r.OutputText()), 60),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print one run with its full output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			r, err := a.GetRun(ctx, jobOwner, id)
			if err != nil {
				return err
			}
			pterm.DefaultSection.Printfln("run %d of job %d", r.ID, r.JobID)
			fmt.Printf("status:   %s\n", colorStatus(r.Status))
			fmt.Printf("started:  %s\n", r.StartedAt.Local().Format(time.DateTime))
			if r.FinishedAt != nil {
				fmt.Printf("finished: %s (%s)\n", r.FinishedAt.Local().Format(time.DateTime), runDuration(r))
			}
			if r.Output != nil {
				fmt.Println()
				fmt.Println(*r.Output)
			}
			return nil
		})
	},
}

func colorStatus(s job.RunStatus) string {
	switch s {
	case job.RunSuccess:
		return pterm.Green(string(s))
	case job.RunError:
		return pterm.Red(string(s))
	default:
		return pterm.Yellow(string(s))
	}
}

func runDuration(r job.Run) string {
	if r.FinishedAt == nil {
		return "-"
	}
	return r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}

func init() {
	runsCmd.PersistentFlags().Int64Var(&jobOwner, "owner", app.AnyOwner, "owner id (0 = any)")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "max runs to show (0 = all)")
	runsCmd.AddCommand(runsListCmd, runsShowCmd)
}
