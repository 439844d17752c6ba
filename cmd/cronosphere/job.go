package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"cronosphere/internal/app"
	"cronosphere/internal/cronspec"
	"cronosphere/internal/eventbus"
	"cronosphere/internal/job"
	"cronosphere/internal/storage"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage scheduled jobs",
}

var (
	jobOwner       int64
	jobName        string
	jobCommand     string
	jobScript      int64
	jobSchedule    string
	jobLongRunning bool
	jobPaused      bool
	jobStatus      string
	runTimeout     time.Duration
)

var jobAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a job from an inline command or a stored script",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			j, _, err := a.SubmitJob(ctx, app.JobRequest{
				Owner:       jobOwner,
				Name:        jobName,
				Command:     jobCommand,
				ScriptID:    jobScript,
				Schedule:    jobSchedule,
				LongRunning: jobLongRunning,
				Paused:      jobPaused,
			})
			if err != nil {
				return err
			}
			pterm.Success.Printfln("job %d created (%s)", j.ID, j.Status)
			if next := cronspec.Preview(j.Schedule, a.Location(), 3); next != "" {
				pterm.Info.Printfln("next runs: %s", next)
			}
			return nil
		})
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			jobs, err := a.ListJobs(ctx, storage.JobFilter{Owner: jobOwner, Status: job.Status(jobStatus)})
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				pterm.Info.Println("no jobs")
				return nil
			}
			data := pterm.TableData{{"ID", "OWNER", "NAME", "SCHEDULE", "STATUS", "PAYLOAD"}}
			for _, j := range jobs {
				data = append(data, []string{
					strconv.FormatInt(j.ID, 10),
					strconv.FormatInt(j.Owner, 10),
					j.Name,
					j.Schedule,
					string(j.Status),
					describePayload(j),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

func describePayload(j job.Job) string {
	if id := j.ScriptID(); id > 0 {
		return "script #" + strconv.FormatInt(id, 10)
	}
	return truncate(j.Command(), 48)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func statusCmd(use, short string, status job.Status) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if _, err := a.SetJobStatus(ctx, jobOwner, id, status); err != nil {
					return err
				}
				pterm.Success.Printfln("job %d %s", id, status)
				return nil
			})
		},
	}
}

var jobDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job and its run history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.DeleteJob(ctx, jobOwner, id); err != nil {
				return err
			}
			pterm.Success.Printfln("job %d deleted", id)
			return nil
		})
	},
}

var jobRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Run a job once now and print its output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			events, unsub := a.Bus().Subscribe(16)
			defer unsub()

			exec, err := a.RunJob(ctx, jobOwner, id)
			if exec == nil {
				if err == nil {
					err = fmt.Errorf("job %d did not start", id)
				}
				return err
			}
			waitCtx, cancel := context.WithTimeout(ctx, runTimeout)
			defer cancel()
			ev, ok := eventbus.WaitRun(events, exec.RunID, waitCtx.Done())
			if !ok {
				return fmt.Errorf("run %d: gave up waiting after %s", exec.RunID, runTimeout)
			}
			fmt.Println(ev.Output)
			if ev.Status != string(job.RunSuccess) {
				return fmt.Errorf("run %d finished with status %s", exec.RunID, ev.Status)
			}
			pterm.Success.Printfln("run %d succeeded in %s", exec.RunID, ev.Duration.Round(time.Millisecond))
			return nil
		})
	},
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func init() {
	jobCmd.PersistentFlags().Int64Var(&jobOwner, "owner", app.AnyOwner, "owner id (0 = any)")

	f := jobAddCmd.Flags()
	f.StringVar(&jobName, "name", "", "job name")
	f.StringVar(&jobCommand, "command", "", "inline shell command")
	f.Int64Var(&jobScript, "script", 0, "stored script id")
	f.StringVar(&jobSchedule, "schedule", "", `cron expression, e.g. "*/5 * * * *" or "@hourly"`)
	f.BoolVar(&jobLongRunning, "long-running", false, "use the extended timeout")
	f.BoolVar(&jobPaused, "paused", false, "create the job paused")
	_ = jobAddCmd.MarkFlagRequired("name")
	_ = jobAddCmd.MarkFlagRequired("schedule")

	jobListCmd.Flags().StringVar(&jobStatus, "status", "", "filter by status (active|paused)")
	jobRunCmd.Flags().DurationVar(&runTimeout, "timeout", 13*time.Hour, "how long to wait for the run to finish")

	jobCmd.AddCommand(
		jobAddCmd,
		jobListCmd,
		statusCmd("pause", "Pause a job and stop its running processes", job.StatusPaused),
		statusCmd("resume", "Resume a paused job", job.StatusActive),
		jobDeleteCmd,
		jobRunCmd,
	)
}
