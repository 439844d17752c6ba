package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"cronosphere/internal/app"
	logx "cronosphere/pkg/logx"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load jobs, start the scheduler and run until SIGINT/SIGTERM",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cfgPath)
		if err != nil {
			// the configured logger does not exist yet
			logx.NewConsole("INFO").Error("startup failed", logx.String("config", cfgPath), logx.Err(err))
			return err
		}
		log := a.Logger()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)

		if err := a.Start(ctx); err != nil {
			_ = a.Stop(context.Background(), app.StopFatalError)
			return err
		}
		if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			log.Warn("sd_notify ready failed", logx.Err(err))
		} else if ok {
			log.Debug("sd_notify ready sent")
		}

		reason := app.StopUnknown
		select {
		case s := <-sigs:
			reason = app.StopSIGINT
			if s == syscall.SIGTERM {
				reason = app.StopSIGTERM
			}
		case <-a.Done():
			reason = app.StopFatalError
		}
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if err := a.Stop(stopCtx, reason); err != nil {
			return err
		}
		return a.Err()
	},
}
