package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the event dispatcher and the daily scheduled check",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}

	if err := a.sweeper.Start(a.cfg.Automation.SweepSchedule); err != nil {
		a.Close()
		return err
	}
	a.logger.WithFields(logrus.Fields{
		"storage":  a.cfg.Storage.Driver,
		"schedule": a.cfg.Automation.SweepSchedule,
	}).Info("bookflow started")

	<-ctx.Done()
	a.logger.Info("Shutting down bookflow...")
	return waitShutdown(a)
}

func waitShutdown(a *app) error {
	done := make(chan error, 1)
	go func() { done <- a.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Events.SyncTimeout+a.cfg.Automation.RunTimeout)
	defer cancel()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		a.logger.Warn("shutdown timed out")
		return ctx.Err()
	}
}
