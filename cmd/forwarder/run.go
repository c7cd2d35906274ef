package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"tg-forwarder/internal/app"
	"tg-forwarder/internal/infra/concurrency"
	"tg-forwarder/internal/infra/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd() *cobra.Command {
	var runFor time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the forwarding daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM).
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if runFor > 0 {
				logger.Info("Run time limited", zap.Duration("run_for", runFor))
				concurrency.StartTimeoutTimer(ctx, runFor, stop)
			}

			a := app.NewApp()
			if err := a.Init(ctx, stop); err != nil {
				return fail(err, "app init failed")
			}
			if err := a.Run(); err != nil {
				return fail(err, "app run failed")
			}
			logger.Info("Graceful shutdown complete")
			return nil
		},
	}
	cmd.Flags().DurationVar(&runFor, "run-for", 0, "stop after the given duration (0 runs until a signal)")
	return cmd
}
