package main

import (
	"fmt"
	"time"

	"tg-forwarder/internal/app"
	"tg-forwarder/internal/infra/codec"
	"tg-forwarder/internal/infra/config"
	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/infra/pr"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newQueueStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "queue-status",
		Short: "Print task counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := app.OpenStore(ctx, config.Env())
			if err != nil {
				return fail(err, "open store")
			}
			defer func() { _ = store.Close() }()

			st, err := store.Tasks.QueueStatus(ctx)
			if err != nil {
				return fail(err, "queue status")
			}
			if asJSON {
				out, err := codec.MarshalString(st)
				if err != nil {
					return fail(err, "encode status")
				}
				pr.Println(out)
				return nil
			}
			pr.Fields(
				pr.Field{Name: "pending", Value: st.Pending},
				pr.Field{Name: "running", Value: st.Running},
				pr.Field{Name: "completed", Value: st.Completed},
				pr.Field{Name: "failed", Value: st.Failed},
				pr.Field{Name: "total", Value: st.Total},
				pr.Field{Name: "error rate", Value: fmt.Sprintf("%.2f%%", st.ErrorRate)},
			)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newRescueCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "rescue",
		Short: "Return tasks stuck in running back to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env := config.Env()
			if timeout <= 0 {
				timeout = env.RescueTimeout
			}
			store, err := app.OpenStore(ctx, env)
			if err != nil {
				return fail(err, "open store")
			}
			defer func() { _ = store.Close() }()

			n, err := store.Tasks.RescueStuckTasks(ctx, timeout)
			if err != nil {
				return fail(err, "rescue stuck tasks")
			}
			logger.Info("Rescued stuck tasks", zap.Int("count", n), zap.Duration("timeout", timeout))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "running longer than this counts as stuck (default RESCUE_TIMEOUT_MINUTES)")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := app.OpenStore(cmd.Context(), config.Env())
			if err != nil {
				return fail(err, "migrate")
			}
			logger.Info("Migrations applied", zap.String("dialect", string(store.DB.Dialect)))
			return store.Close()
		},
	}
}
