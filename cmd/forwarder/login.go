package main

import (
	"os"
	"os/signal"
	"syscall"

	"tg-forwarder/internal/adapters/telegram/gotd"
	"tg-forwarder/internal/app"
	"tg-forwarder/internal/infra/config"
	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/infra/telegram/session"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newLoginCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize the Telegram account and store the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := config.Env()
			if err := env.ValidateTelegram(); err != nil {
				return fail(err, "invalid telegram config")
			}

			if reset {
				if err := session.NewFile(env.SessionFile, nil).Reset(); err != nil {
					return fail(err, "reset session")
				}
				logger.Info("Previous session removed", zap.String("path", env.SessionFile))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := gotd.New(ctx, app.ClientOptions(env))
			if err != nil {
				return fail(err, "init telegram client")
			}
			defer client.Close()

			if err := client.Login(ctx); err != nil {
				return fail(err, "login failed")
			}
			logger.Info("Session saved")
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "remove the stored session and log in again")
	return cmd
}
