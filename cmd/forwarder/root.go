package main

import (
	"time"

	"tg-forwarder/internal/infra/config"
	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/infra/pr"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var envPath string

	cmd := &cobra.Command{
		Use:           "forwarder",
		Short:         "Telegram message forwarding engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return bootstrap(envPath)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			logger.Sync()
			pr.Close()
		},
	}
	// envPath определяет расположение .env с секретами и общими настройками.
	cmd.PersistentFlags().StringVar(&envPath, "env", "assets/.env", "path to .env file")

	cmd.AddCommand(
		newRunCmd(),
		newLoginCmd(),
		newMigrateCmd(),
		newQueueStatusCmd(),
		newRescueCmd(),
		newRulesCmd(),
	)
	return cmd
}

// bootstrap готовит терминал, конфигурацию и журнал. Общий для всех команд.
func bootstrap(envPath string) error {
	if err := pr.Init(); err != nil {
		return errors.Wrap(err, "assign stdout and stderr")
	}
	if err := config.Load(envPath); err != nil {
		pr.ErrPrintln("failed to load config:", err)
		return err
	}
	env := config.Env()

	// Уровень задаём сразу, вывод перенаправляем в pr (чтобы не ломать строку ввода readline).
	logger.Init(env.LogLevel)
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	if env.LogFile != "" {
		logger.EnableFile(logger.FileOptions{
			Path:       env.LogFile,
			MaxSizeMB:  env.LogFileMaxSize,
			MaxBackups: env.LogFileMaxBackups,
			MaxAgeDays: env.LogFileMaxAge,
		})
	}
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	time.Local = config.AppLocation //nolint:reassign // приложение работает в таймзоне DEFAULT_TIMEZONE
	return nil
}

// fail пишет ошибку команды в журнал и возвращает её cobra.
func fail(err error, msg string) error {
	if err == nil {
		return nil
	}
	logger.Error(msg + ": " + err.Error())
	return errors.Wrap(err, msg)
}
