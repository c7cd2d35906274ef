package app

import (
	"context"
	"time"

	"tg-forwarder/internal/infra/logger"

	"go.uber.org/zap"
)

const (
	purgeInterval      = 6 * time.Hour
	completedRetention = 7 * 24 * time.Hour
	ruleLogRetention   = 30 * 24 * time.Hour
	kvPurgeInterval    = 30 * time.Minute
)

// scheduleMaintenance ставит периодические служебные задачи на колесо.
func (a *App) scheduleMaintenance() {
	env := a.env

	a.wheel.Every("maintenance:rescue", env.RescueInterval, func(ctx context.Context) {
		n, err := a.store.Tasks.RescueStuckTasks(ctx, env.RescueTimeout)
		if err != nil {
			logger.Warn("rescue stuck tasks failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("Rescued stuck tasks", zap.Int("count", n))
		}
	})

	a.wheel.Every("maintenance:heartbeat", env.HeartbeatInterval, a.heartbeat)

	a.wheel.Every("maintenance:dedup-cleanup", env.DedupCleanupInterval, func(ctx context.Context) {
		if err := a.dedup.Cleanup(ctx); err != nil {
			logger.Warn("dedup cleanup failed", zap.Error(err))
		}
	})

	a.wheel.Every("maintenance:bloom-save", env.BloomSaveInterval, func(context.Context) {
		if err := a.bloom.Save(env.BloomFile); err != nil {
			logger.Warn("save bloom filter failed", zap.Error(err))
		}
	})

	a.wheel.Every("maintenance:purge", purgeInterval, func(ctx context.Context) {
		tasksN, err := a.store.Tasks.PurgeCompleted(ctx, completedRetention)
		if err != nil {
			logger.Warn("purge completed tasks failed", zap.Error(err))
		}
		logsN, err := a.stats.PurgeLogs(ctx, ruleLogRetention)
		if err != nil {
			logger.Warn("purge rule logs failed", zap.Error(err))
		}
		logger.Debug("purge done", zap.Int64("tasks", tasksN), zap.Int64("rule_logs", logsN))
	})

	a.wheel.Every("maintenance:kv-expired", kvPurgeInterval, func(ctx context.Context) {
		n, err := a.store.KV.PurgeExpired(ctx)
		if err != nil {
			logger.Warn("purge expired kv entries failed", zap.Error(err))
			return
		}
		logger.Debug("kv expired entries purged", zap.Int("count", n))
	})
}

// heartbeat пишет в журнал состояние очереди и лимитера. Заодно обновляет
// gauge глубины очереди.
func (a *App) heartbeat(ctx context.Context) {
	st, err := a.store.Tasks.QueueStatus(ctx)
	if err != nil {
		logger.Warn("heartbeat: queue status failed", zap.Error(err))
		return
	}
	ls := a.limiter.Stats()
	logger.Info("heartbeat",
		zap.Int64("pending", st.Pending),
		zap.Int64("running", st.Running),
		zap.Int64("failed", st.Failed),
		zap.Float64("error_rate", st.ErrorRate),
		zap.String("breaker", ls.BreakerState),
		zap.Int("in_flight", ls.InFlight),
		zap.Int("backpressure_limit", ls.BackpressureLimit),
		zap.Bool("connected", a.client.Transport().IsConnected()),
		zap.Int("ingest_pending", a.ingest.Pending()),
	)
}
