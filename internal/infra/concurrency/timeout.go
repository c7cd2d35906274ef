package concurrency

import (
	"context"
	"time"

	"tg-forwarder/internal/infra/logger"

	"go.uber.org/zap"
)

// StartTimeoutTimer вызывает cancel через timeout, если ctx не завершится
// раньше. Нужен для ограниченных по времени прогонов (`run --run-for`).
func StartTimeoutTimer(ctx context.Context, timeout time.Duration, cancel context.CancelFunc) {
	if timeout <= 0 || cancel == nil {
		return
	}
	go func() {
		logger.Info("Auto-shutdown timer started", zap.Duration("timeout", timeout))
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			logger.Info("Auto-shutdown timeout reached, initiating graceful shutdown")
			cancel()
		case <-ctx.Done():
		}
	}()
}
