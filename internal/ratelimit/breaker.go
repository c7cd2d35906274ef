package ratelimit

import (
	"context"
	"sync"
	"time"

	"tg-forwarder/internal/errs"
	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/infra/metrics"

	"github.com/go-faster/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// breaker — глобальный автомат размыкания над апстримом. FloodWait,
// PermanentError и отмена контекста не считаются отказами апстрима.
type breaker struct {
	cb       *gobreaker.CircuitBreaker
	recovery time.Duration
	now      func() time.Time

	mu       sync.Mutex
	openedAt time.Time
}

func newBreaker(threshold int, recovery time.Duration, now func() time.Time) *breaker {
	b := &breaker{recovery: recovery, now: now}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "telegram",
		MaxRequests: 1,
		Timeout:     recovery,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(max(1, threshold)) //nolint:gosec
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.mu.Lock()
				b.openedAt = b.now()
				b.mu.Unlock()
			}
			metrics.BreakerState.Set(stateValue(to))
			logger.Warn("Circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return b
}

func countsAsSuccess(err error) bool {
	switch {
	case err == nil:
		return true
	case errs.IsPermanent(err):
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	}
	_, flood := errs.FloodWaitSeconds(err)
	return flood
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2 //nolint:mnd
	default:
		return 0
	}
}

// open сообщает, отклоняются ли вызовы прямо сейчас.
func (b *breaker) open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// openError строит CircuitOpenError с оставшимся временем до HALF_OPEN.
func (b *breaker) openError() error {
	b.mu.Lock()
	opened := b.openedAt
	b.mu.Unlock()
	wait := b.recovery - b.now().Sub(opened)
	if wait < 0 || opened.IsZero() {
		wait = 0
	}
	return &errs.CircuitOpenError{RetryAfter: wait}
}

// execute выполняет fn через автомат.
func (b *breaker) execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return b.openError()
	}
	return err
}

func (b *breaker) state() string {
	return b.cb.State().String()
}
