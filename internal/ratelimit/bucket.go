package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// burstMultiplier задаёт ёмкость бакета как кратное rate.
const burstMultiplier = 2

// bucket — токен-бакет общего RPS к Telegram API поверх rate.Limiter.
// До Start вызовы проходят без ожидания, после Stop ожидающие получают
// context.Canceled. Start/Stop идемпотентны.
type bucket struct {
	lim *rate.Limiter

	mu      sync.Mutex
	rootCtx context.Context
	cancel  context.CancelFunc
}

func newBucket(rps int) *bucket {
	if rps <= 0 {
		return nil
	}
	return &bucket{lim: rate.NewLimiter(rate.Limit(rps), max(1, rps*burstMultiplier))}
}

// Start привязывает бакет к ctx.
func (b *bucket) Start(ctx context.Context) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rootCtx != nil {
		return
	}
	b.rootCtx, b.cancel = context.WithCancel(ctx)
}

// Stop отменяет ожидающих.
func (b *bucket) Stop() {
	if b == nil {
		return
	}
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// take блокирует до получения токена. Незапущенный бакет пропускает вызов.
func (b *bucket) take(ctx context.Context) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	root := b.rootCtx
	b.mu.Unlock()
	if root == nil {
		return nil
	}
	if root.Err() != nil {
		return context.Canceled
	}

	waitCtx, stop := context.WithCancel(ctx)
	defer stop()
	unbind := context.AfterFunc(root, stop)
	defer unbind()

	if err := b.lim.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return context.Canceled
	}
	return nil
}

// sleepCtx ждёт d или отмену ctx.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
