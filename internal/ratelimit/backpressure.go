package ratelimit

import (
	"context"
	"sync"
	"time"

	"tg-forwarder/internal/infra/metrics"
)

// growAfter — число подряд успешных вызовов, после которого лимит растёт на 1.
const growAfter = 20

// backpressure — адаптивный лимит параллельных вызовов. Ожидающие не
// блокируются на семафоре, а опрашивают лимит с периодом poll.
type backpressure struct {
	mu        sync.Mutex
	limit     int
	min       int
	max       int
	inFlight  int
	successes int
	poll      time.Duration
}

func newBackpressure(initial, maxLimit int, poll time.Duration) *backpressure {
	maxLimit = max(1, maxLimit)
	initial = min(max(1, initial), maxLimit)
	metrics.BackpressureLimit.Set(float64(initial))
	return &backpressure{limit: initial, min: 1, max: maxLimit, poll: poll}
}

// enter ждёт, пока число вызовов в полёте не опустится ниже лимита.
func (b *backpressure) enter(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.inFlight < b.limit {
			b.inFlight++
			metrics.InFlight.Set(float64(b.inFlight))
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()
		if err := sleepCtx(ctx, b.poll); err != nil {
			return err
		}
	}
}

func (b *backpressure) leave() {
	b.mu.Lock()
	b.inFlight--
	metrics.InFlight.Set(float64(b.inFlight))
	b.mu.Unlock()
}

func (b *backpressure) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes++
	if b.successes >= growAfter {
		b.successes = 0
		if b.limit < b.max {
			b.limit++
			metrics.BackpressureLimit.Set(float64(b.limit))
		}
	}
}

// failure сжимает лимит на 25%.
func (b *backpressure) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes = 0
	next := max(b.min, b.limit*3/4) //nolint:mnd
	if next != b.limit {
		b.limit = next
		metrics.BackpressureLimit.Set(float64(b.limit))
	}
}

func (b *backpressure) snapshot() (limit, inFlight int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit, b.inFlight
}
