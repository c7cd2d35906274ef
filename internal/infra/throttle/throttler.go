// Package throttle ограничивает частоту и повторяет вызовы внешних HTTP-интеграций
// (AI-провайдеры): токен-бакет плюс экспоненциальный backoff с джиттером.
// Серверные указания подождать извлекаются через WaitExtractor, ошибки с
// StopRetry() == true возвращаются сразу. Потокобезопасен.
package throttle

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"tg-forwarder/internal/errs"

	"github.com/go-faster/errors"
	"golang.org/x/time/rate"
)

const (
	burstMultiplier = 2
	maxBackoff      = 60 * time.Second
)

// WaitExtractor возвращает паузу, которую сервер попросил выдержать.
type WaitExtractor func(err error) (time.Duration, bool)

// StopRetryer — ошибка, после которой повторять бессмысленно.
type StopRetryer interface {
	StopRetry() bool
}

// ServerWait читает явный интервал из errs.TransientError.
func ServerWait(err error) (time.Duration, bool) {
	if s, ok := errs.FloodWaitSeconds(err); ok {
		return time.Duration(s) * time.Second, true
	}
	return 0, false
}

// Option задаёт дополнительные параметры троттлера.
type Option func(*Throttler)

// WithMaxRetries ограничивает число повторов; <=0 — без ограничения.
func WithMaxRetries(n int) Option {
	return func(t *Throttler) { t.maxRetries = n }
}

// WithBurst переопределяет ёмкость бакета.
func WithBurst(burst int) Option {
	return func(t *Throttler) {
		if burst > 0 {
			t.burst = burst
		}
	}
}

// WithWaitExtractors добавляет экстракторы серверных пауз.
func WithWaitExtractors(extractors ...WaitExtractor) Option {
	return func(t *Throttler) { t.waitExtractors = append(t.waitExtractors, extractors...) }
}

// WithRandom подменяет источник джиттера (для тестов).
func WithRandom(fn func() float64) Option {
	return func(t *Throttler) {
		if fn != nil {
			t.randomFn = fn
		}
	}
}

// WithBaseDelay задаёт первую паузу backoff.
func WithBaseDelay(d time.Duration) Option {
	return func(t *Throttler) {
		if d > 0 {
			t.baseDelay = d
		}
	}
}

// Throttler — токен-бакет с повторами.
type Throttler struct {
	limiter        *rate.Limiter
	burst          int
	baseDelay      time.Duration
	maxRetries     int
	waitExtractors []WaitExtractor
	randomFn       func() float64

	mu     sync.Mutex
	root   context.Context
	cancel context.CancelFunc
}

// New создаёт троттлер на rps вызовов в секунду; burst по умолчанию 2*rps.
func New(rps int, opts ...Option) *Throttler {
	if rps <= 0 {
		rps = 1
	}
	t := &Throttler{
		burst:      rps * burstMultiplier,
		baseDelay:  time.Second,
		maxRetries: -1,
		randomFn:   rand.Float64,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.limiter = rate.NewLimiter(rate.Limit(rps), t.burst)
	return t
}

// Start привязывает троттлер к ctx: после его отмены ожидания прерываются.
// Без Start используется context.Background().
func (t *Throttler) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	t.root, t.cancel = context.WithCancel(ctx)
}

// Stop прерывает все ожидания.
func (t *Throttler) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *Throttler) rootContext() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.root == nil {
		return context.Background()
	}
	return t.root
}

// Do выполняет fn под лимитом. Порядок разбора ошибки: StopRetryer и отмена
// контекста возвращаются сразу, серверная пауза выдерживается без роста
// счётчика попыток, остальное повторяется с backoff до maxRetries.
func (t *Throttler) Do(ctx context.Context, fn func() error) error {
	root := t.rootContext()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(root, cancel)
	defer stop()

	attempt := 0
	for {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		callErr := fn()
		if callErr == nil {
			return nil
		}

		var stopper StopRetryer
		if errors.As(callErr, &stopper) && stopper.StopRetry() {
			return callErr
		}
		if errors.Is(callErr, context.Canceled) || ctx.Err() != nil {
			return callErr
		}
		if d, ok := t.extractWait(callErr); ok {
			if err := sleep(ctx, d); err != nil {
				return err
			}
			continue
		}
		if t.maxRetries > 0 && attempt >= t.maxRetries {
			return fmt.Errorf("throttle: max retries reached (%d): %w", t.maxRetries, callErr)
		}
		d := t.backoff(attempt)
		attempt++
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}
}

func (t *Throttler) extractWait(err error) (time.Duration, bool) {
	for _, ex := range t.waitExtractors {
		if d, ok := ex(err); ok {
			return d, true
		}
	}
	return 0, false
}

// backoff: base·2^attempt, не больше минуты, с джиттером [0.85, 1.15).
func (t *Throttler) backoff(attempt int) time.Duration {
	d := float64(t.baseDelay) * math.Pow(2, float64(attempt)) //nolint:mnd
	d = math.Min(d, float64(maxBackoff))
	return time.Duration(d * (0.85 + 0.3*t.randomFn())) //nolint:mnd
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
