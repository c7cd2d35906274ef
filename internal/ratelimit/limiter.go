// Package ratelimit — слой ограничения скорости вызовов Telegram API.
// Каждый вызов проходит адаптивный backpressure, семафоры global → target →
// pair, паузы между вызовами с джиттером, токен-бакет общего RPS и глобальный
// автомат размыкания. FloodWait не повторяется внутри слоя: он сдвигает все
// паузы цели и возвращается вызывающему как TransientError.
package ratelimit

import (
	"context"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"tg-forwarder/internal/errs"
	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/infra/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// Key — ключ вызова. Target == 0 означает вызов без получателя (чтение):
// учитываются только глобальные ограничения.
type Key struct {
	Source int64
	Target int64
}

func (k Key) targetKey() string { return "t:" + strconv.FormatInt(k.Target, 10) }

func (k Key) pairKey() string {
	return "p:" + strconv.FormatInt(k.Source, 10) + ":" + strconv.FormatInt(k.Target, 10)
}

// Options — параметры лимитера.
type Options struct {
	GlobalConcurrency int
	TargetConcurrency int
	PairConcurrency   int

	GlobalInterval time.Duration
	TargetInterval time.Duration
	PairInterval   time.Duration
	Jitter         float64

	FailureThreshold int
	RecoveryTimeout  time.Duration

	// RPS — общий токен-бакет; 0 отключает.
	RPS int

	BackpressureInitial int
	BackpressurePoll    time.Duration

	// RetryDelays — паузы перед 2-й, 3-й... попыткой внутри одного вызова.
	RetryDelays []time.Duration

	SemaphoreIdleTTL time.Duration
	PruneEvery       int
}

// DefaultOptions — значения по умолчанию.
func DefaultOptions() Options {
	return Options{
		GlobalConcurrency:   50, //nolint:mnd
		TargetConcurrency:   2,  //nolint:mnd
		PairConcurrency:     1,
		TargetInterval:      250 * time.Millisecond, //nolint:mnd
		PairInterval:        100 * time.Millisecond, //nolint:mnd
		Jitter:              0.2,                    //nolint:mnd
		FailureThreshold:    10,                     //nolint:mnd
		RecoveryTimeout:     time.Minute,
		RPS:                 10,  //nolint:mnd
		BackpressureInitial: 50,  //nolint:mnd
		BackpressurePoll:    500 * time.Millisecond, //nolint:mnd
		RetryDelays:         []time.Duration{700 * time.Millisecond, 1500 * time.Millisecond},
		SemaphoreIdleTTL:    time.Hour,
		PruneEvery:          100, //nolint:mnd
	}
}

// Option — функциональная опция для тестов.
type Option func(*Limiter)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithRandom подменяет источник случайности джиттера.
func WithRandom(fn func() float64) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.random = fn
		}
	}
}

// Limiter — процессный реестр ограничений вызовов.
type Limiter struct {
	opts Options

	global  *semaphores
	targets *semaphores
	pairs   *semaphores
	bp      *backpressure
	cb      *breaker
	bucket  *bucket

	mu         sync.Mutex
	next       map[string]time.Time // ключ → ближайший разрешённый старт
	floodUntil map[int64]time.Time

	now    func() time.Time
	random func() float64
}

// New создаёт лимитер. Нулевые поля opts заменяются значениями по умолчанию.
func New(opts Options, fns ...Option) *Limiter {
	def := DefaultOptions()
	if opts.GlobalConcurrency <= 0 {
		opts.GlobalConcurrency = def.GlobalConcurrency
	}
	if opts.TargetConcurrency <= 0 {
		opts.TargetConcurrency = def.TargetConcurrency
	}
	if opts.PairConcurrency <= 0 {
		opts.PairConcurrency = def.PairConcurrency
	}
	if opts.Jitter < 0 || opts.Jitter >= 1 {
		opts.Jitter = def.Jitter
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = def.RecoveryTimeout
	}
	if opts.BackpressureInitial <= 0 {
		opts.BackpressureInitial = opts.GlobalConcurrency
	}
	if opts.BackpressurePoll <= 0 {
		opts.BackpressurePoll = def.BackpressurePoll
	}
	if opts.RetryDelays == nil {
		opts.RetryDelays = def.RetryDelays
	}
	if opts.SemaphoreIdleTTL <= 0 {
		opts.SemaphoreIdleTTL = def.SemaphoreIdleTTL
	}
	if opts.PruneEvery <= 0 {
		opts.PruneEvery = def.PruneEvery
	}

	l := &Limiter{
		opts:       opts,
		next:       make(map[string]time.Time),
		floodUntil: make(map[int64]time.Time),
		now:        time.Now,
		random:     rand.Float64,
	}
	for _, fn := range fns {
		fn(l)
	}
	l.global = newSemaphores(opts.GlobalConcurrency, opts.SemaphoreIdleTTL, opts.PruneEvery, l.now)
	l.targets = newSemaphores(opts.TargetConcurrency, opts.SemaphoreIdleTTL, opts.PruneEvery, l.now)
	l.pairs = newSemaphores(opts.PairConcurrency, opts.SemaphoreIdleTTL, opts.PruneEvery, l.now)
	l.bp = newBackpressure(opts.BackpressureInitial, opts.GlobalConcurrency, opts.BackpressurePoll)
	l.cb = newBreaker(opts.FailureThreshold, opts.RecoveryTimeout, l.now)
	l.bucket = newBucket(opts.RPS)
	return l
}

// Start запускает пополнение токен-бакета.
func (l *Limiter) Start(ctx context.Context) { l.bucket.Start(ctx) }

// Stop останавливает фоновые горутины.
func (l *Limiter) Stop() { l.bucket.Stop() }

// RecoveryTimeout — время восстановления автомата размыкания.
func (l *Limiter) RecoveryTimeout() time.Duration { return l.opts.RecoveryTimeout }

// Do выполняет fn под всеми ограничениями key. Внутри одного вызова
// делается до len(RetryDelays)+1 попыток; FloodWait, PermanentError и
// открытый автомат повторы прекращают.
func (l *Limiter) Do(ctx context.Context, key Key, fn func(ctx context.Context) error) error {
	if l.cb.open() {
		return l.cb.openError()
	}

	if err := l.bp.enter(ctx); err != nil {
		return err
	}
	defer l.bp.leave()

	release, err := l.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	attempt := 0
	op := func() error {
		attempt++
		err := l.attempt(ctx, key, fn)
		switch {
		case err == nil:
			return nil
		case errs.IsPermanent(err), errs.IsCircuitOpen(err),
			errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return backoff.Permanent(err)
		}
		if _, flood := errs.FloodWaitSeconds(err); flood {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Debug("Rate-limited call failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Int64("target", key.Target),
			zap.Error(err),
		)
	}
	sched := backoff.WithContext(&schedule{delays: l.opts.RetryDelays}, ctx)
	return backoff.RetryNotify(op, sched, notify)
}

// acquire захватывает семафоры в порядке global → target → pair и
// возвращает освобождение в обратном порядке.
func (l *Limiter) acquire(ctx context.Context, key Key) (func(), error) {
	var releases []func()
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	keys := []struct {
		set *semaphores
		key string
	}{{l.global, "g"}}
	if key.Target != 0 {
		keys = append(keys,
			struct {
				set *semaphores
				key string
			}{l.targets, key.targetKey()},
			struct {
				set *semaphores
				key string
			}{l.pairs, key.pairKey()},
		)
	}
	for _, k := range keys {
		rel, err := k.set.acquire(ctx, k.key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, rel)
	}
	return releaseAll, nil
}

// attempt — одна попытка: пауза, токен, вызов через автомат, учёт итога.
func (l *Limiter) attempt(ctx context.Context, key Key, fn func(ctx context.Context) error) error {
	if err := l.pace(ctx, key); err != nil {
		return err
	}
	if err := l.bucket.take(ctx); err != nil {
		return err
	}

	err := l.cb.execute(func() error { return fn(ctx) })
	switch {
	case err == nil:
		l.bp.success()
		l.stamp(key, l.now())
		return nil
	case errs.IsCircuitOpen(err):
		return err
	}

	if secs, flood := errs.FloodWaitSeconds(err); flood {
		l.observeFlood(key, secs)
		l.bp.failure()
		return err
	}
	if !errs.IsPermanent(err) {
		l.bp.failure()
	}
	l.stamp(key, l.now())
	return err
}

// pace ждёт, пока не наступят все разрешённые времена ключа и не истечёт
// FloodWait цели, и резервирует следующий слот.
func (l *Limiter) pace(ctx context.Context, key Key) error {
	for {
		l.mu.Lock()
		now := l.now()
		ready := l.next["g"]
		if key.Target != 0 {
			ready = latest(ready, l.next[key.targetKey()], l.next[key.pairKey()], l.floodUntil[key.Target])
		}
		if !ready.After(now) {
			l.stampLocked(key, now)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
		if err := sleepCtx(ctx, ready.Sub(now)); err != nil {
			return err
		}
	}
}

// stamp сдвигает разрешённые времена ключа на интервал с джиттером от at.
func (l *Limiter) stamp(key Key, at time.Time) {
	l.mu.Lock()
	l.stampLocked(key, at)
	l.mu.Unlock()
}

func (l *Limiter) stampLocked(key Key, at time.Time) {
	l.advanceLocked("g", at.Add(l.jittered(l.opts.GlobalInterval)))
	if key.Target == 0 {
		return
	}
	l.advanceLocked(key.targetKey(), at.Add(l.jittered(l.opts.TargetInterval)))
	l.advanceLocked(key.pairKey(), at.Add(l.jittered(l.opts.PairInterval)))
}

func (l *Limiter) advanceLocked(k string, t time.Time) {
	if t.After(l.next[k]) {
		l.next[k] = t
	}
}

func (l *Limiter) jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	j := l.opts.Jitter
	return time.Duration(float64(d) * (1 - j + 2*j*l.random()))
}

// observeFlood фиксирует FloodWait цели: flood_wait_until = now + N·U(1, 1.2).
// Паузы цели и пары сдвигаются не раньше этого момента, глобальная — только
// если глобальный интервал включён.
func (l *Limiter) observeFlood(key Key, seconds int) {
	wait := time.Duration(float64(seconds) * float64(time.Second) * (1 + 0.2*l.random())) //nolint:mnd
	l.mu.Lock()
	until := l.now().Add(wait)
	if until.After(l.floodUntil[key.Target]) {
		l.floodUntil[key.Target] = until
	}
	if l.opts.GlobalInterval > 0 {
		l.advanceLocked("g", until)
	}
	if key.Target != 0 {
		l.advanceLocked(key.targetKey(), until)
		l.advanceLocked(key.pairKey(), until)
	}
	l.mu.Unlock()

	metrics.FloodWaits.Inc()
	logger.Warn("FloodWait observed",
		zap.Int64("target", key.Target),
		zap.Int("seconds", seconds),
		zap.Time("until", until),
	)
}

// FloodWaitUntil возвращает момент окончания FloodWait цели.
func (l *Limiter) FloodWaitUntil(target int64) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.floodUntil[target]
}

func latest(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.After(out) {
			out = t
		}
	}
	return out
}

// Stats — снимок состояния лимитера.
type Stats struct {
	BreakerState      string `json:"breaker_state"`
	BackpressureLimit int    `json:"backpressure_limit"`
	InFlight          int    `json:"in_flight"`
	TargetSemaphores  int    `json:"target_semaphores"`
	PairSemaphores    int    `json:"pair_semaphores"`
	FloodWaitTargets  int    `json:"flood_wait_targets"`
}

// Stats возвращает снимок состояния.
func (l *Limiter) Stats() Stats {
	limit, inFlight := l.bp.snapshot()
	l.mu.Lock()
	now := l.now()
	flooded := 0
	for _, until := range l.floodUntil {
		if until.After(now) {
			flooded++
		}
	}
	l.mu.Unlock()
	return Stats{
		BreakerState:      l.cb.state(),
		BackpressureLimit: limit,
		InFlight:          inFlight,
		TargetSemaphores:  l.targets.len(),
		PairSemaphores:    l.pairs.len(),
		FloodWaitTargets:  flooded,
	}
}

// schedule — фиксированный список пауз между попытками.
type schedule struct {
	delays []time.Duration
	i      int
}

func (s *schedule) NextBackOff() time.Duration {
	if s.i >= len(s.delays) {
		return backoff.Stop
	}
	d := s.delays[s.i]
	s.i++
	return d
}

func (s *schedule) Reset() { s.i = 0 }
