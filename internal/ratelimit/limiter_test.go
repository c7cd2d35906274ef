package ratelimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tg-forwarder/internal/errs"
	"tg-forwarder/internal/ratelimit"
	"tg-forwarder/internal/transport"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() ratelimit.Options {
	return ratelimit.Options{
		GlobalConcurrency: 50,
		TargetConcurrency: 2,
		PairConcurrency:   1,
		PairInterval:      time.Millisecond,
		Jitter:            0.2,
		FailureThreshold:  10,
		RecoveryTimeout:   time.Minute,
		RetryDelays:       []time.Duration{time.Millisecond, time.Millisecond},
	}
}

func TestPairCallsCompleteInEnqueueOrder(t *testing.T) {
	t.Parallel()
	l := ratelimit.New(fastOptions())
	fake := transport.NewFake()

	const n = 8
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Go(func() {
			_, err := l.ForwardMessagesQueued(context.Background(), fake, 1, 2, []int{i}, transport.ForwardOptions{})
			assert.NoError(t, err)
		})
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	calls := fake.CallsOf("forward")
	require.Len(t, calls, n)
	for i, c := range calls {
		assert.Equal(t, []int{i + 1}, c.IDs)
	}
}

func TestEmptyForwardIsNoop(t *testing.T) {
	t.Parallel()
	l := ratelimit.New(fastOptions())
	fake := transport.NewFake()

	ids, err := l.ForwardMessagesQueued(context.Background(), fake, 1, 2, nil, transport.ForwardOptions{})
	require.NoError(t, err)
	assert.Nil(t, ids)
	assert.Empty(t, fake.Calls())
}

func TestFloodWaitBlocksTarget(t *testing.T) {
	t.Parallel()
	l := ratelimit.New(fastOptions())
	fake := transport.NewFake()

	var (
		mu     sync.Mutex
		starts = map[int64][]time.Time{}
		first  atomic.Bool
	)
	fake.Hook = func(op string, to int64) error {
		mu.Lock()
		starts[to] = append(starts[to], time.Now())
		mu.Unlock()
		if op == "forward" && to == 2 && first.CompareAndSwap(false, true) {
			return errs.FloodWait(1, errors.New("FLOOD_WAIT_1"))
		}
		return nil
	}
	ctx := context.Background()

	_, err := l.ForwardMessagesQueued(ctx, fake, 1, 2, []int{1}, transport.ForwardOptions{})
	require.Error(t, err)
	secs, ok := errs.FloodWaitSeconds(err)
	require.True(t, ok)
	assert.Equal(t, 1, secs)
	assert.False(t, l.FloodWaitUntil(2).IsZero())

	// Другая цель не ждёт.
	begin := time.Now()
	_, err = l.ForwardMessagesQueued(ctx, fake, 1, 3, []int{1}, transport.ForwardOptions{})
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), 500*time.Millisecond)

	_, err = l.ForwardMessagesQueued(ctx, fake, 5, 2, []int{1}, transport.ForwardOptions{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts[2], 2, "flood wait is not retried inside the call")
	assert.GreaterOrEqual(t, starts[2][1].Sub(starts[2][0]), time.Second)
}

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	t.Parallel()
	opts := fastOptions()
	opts.FailureThreshold = 3
	opts.RecoveryTimeout = 300 * time.Millisecond
	l := ratelimit.New(opts)

	var calls atomic.Int32
	failing := func(context.Context) error {
		calls.Add(1)
		return errors.New("upstream 500")
	}
	ctx := context.Background()
	key := ratelimit.Key{Source: 1, Target: 2}

	err := l.Do(ctx, key, failing)
	require.Error(t, err)
	assert.EqualValues(t, 3, calls.Load(), "three attempts within one call")
	assert.Equal(t, "open", l.Stats().BreakerState)

	begin := time.Now()
	err = l.Do(ctx, key, failing)
	assert.True(t, errs.IsCircuitOpen(err))
	assert.Less(t, time.Since(begin), 10*time.Millisecond)
	assert.EqualValues(t, 3, calls.Load(), "open circuit does not touch upstream")

	time.Sleep(350 * time.Millisecond)
	require.NoError(t, l.Do(ctx, key, func(context.Context) error { return nil }))
	assert.Equal(t, "closed", l.Stats().BreakerState)
	require.NoError(t, l.Do(ctx, key, func(context.Context) error { return nil }))
}

func TestPermanentErrorsNeitherRetryNorTrip(t *testing.T) {
	t.Parallel()
	opts := fastOptions()
	opts.FailureThreshold = 2
	l := ratelimit.New(opts)

	var calls atomic.Int32
	for range 5 {
		err := l.Do(context.Background(), ratelimit.Key{Source: 1, Target: 2}, func(context.Context) error {
			calls.Add(1)
			return errs.Permanentf("chat write forbidden")
		})
		assert.True(t, errs.IsPermanent(err))
	}
	assert.EqualValues(t, 5, calls.Load())
	assert.Equal(t, "closed", l.Stats().BreakerState)
}

func TestRetryWithinCall(t *testing.T) {
	t.Parallel()
	l := ratelimit.New(fastOptions())

	var calls atomic.Int32
	err := l.Do(context.Background(), ratelimit.Key{}, func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

func TestBackpressureShrinksAndGrows(t *testing.T) {
	t.Parallel()
	opts := fastOptions()
	opts.GlobalConcurrency = 8
	opts.RetryDelays = []time.Duration{}
	l := ratelimit.New(opts)
	ctx := context.Background()

	assert.Equal(t, 8, l.Stats().BackpressureLimit)
	_ = l.Do(ctx, ratelimit.Key{}, func(context.Context) error { return errors.New("timeout") })
	assert.Equal(t, 6, l.Stats().BackpressureLimit)

	for range 20 {
		require.NoError(t, l.Do(ctx, ratelimit.Key{}, func(context.Context) error { return nil }))
	}
	assert.Equal(t, 7, l.Stats().BackpressureLimit)
	assert.Zero(t, l.Stats().InFlight)
}

func TestIdleSemaphoresArePruned(t *testing.T) {
	t.Parallel()
	var (
		mu  sync.Mutex
		now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	opts := fastOptions()
	opts.PairInterval = 0
	opts.PruneEvery = 10
	l := ratelimit.New(opts, ratelimit.WithClock(clock))
	ctx := context.Background()
	ok := func(context.Context) error { return nil }

	for target := int64(1); target <= 5; target++ {
		require.NoError(t, l.Do(ctx, ratelimit.Key{Source: 1, Target: target}, ok))
	}
	assert.Equal(t, 5, l.Stats().TargetSemaphores)

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	for range 10 {
		require.NoError(t, l.Do(ctx, ratelimit.Key{Source: 1, Target: 6}, ok))
	}
	assert.Equal(t, 1, l.Stats().TargetSemaphores)
}
