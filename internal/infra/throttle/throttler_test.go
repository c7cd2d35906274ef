package throttle_test

import (
	"context"
	"testing"
	"time"

	"tg-forwarder/internal/errs"
	"tg-forwarder/internal/infra/throttle"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	th := throttle.New(100, throttle.WithBaseDelay(time.Millisecond), throttle.WithRandom(func() float64 { return 0 }))
	calls := 0
	err := th.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errs.Transientf("busy")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	th := throttle.New(100, throttle.WithBaseDelay(time.Millisecond))
	calls := 0
	err := th.Do(context.Background(), func() error {
		calls++
		return errs.Permanentf("bad request")
	})
	assert.True(t, errs.IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestDoHonoursMaxRetries(t *testing.T) {
	t.Parallel()

	th := throttle.New(100, throttle.WithMaxRetries(2), throttle.WithBaseDelay(time.Millisecond))
	calls := 0
	err := th.Do(context.Background(), func() error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries reached (2)")
	assert.Equal(t, 3, calls)
}

func TestDoWaitsServerInterval(t *testing.T) {
	t.Parallel()

	waited := false
	th := throttle.New(100, throttle.WithWaitExtractors(func(err error) (time.Duration, bool) {
		if errs.IsTransient(err) {
			waited = true
			return time.Millisecond, true
		}
		return 0, false
	}))
	calls := 0
	err := th.Do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return errs.FloodWait(1, nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, waited)
}

func TestServerWait(t *testing.T) {
	t.Parallel()

	d, ok := throttle.ServerWait(errs.FloodWait(3, nil))
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, d)

	_, ok = throttle.ServerWait(errs.Transientf("x"))
	assert.False(t, ok)
}

func TestStopCancelsWaiting(t *testing.T) {
	t.Parallel()

	th := throttle.New(1, throttle.WithBaseDelay(time.Hour))
	th.Start(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- th.Do(context.Background(), func() error { return errors.New("fail") })
	}()
	time.Sleep(20 * time.Millisecond)
	th.Stop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after Stop")
	}
}
