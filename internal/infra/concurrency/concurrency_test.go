package concurrency_test

import (
	"context"
	"testing"
	"time"

	"tg-forwarder/internal/infra/concurrency"

	"github.com/stretchr/testify/assert"
)

func TestRepeatFilter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := concurrency.NewRepeatFilter(time.Minute)
	f.SetClock(func() time.Time { return now })

	key := concurrency.UpdateKey{ChatID: 1, MsgID: 10}
	assert.False(t, f.Repeated(key))
	assert.True(t, f.Repeated(key))
	assert.False(t, f.Repeated(concurrency.UpdateKey{ChatID: 1, MsgID: 10, EditDate: 5}), "edit produces a new key")
	assert.False(t, f.Repeated(concurrency.UpdateKey{ChatID: 2, MsgID: 10}))
	assert.Equal(t, 3, f.Len())

	now = now.Add(2 * time.Minute)
	assert.False(t, f.Repeated(key), "window elapsed")
	assert.Equal(t, 1, f.Len(), "expired keys swept")
}

func TestStartTimeoutTimer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	concurrency.StartTimeoutTimer(ctx, 10*time.Millisecond, cancel)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("timer did not cancel context")
	}
}
