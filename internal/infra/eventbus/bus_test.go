package eventbus_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"tg-forwarder/internal/infra/eventbus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishWaitRunsHandlersSerially(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	var order []string
	bus.Subscribe(eventbus.TopicForwardSuccess, "first", func(_ context.Context, ev eventbus.Event) error {
		order = append(order, "first:"+ev.Payload.(string))
		return nil
	})
	bus.Subscribe(eventbus.TopicForwardSuccess, "second", func(_ context.Context, ev eventbus.Event) error {
		order = append(order, "second:"+ev.Payload.(string))
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), eventbus.TopicForwardSuccess, "m1", true))
	assert.Equal(t, []string{"first:m1", "second:m1"}, order)
}

func TestPublishWaitJoinsErrors(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	bus.Subscribe(eventbus.TopicForwardFailed, "a", func(context.Context, eventbus.Event) error {
		return errors.New("a failed")
	})
	bus.Subscribe(eventbus.TopicForwardFailed, "b", func(context.Context, eventbus.Event) error {
		panic("boom")
	})
	var called atomic.Bool
	bus.Subscribe(eventbus.TopicForwardFailed, "c", func(context.Context, eventbus.Event) error {
		called.Store(true)
		return nil
	})

	err := bus.Publish(context.Background(), eventbus.TopicForwardFailed, nil, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a failed")
	assert.Contains(t, err.Error(), "panic: boom")
	assert.True(t, called.Load())
}

func TestPublishAsync(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	var hits atomic.Int32
	bus.Subscribe(eventbus.TopicForwardSuccess, "count", func(context.Context, eventbus.Event) error {
		hits.Add(1)
		return errors.New("ignored")
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, bus.Publish(ctx, eventbus.TopicForwardSuccess, 1, false))
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, bus.Wait(waitCtx))
	assert.Equal(t, int32(1), hits.Load())
}

func TestPublishWithoutSubscribers(t *testing.T) {
	t.Parallel()

	assert.NoError(t, eventbus.New().Publish(context.Background(), "none", nil, true))
}
