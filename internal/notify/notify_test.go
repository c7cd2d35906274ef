package notify_test

import (
	"context"
	"testing"
	"time"

	"tg-forwarder/internal/notify"
	"tg-forwarder/internal/ratelimit"
	"tg-forwarder/internal/transport"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failing struct{}

func (failing) Notify(context.Context, notify.Level, string) error { return errors.New("down") }

func TestTelegramSinkEscapesText(t *testing.T) {
	t.Parallel()
	fake := transport.NewFake()
	limiter := ratelimit.New(ratelimit.Options{RetryDelays: []time.Duration{}})
	sink := notify.NewTelegramSink(limiter, fake, 42)

	require.NoError(t, sink.Notify(context.Background(), notify.LevelError, "rule 3 <failed>"))

	sends := fake.CallsOf("send")
	require.Len(t, sends, 1)
	assert.Equal(t, int64(42), sends[0].To)
	assert.Contains(t, sends[0].Text, "<b>ERROR</b>")
	assert.Contains(t, sends[0].Text, "rule 3 &lt;failed&gt;")
}

func TestMultiDeliversToAllAndJoinsErrors(t *testing.T) {
	t.Parallel()
	fake := transport.NewFake()
	limiter := ratelimit.New(ratelimit.Options{RetryDelays: []time.Duration{}})

	m := notify.Multi{failing{}, notify.LogSink{}, notify.NewTelegramSink(limiter, fake, 7)}
	err := m.Notify(context.Background(), notify.LevelWarn, "summary skipped")
	require.Error(t, err)
	assert.Len(t, fake.CallsOf("send"), 1, "a failing sink does not stop the others")
}
