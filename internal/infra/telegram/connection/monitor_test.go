package connection_test

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"tg-forwarder/internal/infra/telegram/connection"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsNetworkError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"eof", errors.Wrap(io.EOF, "read"), true},
		{"plain", errors.New("CHAT_WRITE_FORBIDDEN"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, connection.IsNetworkError(tc.err))
		})
	}
}

func TestMonitorRestoresAfterSuccessfulPing(t *testing.T) {
	t.Parallel()
	var healthy atomic.Bool
	m := connection.New(context.Background(), func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return io.EOF
	}, connection.Options{PingInterval: 10 * time.Millisecond, PingTimeout: 10 * time.Millisecond})
	defer m.Close()

	require.True(t, m.Connected())
	require.NoError(t, m.WaitOnline(context.Background()))

	assert.True(t, m.HandleError(io.EOF))
	assert.False(t, m.Connected())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.WaitOnline(ctx), context.DeadlineExceeded)

	healthy.Store(true)
	require.NoError(t, m.WaitOnline(context.Background()))
	assert.True(t, m.Connected())
}

func TestHandleErrorIgnoresRPCErrors(t *testing.T) {
	t.Parallel()
	m := connection.New(context.Background(), nil, connection.Options{})
	defer m.Close()

	assert.False(t, m.HandleError(errors.New("PEER_ID_INVALID")))
	assert.True(t, m.Connected())
}

func TestCloseReleasesWaiters(t *testing.T) {
	t.Parallel()
	m := connection.New(context.Background(), func(context.Context) error { return io.EOF },
		connection.Options{PingInterval: time.Hour})

	m.MarkDisconnected()
	done := make(chan error, 1)
	go func() { done <- m.WaitOnline(context.Background()) }()

	m.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, connection.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
	m.MarkConnected()
	assert.False(t, m.Connected(), "closed monitor stays offline")
}
