package stats_test

import (
	"context"
	"testing"
	"time"

	"tg-forwarder/internal/domain/events"
	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/infra/db/dbtest"
	"tg-forwarder/internal/infra/eventbus"
	"tg-forwarder/internal/repository/stats"
	"tg-forwarder/internal/transport"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwardEventsAreLoggedAndCounted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	conn := dbtest.Open(t)
	repo := stats.New(conn.DB, stats.Options{FlushSize: 100, FlushInterval: time.Hour, Location: time.UTC})
	bus := eventbus.New()
	repo.Subscribe(bus)

	at := time.Now().UTC()
	for i := 1; i <= 3; i++ {
		require.NoError(t, bus.Publish(ctx, eventbus.TopicForwardSuccess, events.Forward{
			RuleID:          7,
			SourceChatID:    -1001234,
			TargetChatID:    -1005678,
			Message:         &transport.Message{ID: i, ChatID: -1001234},
			TargetMessageID: 100 + i,
			Mode:            "forward",
			At:              at,
		}, true))
	}
	require.NoError(t, bus.Publish(ctx, eventbus.TopicForwardFailed, events.Forward{
		RuleID: 7, SourceChatID: -1001234, Message: &transport.Message{ID: 4}, At: at, Err: errors.New("boom"),
	}, true))
	require.NoError(t, bus.Publish(ctx, eventbus.TopicRuleFiltered, events.Filtered{
		RuleID: 7, SourceChatID: -1001234, MessageID: 5, Reason: "keyword", At: at,
	}, true))

	require.NoError(t, repo.Flush(ctx))

	rs, err := repo.RuleStats(ctx, 7, at)
	require.NoError(t, err)
	assert.EqualValues(t, 3, rs.SuccessCount)
	assert.EqualValues(t, 1, rs.ErrorCount)
	assert.EqualValues(t, 1, rs.FilterCount)

	cs, err := repo.ChatStats(ctx, -1001234, at)
	require.NoError(t, err)
	assert.EqualValues(t, 5, cs.MessageCount)
	assert.EqualValues(t, 3, cs.ForwardCount)

	logs, err := repo.RecentLogs(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, logs, 5)
	actions := map[models.RuleAction]int{}
	for _, l := range logs {
		actions[l.Action]++
	}
	assert.Equal(t, map[models.RuleAction]int{models.ActionForward: 3, models.ActionError: 1, models.ActionFilter: 1}, actions)

	n, err := repo.ErrorCount(ctx, 7, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// Второй сброс прибавляется к существующим строкам.
	require.NoError(t, bus.Publish(ctx, eventbus.TopicForwardSuccess, events.Forward{
		RuleID: 7, SourceChatID: -1001234, Message: &transport.Message{ID: 6}, At: at,
	}, true))
	require.NoError(t, repo.Stop(ctx))
	rs, err = repo.RuleStats(ctx, 7, at)
	require.NoError(t, err)
	assert.EqualValues(t, 4, rs.SuccessCount)
}

func TestUnexpectedPayloadIsReported(t *testing.T) {
	t.Parallel()
	conn := dbtest.Open(t)
	repo := stats.New(conn.DB, stats.Options{})
	bus := eventbus.New()
	repo.Subscribe(bus)

	err := bus.Publish(context.Background(), eventbus.TopicForwardSuccess, "oops", true)
	assert.Error(t, err)
}
