package ingest_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"tg-forwarder/internal/domain/events"
	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/infra/eventbus"
	"tg-forwarder/internal/ingest"
	"tg-forwarder/internal/repository/tasks"
	"tg-forwarder/internal/transport"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRules struct {
	prio  map[int64]int
	rules map[int64][]models.ForwardingRule
}

func (f *fakeRules) GetPriorityMap(context.Context) (map[int64]int, error) {
	return f.prio, nil
}

func (f *fakeRules) GetRulesForSourceChat(_ context.Context, chatID int64) ([]models.ForwardingRule, error) {
	return f.rules[chatID], nil
}

type fakeQueue struct {
	mu    sync.Mutex
	items []tasks.Item
}

func (q *fakeQueue) PushBatch(_ context.Context, items []tasks.Item) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
	return len(items), nil
}

func (q *fakeQueue) snapshot() []tasks.Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]tasks.Item(nil), q.items...)
}

type fakeDispatcher struct {
	onMessage tg.NewMessageHandler
	onChannel tg.NewChannelMessageHandler
}

func (d *fakeDispatcher) OnNewMessage(h tg.NewMessageHandler)               { d.onMessage = h }
func (d *fakeDispatcher) OnNewChannelMessage(h tg.NewChannelMessageHandler) { d.onChannel = h }

func newIngestor(rules *fakeRules) (*ingest.Ingestor, *fakeQueue) {
	q := &fakeQueue{}
	return ingest.New(rules, q, ingest.Options{FlushSize: 100, FlushEvery: time.Hour}), q
}

func TestAcceptDropsChatsWithoutRules(t *testing.T) {
	t.Parallel()

	in, q := newIngestor(&fakeRules{
		prio:  map[int64]int{10: 5},
		rules: map[int64][]models.ForwardingRule{20: {{Priority: 1}, {Priority: 7}}},
	})
	ctx := context.Background()

	require.NoError(t, in.Accept(ctx, 10, 1, 0))
	require.NoError(t, in.Accept(ctx, 20, 2, 0))
	require.NoError(t, in.Accept(ctx, 30, 3, 0))
	assert.Equal(t, 2, in.Pending())
	require.NoError(t, in.Stop(ctx))

	items := q.snapshot()
	require.Len(t, items, 2)
	assert.Equal(t, 5, items[0].Options.Priority)
	assert.Equal(t, "process_message:10:1", items[0].Options.UniqueKey)
	assert.Equal(t, 7, items[1].Options.Priority)
	assert.Equal(t, tasks.ProcessMessage{ChatID: 20, MessageID: 2}, items[1].Payload)
}

func TestAcceptFlushesBySize(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	in := ingest.New(&fakeRules{prio: map[int64]int{1: 0}}, q, ingest.Options{FlushSize: 2, FlushEvery: time.Hour})
	ctx := context.Background()

	require.NoError(t, in.Accept(ctx, 1, 1, 0))
	assert.Empty(t, q.snapshot())
	require.NoError(t, in.Accept(ctx, 1, 2, 0))
	assert.Len(t, q.snapshot(), 2)
}

func TestProcessedAlbumIsSkipped(t *testing.T) {
	t.Parallel()

	in, q := newIngestor(&fakeRules{prio: map[int64]int{1: 0}})
	bus := eventbus.New()
	in.Subscribe(bus)
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, eventbus.TopicForwardSuccess, events.Forward{
		SourceChatID: 1,
		Message:      &transport.Message{ID: 5, ChatID: 1, GroupedID: 99},
	}, true))

	require.NoError(t, in.Accept(ctx, 1, 6, 99))
	require.NoError(t, in.Accept(ctx, 1, 7, 100))
	require.NoError(t, in.Stop(ctx))

	items := q.snapshot()
	require.Len(t, items, 1)
	assert.Equal(t, tasks.ProcessMessage{ChatID: 1, MessageID: 7, GroupedID: 100}, items[0].Payload)
}

func TestRegisteredHandlers(t *testing.T) {
	t.Parallel()

	in, q := newIngestor(&fakeRules{prio: map[int64]int{1001: 0, 7: 0}})
	d := &fakeDispatcher{}
	in.Register(d)
	require.NotNil(t, d.onMessage)
	require.NotNil(t, d.onChannel)
	ctx := context.Background()

	require.NoError(t, d.onChannel(ctx, tg.Entities{}, &tg.UpdateNewChannelMessage{
		Message: &tg.Message{ID: 3, Out: true, PeerID: &tg.PeerChannel{ChannelID: 1001}},
	}))
	require.NoError(t, d.onMessage(ctx, tg.Entities{}, &tg.UpdateNewMessage{
		Message: &tg.Message{ID: 4, Out: true, PeerID: &tg.PeerChat{ChatID: 7}},
	}))
	for range 2 {
		require.NoError(t, d.onMessage(ctx, tg.Entities{}, &tg.UpdateNewMessage{
			Message: &tg.Message{ID: 5, PeerID: &tg.PeerChat{ChatID: 7}},
		}))
	}
	require.NoError(t, d.onMessage(ctx, tg.Entities{}, &tg.UpdateNewMessage{
		Message: &tg.MessageService{ID: 6, PeerID: &tg.PeerChat{ChatID: 7}},
	}))
	require.NoError(t, in.Stop(ctx))

	items := q.snapshot()
	require.Len(t, items, 2)
	assert.Equal(t, tasks.ProcessMessage{ChatID: 1001, MessageID: 3}, items[0].Payload)
	assert.Equal(t, tasks.ProcessMessage{ChatID: 7, MessageID: 5}, items[1].Payload)
}
