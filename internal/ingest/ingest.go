// Package ingest принимает новые сообщения из потока апдейтов Telegram и
// ставит их в очередь задач. Сообщения из чатов без правил отбрасываются
// сразу, постановка копится в буфере и пишется пачками.
package ingest

import (
	"context"
	"strconv"
	"time"

	"tg-forwarder/internal/domain/events"
	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/infra/batch"
	"tg-forwarder/internal/infra/concurrency"
	"tg-forwarder/internal/infra/eventbus"
	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/infra/metrics"
	"tg-forwarder/internal/repository/tasks"
	"tg-forwarder/internal/support/debug"
	"tg-forwarder/internal/tgutil"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// RuleSource отвечает, есть ли у чата правила и с каким приоритетом.
type RuleSource interface {
	GetPriorityMap(ctx context.Context) (map[int64]int, error)
	GetRulesForSourceChat(ctx context.Context, chatID int64) ([]models.ForwardingRule, error)
}

// Queue — пакетная постановка задач.
type Queue interface {
	PushBatch(ctx context.Context, items []tasks.Item) (int, error)
}

// Dispatcher — часть tg.UpdateDispatcher, нужная приёму.
type Dispatcher interface {
	OnNewMessage(handler tg.NewMessageHandler)
	OnNewChannelMessage(handler tg.NewChannelMessageHandler)
}

// Options — параметры буфера и кэша обработанных альбомов.
type Options struct {
	FlushSize  int
	FlushEvery time.Duration
	GroupTTL   time.Duration
	GroupMax   int

	// RepeatWindow — окно подавления повторно присланных апдейтов.
	RepeatWindow time.Duration
}

// Ingestor — приём входящих сообщений.
type Ingestor struct {
	rules   RuleSource
	buf     *batch.Flusher[tasks.Item]
	groups  *expirable.LRU[string, struct{}]
	repeats *concurrency.RepeatFilter
}

// New создаёт приёмник. Буфер начинает сбрасываться после Start.
func New(rules RuleSource, queue Queue, opts Options) *Ingestor {
	if opts.GroupMax <= 0 {
		opts.GroupMax = 10000 //nolint:mnd
	}
	if opts.GroupTTL <= 0 {
		opts.GroupTTL = 5 * time.Minute //nolint:mnd
	}
	if opts.RepeatWindow <= 0 {
		opts.RepeatWindow = time.Minute
	}
	in := &Ingestor{
		rules:   rules,
		groups:  expirable.NewLRU[string, struct{}](opts.GroupMax, nil, opts.GroupTTL),
		repeats: concurrency.NewRepeatFilter(opts.RepeatWindow),
	}
	in.buf = batch.New("ingest", opts.FlushSize, opts.FlushEvery, func(ctx context.Context, items []tasks.Item) error {
		pushed, err := queue.PushBatch(ctx, items)
		if err != nil {
			return err
		}
		metrics.Ingested.Add(float64(pushed))
		return nil
	})
	return in
}

// Register подписывает обработчики на диспетчер апдейтов.
func (in *Ingestor) Register(d Dispatcher) {
	d.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		msg, ok := u.Message.(*tg.Message)
		if !ok || msg.Out {
			return nil
		}
		debug.Update("message", msg, e)
		return in.acceptUpdate(ctx, msg)
	})
	d.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		msg, ok := u.Message.(*tg.Message)
		if !ok {
			return nil
		}
		debug.Update("channel", msg, e)
		return in.acceptUpdate(ctx, msg)
	})
}

func (in *Ingestor) acceptUpdate(ctx context.Context, msg *tg.Message) error {
	chatID := tgutil.ChatID(msg.PeerID)
	key := concurrency.UpdateKey{ChatID: chatID, MsgID: msg.ID, EditDate: msg.EditDate}
	if in.repeats.Repeated(key) {
		logger.Debug("Repeated update suppressed", zap.Int64("chat_id", chatID), zap.Int("msg_id", msg.ID))
		return nil
	}
	return in.Accept(ctx, chatID, msg.ID, msg.GroupedID)
}

// Subscribe отмечает альбомы, доставленные хотя бы по одному правилу: поздние
// повторы их сообщений больше не ставятся в очередь.
func (in *Ingestor) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.TopicForwardSuccess, "ingest.groups", func(_ context.Context, ev eventbus.Event) error {
		fwd, ok := ev.Payload.(events.Forward)
		if !ok || fwd.Message == nil || fwd.Message.GroupedID == 0 {
			return nil
		}
		in.MarkGroup(fwd.SourceChatID, fwd.Message.GroupedID)
		return nil
	})
}

// MarkGroup запоминает обработанный альбом.
func (in *Ingestor) MarkGroup(chatID, groupedID int64) {
	in.groups.Add(groupKey(chatID, groupedID), struct{}{})
}

// Accept решает, ставить ли сообщение в очередь, и добавляет задачу в буфер.
func (in *Ingestor) Accept(ctx context.Context, chatID int64, msgID int, groupedID int64) error {
	if chatID == 0 || msgID == 0 {
		return nil
	}
	if groupedID != 0 && in.groups.Contains(groupKey(chatID, groupedID)) {
		logger.Debug("Album already processed, skipping",
			zap.Int64("chat", chatID), zap.Int("msg", msgID), zap.Int64("group", groupedID))
		return nil
	}
	priority, ok, err := in.priority(ctx, chatID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	p := tasks.ProcessMessage{ChatID: chatID, MessageID: msgID, GroupedID: groupedID}
	in.buf.Add(context.WithoutCancel(ctx), tasks.Item{
		Payload: p,
		Options: tasks.PushOptions{Priority: priority, UniqueKey: tasks.UniqueKey(p)},
	})
	return nil
}

func (in *Ingestor) priority(ctx context.Context, chatID int64) (int, bool, error) {
	prio, err := in.rules.GetPriorityMap(ctx)
	if err != nil {
		return 0, false, errors.Wrap(err, "priority map")
	}
	if p, ok := prio[chatID]; ok {
		return p, true, nil
	}
	rules, err := in.rules.GetRulesForSourceChat(ctx, chatID)
	if err != nil {
		return 0, false, errors.Wrapf(err, "rules for chat %d", chatID)
	}
	if len(rules) == 0 {
		return 0, false, nil
	}
	best := rules[0].Priority
	for _, r := range rules[1:] {
		best = max(best, r.Priority)
	}
	return best, true, nil
}

// Start запускает фоновый сброс буфера.
func (in *Ingestor) Start(ctx context.Context) {
	in.buf.Start(ctx)
}

// Stop дописывает остаток буфера.
func (in *Ingestor) Stop(ctx context.Context) error {
	return in.buf.Stop(ctx)
}

// Pending — число задач в буфере.
func (in *Ingestor) Pending() int {
	return in.buf.Pending()
}

func groupKey(chatID, groupedID int64) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.FormatInt(groupedID, 10)
}
