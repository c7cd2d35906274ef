package middleware

import (
	"context"
	"slices"
	"time"

	"tg-forwarder/internal/domain/events"
	"tg-forwarder/internal/infra/eventbus"
	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/infra/metrics"
	"tg-forwarder/internal/pipeline"
	"tg-forwarder/internal/transport"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// Режимы доставки в событиях и журнале.
const (
	ModeForward = "forward"
	ModeCopy    = "copy"
	ModeText    = "text"
)

// Sender доставляет сообщение по каждому оставшемуся правилу. Все вызовы
// идут через Courier с ключом (источник, получатель).
type Sender struct {
	courier Courier
	tr      transport.Transport
	bus     Publisher
	now     func() time.Time
}

// NewSender создаёт последнее звено цепочки.
func NewSender(courier Courier, tr transport.Transport, bus Publisher) *Sender {
	return &Sender{courier: courier, tr: tr, bus: bus, now: time.Now}
}

// SetClock подменяет источник времени (для тестов).
func (s *Sender) SetClock(now func() time.Time) { s.now = now }

func (s *Sender) Name() string { return "sender" }

func (s *Sender) Process(ctx context.Context, mc *pipeline.MessageContext, next pipeline.Next) (pipeline.Outcome, error) {
	deleteAfter := false
	for _, rs := range mc.Active() {
		if err := s.deliver(ctx, mc, rs); err != nil {
			mc.Fail(rs, err)
			logger.Warn("rule delivery failed",
				zap.Uint("rule_id", rs.Rule.ID),
				zap.Int64("source", mc.ChatID),
				zap.Int64("target", rs.Target),
				zap.Error(err),
			)
			continue
		}
		if rs.Done && rs.Rule.IsDeleteOriginal {
			rs.DeleteSource = true
			deleteAfter = true
		}
	}

	if deleteAfter {
		deleteSource(ctx, s.courier, s.tr, mc)
	}
	if err := mc.Result(); err != nil {
		return pipeline.Outcome{}, err
	}
	return next(ctx, mc)
}

// CopyMode решает, отправлять ли копию вместо пересылки.
func CopyMode(rs *pipeline.RuleState) bool {
	r := rs.Rule
	if r.ForcePureForward {
		return false
	}
	return rs.Modified || r.IsReplace || r.IsAI || !r.IsOriginalSender
}

func (s *Sender) deliver(ctx context.Context, mc *pipeline.MessageContext, rs *pipeline.RuleState) error {
	sent := rs.Messages
	if rs.TextOnly || len(sent) == 0 {
		sent = []*transport.Message{mc.Message}
	}

	start := s.now()
	var (
		targetIDs []int
		mode      string
		err       error
	)
	switch {
	case rs.TextOnly:
		mode = ModeText
		var id int
		id, err = s.courier.SendMessageQueued(ctx, s.tr, mc.ChatID, rs.Target, rs.Text, transport.SendOptions{})
		targetIDs = []int{id}
	case CopyMode(rs):
		mode = ModeCopy
		targetIDs, err = s.copy(ctx, mc, rs)
	default:
		mode = ModeForward
		ids := make([]int, 0, len(rs.Messages))
		for _, m := range rs.Messages {
			ids = append(ids, m.ID)
		}
		slices.Sort(ids)
		targetIDs, err = s.courier.ForwardMessagesQueued(ctx, s.tr, mc.ChatID, rs.Target, ids, transport.ForwardOptions{})
	}

	dur := s.now().Sub(start)
	if errors.Is(err, errNothingToSend) {
		rs.Dropped = true
		logger.Debug("nothing to send for rule", zap.Uint("rule_id", rs.Rule.ID))
		return nil
	}

	topic, result := eventbus.TopicForwardSuccess, "success"
	if err != nil {
		topic, result = eventbus.TopicForwardFailed, "failed"
	} else {
		rs.Done = true
	}
	metrics.Forwards.WithLabelValues(result, mode).Inc()
	s.publish(ctx, topic, mc, rs, sent, targetIDs, mode, start, dur, err)
	return err
}

var errNothingToSend = errors.New("nothing to send")

func (s *Sender) copy(ctx context.Context, mc *pipeline.MessageContext, rs *pipeline.RuleState) ([]int, error) {
	media := make([]*transport.Message, 0, len(rs.Messages))
	for _, m := range rs.Messages {
		if m.HasMedia() {
			media = append(media, m)
		}
	}
	if len(media) > 0 {
		return s.courier.SendMediaQueued(ctx, s.tr, mc.ChatID, rs.Target, media, rs.Text, transport.SendOptions{})
	}
	if rs.Text == "" {
		return nil, errNothingToSend
	}
	id, err := s.courier.SendMessageQueued(ctx, s.tr, mc.ChatID, rs.Target, rs.Text, transport.SendOptions{})
	return []int{id}, err
}

// publish отправляет по событию на каждое исходное сообщение с общим At.
// Успех публикуется синхронно: фиксация дедупликации должна закончиться до
// завершения задачи.
func (s *Sender) publish(
	ctx context.Context,
	topic eventbus.Topic,
	mc *pipeline.MessageContext,
	rs *pipeline.RuleState,
	sent []*transport.Message,
	targetIDs []int,
	mode string,
	at time.Time,
	dur time.Duration,
	sendErr error,
) {
	if s.bus == nil {
		return
	}
	for i, m := range sent {
		ev := events.Forward{
			RuleID:       rs.Rule.ID,
			SourceChatID: mc.ChatID,
			TargetChatID: rs.Target,
			TargetKey:    rs.TargetKey(),
			Message:      m,
			Mode:         mode,
			At:           at,
			Duration:     dur,
			Err:          sendErr,
		}
		if i < len(targetIDs) {
			ev.TargetMessageID = targetIDs[i]
		}
		if err := s.bus.Publish(ctx, topic, ev, true); err != nil {
			logger.Warn("forward event handler failed",
				zap.String("topic", string(topic)),
				zap.Uint("rule_id", rs.Rule.ID),
				zap.Error(err),
			)
		}
	}
}
