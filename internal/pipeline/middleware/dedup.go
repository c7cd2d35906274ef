package middleware

import (
	"context"
	"time"

	"tg-forwarder/internal/domain/events"
	"tg-forwarder/internal/infra/eventbus"
	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/pipeline"
	"tg-forwarder/internal/transport"

	"go.uber.org/zap"
)

// Dedup проверяет каждое правило с включённой дедупликацией против его
// получателя. Взятые блокировки снимаются, если правило в итоге не выполнено;
// выполненные фиксирует подписчик forward.success.
type Dedup struct {
	engine  Deduper
	bus     Publisher
	courier Courier
	tr      transport.Transport
	now     func() time.Time
}

// NewDedup создаёт звено дедупликации. courier и tr нужны, чтобы удалить
// исходник, когда все правила отсеяны как дубликаты с is_delete_original.
func NewDedup(engine Deduper, bus Publisher, courier Courier, tr transport.Transport) *Dedup {
	return &Dedup{engine: engine, bus: bus, courier: courier, tr: tr, now: time.Now}
}

func (d *Dedup) Name() string { return "dedup" }

func (d *Dedup) Process(ctx context.Context, mc *pipeline.MessageContext, next pipeline.Next) (pipeline.Outcome, error) {
	members := mc.Members()
	deleteAfterDrop := false

	for _, rs := range mc.Active() {
		if !rs.Rule.EnableDedup {
			continue
		}
		key := rs.TargetKey()
		for _, msg := range members {
			res, err := d.engine.CheckAndLock(ctx, key, msg)
			if err != nil {
				d.release(rs)
				d.rollbackAll(mc)
				return pipeline.Outcome{}, err
			}
			if res.Duplicate {
				logger.Info("duplicate skipped for rule",
					zap.Uint("rule_id", rs.Rule.ID),
					zap.String("target", key),
					zap.Int("message_id", msg.ID),
					zap.String("reason", res.Reason),
				)
				d.release(rs)
				rs.Dropped = true
				rs.DeleteSource = rs.Rule.IsDeleteOriginal
				deleteAfterDrop = deleteAfterDrop || rs.DeleteSource
				publishFiltered(ctx, d.bus, mc, rs, "duplicate: "+res.Reason, d.now())
				break
			}
			rs.Locked = append(rs.Locked, msg)
		}
	}

	if len(mc.Active()) == 0 {
		if deleteAfterDrop && d.courier != nil {
			deleteSource(ctx, d.courier, d.tr, mc)
		}
		return pipeline.Stop(), nil
	}

	out, err := next(ctx, mc)
	d.rollbackAll(mc)
	return out, err
}

// rollbackAll снимает блокировки невыполненных правил, а у выполненных —
// блокировки членов, которые так и не были отправлены (отсеяны фильтром или
// заменены текстовой отправкой).
func (d *Dedup) rollbackAll(mc *pipeline.MessageContext) {
	for _, rs := range mc.Rules {
		if !rs.Done {
			d.release(rs)
			continue
		}
		d.releaseUndelivered(rs)
	}
}

func (d *Dedup) releaseUndelivered(rs *pipeline.RuleState) {
	if len(rs.Locked) == 0 {
		return
	}
	delivered := make(map[*transport.Message]struct{}, len(rs.Messages))
	for _, m := range rs.Delivered() {
		delivered[m] = struct{}{}
	}
	key := rs.TargetKey()
	released := 0
	for _, msg := range rs.Locked {
		if _, ok := delivered[msg]; ok {
			continue
		}
		d.engine.Rollback(key, msg)
		released++
	}
	if released > 0 {
		logger.Debug("undelivered dedup locks rolled back", zap.Uint("rule_id", rs.Rule.ID), zap.Int("count", released))
	}
	rs.Locked = nil
}

func (d *Dedup) release(rs *pipeline.RuleState) {
	if len(rs.Locked) == 0 {
		return
	}
	key := rs.TargetKey()
	for _, msg := range rs.Locked {
		d.engine.Rollback(key, msg)
	}
	logger.Debug("dedup locks rolled back", zap.Uint("rule_id", rs.Rule.ID), zap.Int("count", len(rs.Locked)))
	rs.Locked = nil
}

// Committer делает сигнатуру доставленного сообщения долговечной.
type Committer interface {
	Commit(ctx context.Context, chatID string, msg *transport.Message)
}

// SubscribeDedupCommit фиксирует сигнатуры на каждый forward.success.
// Текстовая отправка вместо медиа сигнатуру исходника не фиксирует.
// Событие публикуется синхронно, поэтому к моменту завершения задачи
// сигнатура уже записана.
func SubscribeDedupCommit(bus *eventbus.Bus, c Committer) {
	bus.Subscribe(eventbus.TopicForwardSuccess, "dedup.commit", func(ctx context.Context, ev eventbus.Event) error {
		fe, ok := ev.Payload.(events.Forward)
		if !ok || fe.Message == nil || fe.Mode == ModeText {
			return nil
		}
		c.Commit(ctx, fe.TargetKey, fe.Message)
		return nil
	})
}
