package middleware

import (
	"context"
	"time"

	"tg-forwarder/internal/domain/filters"
	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/pipeline"

	"go.uber.org/zap"
)

// Filter применяет фильтры правила: ключевые слова, медиа, отправителя и
// замены текста. Отсеянные правила снимаются с обработки.
type Filter struct {
	engine *filters.Engine
	bus    Publisher
	now    func() time.Time
}

// NewFilter создаёт звено фильтрации.
func NewFilter(engine *filters.Engine, bus Publisher) *Filter {
	return &Filter{engine: engine, bus: bus, now: time.Now}
}

func (f *Filter) Name() string { return "filter" }

func (f *Filter) Process(ctx context.Context, mc *pipeline.MessageContext, next pipeline.Next) (pipeline.Outcome, error) {
	members := filters.DedupAlbum(mc.Members())

	for _, rs := range mc.Active() {
		d := f.engine.Evaluate(rs.Rule, members)
		if !d.Admit {
			rs.Dropped = true
			logger.Info("message filtered by rule",
				zap.Uint("rule_id", rs.Rule.ID),
				zap.Int64("chat_id", mc.ChatID),
				zap.Int("message_id", mc.Message.ID),
				zap.String("reason", d.Reason),
			)
			publishFiltered(ctx, f.bus, mc, rs, d.Reason, f.now())
			continue
		}
		rs.Messages = d.Messages
		rs.Text = d.Text
		rs.Modified = d.Modified
		rs.TextOnly = d.TextOnly
	}

	if len(mc.Active()) == 0 {
		return pipeline.Stop(), nil
	}
	return next(ctx, mc)
}
