package middleware

import (
	"context"
	"time"

	"tg-forwarder/internal/errs"
	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/pipeline"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// RuleLoader загружает правила источника и откладывает свежие сообщения,
// если правило просит задержку: задержка нужна, чтобы дождаться правок
// автора.
type RuleLoader struct {
	rules RuleSource
	now   func() time.Time
}

// NewRuleLoader создаёт звено загрузки правил.
func NewRuleLoader(rules RuleSource) *RuleLoader {
	return &RuleLoader{rules: rules, now: time.Now}
}

// SetClock подменяет источник времени (для тестов).
func (l *RuleLoader) SetClock(now func() time.Time) { l.now = now }

func (l *RuleLoader) Name() string { return "rule_loader" }

func (l *RuleLoader) Process(ctx context.Context, mc *pipeline.MessageContext, next pipeline.Next) (pipeline.Outcome, error) {
	rules, err := l.rules.GetRulesForSourceChat(ctx, mc.ChatID)
	if err != nil {
		return pipeline.Outcome{}, errs.Transient(errors.Wrap(err, "load rules"))
	}

	mc.Rules = mc.Rules[:0]
	for i := range rules {
		rule := &rules[i]
		target := rule.TargetChat.PeerID()
		if target == 0 {
			logger.Warn("rule has no resolvable target chat", zap.Uint("rule_id", rule.ID))
			continue
		}
		mc.Rules = append(mc.Rules, &pipeline.RuleState{Rule: rule, Target: target})
	}
	if len(mc.Rules) == 0 {
		logger.Debug("no rules for source chat", zap.Int64("chat_id", mc.ChatID))
		return pipeline.Stop(), nil
	}

	if d := l.delay(mc); d > 0 {
		logger.Info("message delayed by rule",
			zap.Int64("chat_id", mc.ChatID),
			zap.Int("message_id", mc.Message.ID),
			zap.Duration("delay", d),
		)
		return pipeline.Later(d), nil
	}
	return next(ctx, mc)
}

// delay — оставшаяся задержка первого по приоритету правила с включённой
// задержкой. Возраст сообщения, а не флаг в задаче, решает, ждали ли мы уже:
// после отложенного запуска возраст превышает задержку.
func (l *RuleLoader) delay(mc *pipeline.MessageContext) time.Duration {
	for _, rs := range mc.Rules {
		r := rs.Rule
		if !r.EnableDelay || r.DelaySeconds <= 0 {
			continue
		}
		if mc.Message.Date.IsZero() {
			return 0
		}
		want := time.Duration(r.DelaySeconds) * time.Second
		age := l.now().Sub(mc.Message.Date)
		if age >= want {
			return 0
		}
		return max(want-age, time.Second)
	}
	return 0
}
