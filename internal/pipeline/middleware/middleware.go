// Package middleware — звенья цепочки пересылки: загрузка правил,
// дедупликация, фильтры, AI-переписывание и отправка. Зависимости описаны
// здесь узкими интерфейсами; их реализуют репозитории, движок дедупликации,
// ограничитель частоты и реестр AI-провайдеров.
package middleware

import (
	"context"
	"time"

	"tg-forwarder/internal/dedup"
	"tg-forwarder/internal/domain/events"
	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/infra/eventbus"
	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/pipeline"
	"tg-forwarder/internal/transport"

	"go.uber.org/zap"
)

// RuleSource отдаёт активные правила для чата-источника по убыванию приоритета.
type RuleSource interface {
	GetRulesForSourceChat(ctx context.Context, chatID int64) ([]models.ForwardingRule, error)
}

// Deduper — оптимистичная дедупликация с предварительной блокировкой.
type Deduper interface {
	CheckAndLock(ctx context.Context, chatID string, msg *transport.Message) (dedup.Result, error)
	Rollback(chatID string, msg *transport.Message)
}

// Publisher публикует события шины.
type Publisher interface {
	Publish(ctx context.Context, topic eventbus.Topic, payload any, wait bool) error
}

// Courier выполняет вызовы Telegram через слой ограничения частоты.
type Courier interface {
	ForwardMessagesQueued(ctx context.Context, tr transport.Transport, src, dst int64, ids []int, opts transport.ForwardOptions) ([]int, error)
	SendMessageQueued(ctx context.Context, tr transport.Transport, src, dst int64, text string, opts transport.SendOptions) (int, error)
	SendMediaQueued(ctx context.Context, tr transport.Transport, src, dst int64, msgs []*transport.Message, caption string, opts transport.SendOptions) ([]int, error)
	DeleteMessagesQueued(ctx context.Context, tr transport.Transport, chat int64, ids []int) error
}

// Rewriter переписывает текст моделью.
type Rewriter interface {
	ProcessMessage(ctx context.Context, text, prompt, model string, images [][]byte) (string, error)
}

func publishFiltered(ctx context.Context, bus Publisher, mc *pipeline.MessageContext, rs *pipeline.RuleState, reason string, now time.Time) {
	if bus == nil {
		return
	}
	ev := events.Filtered{
		RuleID:       rs.Rule.ID,
		SourceChatID: mc.ChatID,
		MessageID:    mc.Message.ID,
		Reason:       reason,
		At:           now,
	}
	if err := bus.Publish(ctx, eventbus.TopicRuleFiltered, ev, false); err != nil {
		logger.Warn("publish filtered event failed", zap.Uint("rule_id", rs.Rule.ID), zap.Error(err))
	}
}

// deleteSource удаляет исходные сообщения задачи; ошибка только логируется.
func deleteSource(ctx context.Context, courier Courier, tr transport.Transport, mc *pipeline.MessageContext) {
	ids := mc.MemberIDs()
	if err := courier.DeleteMessagesQueued(ctx, tr, mc.ChatID, ids); err != nil {
		logger.Warn("delete source messages failed",
			zap.Int64("chat_id", mc.ChatID),
			zap.Ints("message_ids", ids),
			zap.Error(err),
		)
		return
	}
	logger.Debug("source messages deleted", zap.Int64("chat_id", mc.ChatID), zap.Ints("message_ids", ids))
}
