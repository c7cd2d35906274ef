// Package notify доставляет служебные уведомления оператору: в журнал и,
// если задан ADMIN_CHAT_ID, в чат Telegram через слой ограничения скорости.
package notify

import (
	"context"
	"errors"
	"html"
	"strings"

	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/transport"

	"go.uber.org/zap"
)

// Level — важность уведомления.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Sink принимает уведомление.
type Sink interface {
	Notify(ctx context.Context, level Level, text string) error
}

// LogSink пишет уведомления в журнал.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, level Level, text string) error {
	switch level {
	case LevelError:
		logger.Error("notification", zap.String("text", text))
	case LevelWarn:
		logger.Warn("notification", zap.String("text", text))
	default:
		logger.Info("notification", zap.String("text", text))
	}
	return nil
}

// Sender — отправка текста под ограничениями скорости.
type Sender interface {
	SendMessageQueued(ctx context.Context, tr transport.Transport, src, dst int64, text string, opts transport.SendOptions) (int, error)
}

// TelegramSink отправляет уведомления в служебный чат.
type TelegramSink struct {
	sender Sender
	tr     transport.Transport
	chatID int64
}

// NewTelegramSink создаёт приёмник для чата chatID.
func NewTelegramSink(sender Sender, tr transport.Transport, chatID int64) *TelegramSink {
	return &TelegramSink{sender: sender, tr: tr, chatID: chatID}
}

var levelIcons = map[Level]string{
	LevelInfo:  "ℹ️",
	LevelWarn:  "⚠️",
	LevelError: "❗",
}

func (s *TelegramSink) Notify(ctx context.Context, level Level, text string) error {
	body := levelIcons[level] + " <b>" + strings.ToUpper(string(level)) + "</b>\n" + html.EscapeString(text)
	_, err := s.sender.SendMessageQueued(ctx, s.tr, s.chatID, s.chatID, body,
		transport.SendOptions{ParseMode: transport.ParseHTML, NoWebpage: true})
	return err
}

// Multi рассылает уведомление во все приёмники и объединяет их ошибки.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, level Level, text string) error {
	var errs error
	for _, s := range m {
		if err := s.Notify(ctx, level, text); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}
