// Package events — payload'ы событий шины пересылки.
package events

import (
	"time"

	"tg-forwarder/internal/transport"
)

// Forward — исход доставки одного исходного сообщения по правилу. Для
// альбома публикуется по событию на каждое сообщение с общим At.
type Forward struct {
	RuleID          uint
	SourceChatID    int64
	TargetChatID    int64
	TargetKey       string // нормализованный идентификатор получателя
	Message         *transport.Message
	TargetMessageID int
	Mode            string
	At              time.Time
	Duration        time.Duration
	Err             error
}

// Filtered — правило отсеяло сообщение.
type Filtered struct {
	RuleID       uint
	SourceChatID int64
	MessageID    int
	Reason       string
	At           time.Time
}
