package models

import (
	"strconv"
	"time"
)

// ChatType — вид чата в каталоге.
type ChatType string

const (
	ChatUser    ChatType = "user"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
)

// Chat — запись каталога чатов. TelegramChatID хранится в нормализованной
// неотрицательной форме без префикса -100.
type Chat struct {
	ID             uint     `gorm:"primaryKey"`
	TelegramChatID string   `gorm:"not null;uniqueIndex;size:32"`
	Name           string   `gorm:"size:255"`
	Type           ChatType `gorm:"size:16"`
	CurrentAddID   string   `gorm:"size:32"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Chat) TableName() string { return "chat" }

// PeerID возвращает нормализованный идентификатор как число; 0 — запись пуста
// или повреждена.
func (c Chat) PeerID() int64 {
	id, err := strconv.ParseInt(c.TelegramChatID, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// ForwardMapping позволяет чату выступать источником для правила, физически
// принадлежащего другой паре чатов.
type ForwardMapping struct {
	ID           uint `gorm:"primaryKey"`
	SourceChatID uint `gorm:"not null;index"`
	TargetChatID uint `gorm:"not null;index"`
	RuleID       uint `gorm:"not null;index"`
	Enabled      bool
	CreatedAt    time.Time
}

func (ForwardMapping) TableName() string { return "forward_mapping" }
