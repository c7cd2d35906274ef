// Package models — gorm-модели постоянного хранилища форвардера: правила
// маршрутизации и связанные сущности, каталог чатов, очередь задач, подписи
// дедупликации, журнал и статистика.
package models

import (
	"strings"
	"time"
)

// ForwardMode — режим сопоставления ключевых слов правила.
type ForwardMode string

const (
	ModeWhitelist              ForwardMode = "whitelist"
	ModeBlacklist              ForwardMode = "blacklist"
	ModeWhitelistThenBlacklist ForwardMode = "whitelist_then_blacklist"
	ModeBlacklistThenWhitelist ForwardMode = "blacklist_then_whitelist"
)

// ListMode — режим списка (расширения файлов, отправители).
type ListMode string

const (
	ListAllow ListMode = "allow"
	ListDeny  ListMode = "deny"
)

// ForwardingRule — декларативная политика пересылки из чата-источника в
// чат-получатель. Булевы поля без тега default: gorm подставил бы значение по
// умолчанию вместо нулевого false при Create.
type ForwardingRule struct {
	ID           uint `gorm:"primaryKey"`
	SourceChatID uint `gorm:"not null;uniqueIndex:idx_rule_pair"`
	TargetChatID uint `gorm:"not null;uniqueIndex:idx_rule_pair;index"`
	SourceChat   Chat `gorm:"foreignKey:SourceChatID"`
	TargetChat   Chat `gorm:"foreignKey:TargetChatID"`

	EnableRule  bool
	Priority    int         `gorm:"index"`
	ForwardMode ForwardMode `gorm:"size:32"`

	EnableReverseBlacklist bool
	EnableReverseWhitelist bool
	IsReplace              bool

	EnableMediaTypeFilter     bool
	EnableMediaSizeFilter     bool
	MinMediaSizeKB            int64
	MaxMediaSizeKB            int64
	EnableExtensionFilter     bool
	ExtensionFilterMode       ListMode `gorm:"size:8"`
	EnableDurationFilter      bool
	MinDurationSec            int
	MaxDurationSec            int
	EnableResolutionFilter    bool
	MinWidth                  int
	MaxWidth                  int
	MinHeight                 int
	MaxHeight                 int
	AllowTextWhenMediaBlocked bool

	EnableSenderFilter bool
	SenderFilterMode   ListMode `gorm:"size:8"`

	IsAI          bool
	AIModel       string `gorm:"size:128"`
	AIPrompt      string
	IsSummary     bool   `gorm:"index"`
	SummaryTime   string `gorm:"size:5"`
	SummaryPrompt string

	EnableDelay  bool
	DelaySeconds int

	ForcePureForward bool
	IsOriginalSender bool
	EnableDedup      bool
	IsDeleteOriginal bool
	OnlyRSS          bool
	EnablePush       bool

	Keywords        []Keyword        `gorm:"foreignKey:RuleID;constraint:OnDelete:CASCADE"`
	ReplaceRules    []ReplaceRule    `gorm:"foreignKey:RuleID;constraint:OnDelete:CASCADE"`
	MediaTypes      *MediaTypes      `gorm:"foreignKey:RuleID;constraint:OnDelete:CASCADE"`
	MediaExtensions []MediaExtension `gorm:"foreignKey:RuleID;constraint:OnDelete:CASCADE"`
	PushConfigs     []PushConfig     `gorm:"foreignKey:RuleID;constraint:OnDelete:CASCADE"`
	Senders         []RuleSender     `gorm:"foreignKey:RuleID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName фиксирует имя таблицы.
func (ForwardingRule) TableName() string { return "forwarding_rule" }

// NewRule возвращает правило с теми же значениями по умолчанию, что и
// административная поверхность: включено, чёрный список, оригинальный
// отправитель, дедупликация и сводка в 07:00.
func NewRule(sourceChatID, targetChatID uint) ForwardingRule {
	return ForwardingRule{
		SourceChatID:        sourceChatID,
		TargetChatID:        targetChatID,
		EnableRule:          true,
		ForwardMode:         ModeBlacklist,
		ExtensionFilterMode: ListDeny,
		SenderFilterMode:    ListAllow,
		IsOriginalSender:    true,
		EnableDedup:         true,
		SummaryTime:         "07:00",
	}
}

// NeedsDownload сообщает, требуется ли локальная копия медиа: только для
// push-каналов, отправляющих медиа файлом.
func (r *ForwardingRule) NeedsDownload() bool {
	if !r.EnablePush {
		return false
	}
	for _, pc := range r.PushConfigs {
		if pc.Enabled && pc.MediaSendMode == MediaSendFile {
			return true
		}
	}
	return false
}

// Keyword — ключевое слово правила.
type Keyword struct {
	ID          uint   `gorm:"primaryKey"`
	RuleID      uint   `gorm:"not null;index"`
	Keyword     string `gorm:"not null"`
	IsRegex     bool
	IsBlacklist bool
}

func (Keyword) TableName() string { return "keyword" }

// ReplaceRule — упорядоченная замена pattern → content (pattern — regexp).
type ReplaceRule struct {
	ID       uint   `gorm:"primaryKey"`
	RuleID   uint   `gorm:"not null;index"`
	Position int    `gorm:"not null;default:0"`
	Pattern  string `gorm:"not null"`
	Content  string
}

func (ReplaceRule) TableName() string { return "replace_rule" }

// MediaTypes — маска заблокированных типов медиа (true = тип блокируется).
type MediaTypes struct {
	ID       uint `gorm:"primaryKey"`
	RuleID   uint `gorm:"not null;uniqueIndex"`
	Photo    bool
	Document bool
	Video    bool
	Audio    bool
	Voice    bool
}

func (MediaTypes) TableName() string { return "media_type" }

// Blocks сообщает, заблокирован ли вид медиа kind.
func (m *MediaTypes) Blocks(kind string) bool {
	if m == nil {
		return false
	}
	switch kind {
	case "photo":
		return m.Photo
	case "video":
		return m.Video
	case "audio":
		return m.Audio
	case "voice":
		return m.Voice
	case "document":
		return m.Document
	default:
		return false
	}
}

// MediaExtension — расширение файла для фильтра по расширениям (без точки).
type MediaExtension struct {
	ID        uint   `gorm:"primaryKey"`
	RuleID    uint   `gorm:"not null;index"`
	Extension string `gorm:"not null;size:32"`
}

func (MediaExtension) TableName() string { return "media_extension" }

// Normalized возвращает расширение в нижнем регистре без ведущей точки.
func (e MediaExtension) Normalized() string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e.Extension), "."))
}

// MediaSendMode — способ доставки медиа в push-канал.
type MediaSendMode string

const (
	MediaSendSingle MediaSendMode = "single"
	MediaSendFile   MediaSendMode = "file"
)

// PushConfig — внешний push-канал правила.
type PushConfig struct {
	ID            uint   `gorm:"primaryKey"`
	RuleID        uint   `gorm:"not null;index"`
	PushChannel   string `gorm:"not null"`
	Enabled       bool
	MediaSendMode MediaSendMode `gorm:"size:16"`
}

func (PushConfig) TableName() string { return "push_config" }

// RuleSender — элемент фильтра по отправителю.
type RuleSender struct {
	ID       uint  `gorm:"primaryKey"`
	RuleID   uint  `gorm:"not null;index"`
	SenderID int64 `gorm:"not null"`
}

func (RuleSender) TableName() string { return "rule_sender" }
