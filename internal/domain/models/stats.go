package models

import "time"

// RuleAction — вид записи журнала правила.
type RuleAction string

const (
	ActionForward RuleAction = "forward"
	ActionFilter  RuleAction = "filter"
	ActionError   RuleAction = "error"
)

// RuleLog — запись журнала обработки сообщения правилом. ProcessingTime —
// длительность в миллисекундах.
type RuleLog struct {
	ID              uint64     `gorm:"primaryKey"`
	RuleID          uint       `gorm:"not null;index"`
	Action          RuleAction `gorm:"not null;size:16"`
	SourceMessageID int
	TargetMessageID int
	Result          string `gorm:"size:64"`
	ErrorMessage    string `gorm:"type:text"`
	ProcessingTime  int64
	CreatedAt       time.Time `gorm:"index"`
}

func (RuleLog) TableName() string { return "rule_log" }

// RuleStatistics — дневные счётчики правила.
type RuleStatistics struct {
	ID           uint64 `gorm:"primaryKey"`
	Date         string `gorm:"not null;size:10;uniqueIndex:idx_rule_stat_day"`
	RuleID       uint   `gorm:"not null;uniqueIndex:idx_rule_stat_day"`
	SuccessCount int64
	ErrorCount   int64
	FilterCount  int64
}

func (RuleStatistics) TableName() string { return "rule_statistics" }

// ChatStatistics — дневные счётчики чата.
type ChatStatistics struct {
	ID           uint64 `gorm:"primaryKey"`
	Date         string `gorm:"not null;size:10;uniqueIndex:idx_chat_stat_day"`
	ChatID       string `gorm:"not null;size:32;uniqueIndex:idx_chat_stat_day"`
	MessageCount int64
	ForwardCount int64
}

func (ChatStatistics) TableName() string { return "chat_statistics" }

// All перечисляет модели для AutoMigrate в порядке зависимостей.
func All() []any {
	return []any{
		&Chat{},
		&ForwardingRule{},
		&Keyword{},
		&ReplaceRule{},
		&MediaTypes{},
		&MediaExtension{},
		&PushConfig{},
		&RuleSender{},
		&ForwardMapping{},
		&TaskQueueEntry{},
		&MediaSignature{},
		&RuleLog{},
		&RuleStatistics{},
		&ChatStatistics{},
	}
}
