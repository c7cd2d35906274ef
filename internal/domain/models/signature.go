package models

import "time"

// MediaSignature — запись дедупликации для чата-получателя. Тело сообщения не
// хранится, только идентификаторы и хеши.
type MediaSignature struct {
	ID          uint64    `gorm:"primaryKey"`
	ChatID      string    `gorm:"not null;size:32;index:idx_sig_chat_sig,priority:1;index:idx_sig_chat_hash,priority:1"`
	Signature   string    `gorm:"not null;size:128;index:idx_sig_chat_sig,priority:2"`
	FileID      string    `gorm:"size:64"`
	ContentHash string    `gorm:"size:64;index:idx_sig_chat_hash,priority:2"`
	MediaType   string    `gorm:"size:16"`
	CreatedAt   time.Time `gorm:"index"`
}

func (MediaSignature) TableName() string { return "media_signature" }

// KVCache — строка встроенного KV-бэкенда. ExpiresAt — unix-время в секундах,
// 0 означает бессрочную запись.
type KVCache struct {
	Key       string `gorm:"primaryKey;size:512"`
	Value     string `gorm:"type:text"`
	ExpiresAt int64  `gorm:"not null;default:0;index"`
}

func (KVCache) TableName() string { return "kv_cache" }
