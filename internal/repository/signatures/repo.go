// Package signatures — постоянное хранилище сигнатур дедупликации
// (таблица media_signature).
package signatures

import (
	"context"
	"time"

	"tg-forwarder/internal/domain/models"

	"github.com/go-faster/errors"
	"gorm.io/gorm"
)

const (
	insertBatchSize = 100
	walkBatchSize   = 1000
)

// Repo работает с media_signature.
type Repo struct {
	db *gorm.DB
}

// New создаёт репозиторий.
func New(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) exists(ctx context.Context, column, chatID, value string, since time.Time) (bool, error) {
	q := r.db.WithContext(ctx).Model(&models.MediaSignature{}).
		Where("chat_id = ? AND "+column+" = ?", chatID, value)
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	var ids []uint64
	if err := q.Limit(1).Pluck("id", &ids).Error; err != nil {
		return false, errors.Wrapf(err, "lookup %s", column)
	}
	return len(ids) > 0, nil
}

// HasSignature сообщает, есть ли сигнатура у чата (не старше since).
func (r *Repo) HasSignature(ctx context.Context, chatID, signature string, since time.Time) (bool, error) {
	return r.exists(ctx, "signature", chatID, signature, since)
}

// HasContentHash сообщает, есть ли хеш содержимого у чата (не старше since).
func (r *Repo) HasContentHash(ctx context.Context, chatID, hash string, since time.Time) (bool, error) {
	return r.exists(ctx, "content_hash", chatID, hash, since)
}

// InsertBatch записывает пачку строк одной транзакцией.
func (r *Repo) InsertBatch(ctx context.Context, rows []models.MediaSignature) error {
	if len(rows) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, insertBatchSize).Error
	})
	if err != nil {
		return errors.Wrap(err, "insert signatures")
	}
	return nil
}

// DeleteOlderThan удаляет строки, созданные раньше before.
func (r *Repo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", before).Delete(&models.MediaSignature{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "delete old signatures")
	}
	return res.RowsAffected, nil
}

// WalkSince обходит сигнатуры не старше since пачками.
func (r *Repo) WalkSince(ctx context.Context, since time.Time, fn func(chatID, signature, hash string)) error {
	q := r.db.WithContext(ctx).Model(&models.MediaSignature{})
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	var batch []models.MediaSignature
	err := q.FindInBatches(&batch, walkBatchSize, func(_ *gorm.DB, _ int) error {
		for _, row := range batch {
			fn(row.ChatID, row.Signature, row.ContentHash)
		}
		return nil
	}).Error
	if err != nil {
		return errors.Wrap(err, "walk signatures")
	}
	return nil
}

// Count возвращает число строк чата.
func (r *Repo) Count(ctx context.Context, chatID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.MediaSignature{}).Where("chat_id = ?", chatID).Count(&n).Error
	if err != nil {
		return n, errors.Wrap(err, "count signatures")
	}
	return n, nil
}
