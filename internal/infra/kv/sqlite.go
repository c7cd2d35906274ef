package kv

import (
	"context"
	"strings"
	"sync"
	"time"

	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/infra/db"
	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/infra/storage"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLiteStore — встроенный бэкенд: таблица kv_cache в отдельном файле SQLite.
// Просроченные строки удаляются лениво при чтении. Ошибки ввода-вывода и
// признаки повреждения файла приводят к удалению базы вместе с -wal/-shm,
// пересозданию схемы и одному повтору операции.
type SQLiteStore struct {
	path string
	now  func() time.Time

	mu   sync.RWMutex // mu: RLock на операцию, Lock на пересоздание файла
	conn *gorm.DB
}

// NewSQLite открывает (или пересоздаёт) встроенный кеш по пути path.
func NewSQLite(path string) (*SQLiteStore, error) {
	s := &SQLiteStore{path: path, now: time.Now}
	conn, err := s.open()
	if err != nil && isCorruption(err) {
		logger.Warn("kv sqlite corrupted on open, recreating", zap.String("path", path), zap.Error(err))
		if rmErr := storage.RemoveWithSideFiles(path); rmErr != nil {
			return nil, errors.Wrap(rmErr, "remove corrupted kv")
		}
		conn, err = s.open()
	}
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return s, nil
}

// SetClock подменяет источник времени (для тестов TTL).
func (s *SQLiteStore) SetClock(now func() time.Time) { s.now = now }

func (s *SQLiteStore) Backend() string { return "sqlite" }

func (s *SQLiteStore) open() (*gorm.DB, error) {
	conn, err := db.OpenSQLite(s.path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open kv sqlite")
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, errors.Wrap(err, "kv sqlite handle")
	}
	sqlDB.SetMaxOpenConns(1)
	if err := conn.AutoMigrate(&models.KVCache{}); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "migrate kv_cache")
	}
	return conn, nil
}

// recreate удаляет повреждённый файл и открывает чистую базу.
func (s *SQLiteStore) recreate(cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger.Warn("kv sqlite corrupted, recreating", zap.String("path", s.path), zap.Error(cause))
	if s.conn != nil {
		if sqlDB, err := s.conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
		s.conn = nil
	}
	if err := storage.RemoveWithSideFiles(s.path); err != nil {
		return errors.Wrap(err, "remove corrupted kv")
	}
	conn, err := s.open()
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// run выполняет op; при повреждении базы пересоздаёт её и повторяет op не
// более одного раза.
func (s *SQLiteStore) run(ctx context.Context, op func(tx *gorm.DB) error) error {
	err := s.runOnce(ctx, op)
	if err == nil || !isCorruption(err) {
		return err
	}
	if rErr := s.recreate(err); rErr != nil {
		return errors.Wrap(rErr, "recreate kv")
	}
	return s.runOnce(ctx, op)
}

func (s *SQLiteStore) runOnce(ctx context.Context, op func(tx *gorm.DB) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return errors.New("kv sqlite is closed")
	}
	return op(s.conn.WithContext(ctx))
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		row   models.KVCache
		found bool
	)
	err := s.run(ctx, func(tx *gorm.DB) error {
		found = false
		res := tx.Where("key = ?", key).Limit(1).Find(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if row.ExpiresAt > 0 && row.ExpiresAt <= s.now().Unix() {
			return tx.Where("key = ? AND expires_at = ?", key, row.ExpiresAt).Delete(&models.KVCache{}).Error
		}
		found = true
		return nil
	})
	if err != nil {
		return "", false, errors.Wrap(err, "kv get")
	}
	if !found {
		return "", false, nil
	}
	return row.Value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	row := models.KVCache{Key: key, Value: value}
	if ttl > 0 {
		row.ExpiresAt = s.now().Add(ttl).Unix()
	}
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at"}),
		}).Create(&row).Error
	})
	if err != nil {
		return errors.Wrap(err, "kv set")
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.Where("key = ?", key).Delete(&models.KVCache{}).Error
	})
	if err != nil {
		return errors.Wrap(err, "kv delete")
	}
	return nil
}

func (s *SQLiteStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var n int64
	err := s.run(ctx, func(tx *gorm.DB) error {
		res := tx.Where("key LIKE ? ESCAPE '\\'", likePrefix(prefix)).Delete(&models.KVCache{})
		n = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, errors.Wrap(err, "kv delete prefix")
	}
	return int(n), nil
}

func (s *SQLiteStore) CountPrefix(ctx context.Context, prefix string) (int, error) {
	var n int64
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.KVCache{}).
			Where("key LIKE ? ESCAPE '\\'", likePrefix(prefix)).
			Where("expires_at = 0 OR expires_at > ?", s.now().Unix()).
			Count(&n).Error
	})
	if err != nil {
		return 0, errors.Wrap(err, "kv count prefix")
	}
	return int(n), nil
}

func (s *SQLiteStore) StatPrefix(ctx context.Context, prefix string) (Stat, error) {
	var out struct {
		Count int64
		Bytes int64
	}
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.KVCache{}).
			Select("COUNT(*) AS count, COALESCE(SUM(LENGTH(key) + LENGTH(value)), 0) AS bytes").
			Where("key LIKE ? ESCAPE '\\'", likePrefix(prefix)).
			Where("expires_at = 0 OR expires_at > ?", s.now().Unix()).
			Scan(&out).Error
	})
	if err != nil {
		return Stat{}, errors.Wrap(err, "kv stat prefix")
	}
	return Stat{Count: int(out.Count), Bytes: out.Bytes}, nil
}

// PurgeExpired удаляет все просроченные строки. Вызывается периодически.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int, error) {
	var n int64
	err := s.run(ctx, func(tx *gorm.DB) error {
		res := tx.Where("expires_at > 0 AND expires_at <= ?", s.now().Unix()).Delete(&models.KVCache{})
		n = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, errors.Wrap(err, "kv purge expired")
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	sqlDB, err := s.conn.DB()
	s.conn = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// likePrefix экранирует метасимволы LIKE и добавляет %.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

var corruptionMarkers = []string{
	"malformed",
	"not a database",
	"disk i/o error",
	"file is encrypted",
	"sqlite_corrupt",
	"sqlite_notadb",
	"sqlite_ioerr",
	"database corruption",
}

// isCorruption распознаёт ошибки, после которых файл кеша надо пересоздать.
func isCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range corruptionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
