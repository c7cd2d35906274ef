// Package kv — единый постоянный key-value кеш с TTL и операциями по
// префиксу. Два бэкенда: Redis (сетевой, нативный TTL и SCAN) и встроенный
// SQLite (таблица kv_cache). Кеш одноразовый: при повреждении файла база
// пересоздаётся.
package kv

import (
	"context"
	"time"

	"tg-forwarder/internal/infra/codec"

	"github.com/go-faster/errors"
)

// Stat — агрегат по ключам с общим префиксом.
type Stat struct {
	Count int
	Bytes int64
}

// Store — интерфейс постоянного кеша. ttl <= 0 означает бессрочную запись.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	CountPrefix(ctx context.Context, prefix string) (int, error)
	StatPrefix(ctx context.Context, prefix string) (Stat, error)
	Backend() string
	Close() error
}

// GetJSON читает ключ и декодирует JSON в v. ok=false — ключа нет.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := codec.Unmarshal([]byte(raw), v); err != nil {
		// Битое значение считаем промахом и удаляем.
		_ = s.Delete(ctx, key)
		return false, nil
	}
	return true, nil
}

// SetJSON кодирует v в JSON и записывает под key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	raw, err := codec.MarshalString(v)
	if err != nil {
		return err
	}
	if err := s.Set(ctx, key, raw, ttl); err != nil {
		return errors.Wrapf(err, "kv set %s", key)
	}
	return nil
}

// Key строит детерминированный ключ кеша из префикса и произвольных
// параметров (канонический JSON).
func Key(prefix string, params any) (string, error) {
	raw, err := codec.MarshalSorted(params)
	if err != nil {
		return "", err
	}
	return prefix + string(raw), nil
}
