package kv

import (
	"context"
	"sync"
	"time"

	"tg-forwarder/internal/infra/logger"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

const redisPingTimeout = 2 * time.Second

// Lazy выбирает бэкенд при первом обращении: Redis, если URL задан и PING
// прошёл, иначе встроенный SQLite. Выбор делается один раз на экземпляр.
type Lazy struct {
	redisURL   string
	sqlitePath string

	once  sync.Once
	mu    sync.Mutex
	store Store
	err   error
}

var _ Store = (*Lazy)(nil)

// NewLazy создаёт ленивый селектор бэкенда.
func NewLazy(redisURL, sqlitePath string) *Lazy {
	return &Lazy{redisURL: redisURL, sqlitePath: sqlitePath}
}

var (
	defaultMu   sync.Mutex
	defaultLazy *Lazy
)

// Default возвращает процессный синглтон. Параметры учитываются только при
// первом вызове.
func Default(redisURL, sqlitePath string) *Lazy {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLazy == nil {
		defaultLazy = NewLazy(redisURL, sqlitePath)
	}
	return defaultLazy
}

// Resolve принудительно выбирает бэкенд и возвращает его.
func (l *Lazy) Resolve(ctx context.Context) (Store, error) {
	l.once.Do(func() {
		store, err := l.selectBackend(ctx)
		l.mu.Lock()
		l.store, l.err = store, err
		l.mu.Unlock()
	})
	return l.resolved()
}

func (l *Lazy) resolved() (Store, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store, l.err
}

func (l *Lazy) selectBackend(ctx context.Context) (Store, error) {
	if l.redisURL != "" {
		rs, err := NewRedis(ctx, l.redisURL, redisPingTimeout)
		if err == nil {
			logger.Info("kv backend selected", zap.String("backend", "redis"))
			return rs, nil
		}
		logger.Warn("redis unavailable, falling back to sqlite kv", zap.Error(err))
	}
	ss, err := NewSQLite(l.sqlitePath)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite kv")
	}
	logger.Info("kv backend selected", zap.String("backend", "sqlite"), zap.String("path", l.sqlitePath))
	return ss, nil
}

func (l *Lazy) Backend() string {
	s, _ := l.resolved()
	if s == nil {
		return "unresolved"
	}
	return s.Backend()
}

func (l *Lazy) Get(ctx context.Context, key string) (string, bool, error) {
	s, err := l.Resolve(ctx)
	if err != nil {
		return "", false, err
	}
	return s.Get(ctx, key)
}

func (l *Lazy) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s, err := l.Resolve(ctx)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, value, ttl)
}

func (l *Lazy) Delete(ctx context.Context, key string) error {
	s, err := l.Resolve(ctx)
	if err != nil {
		return err
	}
	return s.Delete(ctx, key)
}

func (l *Lazy) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	s, err := l.Resolve(ctx)
	if err != nil {
		return 0, err
	}
	return s.DeletePrefix(ctx, prefix)
}

func (l *Lazy) CountPrefix(ctx context.Context, prefix string) (int, error) {
	s, err := l.Resolve(ctx)
	if err != nil {
		return 0, err
	}
	return s.CountPrefix(ctx, prefix)
}

func (l *Lazy) StatPrefix(ctx context.Context, prefix string) (Stat, error) {
	s, err := l.Resolve(ctx)
	if err != nil {
		return Stat{}, err
	}
	return s.StatPrefix(ctx, prefix)
}

// PurgeExpired чистит просроченные строки, если бэкенд этого требует (Redis
// удаляет их сам).
func (l *Lazy) PurgeExpired(ctx context.Context) (int, error) {
	s, err := l.Resolve(ctx)
	if err != nil {
		return 0, err
	}
	if p, ok := s.(interface {
		PurgeExpired(context.Context) (int, error)
	}); ok {
		return p.PurgeExpired(ctx)
	}
	return 0, nil
}

func (l *Lazy) Close() error {
	s, _ := l.resolved()
	if s == nil {
		return nil
	}
	return s.Close()
}
