package app

import (
	"context"
	"errors"

	"tg-forwarder/internal/infra/config"
	"tg-forwarder/internal/infra/db"
	"tg-forwarder/internal/infra/kv"
	"tg-forwarder/internal/repository/rules"
	"tg-forwarder/internal/repository/signatures"
	"tg-forwarder/internal/repository/tasks"

	gferrors "github.com/go-faster/errors"
)

// Store — хранилища без сетевой части: нужны и демону, и офлайн-командам CLI.
type Store struct {
	DB         *db.DB
	KV         *kv.Lazy
	Tasks      *tasks.Repo
	Rules      *rules.Repo
	Signatures *signatures.Repo
}

// OpenStore открывает БД, применяет миграции и собирает репозитории.
func OpenStore(ctx context.Context, env config.EnvConfig) (*Store, error) {
	conn, err := db.Open(env.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := conn.Migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, gferrors.Wrap(err, "migrate")
	}

	cache := kv.NewLazy(env.RedisURL, env.PersistCacheSQLite)
	return &Store{
		DB: conn,
		KV: cache,
		Tasks: tasks.New(conn, tasks.Options{
			// Блокировка живёт не меньше порога спасения, иначе задачу заберут дважды.
			LockTTL: max(env.TaskLockTTL, env.RescueTimeout),
			Retry: tasks.RetryPolicy{
				Base:   env.RetryBaseDelay,
				Factor: env.RetryBackoff,
				Max:    env.RetryMaxDelay,
			},
		}),
		Rules:      rules.New(conn.DB, cache, env.RuleCacheTTL),
		Signatures: signatures.New(conn.DB),
	}, nil
}

// Close закрывает KV и пул БД.
func (s *Store) Close() error {
	return errors.Join(s.KV.Close(), s.DB.Close())
}
