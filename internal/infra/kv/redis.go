package kv

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-redis/redis/v8"
)

const (
	redisScanCount = 500
	redisDelBatch  = 500
)

// RedisStore — бэкенд поверх Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedis подключается к Redis по URL вида redis://[:pass@]host:port/db и
// проверяет доступность PING в пределах pingTimeout.
func NewRedis(ctx context.Context, url string, pingTimeout time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Backend() string { return "redis" }

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "redis get")
	}
	return val, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrap(err, "redis del")
	}
	return nil
}

func (r *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := r.scan(ctx, prefix)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for start := 0; start < len(keys); start += redisDelBatch {
		end := min(start+redisDelBatch, len(keys))
		n, err := r.client.Del(ctx, keys[start:end]...).Result()
		if err != nil {
			return deleted, errors.Wrap(err, "redis del batch")
		}
		deleted += int(n)
	}
	return deleted, nil
}

func (r *RedisStore) CountPrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := r.scan(ctx, prefix)
	return len(keys), err
}

func (r *RedisStore) StatPrefix(ctx context.Context, prefix string) (Stat, error) {
	keys, err := r.scan(ctx, prefix)
	if err != nil {
		return Stat{}, err
	}
	stat := Stat{Count: len(keys)}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.StrLen(ctx, key)
	}
	if len(keys) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return Stat{}, errors.Wrap(err, "redis strlen pipeline")
		}
	}
	for i, cmd := range cmds {
		stat.Bytes += int64(len(keys[i])) + cmd.Val()
	}
	return stat, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, escapeGlob(prefix)+"*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "redis scan")
	}
	return keys, nil
}

// escapeGlob экранирует метасимволы шаблона MATCH.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
