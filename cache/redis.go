package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// L2 is a Redis-backed cache layer shared by every replica. It fails soft:
// when Redis is unreachable reads miss and writes are dropped, and the
// error is only logged. Signing keys can always be refetched.
type L2 struct {
	rdb    *redis.Client
	prefix string
	log    *zap.Logger
}

// L2Config configures the Redis connection backing an L2.
type L2Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, e.g. "tenantgate:jwks:".
	Prefix string
	// Logger receives fail-soft errors. Nil discards them.
	Logger *zap.Logger
}

func NewL2(cfg L2Config) *L2 {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &L2{rdb: rdb, prefix: cfg.Prefix, log: log}
}

func (l *L2) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, _, ok := l.getWithTTL(ctx, key)
	return v, ok, nil
}

// getWithTTL returns the value and its remaining lifetime. A key without
// expiry reports zero.
func (l *L2) getWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	k := l.prefix + key
	pipe := l.rdb.Pipeline()
	get := pipe.Get(ctx, k)
	pttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		l.softFail("get", key, err)
		return nil, 0, false
	}
	val, err := get.Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			l.softFail("get", key, err)
		}
		return nil, 0, false
	}
	remaining := pttl.Val()
	if remaining < 0 {
		remaining = 0
	}
	return val, remaining, true
}

// Set stores val under key. A zero TTL means no expiry.
func (l *L2) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := l.rdb.Set(ctx, l.prefix+key, val, ttl).Err(); err != nil {
		l.softFail("set", key, err)
	}
	return nil
}

func (l *L2) Delete(ctx context.Context, key string) error {
	if err := l.rdb.Del(ctx, l.prefix+key).Err(); err != nil {
		l.softFail("delete", key, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (l *L2) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

func (l *L2) Close() error {
	return l.rdb.Close()
}

func (l *L2) softFail(op, key string, err error) {
	l.log.Warn("redis cache unavailable", zap.String("op", op), zap.String("key", l.prefix+key), zap.Error(err))
}
