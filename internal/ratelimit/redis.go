package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store with shared counters, giving rate limits that
// hold across API instances. It uses a fixed window: INCR on the key, with
// the expiry set when the window opens.
//
// Fail-open: when Redis is unreachable the request is admitted and the
// error logged. Admission control degrading must not take ingestion down
// with it.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisStore creates a Redis-backed rate limit store.
func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, logger: logger}
}

const keyPrefix = "ratelimit:"

// Allow implements Store.
func (s *RedisStore) Allow(ctx context.Context, key string, cfg Config) (bool, int, int) {
	redisKey := keyPrefix + key

	count, err := s.client.Incr(ctx, redisKey).Result()
	if err != nil {
		s.logger.Error("rate limit INCR failed, admitting request",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return true, 0, 0
	}

	if count == 1 {
		if err := s.client.PExpire(ctx, redisKey, cfg.Window).Err(); err != nil {
			s.logger.Error("rate limit PEXPIRE failed",
				slog.String("key", key),
				slog.String("error", err.Error()))
		}
	}

	if count > int64(cfg.Limit) {
		retryAfter := s.retryAfter(ctx, redisKey, cfg)
		return false, 0, retryAfter
	}

	return true, cfg.Limit - int(count), 0
}

func (s *RedisStore) retryAfter(ctx context.Context, redisKey string, cfg Config) int {
	ttl, err := s.client.PTTL(ctx, redisKey).Result()
	if err != nil || ttl <= 0 {
		return int(cfg.Window / time.Second)
	}
	retryAfter := int((ttl + time.Second - 1) / time.Second)
	if retryAfter <= 0 {
		retryAfter = 1
	}
	return retryAfter
}
