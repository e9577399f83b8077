package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb     *redis.Client
	sentTTL time.Duration
}

func NewRedisCache(rdb *redis.Client, sentTTL time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, sentTTL: sentTTL}
}

func (c *RedisCache) Claim(ctx context.Context, leadID string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, claimKey(leadID), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
}

func (c *RedisCache) Release(ctx context.Context, leadID string) error {
	return c.rdb.Del(ctx, claimKey(leadID)).Err()
}

func (c *RedisCache) IncrDaily(ctx context.Context, leadID, day string) (int64, error) {
	key := dailyKey(leadID, day)

	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, dailyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCache) DailyCount(ctx context.Context, leadID, day string) (int64, error) {
	n, err := c.rdb.Get(ctx, dailyKey(leadID, day)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (c *RedisCache) StoreSent(ctx context.Context, leadID, providerMessageID string, sentAt time.Time) error {
	val := SentMarker{
		ProviderMessageID: providerMessageID,
		SentAt:            sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, sentKey(leadID), b, c.sentTTL).Err()
}

func (c *RedisCache) LastSent(ctx context.Context, leadID string) (SentMarker, bool, error) {
	raw, err := c.rdb.Get(ctx, sentKey(leadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SentMarker{}, false, nil
	}
	if err != nil {
		return SentMarker{}, false, err
	}

	var m SentMarker
	if err := json.Unmarshal(raw, &m); err != nil {
		return SentMarker{}, false, err
	}
	return m, true, nil
}
