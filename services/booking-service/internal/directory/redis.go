package directory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/model"
	"github.com/redis/go-redis/v9"
)

// KV is the subset of the go-redis client the cache needs.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisCache is a read-through cache in front of another Directory. Redis failures degrade to
// reading the underlying directory.
type RedisCache struct {
	next   Directory
	kv     KV
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisCache(next Directory, kv KV, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{next: next, kv: kv, ttl: ttl, logger: logger}
}

func staffKey(id string) string   { return "dir:staff:" + id }
func serviceKey(id string) string { return "dir:service:" + id }

func (c *RedisCache) Staff(ctx context.Context, id string) (model.StaffMember, error) {
	var rec StaffRecord
	if c.load(ctx, staffKey(id), &rec) {
		if s, err := rec.Model(); err == nil {
			return s, nil
		}
	}
	s, err := c.next.Staff(ctx, id)
	if err != nil {
		return model.StaffMember{}, err
	}
	c.store(ctx, staffKey(id), StaffRecordFrom(s))
	return s, nil
}

func (c *RedisCache) Service(ctx context.Context, id string) (model.Service, error) {
	var rec ServiceRecord
	if c.load(ctx, serviceKey(id), &rec) {
		if s, err := rec.Model(); err == nil {
			return s, nil
		}
	}
	s, err := c.next.Service(ctx, id)
	if err != nil {
		return model.Service{}, err
	}
	c.store(ctx, serviceKey(id), ServiceRecordFrom(s))
	return s, nil
}

func (c *RedisCache) InvalidateStaff(ctx context.Context, id string) error {
	return c.kv.Del(ctx, staffKey(id)).Err()
}

func (c *RedisCache) InvalidateService(ctx context.Context, id string) error {
	return c.kv.Del(ctx, serviceKey(id)).Err()
}

func (c *RedisCache) load(ctx context.Context, key string, dst any) bool {
	raw, err := c.kv.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("directory cache read failed", "key", key, "err", err)
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn("directory cache entry corrupt", "key", key, "err", err)
		return false
	}
	return true
}

func (c *RedisCache) store(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.kv.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("directory cache write failed", "key", key, "err", err)
	}
}
