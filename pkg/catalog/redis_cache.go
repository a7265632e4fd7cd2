package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/speedrun-hq/paygate/pkg/logger"
	"github.com/speedrun-hq/paygate/pkg/models"
)

const defaultKeyPrefix = "paygate:resource:"

// RedisCache shares resource rows between gateway replicas.
// Redis failures are logged and treated as misses.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger logger.Logger
}

var _ Cache = (*RedisCache)(nil)

// NewRedisClient connects to addr and pings it once.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func NewRedisCache(client *redis.Client, ttl time.Duration, log logger.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, prefix: defaultKeyPrefix, logger: log}
}

func (c *RedisCache) key(id string) string {
	return c.prefix + id
}

func (c *RedisCache) Get(ctx context.Context, id string) (*models.Resource, bool) {
	raw, err := c.client.Get(ctx, c.key(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.ErrorWith(logger.Gateway, "catalog cache get %s: %v", id, err)
		}
		return nil, false
	}

	var r models.Resource
	if err := json.Unmarshal(raw, &r); err != nil {
		c.logger.ErrorWith(logger.Gateway, "catalog cache entry %s is corrupt: %v", id, err)
		return nil, false
	}
	return &r, true
}

func (c *RedisCache) Set(ctx context.Context, r *models.Resource) {
	raw, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(r.ID), raw, c.ttl).Err(); err != nil {
		c.logger.ErrorWith(logger.Gateway, "catalog cache set %s: %v", r.ID, err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, id string) {
	if err := c.client.Del(ctx, c.key(id)).Err(); err != nil {
		c.logger.ErrorWith(logger.Gateway, "catalog cache delete %s: %v", id, err)
	}
}
