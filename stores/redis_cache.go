package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/netguard"
)

// RedisCache is the distributed cache tier. Values live under
// "{namespace}:{key}"; each tag is a Redis set "{namespace}:tag:{tag}"
// holding the value keys it covers, so DeleteByTags can sweep a whole
// tag group in one pass.
type RedisCache struct {
	client    *redis.Client
	namespace string
}

func NewRedisCache(client *redis.Client, namespace string) *RedisCache {
	if namespace == "" {
		namespace = "netguard"
	}
	return &RedisCache{client: client, namespace: namespace}
}

func (c *RedisCache) valueKey(key string) string {
	return fmt.Sprintf("%s:%s", c.namespace, key)
}

func (c *RedisCache) tagKey(tag string) string {
	return fmt.Sprintf("%s:tag:%s", c.namespace, tag)
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, c.valueKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, netguard.ErrCacheMiss
	}
	if err != nil {
		return nil, &netguard.TransientError{Op: "redis get", Err: err}
	}
	return data, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	vk := c.valueKey(key)
	if err := c.client.Set(ctx, vk, value, ttl).Err(); err != nil {
		return &netguard.TransientError{Op: "redis set", Err: err}
	}
	for _, tag := range tags {
		tk := c.tagKey(tag)
		if err := c.client.SAdd(ctx, tk, vk).Err(); err != nil {
			return &netguard.TransientError{Op: "redis tag add", Err: err}
		}
		// Tag sets outlive their members a little so stragglers still sweep.
		if ttl > 0 {
			_ = c.client.Expire(ctx, tk, ttl*2).Err()
		}
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.valueKey(key)).Err(); err != nil {
		return &netguard.TransientError{Op: "redis del", Err: err}
	}
	return nil
}

func (c *RedisCache) DeleteByTags(ctx context.Context, tags []string) error {
	for _, tag := range tags {
		tk := c.tagKey(tag)
		members, err := c.client.SMembers(ctx, tk).Result()
		if err != nil {
			return &netguard.TransientError{Op: "redis tag members", Err: err}
		}
		if len(members) > 0 {
			if err := c.client.Del(ctx, members...).Err(); err != nil {
				return &netguard.TransientError{Op: "redis tag del", Err: err}
			}
		}
		if err := c.client.Del(ctx, tk).Err(); err != nil {
			return &netguard.TransientError{Op: "redis tag del", Err: err}
		}
	}
	return nil
}
