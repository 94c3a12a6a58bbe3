package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decoder 将 JSON 还原为指定方法的返回类型。
type Decoder func(method string, data []byte) (any, error)

// RedisCacheConfig 描述 Redis 缓存的连接参数。
type RedisCacheConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisCache 将读取结果以 JSON 形式保存在 Redis 中。
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	decode Decoder
}

type redisEntry struct {
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewRedisCache 连接 Redis 并返回缓存实例。
func NewRedisCache(ctx context.Context, cfg RedisCacheConfig, decode Decoder) (*RedisCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisCacheWithClient(client, cfg.Prefix, cfg.TTL, decode), nil
}

// NewRedisCacheWithClient 使用已有的客户端构造缓存。
func NewRedisCacheWithClient(client redis.UniversalClient, prefix string, ttl time.Duration, decode Decoder) *RedisCache {
	if prefix == "" {
		prefix = "referral:read:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl, decode: decode}
}

func (c *RedisCache) redisKey(key Key) string {
	return c.prefix + key.String()
}

// Load implements Cache.
func (c *RedisCache) Load(ctx context.Context, key Key) (Entry, bool, error) {
	raw, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("Redis 读取缓存失败: %w", err)
	}
	var stored redisEntry
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Entry{}, false, fmt.Errorf("解析缓存失败: %w", err)
	}
	value, err := c.decode(key.Method, stored.Value)
	if err != nil {
		return Entry{}, false, fmt.Errorf("解析缓存值失败: %w", err)
	}
	return Entry{Value: value, UpdatedAt: stored.UpdatedAt}, true, nil
}

// Save implements Cache.
func (c *RedisCache) Save(ctx context.Context, key Key, entry Entry) error {
	value, err := json.Marshal(entry.Value)
	if err != nil {
		return fmt.Errorf("序列化缓存值失败: %w", err)
	}
	payload, err := json.Marshal(redisEntry{Value: value, UpdatedAt: entry.UpdatedAt})
	if err != nil {
		return fmt.Errorf("序列化缓存失败: %w", err)
	}
	if err := c.client.Set(ctx, c.redisKey(key), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("Redis 写入缓存失败: %w", err)
	}
	return nil
}

// Delete implements Cache.
func (c *RedisCache) Delete(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, c.redisKey(k))
	}
	if err := c.client.Del(ctx, names...).Err(); err != nil {
		return fmt.Errorf("Redis 删除缓存失败: %w", err)
	}
	return nil
}

// Close implements Cache.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
