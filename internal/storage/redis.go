package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 会话存储的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Namespace string
}

// RedisStore 使用 Redis 字符串键实现 Store，可在多实例部署间共享会话。
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore 创建 Redis 存储实例并验证连通性。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "grantd:store"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client, namespace: namespace}, nil
}

// Get 实现 Store。
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.namespaced(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Redis 读取失败: %w", err)
	}
	return value, true, nil
}

// Set 实现 Store。
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.namespaced(key), value, 0).Err(); err != nil {
		return fmt.Errorf("Redis 写入失败: %w", err)
	}
	return nil
}

// Remove 实现 Store。
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.namespaced(key)).Err(); err != nil {
		return fmt.Errorf("Redis 删除失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) namespaced(key string) string {
	return s.namespace + ":" + key
}
