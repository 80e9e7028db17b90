package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror 基于 Redis 的条目快照镜像。
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMirror 创建 Redis 镜像实例并验证连接。
func NewRedisMirror(addr, password string, db int, ttl time.Duration) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisMirror{client: client, ttl: ttl}, nil
}

// Save 保存资源快照。
func (m *RedisMirror) Save(ctx context.Context, key string, data []byte) error {
	return m.client.Set(ctx, mirrorKey(key), data, m.ttl).Err()
}

// Load 读取资源快照；无快照时返回 (nil, nil)。
func (m *RedisMirror) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := m.client.Get(ctx, mirrorKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Delete 删除资源快照。
func (m *RedisMirror) Delete(ctx context.Context, key string) error {
	return m.client.Del(ctx, mirrorKey(key)).Err()
}

// Close 关闭 Redis 连接。
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func mirrorKey(key string) string {
	return fmt.Sprintf("resource:%s", key)
}
