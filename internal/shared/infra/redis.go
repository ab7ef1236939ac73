package infra

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"ci-keeper/internal/shared/queue"
	queueredis "ci-keeper/internal/shared/queue/redis"
)

// NewRetryQueue 创建重试队列
//
// redisURL 为空时返回内存队列（单实例、重启丢失）。
func NewRetryQueue(redisURL, prefix string) (queue.RetryQueue, error) {
	if redisURL == "" {
		log.Printf("[Redis/Infra] REDIS_URL not set, using in-memory retry queue")
		return queue.NewMemoryRetryQueue(), nil
	}

	client, err := NewRedisClient(redisURL)
	if err != nil {
		return nil, err
	}
	return queueredis.NewRetryQueueFromClient(client, prefix), nil
}

// NewRedisClient 从 URL 创建并验证 Redis 连接
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/Infra] Connected to %s", opts.Addr)
	return client, nil
}
