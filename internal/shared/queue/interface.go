// Package queue 重试队列抽象接口
//
// 分不到 IP 的流水线进入优先级队列等待重试：
//   - 内存实现（MemoryRetryQueue）：单进程、重启丢失，用于测试与未配置 Redis 的部署
//   - Redis 实现（queue/redis）：有序集合持久化，多实例共享
package queue

import (
	"context"

	"ci-keeper/internal/shared/model"
)

// RetryQueue 重试队列接口
//
// 出队顺序：Priority 升序，同优先级按入队顺序。
// 同一流水线在队列中至多一条，重复入队是空操作。
type RetryQueue interface {
	// Enqueue 入队，返回是否新加入
	Enqueue(ctx context.Context, task *model.RetryTask) (bool, error)
	// Dequeue 弹出优先级最高的任务，队列为空时返回 (nil, nil)
	Dequeue(ctx context.Context) (*model.RetryTask, error)
	Len(ctx context.Context) (int64, error)
	// List 按出队顺序返回当前所有任务（不出队）
	List(ctx context.Context) ([]*model.RetryTask, error)
	Close() error
}
