// Package queue 重试队列常量
package queue

const (
	// KeyRetryQueue 有序集合：score 为优先级，member 为编码后的任务
	KeyRetryQueue = "keeper:retry:queue"

	// KeyRetryIndex 哈希：pipeline_id -> member，用于去重
	KeyRetryIndex = "keeper:retry:index"

	// KeyRetrySeq 自增序号，保证同优先级先进先出
	KeyRetrySeq = "keeper:retry:seq"
)
