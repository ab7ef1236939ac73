// Package redis 基于 Redis 有序集合的持久化重试队列
package redis

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"ci-keeper/internal/shared/model"
	"ci-keeper/internal/shared/queue"
)

// enqueueScript 去重、取序号、写入有序集合，原子执行
//
// member 格式：{seq:020d}|{pipeline}|{project}|{enqueued_unix_ms}
// score 为优先级；同分时按 member 字典序（即 seq）出队。
var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
  return 0
end
local seq = redis.call('INCR', KEYS[3])
local member = string.format('%020d|%s|%s|%s', seq, ARGV[1], ARGV[2], ARGV[4])
redis.call('ZADD', KEYS[1], ARGV[3], member)
redis.call('HSET', KEYS[2], ARGV[1], member)
return seq
`)

// dequeueScript 弹出最小 score 并清理去重索引
var dequeueScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
local member = popped[1]
local pipeline = string.match(member, '^%d+|(%-?%d+)|')
if pipeline then
  redis.call('HDEL', KEYS[2], pipeline)
end
return {member, popped[2]}
`)

// RetryQueue Redis 重试队列
type RetryQueue struct {
	client   *redis.Client
	queueKey string
	indexKey string
	seqKey   string
}

var _ queue.RetryQueue = (*RetryQueue)(nil)

// NewRetryQueueFromClient 从现有客户端创建重试队列，prefix 为空时使用默认键
func NewRetryQueueFromClient(client *redis.Client, prefix string) *RetryQueue {
	return &RetryQueue{
		client:   client,
		queueKey: prefix + queue.KeyRetryQueue,
		indexKey: prefix + queue.KeyRetryIndex,
		seqKey:   prefix + queue.KeyRetrySeq,
	}
}

// NewRetryQueueFromURL 从 URL 创建重试队列
func NewRetryQueueFromURL(redisURL string) (*RetryQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/RetryQueue] Connected to %s", opts.Addr)
	return NewRetryQueueFromClient(client, ""), nil
}

// Enqueue 入队
func (q *RetryQueue) Enqueue(ctx context.Context, task *model.RetryTask) (bool, error) {
	enqueuedAt := task.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now()
	}
	seq, err := enqueueScript.Run(ctx, q.client,
		[]string{q.queueKey, q.indexKey, q.seqKey},
		task.PipelineID, task.ProjectID, task.Priority, enqueuedAt.UnixMilli(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("enqueue pipeline %d: %w", task.PipelineID, err)
	}
	if seq == 0 {
		return false, nil
	}
	task.Seq = seq
	task.EnqueuedAt = enqueuedAt
	return true, nil
}

// Dequeue 出队
func (q *RetryQueue) Dequeue(ctx context.Context) (*model.RetryTask, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.queueKey, q.indexKey}).Slice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("dequeue: unexpected reply %v", res)
	}
	member, _ := res[0].(string)
	score, err := strconv.ParseFloat(fmt.Sprint(res[1]), 64)
	if err != nil {
		return nil, fmt.Errorf("dequeue: bad score %v: %w", res[1], err)
	}
	return decodeMember(member, score)
}

// Len 队列长度
func (q *RetryQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.queueKey).Result()
}

// List 按出队顺序列出任务
func (q *RetryQueue) List(ctx context.Context) ([]*model.RetryTask, error) {
	zs, err := q.client.ZRangeWithScores(ctx, q.queueKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	result := make([]*model.RetryTask, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		task, err := decodeMember(member, z.Score)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, nil
}

// Client 返回底层 Redis 客户端
func (q *RetryQueue) Client() *redis.Client {
	return q.client
}

// Close 关闭 Redis 连接
func (q *RetryQueue) Close() error {
	return q.client.Close()
}

func decodeMember(member string, score float64) (*model.RetryTask, error) {
	parts := strings.Split(member, "|")
	if len(parts) != 4 {
		return nil, fmt.Errorf("malformed retry member %q", member)
	}
	seq, err1 := strconv.ParseInt(parts[0], 10, 64)
	pipelineID, err2 := strconv.ParseInt(parts[1], 10, 64)
	projectID, err3 := strconv.ParseInt(parts[2], 10, 64)
	enqueuedMs, err4 := strconv.ParseInt(parts[3], 10, 64)
	for _, err := range []error{err1, err2, err3, err4} {
		if err != nil {
			return nil, fmt.Errorf("malformed retry member %q: %w", member, err)
		}
	}
	return &model.RetryTask{
		PipelineID: pipelineID,
		ProjectID:  projectID,
		Priority:   int(score),
		Seq:        seq,
		EnqueuedAt: time.UnixMilli(enqueuedMs),
	}, nil
}
