package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"ci-keeper/internal/shared/model"
)

// taskHeap 按 (Priority, Seq) 排序的最小堆
type taskHeap []*model.RetryTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*model.RetryTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// MemoryRetryQueue 进程内优先级队列
type MemoryRetryQueue struct {
	mu     sync.Mutex
	items  taskHeap
	queued map[int64]bool
	seq    int64
}

var _ RetryQueue = (*MemoryRetryQueue)(nil)

// NewMemoryRetryQueue 创建内存重试队列
func NewMemoryRetryQueue() *MemoryRetryQueue {
	return &MemoryRetryQueue{queued: make(map[int64]bool)}
}

func (q *MemoryRetryQueue) Enqueue(ctx context.Context, task *model.RetryTask) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.queued[task.PipelineID] {
		return false, nil
	}
	q.seq++
	t := *task
	t.Seq = q.seq
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	heap.Push(&q.items, &t)
	q.queued[t.PipelineID] = true
	return true, nil
}

func (q *MemoryRetryQueue) Dequeue(ctx context.Context) (*model.RetryTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return nil, nil
	}
	t := heap.Pop(&q.items).(*model.RetryTask)
	delete(q.queued, t.PipelineID)
	return t, nil
}

func (q *MemoryRetryQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(q.items.Len()), nil
}

func (q *MemoryRetryQueue) List(ctx context.Context) ([]*model.RetryTask, error) {
	q.mu.Lock()
	cp := make(taskHeap, len(q.items))
	for i, t := range q.items {
		c := *t
		cp[i] = &c
	}
	q.mu.Unlock()

	result := make([]*model.RetryTask, 0, len(cp))
	for cp.Len() > 0 {
		result = append(result, heap.Pop(&cp).(*model.RetryTask))
	}
	return result, nil
}

func (q *MemoryRetryQueue) Close() error { return nil }
