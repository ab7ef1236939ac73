// Package worker 有界后台任务池
//
// VM 创建与销毁耗时较长，HTTP 请求只负责提交，实际执行放在这里：
// 并发数由加权信号量限制，每个任务带超时，失败与 panic 都会被记录。
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	"ci-keeper/pkg/logging"
)

// ErrClosed 任务池已关闭
var ErrClosed = errors.New("worker pool closed")

var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Subsystem: "worker",
		Name:      "tasks_total",
		Help:      "Background tasks by kind and outcome",
	}, []string{"pool", "kind", "outcome"})

	tasksRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "keeper",
		Subsystem: "worker",
		Name:      "tasks_running",
		Help:      "Background tasks currently executing",
	}, []string{"pool"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "keeper",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Background task duration in seconds",
		Buckets:   []float64{0.1, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"pool", "kind"})
)

// Task 后台任务
type Task func(ctx context.Context) error

// Stats 任务池统计
type Stats struct {
	Submitted int64 `json:"submitted"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Running   int64 `json:"running"`
}

// Config 任务池配置
type Config struct {
	Name        string
	Size        int
	TaskTimeout time.Duration
}

// Pool 有界任务池
type Pool struct {
	name    string
	sem     *semaphore.Weighted
	timeout time.Duration
	log     *logging.Logger

	// baseCtx 在 Shutdown 超时后取消，通知仍在运行的任务退出
	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	running   atomic.Int64
}

// New 创建任务池
func New(cfg Config, log *logging.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 4
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if log == nil {
		log = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		name:    cfg.Name,
		sem:     semaphore.NewWeighted(int64(cfg.Size)),
		timeout: cfg.TaskTimeout,
		log:     log.Named("worker"),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Submit 提交任务，立即返回；任务在信号量允许时执行
func (p *Pool) Submit(kind string, fn Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.submitted.Add(1)
	go p.run(kind, fn)
	return nil
}

func (p *Pool) run(kind string, fn Task) {
	defer p.wg.Done()

	if err := p.sem.Acquire(p.baseCtx, 1); err != nil {
		p.record(kind, 0, fmt.Errorf("acquire slot: %w", err))
		return
	}
	defer p.sem.Release(1)

	p.running.Add(1)
	tasksRunning.WithLabelValues(p.name).Inc()
	defer func() {
		p.running.Add(-1)
		tasksRunning.WithLabelValues(p.name).Dec()
	}()

	ctx := p.baseCtx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	err := p.safeCall(ctx, fn)
	p.record(kind, time.Since(start), err)
}

// safeCall 执行任务，panic 转换为错误
func (p *Pool) safeCall(ctx context.Context, fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

func (p *Pool) record(kind string, d time.Duration, err error) {
	taskDuration.WithLabelValues(p.name, kind).Observe(d.Seconds())
	if err != nil {
		p.failed.Add(1)
		tasksTotal.WithLabelValues(p.name, kind, "failed").Inc()
		p.log.WithError(err).WithDuration(d).Warn("task failed", "kind", kind)
		return
	}
	p.succeeded.Add(1)
	tasksTotal.WithLabelValues(p.name, kind, "succeeded").Inc()
	p.log.WithDuration(d).Debug("task done", "kind", kind)
}

// Wait 等待已提交的任务全部结束
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown 停止接收新任务并等待在途任务结束
//
// ctx 到期时取消所有在途任务的 context 并返回 ctx.Err()。
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats 返回统计快照
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Running:   p.running.Load(),
	}
}
