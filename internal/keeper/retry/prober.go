// Package retry 排空重试队列，重新触发因分不到 IP 而被取消的流水线
//
// 单消费者：进程内 sync.Mutex.TryLock，多实例部署时再加 etcd 分布式锁。
// 重新触发失败的任务直接丢弃，只记日志，不回队。
package retry

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ci-keeper/internal/keeper/githost"
	"ci-keeper/internal/shared/apperr"
	"ci-keeper/internal/shared/model"
	"ci-keeper/internal/shared/queue"
	"ci-keeper/pkg/logging"
)

// DefaultInterval 两次重新触发之间的固定间隔
const DefaultInterval = 5 * time.Second

// PipelineRetrier 仓库主机的流水线重试
type PipelineRetrier interface {
	RetryPipeline(ctx context.Context, projectID, pipelineID int64) (*githost.Pipeline, error)
}

// Locker 跨进程互斥，*etcd.Locker 实现
type Locker interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

// Options 探测器选项
type Options struct {
	Interval        time.Duration
	DefaultPriority int
	Locker          Locker // 可选
	Logger          *logging.Logger
}

// Prober 重试队列消费者
type Prober struct {
	queue           queue.RetryQueue
	host            PipelineRetrier
	interval        time.Duration
	defaultPriority int
	locker          Locker
	log             *logging.Logger

	drainMu sync.Mutex
	kicks   singleflight.Group

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建探测器
func New(q queue.RetryQueue, host PipelineRetrier, opts Options) *Prober {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Prober{
		queue:           q,
		host:            host,
		interval:        opts.Interval,
		defaultPriority: opts.DefaultPriority,
		locker:          opts.Locker,
		log:             opts.Logger.Named("retry"),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// DefaultPriority 项目未设置优先级时使用
func (p *Prober) DefaultPriority() int {
	return p.defaultPriority
}

// Enqueue 入队，同一流水线重复入队是空操作
func (p *Prober) Enqueue(ctx context.Context, pipelineID, projectID int64, priority int) (bool, error) {
	if pipelineID <= 0 {
		return false, apperr.Invalidf("pipeline id must be positive")
	}
	added, err := p.queue.Enqueue(ctx, &model.RetryTask{
		PipelineID: pipelineID,
		ProjectID:  projectID,
		Priority:   priority,
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		return false, err
	}
	if added {
		p.log.WithPipeline(projectID, pipelineID).Info("pipeline queued for retry", "priority", priority)
	}
	return added, nil
}

// List 按出队顺序列出排队任务
func (p *Prober) List(ctx context.Context) ([]*model.RetryTask, error) {
	return p.queue.List(ctx)
}

// DrainOnce 弹出一个任务并在仓库主机上重试其流水线
//
// 任务没有项目 ID 时使用 projectID。返回是否消费了任务；重试失败的任务被丢弃。
func (p *Prober) DrainOnce(ctx context.Context, projectID int64) (bool, error) {
	task, err := p.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	pid := task.ProjectID
	if pid == 0 {
		pid = projectID
	}
	log := p.log.WithPipeline(pid, task.PipelineID)

	if _, err := p.host.RetryPipeline(ctx, pid, task.PipelineID); err != nil {
		log.WithError(err).Warn("retry pipeline failed, dropping task",
			"priority", task.Priority, "waited", time.Since(task.EnqueuedAt).String())
		return true, nil
	}
	log.Info("pipeline retriggered", "waited", time.Since(task.EnqueuedAt).String())
	return true, nil
}

// Drain 以固定间隔逐个重试，直到队列为空或 ctx 结束
//
// 已有排空在进行（本进程或其他实例）时立即返回。
func (p *Prober) Drain(ctx context.Context, projectID int64) error {
	if !p.drainMu.TryLock() {
		p.log.Debug("drain already running")
		return nil
	}
	defer p.drainMu.Unlock()

	if p.locker != nil {
		release, ok, err := p.locker.TryLock(ctx)
		if err != nil {
			p.log.WithError(err).Warn("acquire drain lock failed")
			return err
		}
		if !ok {
			p.log.Debug("drain held by another instance")
			return nil
		}
		defer release()
	}

	for {
		processed, err := p.DrainOnce(ctx, projectID)
		if err != nil {
			p.log.WithError(err).Warn("drain retry queue failed")
			return err
		}
		if !processed {
			return nil
		}
		if n, err := p.queue.Len(ctx); err == nil && n == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.interval):
		}
	}
}

// Kick 异步排空；已有排空在进行时合并为一次
func (p *Prober) Kick(projectID int64) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	ch := p.kicks.DoChan("drain", func() (any, error) {
		return nil, p.Drain(p.ctx, projectID)
	})
	go func() {
		defer p.wg.Done()
		<-ch
	}()
}

// Run 后台循环，每个间隔检查一次队列
func (p *Prober) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Stop 同样结束循环
	unregister := context.AfterFunc(p.ctx, cancel)
	defer unregister()

	p.log.Info("retry prober started", "interval", p.interval.String())
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("retry prober stopped")
			return
		case <-ticker.C:
			if n, err := p.queue.Len(ctx); err != nil || n == 0 {
				continue
			}
			p.Drain(ctx, 0)
		}
	}
}

// Stop 取消进行中的排空，并等待 Kick 启动的排空结束
func (p *Prober) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// Wait 等待 Kick 启动的排空结束（测试用）
func (p *Prober) Wait() {
	p.wg.Wait()
}
