// Package ledger IP 预留账本
//
// 账本是 (IP, 项目, 流水线) 绑定关系的唯一所有者。预留在一个数据库事务内
// 完成“检查项目 → CAS 占用 IP → 写入预留”，释放在一个事务内完成“删除预留 → 归还 IP”。
// 同进程内的 Reserve 调用再由互斥锁串行化，跨进程由唯一约束兜底。
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ci-keeper/internal/keeper/pool"
	"ci-keeper/internal/shared/apperr"
	"ci-keeper/internal/shared/model"
	"ci-keeper/internal/shared/storage"
	"ci-keeper/pkg/logging"
)

// DefaultMaxAttempts ReserveAny 遇到 CAS 冲突时的最大尝试次数
const DefaultMaxAttempts = 3

// Ledger 预留账本
type Ledger struct {
	store       storage.ReservationStore
	pool        *pool.Pool
	log         *logging.Logger
	maxAttempts int

	mu sync.Mutex
}

// Option 账本选项
type Option func(*Ledger)

// WithMaxAttempts 设置 ReserveAny 的最大尝试次数
func WithMaxAttempts(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithLogger 设置日志器
func WithLogger(log *logging.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log.Named("ledger")
		}
	}
}

// New 创建账本
func New(store storage.ReservationStore, p *pool.Pool, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		pool:        p,
		log:         logging.Discard(),
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// GetReservation 查询项目当前的预留，没有时返回 (nil, nil)
func (l *Ledger) GetReservation(ctx context.Context, projectID int64) (*model.Reservation, error) {
	return l.store.GetReservationByProject(ctx, projectID)
}

// GetReservationByPipeline 按流水线查询预留，用于幂等判断
func (l *Ledger) GetReservationByPipeline(ctx context.Context, pipelineID int64) (*model.Reservation, error) {
	return l.store.GetReservationByPipeline(ctx, pipelineID)
}

// List 列出全部活跃预留
func (l *Ledger) List(ctx context.Context) ([]*model.Reservation, error) {
	return l.store.ListReservations(ctx)
}

// Reserve 将指定 IP 预留给 (项目, 流水线)
//
//   - 项目或流水线已有预留：ErrAlreadyReserved
//   - IP 已被占用：ErrConflict
//   - IP 不存在：ErrNotFound
func (l *Ledger) Reserve(ctx context.Context, ipID, projectID, pipelineID int64) (*model.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserveLocked(ctx, ipID, projectID, pipelineID)
}

func (l *Ledger) reserveLocked(ctx context.Context, ipID, projectID, pipelineID int64) (*model.Reservation, error) {
	r := &model.Reservation{IPID: ipID, ProjectID: projectID, PipelineID: pipelineID}
	err := l.store.CreateReservation(ctx, r)
	switch {
	case err == nil:
		l.log.WithPipeline(projectID, pipelineID).Info("ip reserved", "ip_id", ipID, "address", r.Address)
		return r, nil
	case errors.Is(err, storage.ErrDuplicate):
		return nil, fmt.Errorf("project %d: %w", projectID, apperr.ErrAlreadyReserved)
	case errors.Is(err, storage.ErrConflict):
		return nil, apperr.Conflictf("ip %d already allocated", ipID)
	case errors.Is(err, storage.ErrNotFound):
		return nil, apperr.NotFoundf("ip %d", ipID)
	default:
		return nil, fmt.Errorf("reserve ip %d: %w", ipID, err)
	}
}

// ReserveAny 随机挑选一个可用 IP 并预留
//
// 流水线已持有预留时原样返回，created=false。
// 挑中的 IP 被并发抢占时换一个重试，最多 maxAttempts 次。
func (l *Ledger) ReserveAny(ctx context.Context, projectID, pipelineID int64) (*model.Reservation, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.store.GetReservationByPipeline(ctx, pipelineID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	tried := make(map[int64]bool)
	var lastErr error
	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		ip, err := l.pool.PickExcluding(ctx, tried)
		if err != nil {
			return nil, false, err
		}
		tried[ip.ID] = true

		r, err := l.reserveLocked(ctx, ip.ID, projectID, pipelineID)
		if err == nil {
			return r, true, nil
		}
		if errors.Is(err, apperr.ErrAlreadyReserved) {
			// 另一进程刚为同一流水线完成预留
			if existing, gerr := l.store.GetReservationByPipeline(ctx, pipelineID); gerr == nil && existing != nil {
				return existing, false, nil
			}
			return nil, false, err
		}
		if !errors.Is(err, apperr.ErrConflict) {
			return nil, false, err
		}
		l.log.WithPipeline(projectID, pipelineID).Warn("ip taken concurrently, retrying", "ip_id", ip.ID, "attempt", attempt+1)
		lastErr = err
	}
	return nil, false, fmt.Errorf("reserve after %d attempts: %w", l.maxAttempts, lastErr)
}

// BindRunner 将仓库主机上的 Runner 绑定到预留
func (l *Ledger) BindRunner(ctx context.Context, ipID, runnerID int64) error {
	return l.translate(l.store.BindReservationRunner(ctx, ipID, runnerID), "reservation for ip %d", ipID)
}

// SetPower 记录 VM 是否已启动
func (l *Ledger) SetPower(ctx context.Context, projectID, ipID int64, on bool) error {
	return l.translate(l.store.SetReservationPower(ctx, projectID, ipID, on), "reservation for project %d", projectID)
}

// SetCanceled 记录流水线被取消
func (l *Ledger) SetCanceled(ctx context.Context, projectID, pipelineID int64, canceled bool) error {
	return l.translate(l.store.SetReservationCanceled(ctx, projectID, pipelineID, canceled), "reservation for pipeline %d", pipelineID)
}

// Release 删除流水线的预留并归还 IP，不存在时返回 (false, nil)
func (l *Ledger) Release(ctx context.Context, pipelineID int64, reason string) (bool, error) {
	r, err := l.store.DeleteReservation(ctx, pipelineID)
	if err != nil {
		return false, fmt.Errorf("release pipeline %d: %w", pipelineID, err)
	}
	if r == nil {
		return false, nil
	}
	l.log.WithPipeline(r.ProjectID, pipelineID).Info("reservation released", "ip_id", r.IPID, "reason", reason)
	return true, nil
}

func (l *Ledger) translate(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFoundf(format, args...)
	}
	return err
}
