// Package pool IP 资源池
//
// 固定数量的 IP 是 Runner VM 的稀缺资源，每个 IP 同一时刻至多绑定一条流水线。
// 预留事务（占用 + 写入账本）由 ledger 完成，这里只负责查询与直接翻转分配标记。
package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"ci-keeper/internal/shared/apperr"
	"ci-keeper/internal/shared/model"
	"ci-keeper/internal/shared/storage"
	"ci-keeper/pkg/logging"
)

// Pool IP 资源池
type Pool struct {
	store storage.IPPoolStore
	log   *logging.Logger
	// intn 随机数源，测试可替换
	intn func(n int) int
}

// New 创建资源池
func New(store storage.IPPoolStore, log *logging.Logger) *Pool {
	if log == nil {
		log = logging.Discard()
	}
	return &Pool{store: store, log: log.Named("pool"), intn: rand.IntN}
}

// ListAvailable 列出所有未分配的地址
func (p *Pool) ListAvailable(ctx context.Context) ([]*model.IPAddress, error) {
	return p.store.ListAvailableIPs(ctx)
}

// List 列出全部地址
func (p *Pool) List(ctx context.Context) ([]*model.IPAddress, error) {
	return p.store.ListIPs(ctx)
}

// Pick 从可用地址中均匀随机选一个，不修改分配标记
func (p *Pool) Pick(ctx context.Context) (*model.IPAddress, error) {
	return p.PickExcluding(ctx, nil)
}

// PickExcluding 随机选择一个不在 exclude 中的可用地址
func (p *Pool) PickExcluding(ctx context.Context, exclude map[int64]bool) (*model.IPAddress, error) {
	ips, err := p.store.ListAvailableIPs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list available ips: %w", err)
	}
	candidates := ips[:0]
	for _, ip := range ips {
		if !exclude[ip.ID] {
			candidates = append(candidates, ip)
		}
	}
	if len(candidates) == 0 {
		return nil, apperr.ErrNoCapacity
	}
	return candidates[p.intn(len(candidates))], nil
}

// Allocate 比较并交换地置为已分配
func (p *Pool) Allocate(ctx context.Context, ipID int64) error {
	err := p.store.AllocateIP(ctx, ipID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrConflict):
		return apperr.Conflictf("ip %d already allocated", ipID)
	case errors.Is(err, storage.ErrNotFound):
		return apperr.NotFoundf("ip %d", ipID)
	default:
		return err
	}
}

// Release 置为未分配，重复调用无副作用
func (p *Pool) Release(ctx context.Context, ipID int64) error {
	return p.store.ReleaseIP(ctx, ipID)
}

// Add 向池中加入一个地址，重复地址返回 Conflict
func (p *Pool) Add(ctx context.Context, address string) (*model.IPAddress, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, apperr.Invalidf("empty address")
	}
	ip, err := p.store.AddIP(ctx, address)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, apperr.Conflictf("address %s already in pool", address)
		}
		return nil, err
	}
	p.log.Info("ip added", "address", ip.Address, "ip_id", ip.ID)
	return ip, nil
}

// Seed 启动时灌入配置的地址，已存在的跳过，返回新增数量
func (p *Pool) Seed(ctx context.Context, addresses []string) (int, error) {
	added := 0
	for _, a := range addresses {
		if strings.TrimSpace(a) == "" {
			continue
		}
		_, err := p.Add(ctx, a)
		if err == nil {
			added++
			continue
		}
		if errors.Is(err, apperr.ErrConflict) {
			continue
		}
		return added, err
	}
	if added > 0 {
		p.log.Info("pool seeded", "added", added, "configured", len(addresses))
	}
	return added, nil
}
