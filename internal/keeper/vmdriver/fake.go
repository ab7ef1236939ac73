package vmdriver

import (
	"context"
	"fmt"
	"sync"

	"ci-keeper/internal/shared/apperr"
	"ci-keeper/internal/shared/model"
)

// Fake 内存 VM 驱动，记录调用次数
type Fake struct {
	mu  sync.Mutex
	vms map[string]*model.VMStatus
	seq int

	CreateCalls  int
	StatusCalls  int
	DestroyCalls int
	Created      []string
	Destroyed    []string
	Configs      map[string]model.VMConfig

	// 注入的错误
	CreateErr  error
	StatusErr  error
	DestroyErr error

	// OnCreate 在 Create 登记 VM 之前调用（不持锁），测试用来模拟开机期间的状态变化
	OnCreate func(name string)
}

// NewFake 创建测试驱动
func NewFake() *Fake {
	return &Fake{
		vms:     make(map[string]*model.VMStatus),
		Configs: make(map[string]model.VMConfig),
	}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Create(ctx context.Context, name string, cfg *model.VMConfig) error {
	f.mu.Lock()
	f.CreateCalls++
	f.Created = append(f.Created, name)
	if cfg != nil {
		f.Configs[name] = *cfg
	}
	hook := f.OnCreate
	err := f.CreateErr
	f.mu.Unlock()

	if hook != nil {
		hook(name)
	}
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", apperr.ErrDriver, name, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: create %s: %w", apperr.ErrDriver, name, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.vms[name] = &model.VMStatus{
		ID:        fmt.Sprintf("%07x", f.seq),
		Name:      name,
		Provider:  "fake",
		Status:    "running",
		Directory: "/vms/" + name,
	}
	return nil
}

func (f *Fake) Status(_ context.Context, name string) (*model.VMStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatusCalls++
	if f.StatusErr != nil {
		return nil, fmt.Errorf("%w: status %s: %w", apperr.ErrDriver, name, f.StatusErr)
	}
	st, ok := f.vms[name]
	if !ok {
		return nil, fmt.Errorf("vm %s: %w", name, apperr.ErrNotFound)
	}
	cp := *st
	return &cp, nil
}

func (f *Fake) Destroy(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DestroyCalls++
	f.Destroyed = append(f.Destroyed, name)
	if f.DestroyErr != nil {
		return fmt.Errorf("%w: destroy %s: %w", apperr.ErrDriver, name, f.DestroyErr)
	}
	delete(f.vms, name)
	return nil
}

// Put 直接登记一台 VM
func (f *Fake) Put(st *model.VMStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *st
	f.vms[st.Name] = &cp
}

// Exists VM 是否存在
func (f *Fake) Exists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.vms[name]
	return ok
}

// Counts 返回 create/destroy 调用次数
func (f *Fake) Counts() (creates, destroys int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CreateCalls, f.DestroyCalls
}

// SetCreateErr 并发安全地设置 Create 错误
func (f *Fake) SetCreateErr(err error) {
	f.mu.Lock()
	f.CreateErr = err
	f.mu.Unlock()
}
