// Package storage 定义持久化存储层抽象接口
//
// 调用方只依赖接口，具体实现在子包中：
//   - repository/：PostgreSQL / SQLite（通过 dbutil.Dialect 屏蔽差异）
//   - mongostore/：模板存储的 MongoDB 实现
//
// Get 类方法在记录不存在时返回 (nil, nil)。
package storage

import (
	"context"

	"ci-keeper/internal/shared/model"
)

// IPPoolStore IP 池存储
type IPPoolStore interface {
	AddIP(ctx context.Context, address string) (*model.IPAddress, error)
	GetIP(ctx context.Context, id int64) (*model.IPAddress, error)
	ListIPs(ctx context.Context) ([]*model.IPAddress, error)
	ListAvailableIPs(ctx context.Context) ([]*model.IPAddress, error)
	// AllocateIP 比较并交换：仅当未分配时置为已分配，否则返回 ErrConflict
	AllocateIP(ctx context.Context, id int64) error
	ReleaseIP(ctx context.Context, id int64) error
}

// ReservationStore 预留账本存储
type ReservationStore interface {
	GetReservationByProject(ctx context.Context, projectID int64) (*model.Reservation, error)
	GetReservationByPipeline(ctx context.Context, pipelineID int64) (*model.Reservation, error)
	ListReservations(ctx context.Context) ([]*model.Reservation, error)

	// CreateReservation 在同一事务内占用 IP 并写入预留
	//   - 项目或流水线已有预留：ErrDuplicate
	//   - IP 已被占用：ErrConflict
	//   - IP 不存在：ErrNotFound
	CreateReservation(ctx context.Context, r *model.Reservation) error

	BindReservationRunner(ctx context.Context, ipID, runnerID int64) error
	SetReservationPower(ctx context.Context, projectID, ipID int64, on bool) error
	SetReservationCanceled(ctx context.Context, projectID, pipelineID int64, canceled bool) error

	// DeleteReservation 在同一事务内删除预留并释放 IP，不存在时返回 (nil, nil)
	DeleteReservation(ctx context.Context, pipelineID int64) (*model.Reservation, error)
}

// RegistryStore 用户、项目、Runner、VM 登记
type RegistryStore interface {
	CreateUserProject(ctx context.Context, user *model.User, project *model.Project) error
	GetUserByName(ctx context.Context, username string) (*model.User, error)
	GetProject(ctx context.Context, projectID int64) (*model.Project, error)
	GetProjectByName(ctx context.Context, projectName string) (*model.Project, error)
	ListProjects(ctx context.Context) ([]*model.Project, error)
	UpdateProjectPriority(ctx context.Context, projectID int64, priority int) error
	UpdateProjectRunnerToken(ctx context.Context, projectID int64, token string) error
	// GetProjectToken 返回项目关联用户的访问令牌
	GetProjectToken(ctx context.Context, projectID int64) (string, error)

	// SaveVM 登记 VM（upsert），Runner 查找失败时也要留下 VM 记录
	SaveVM(ctx context.Context, vm *model.VM) error
	SaveProjectRunner(ctx context.Context, projectID int64, runner *model.Runner, vm *model.VM) error
	GetVM(ctx context.Context, vmName string) (*model.VM, error)
	GetProjectRunnerByVM(ctx context.Context, vmName string) (*model.ProjectRunner, error)
	DeleteProjectRunnerByVM(ctx context.Context, vmName string) error
	DeleteRunnersByName(ctx context.Context, runnerName string) (int, error)
}

// TemplateStore 按类别的模板 KV 存储
type TemplateStore interface {
	PutTemplate(ctx context.Context, item *model.TemplateItem) error
	GetTemplate(ctx context.Context, category, name string) (*model.TemplateItem, error)
	// ListTemplates 按 priority 升序返回
	ListTemplates(ctx context.Context, category string) ([]*model.TemplateItem, error)
	DeleteTemplate(ctx context.Context, category, name string) error
}

// IssueRecordStore 扫描问题去重记录
type IssueRecordStore interface {
	// RecordIssue 首次记录返回 true，已存在返回 false
	RecordIssue(ctx context.Context, userID int64, issueHash string) (bool, error)
}

// PersistentStore 完整的持久化存储接口
type PersistentStore interface {
	IPPoolStore
	ReservationStore
	RegistryStore
	TemplateStore
	IssueRecordStore

	Close() error
}
