// Package lifecycle 按流水线状态驱动 Runner VM 的生命周期
//
// 活跃流水线：预留 IP → 后台创建 VM → 绑定 Runner → 标记开机。
// 终态流水线：后台查询并销毁 VM → 释放预留 → 清理登记。
// 分不到 IP 时取消上游流水线并放入重试队列，由 retry.Prober 之后重新触发。
//
// 协调器不直接访问存储表，预留由 ledger 管理，登记信息经 Registry 写入。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"ci-keeper/internal/keeper/githost"
	"ci-keeper/internal/keeper/ledger"
	"ci-keeper/internal/keeper/vmdriver"
	"ci-keeper/internal/keeper/worker"
	"ci-keeper/internal/shared/apperr"
	"ci-keeper/internal/shared/model"
	"ci-keeper/pkg/logging"
)

// Host 仓库主机上协调器用到的操作
type Host interface {
	CancelPipeline(ctx context.Context, projectID, pipelineID int64) (*githost.Pipeline, error)
	FindRunner(ctx context.Context, projectID int64, description string) (*githost.Runner, error)
	ToggleRunner(ctx context.Context, runnerID int64, active bool) error
}

// Registry 项目与 Runner/VM 登记
type Registry interface {
	GetProject(ctx context.Context, projectID int64) (*model.Project, error)
	GetUserByName(ctx context.Context, username string) (*model.User, error)
	CreateUserProject(ctx context.Context, user *model.User, project *model.Project) error
	GetProjectRunnerByVM(ctx context.Context, vmName string) (*model.ProjectRunner, error)
	SaveVM(ctx context.Context, vm *model.VM) error
	SaveProjectRunner(ctx context.Context, projectID int64, runner *model.Runner, vm *model.VM) error
	DeleteProjectRunnerByVM(ctx context.Context, vmName string) error
}

// Retrier 重试队列入口，*retry.Prober 实现
type Retrier interface {
	Enqueue(ctx context.Context, pipelineID, projectID int64, priority int) (bool, error)
	Kick(projectID int64)
	DefaultPriority() int
}

// Submitter 后台任务提交，*worker.Pool 实现
type Submitter interface {
	Submit(kind string, fn worker.Task) error
}

// Config VM 规格与回调地址
type Config struct {
	Box         string
	Memory      int
	CPUs        int
	RunnerToken string // 项目未登记令牌时使用
	HostURL     string // Runner 注册的仓库主机地址
	KeeperURL   string // 写入 vms.keeper_url
}

// HandleOptions webhook 查询参数
type HandleOptions struct {
	BaseRepo string // 为空时使用项目名
	// Username 项目未登记时，把项目挂到该已登记用户名下
	Username string
}

// Action 协调器对一次 webhook 的处理结果
type Action string

const (
	ActionRecycling     Action = "recycling"
	ActionAlreadyServed Action = "already_served"
	ActionProvisioning  Action = "provisioning"
	ActionBypassed      Action = "bypassed"
)

// Result HandlePipeline 的返回
type Result struct {
	Action     Action               `json:"action"`
	VMName     string               `json:"vm_name,omitempty"`
	IP         string               `json:"ip,omitempty"`
	PipelineID int64                `json:"pipeline_id"`
	ProjectID  int64                `json:"project_id"`
	Status     model.PipelineStatus `json:"status"`
}

// HTTPStatus 后台处理的动作返回 202
func (r *Result) HTTPStatus() int {
	switch r.Action {
	case ActionRecycling, ActionProvisioning:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}

// Coordinator Runner 生命周期协调器
type Coordinator struct {
	ledger   *ledger.Ledger
	driver   vmdriver.Driver
	host     Host
	registry Registry
	retrier  Retrier
	workers  Submitter
	cfg      Config
	log      *logging.Logger

	pipelines *keyLock

	mu        sync.Mutex
	recycling map[string]bool
}

// New 创建协调器
func New(l *ledger.Ledger, driver vmdriver.Driver, host Host, registry Registry, retrier Retrier, workers Submitter, cfg Config, log *logging.Logger) *Coordinator {
	if log == nil {
		log = logging.Discard()
	}
	return &Coordinator{
		ledger:    l,
		driver:    driver,
		host:      host,
		registry:  registry,
		retrier:   retrier,
		workers:   workers,
		cfg:       cfg,
		log:       log.Named("lifecycle"),
		pipelines: newKeyLock(),
		recycling: make(map[string]bool),
	}
}

// HandlePipeline 处理一次流水线状态 webhook
func (c *Coordinator) HandlePipeline(ctx context.Context, ev *model.PipelineEvent, opts HandleOptions) (*Result, error) {
	if ev == nil {
		return nil, apperr.Invalidf("empty pipeline event")
	}
	projectID := ev.Project.ID
	pipelineID := ev.ObjectAttributes.ID
	if projectID <= 0 || pipelineID <= 0 {
		return nil, apperr.Invalidf("project id and pipeline id are required")
	}
	if ev.Project.Name == "" {
		return nil, apperr.Invalidf("project name is required")
	}
	// 每个 webhook 都顺带检查重试队列
	defer c.retrier.Kick(projectID)

	baseRepo := opts.BaseRepo
	if baseRepo == "" {
		baseRepo = ev.Project.Name
	}
	status := ev.ObjectAttributes.Status
	res := &Result{
		VMName:     model.RunnerVMName(ev.Project.Name, baseRepo, pipelineID),
		PipelineID: pipelineID,
		ProjectID:  projectID,
		Status:     status,
	}

	unlock := c.pipelines.Lock(pipelineID)
	defer unlock()

	switch {
	case status.IsTerminal():
		return c.handleTerminal(ctx, res)
	case status.IsActive():
		return c.handleActive(ctx, res, ev, baseRepo, opts.Username)
	default:
		res.Action = ActionBypassed
		return res, nil
	}
}

func (c *Coordinator) handleTerminal(ctx context.Context, res *Result) (*Result, error) {
	log := c.log.WithPipeline(res.ProjectID, res.PipelineID).WithVM(res.VMName)
	res.Action = ActionRecycling

	if res.Status == model.PipelineStatusCanceled {
		if err := c.ledger.SetCanceled(ctx, res.ProjectID, res.PipelineID, true); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			log.WithError(err).Warn("mark reservation canceled failed")
		}
	}

	c.mu.Lock()
	if c.recycling[res.VMName] {
		c.mu.Unlock()
		log.Debug("recycle already in flight")
		return res, nil
	}
	c.recycling[res.VMName] = true
	c.mu.Unlock()

	vmName, pipelineID, reason := res.VMName, res.PipelineID, string(res.Status)
	err := c.workers.Submit("recycle", func(ctx context.Context) error {
		defer c.doneRecycling(vmName)
		return c.recycle(ctx, vmName, pipelineID, reason)
	})
	if err != nil {
		c.doneRecycling(vmName)
		return nil, fmt.Errorf("submit recycle %s: %w", vmName, err)
	}
	log.Info("recycle submitted")
	return res, nil
}

func (c *Coordinator) doneRecycling(vmName string) {
	c.mu.Lock()
	delete(c.recycling, vmName)
	c.mu.Unlock()
}

// recycle 销毁 VM（存在时）后释放预留；销毁失败不阻塞释放
func (c *Coordinator) recycle(ctx context.Context, vmName string, pipelineID int64, reason string) error {
	log := c.log.WithVM(vmName)

	c.pauseRunner(ctx, vmName)
	c.destroyIfExists(ctx, vmName)

	// 销毁可能耗尽任务超时，释放仍需完成
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if _, err := c.ledger.Release(rctx, pipelineID, reason); err != nil {
		return fmt.Errorf("release pipeline %d: %w", pipelineID, err)
	}
	if err := c.registry.DeleteProjectRunnerByVM(rctx, vmName); err != nil {
		log.WithError(err).Warn("delete runner registry failed")
	}
	log.Info("vm recycled", "pipeline_id", pipelineID, "reason", reason)
	return nil
}

// pauseRunner 销毁前暂停 Runner，避免新作业落到正在回收的 VM 上
func (c *Coordinator) pauseRunner(ctx context.Context, vmName string) {
	log := c.log.WithVM(vmName)
	pr, err := c.registry.GetProjectRunnerByVM(ctx, vmName)
	if err != nil {
		log.WithError(err).Warn("lookup project runner failed")
		return
	}
	if pr == nil || pr.RunnerID == 0 {
		return
	}
	if err := c.host.ToggleRunner(ctx, pr.RunnerID, false); err != nil {
		log.WithError(err).Warn("pause runner failed", "runner_id", pr.RunnerID)
		return
	}
	log.Debug("runner paused", "runner_id", pr.RunnerID)
}

// destroyIfExists 尽力销毁，查询不到 VM 时跳过
func (c *Coordinator) destroyIfExists(ctx context.Context, vmName string) {
	log := c.log.WithVM(vmName)
	st, err := c.driver.Status(ctx, vmName)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		log.Debug("vm not found, skip destroy")
		return
	case err != nil:
		log.WithError(err).Warn("query vm status failed, destroying anyway")
	default:
		log.Debug("vm found", "id", st.ID, "status", st.Status)
	}
	if err := c.driver.Destroy(ctx, vmName); err != nil {
		log.WithError(err).Warn("destroy vm failed")
	}
}

func (c *Coordinator) handleActive(ctx context.Context, res *Result, ev *model.PipelineEvent, baseRepo, username string) (*Result, error) {
	log := c.log.WithPipeline(res.ProjectID, res.PipelineID).WithVM(res.VMName)

	existing, err := c.ledger.GetReservationByPipeline(ctx, res.PipelineID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		res.Action = ActionAlreadyServed
		res.IP = existing.Address
		return res, nil
	}

	project, err := c.resolveProject(ctx, ev, username)
	if err != nil {
		return nil, err
	}

	r, created, err := c.ledger.ReserveAny(ctx, res.ProjectID, res.PipelineID)
	if err != nil {
		c.deferPipeline(ctx, res.ProjectID, res.PipelineID, project, err)
		return nil, err
	}
	res.IP = r.Address
	if !created {
		res.Action = ActionAlreadyServed
		return res, nil
	}

	token := c.cfg.RunnerToken
	if project.HasRunnerToken() {
		token = project.RunnerToken
	}
	if token == "" {
		c.release(ctx, res.PipelineID, "no runner token")
		return nil, apperr.Invalidf("project %d has no runner token", res.ProjectID)
	}

	job := &provisionJob{
		projectID:  res.ProjectID,
		pipelineID: res.PipelineID,
		ipID:       r.IPID,
		priority:   c.priority(project),
		vmName:     res.VMName,
		vm: &model.VMConfig{
			Box:         c.cfg.Box,
			Memory:      c.cfg.Memory,
			CPUs:        c.cfg.CPUs,
			IP:          r.Address,
			RunnerName:  res.VMName,
			RunnerTag:   model.RunnerTag(ev.Project.Name, baseRepo),
			RunnerToken: token,
			HostURL:     c.cfg.HostURL,
		},
	}
	if err := c.workers.Submit("provision", func(ctx context.Context) error {
		return c.provision(ctx, job)
	}); err != nil {
		c.release(ctx, res.PipelineID, "submit failed")
		return nil, fmt.Errorf("submit provision %s: %w", res.VMName, err)
	}

	log.Info("provision submitted", "ip", r.Address)
	res.Action = ActionProvisioning
	return res, nil
}

// resolveProject 读取项目登记；未登记且 username 是已登记用户时补登记
func (c *Coordinator) resolveProject(ctx context.Context, ev *model.PipelineEvent, username string) (*model.Project, error) {
	project, err := c.registry.GetProject(ctx, ev.Project.ID)
	if err != nil || project != nil || username == "" {
		return project, err
	}
	log := c.log.WithPipeline(ev.Project.ID, ev.ObjectAttributes.ID)

	user, err := c.registry.GetUserByName(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		log.Debug("webhook user not registered", "username", username)
		return nil, nil
	}
	name := ev.Project.PathWithNamespace
	if name == "" {
		name = ev.Project.Name
	}
	project = &model.Project{ProjectID: ev.Project.ID, ProjectName: name, Priority: c.retrier.DefaultPriority()}
	if err := c.registry.CreateUserProject(ctx, user, project); err != nil {
		log.WithError(err).Warn("register project for webhook user failed", "username", username)
		return nil, nil
	}
	log.Info("project registered from webhook", "username", username, "project", name)
	return project, nil
}

// deferPipeline 取消上游流水线；仍无预留时放入重试队列
//
// 与请求生命周期脱钩，webhook 连接断开时取消和入队仍要完成。
func (c *Coordinator) deferPipeline(ctx context.Context, projectID, pipelineID int64, project *model.Project, cause error) {
	log := c.log.WithPipeline(projectID, pipelineID)
	log.WithError(cause).Warn("no runner capacity, deferring pipeline")

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if _, err := c.host.CancelPipeline(ctx, projectID, pipelineID); err != nil {
		log.WithError(err).Warn("cancel pipeline failed")
	}

	existing, err := c.ledger.GetReservationByPipeline(ctx, pipelineID)
	if err != nil {
		log.WithError(err).Warn("check reservation failed")
		return
	}
	if existing != nil {
		return
	}
	if _, err := c.retrier.Enqueue(ctx, pipelineID, projectID, c.priority(project)); err != nil {
		log.WithError(err).Error("enqueue pipeline failed")
	}
}

// priority 项目登记的优先级，0 为最高档；未登记项目用默认值
func (c *Coordinator) priority(project *model.Project) int {
	if project == nil {
		return c.retrier.DefaultPriority()
	}
	return project.Priority
}

func (c *Coordinator) release(ctx context.Context, pipelineID int64, reason string) {
	if _, err := c.ledger.Release(ctx, pipelineID, reason); err != nil {
		c.log.WithError(err).Error("release reservation failed", "pipeline_id", pipelineID, "reason", reason)
	}
}

// cleanupTimeout 任务超时后仍需完成的释放与入队
const cleanupTimeout = 30 * time.Second

type provisionJob struct {
	projectID  int64
	pipelineID int64
	ipID       int64
	priority   int
	vmName     string
	vm         *model.VMConfig
}

func (c *Coordinator) provision(ctx context.Context, job *provisionJob) error {
	log := c.log.WithPipeline(job.projectID, job.pipelineID).WithVM(job.vmName)

	if err := c.driver.Create(ctx, job.vmName, job.vm); err != nil {
		log.WithError(err).Error("create vm failed")
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if derr := c.driver.Destroy(cctx, job.vmName); derr != nil {
			log.WithError(derr).Debug("cleanup after failed create")
		}
		c.release(cctx, job.pipelineID, "create failed")
		if _, cerr := c.host.CancelPipeline(cctx, job.projectID, job.pipelineID); cerr != nil {
			log.WithError(cerr).Warn("cancel pipeline failed")
		}
		if _, qerr := c.retrier.Enqueue(cctx, job.pipelineID, job.projectID, job.priority); qerr != nil {
			log.WithError(qerr).Error("enqueue pipeline failed")
		}
		return err
	}

	// 开机期间流水线可能已结束或被取消
	r, err := c.ledger.GetReservationByPipeline(ctx, job.pipelineID)
	if err != nil {
		return fmt.Errorf("recheck reservation: %w", err)
	}
	if r == nil || r.IsCanceled {
		log.Info("pipeline finished during boot, tearing down")
		if err := c.driver.Destroy(ctx, job.vmName); err != nil {
			log.WithError(err).Warn("destroy vm failed")
		}
		c.release(ctx, job.pipelineID, "canceled during boot")
		return nil
	}

	vm := &model.VM{VMID: job.vmName, VMName: job.vmName, Target: c.driver.Name(), KeeperURL: c.cfg.KeeperURL}
	if st, err := c.driver.Status(ctx, job.vmName); err != nil {
		log.WithError(err).Warn("query vm status failed")
	} else if st.ID != "" {
		vm.VMID = st.ID
	}
	if err := c.registry.SaveVM(ctx, vm); err != nil {
		log.WithError(err).Warn("save vm failed")
	}

	runner, err := c.host.FindRunner(ctx, job.projectID, job.vmName)
	if err != nil {
		log.WithError(err).Warn("runner not found on host")
	} else {
		if err := c.ledger.BindRunner(ctx, job.ipID, runner.ID); err != nil {
			log.WithError(err).Warn("bind runner failed")
		}
		if err := c.registry.SaveProjectRunner(ctx, job.projectID,
			&model.Runner{RunnerID: runner.ID, RunnerName: job.vmName}, vm); err != nil {
			log.WithError(err).Warn("save project runner failed")
		}
	}

	if err := c.ledger.SetPower(ctx, job.projectID, job.ipID, true); err != nil {
		return fmt.Errorf("set power: %w", err)
	}
	log.Info("runner vm ready", "ip", job.vm.IP, "vm_id", vm.VMID)
	return nil
}

// DestroyVM 后台销毁 VM 并清理登记，不动预留
func (c *Coordinator) DestroyVM(vmName string) error {
	if vmName == "" {
		return apperr.Invalidf("vm name is required")
	}
	return c.workers.Submit("destroy", func(ctx context.Context) error {
		if err := c.driver.Destroy(ctx, vmName); err != nil {
			return err
		}
		if err := c.registry.DeleteProjectRunnerByVM(ctx, vmName); err != nil {
			c.log.WithVM(vmName).WithError(err).Warn("delete runner registry failed")
		}
		return nil
	})
}

// VMStatus 实时查询 VM 状态
func (c *Coordinator) VMStatus(ctx context.Context, vmName string) (*model.VMStatus, error) {
	return c.driver.Status(ctx, vmName)
}

// Driver 当前使用的 VM 驱动名
func (c *Coordinator) Driver() string {
	return c.driver.Name()
}
