// Package server 组装 keeper 的 HTTP API
//
// 文件组织：
//   - common.go: Handler 依赖与健康检查
//   - handler.go: 路由与中间件
//   - metrics.go: Prometheus 指标
//
// 各领域接口在独立包中（runner、vm、ippool、project、repo、template、note、issue、artifact），本包只负责装配。
package server

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"ci-keeper/internal/apiserver/artifact"
	"ci-keeper/internal/apiserver/auth"
	"ci-keeper/internal/apiserver/httputil"
	"ci-keeper/internal/apiserver/issue"
	"ci-keeper/internal/apiserver/project"
	"ci-keeper/internal/apiserver/repo"
	"ci-keeper/internal/keeper/ledger"
	"ci-keeper/internal/keeper/lifecycle"
	"ci-keeper/internal/keeper/notes"
	"ci-keeper/internal/keeper/pool"
	"ci-keeper/internal/keeper/retry"
	"ci-keeper/internal/keeper/tracker"
	"ci-keeper/internal/keeper/worker"
	"ci-keeper/internal/shared/model"
	"ci-keeper/internal/shared/queue"
	"ci-keeper/internal/shared/storage"
	"ci-keeper/pkg/logging"
)

// metricsNamespace Prometheus 指标前缀
const metricsNamespace = "keeper"

// Host 各领域接口用到的仓库主机操作，*githost.Client 实现
type Host interface {
	project.Host
	repo.Host
	notes.Host
	tracker.Host
}

// Deps Handler 依赖
type Deps struct {
	Store       storage.PersistentStore
	Templates   storage.TemplateStore // nil 时使用 Store
	Pool        *pool.Pool
	Ledger      *ledger.Ledger
	Coordinator *lifecycle.Coordinator
	Prober      *retry.Prober
	Queue       queue.RetryQueue // 可选，用于队列长度指标
	Workers     *worker.Pool
	Host        Host
	// Dispatcher 未配置扫描器时保持 nil 接口，不要传入 nil 指针
	Dispatcher issue.Dispatcher
	// Tracker 与 Notes 为 nil 时由 Host 与 Store 构造
	Tracker issue.Tracker
	Notes   *notes.Service
	// Artifacts 未配置对象存储时保持 nil 接口
	Artifacts       artifact.Saver
	ArtifactMaxSize int64

	Auth            auth.Config
	DefaultPriority int

	// Registry nil 时注册到 Prometheus 默认 registry
	Registry *prometheus.Registry
	Logger   *logging.Logger
}

// Handler API 处理器
type Handler struct {
	deps    Deps
	log     *logging.Logger
	metrics *Metrics
}

// NewHandler 创建 Handler 实例
func NewHandler(deps Deps) *Handler {
	if deps.Templates == nil {
		deps.Templates = deps.Store
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Tracker == nil {
		deps.Tracker = tracker.New(deps.Host, deps.Store, deps.Logger)
	}
	if deps.Notes == nil {
		deps.Notes = notes.New(deps.Templates, deps.Host, deps.Store, deps.Logger)
	}
	h := &Handler{
		deps:    deps,
		log:     deps.Logger.Named("http"),
		metrics: NewMetrics(metricsNamespace, deps.Registry),
	}
	if deps.Store != nil {
		h.metrics.RegisterResourceGauges(metricsNamespace, deps.Store, deps.Queue)
	}
	return h
}

// GetMetrics 返回指标实例
func (h *Handler) GetMetrics() *Metrics {
	return h.metrics
}

// HealthResponse 健康检查结果
type HealthResponse struct {
	Status  string        `json:"status"`
	Driver  string        `json:"driver,omitempty"`
	Workers *worker.Stats `json:"workers,omitempty"`
}

// Health 健康检查接口
//
// 路由: GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if h.deps.Coordinator != nil {
		resp.Driver = h.deps.Coordinator.Driver()
	}
	if h.deps.Workers != nil {
		st := h.deps.Workers.Stats()
		resp.Workers = &st
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// countingCoordinator 按处理动作统计 webhook
type countingCoordinator struct {
	*lifecycle.Coordinator
	webhooks *prometheus.CounterVec
}

func (c countingCoordinator) HandlePipeline(ctx context.Context, ev *model.PipelineEvent, opts lifecycle.HandleOptions) (*lifecycle.Result, error) {
	res, err := c.Coordinator.HandlePipeline(ctx, ev, opts)
	if err != nil {
		c.webhooks.WithLabelValues("error").Inc()
		return nil, err
	}
	c.webhooks.WithLabelValues(string(res.Action)).Inc()
	return res, nil
}
