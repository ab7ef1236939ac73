// Package runner 流水线 webhook、重试队列与 Runner 注册 - HTTP 处理
package runner

import (
	"context"
	"log"
	"net/http"

	"ci-keeper/internal/apiserver/httputil"
	"ci-keeper/internal/keeper/lifecycle"
	"ci-keeper/internal/shared/apperr"
	"ci-keeper/internal/shared/model"
)

// Coordinator 生命周期协调器
type Coordinator interface {
	HandlePipeline(ctx context.Context, ev *model.PipelineEvent, opts lifecycle.HandleOptions) (*lifecycle.Result, error)
}

// Prober 重试队列
type Prober interface {
	Kick(projectID int64)
	List(ctx context.Context) ([]*model.RetryTask, error)
}

// Registry 用户、项目与 Runner 登记
type Registry interface {
	GetUserByName(ctx context.Context, username string) (*model.User, error)
	GetProjectByName(ctx context.Context, projectName string) (*model.Project, error)
	UpdateProjectRunnerToken(ctx context.Context, projectID int64, token string) error
	DeleteRunnersByName(ctx context.Context, runnerName string) (int, error)
}

// Handler Runner 领域 HTTP 处理器
type Handler struct {
	coordinator Coordinator
	prober      Prober
	registry    Registry
}

// NewHandler 创建处理器
func NewHandler(coordinator Coordinator, prober Prober, registry Registry) *Handler {
	return &Handler{coordinator: coordinator, prober: prober, registry: registry}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/runners", h.Webhook)
	mux.HandleFunc("GET /api/v1/runners/probe", h.Probe)
	mux.HandleFunc("GET /api/v1/runners/queue", h.Queue)
	mux.HandleFunc("POST /api/v1/runners/register", h.Register)
	mux.HandleFunc("DELETE /api/v1/runners/register", h.Unregister)
	mux.HandleFunc("DELETE /api/v1/runners/{name}", h.DeleteRunner)
}

// Webhook 流水线状态变化
//
// 路由: POST /api/v1/runners?base_repo_name=&username=
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	baseRepo, err := httputil.RequiredQuery(r, "base_repo_name")
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	username, err := httputil.RequiredQuery(r, "username")
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}

	var ev model.PipelineEvent
	if err := httputil.DecodeJSON(r, &ev); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	if ev.ObjectKind != "" && ev.ObjectKind != "pipeline" {
		httputil.WriteMessage(w, http.StatusOK, "ignored "+ev.ObjectKind+" event")
		return
	}

	res, err := h.coordinator.HandlePipeline(r.Context(), &ev, lifecycle.HandleOptions{BaseRepo: baseRepo, Username: username})
	if err != nil {
		log.Printf("[runner.webhook_failed] project=%d pipeline=%d status=%s err=%v",
			ev.Project.ID, ev.ObjectAttributes.ID, ev.ObjectAttributes.Status, err)
		httputil.WriteErr(w, r, err)
		return
	}
	log.Printf("[runner.webhook] project=%d pipeline=%d status=%s action=%s vm=%s",
		res.ProjectID, res.PipelineID, res.Status, res.Action, res.VMName)
	httputil.WriteJSON(w, res.HTTPStatus(), res)
}

// Probe 异步排空重试队列
//
// 路由: GET /api/v1/runners/probe?project_id=
func (h *Handler) Probe(w http.ResponseWriter, r *http.Request) {
	var projectID int64
	if raw := r.URL.Query().Get("project_id"); raw != "" {
		id, err := httputil.ParseID("project_id", raw)
		if err != nil {
			httputil.WriteErr(w, r, err)
			return
		}
		projectID = id
	}
	h.prober.Kick(projectID)
	httputil.WriteMessage(w, http.StatusAccepted, "retry queue drain scheduled")
}

// Queue 列出排队中的流水线
//
// 路由: GET /api/v1/runners/queue
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.prober.List(r.Context())
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*model.RetryTask{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// RegisterRequest 项目 Runner 注册令牌
type RegisterRequest struct {
	RunnerToken string `json:"runner_token"`
}

// Register 登记项目的 Runner 注册令牌
//
// 路由: POST /api/v1/runners/register?username=&project_name=
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	project, err := h.resolveProject(r)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	var req RegisterRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	if req.RunnerToken == "" {
		httputil.WriteErr(w, r, apperr.Invalidf("runner_token is required"))
		return
	}
	if err := h.registry.UpdateProjectRunnerToken(r.Context(), project.ProjectID, req.RunnerToken); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	log.Printf("[runner.registered] project=%s", project.ProjectName)
	httputil.WriteMessage(w, http.StatusOK, "runner registered")
}

// Unregister 清除项目的 Runner 注册令牌
//
// 路由: DELETE /api/v1/runners/register?username=&project_name=
func (h *Handler) Unregister(w http.ResponseWriter, r *http.Request) {
	project, err := h.resolveProject(r)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	if err := h.registry.UpdateProjectRunnerToken(r.Context(), project.ProjectID, ""); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	log.Printf("[runner.unregistered] project=%s", project.ProjectName)
	httputil.WriteMessage(w, http.StatusOK, "runner unregistered")
}

// resolveProject 校验用户与项目都已登记
func (h *Handler) resolveProject(r *http.Request) (*model.Project, error) {
	username, err := httputil.RequiredQuery(r, "username")
	if err != nil {
		return nil, err
	}
	projectName, err := httputil.RequiredQuery(r, "project_name")
	if err != nil {
		return nil, err
	}
	user, err := h.registry.GetUserByName(r.Context(), username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.NotFoundf("user %q is not registered", username)
	}
	project, err := h.registry.GetProjectByName(r.Context(), projectName)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, apperr.NotFoundf("project %q is not registered", projectName)
	}
	return project, nil
}

// DeleteRunner 按 Runner 名称删除登记（幂等）
//
// 路由: DELETE /api/v1/runners/{name}
func (h *Handler) DeleteRunner(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	n, err := h.registry.DeleteRunnersByName(r.Context(), name)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	if n == 0 {
		log.Printf("[runner.unregister_missing] name=%s", name)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"runner_name": name, "deleted": n})
}
