// Package project 用户与项目登记 - HTTP 处理
package project

import (
	"context"
	"log"
	"net/http"

	"ci-keeper/internal/apiserver/httputil"
	"ci-keeper/internal/keeper/githost"
	"ci-keeper/internal/shared/model"
)

// Host 仓库主机上的用户与项目查询
type Host interface {
	FindUser(ctx context.Context, token, username string) (*githost.User, error)
	FindProject(ctx context.Context, token, pathWithNamespace string) (*githost.Project, error)
}

// Registry 用户与项目登记
type Registry interface {
	CreateUserProject(ctx context.Context, user *model.User, project *model.Project) error
	ListProjects(ctx context.Context) ([]*model.Project, error)
	UpdateProjectPriority(ctx context.Context, projectID int64, priority int) error
}

// Handler 项目 HTTP 处理器
type Handler struct {
	host            Host
	registry        Registry
	defaultPriority int
}

// NewHandler 创建处理器；新登记项目的优先级为 defaultPriority
func NewHandler(host Host, registry Registry, defaultPriority int) *Handler {
	return &Handler{host: host, registry: registry, defaultPriority: defaultPriority}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/user_project", h.AddUserProject)
	mux.HandleFunc("GET /api/v1/projects", h.ListProjects)
	mux.HandleFunc("PUT /api/v1/projects/{id}/priority", h.SetPriority)
}

// AddUserProject 用用户自己的令牌在仓库主机上解析用户与项目后登记
//
// 路由: POST /api/v1/user_project?username=&token=&project_name=
func (h *Handler) AddUserProject(w http.ResponseWriter, r *http.Request) {
	username, err := httputil.RequiredQuery(r, "username")
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	token, err := httputil.RequiredQuery(r, "token")
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	projectName, err := httputil.RequiredQuery(r, "project_name")
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}

	u, err := h.host.FindUser(r.Context(), token, username)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	p, err := h.host.FindProject(r.Context(), token, projectName)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}

	user := &model.User{UserID: u.ID, Username: u.Username, Token: token}
	project := &model.Project{ProjectID: p.ID, ProjectName: p.PathWithNamespace, Priority: h.defaultPriority}
	if err := h.registry.CreateUserProject(r.Context(), user, project); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	log.Printf("[project.registered] user=%s project=%s project_id=%d", user.Username, project.ProjectName, project.ProjectID)
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{"user": user, "project": project})
}

// ListProjects 列出已登记项目
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	list, err := h.registry.ListProjects(r.Context())
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	if list == nil {
		list = []*model.Project{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"projects": list, "count": len(list)})
}

// PriorityRequest 重试优先级，越小越先重试
type PriorityRequest struct {
	Priority *int `json:"priority"`
}

// SetPriority 设置项目重试优先级
//
// 路由: PUT /api/v1/projects/{id}/priority
func (h *Handler) SetPriority(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParseID("project id", r.PathValue("id"))
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	var req PriorityRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	if req.Priority == nil {
		httputil.WriteError(w, http.StatusBadRequest, "priority is required")
		return
	}
	if err := h.registry.UpdateProjectPriority(r.Context(), id, *req.Priority); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"project_id": id, "priority": *req.Priority})
}
