// Package repo 项目流水线、提交状态、CI 变量与模板文件 - HTTP 处理
//
// 代理到仓库主机，使用项目登记的令牌。
package repo

import (
	"context"
	"log"
	"net/http"

	"ci-keeper/internal/apiserver/httputil"
	"ci-keeper/internal/keeper/githost"
	"ci-keeper/internal/keeper/notes"
	"ci-keeper/internal/shared/apperr"
)

// Host 仓库主机上的项目操作
type Host interface {
	TriggerPipeline(ctx context.Context, projectID int64, ref string) (*githost.Pipeline, error)
	GetCommitStatuses(ctx context.Context, projectID int64, sha string) ([]githost.CommitStatus, error)
	ListVariables(ctx context.Context, projectID int64) ([]githost.Variable, error)
	AddVariable(ctx context.Context, projectID int64, v githost.Variable) (*githost.Variable, error)
	UpdateVariable(ctx context.Context, projectID int64, v githost.Variable) (*githost.Variable, error)
	DeleteVariable(ctx context.Context, projectID int64, key string) error
}

// FileWriter 渲染模板写入仓库文件
type FileWriter interface {
	WriteFile(ctx context.Context, projectID int64, req notes.FileRequest) error
}

// Handler 项目仓库 HTTP 处理器
type Handler struct {
	host  Host
	files FileWriter
}

// NewHandler 创建处理器
func NewHandler(host Host, files FileWriter) *Handler {
	return &Handler{host: host, files: files}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/projects/{id}/pipelines", h.TriggerPipeline)
	mux.HandleFunc("GET /api/v1/projects/{id}/commits/{sha}/statuses", h.CommitStatuses)
	mux.HandleFunc("GET /api/v1/projects/{id}/variables", h.ListVariables)
	mux.HandleFunc("POST /api/v1/projects/{id}/variables", h.AddVariable)
	mux.HandleFunc("PUT /api/v1/projects/{id}/variables/{key}", h.UpdateVariable)
	mux.HandleFunc("DELETE /api/v1/projects/{id}/variables/{key}", h.DeleteVariable)
	mux.HandleFunc("POST /api/v1/projects/{id}/files", h.WriteFile)
}

func projectID(r *http.Request) (int64, error) {
	return httputil.ParseID("project id", r.PathValue("id"))
}

// TriggerPipeline 在 ref 上新建流水线
//
// 路由: POST /api/v1/projects/{id}/pipelines?ref=
func (h *Handler) TriggerPipeline(w http.ResponseWriter, r *http.Request) {
	id, err := projectID(r)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	ref, err := httputil.RequiredQuery(r, "ref")
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	p, err := h.host.TriggerPipeline(r.Context(), id, ref)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	log.Printf("[repo.pipeline_triggered] project_id=%d ref=%s pipeline_id=%d", id, ref, p.ID)
	httputil.WriteJSON(w, http.StatusCreated, p)
}

// CommitStatuses 提交上的作业状态
//
// 路由: GET /api/v1/projects/{id}/commits/{sha}/statuses
func (h *Handler) CommitStatuses(w http.ResponseWriter, r *http.Request) {
	id, err := projectID(r)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	statuses, err := h.host.GetCommitStatuses(r.Context(), id, r.PathValue("sha"))
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	if statuses == nil {
		statuses = []githost.CommitStatus{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"statuses": statuses, "count": len(statuses)})
}

// ListVariables 列出 CI 变量
//
// 路由: GET /api/v1/projects/{id}/variables
func (h *Handler) ListVariables(w http.ResponseWriter, r *http.Request) {
	id, err := projectID(r)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	vars, err := h.host.ListVariables(r.Context(), id)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	if vars == nil {
		vars = []githost.Variable{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"variables": vars, "count": len(vars)})
}

// AddVariable 新增 CI 变量
//
// 路由: POST /api/v1/projects/{id}/variables
func (h *Handler) AddVariable(w http.ResponseWriter, r *http.Request) {
	id, err := projectID(r)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	var v githost.Variable
	if err := httputil.DecodeJSON(r, &v); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	if v.Key == "" {
		httputil.WriteErr(w, r, apperr.Invalidf("key is required"))
		return
	}
	created, err := h.host.AddVariable(r.Context(), id, v)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	log.Printf("[repo.variable_added] project_id=%d key=%s", id, v.Key)
	httputil.WriteJSON(w, http.StatusCreated, created)
}

// UpdateVariable 更新 CI 变量，路径中的 key 为准
//
// 路由: PUT /api/v1/projects/{id}/variables/{key}
func (h *Handler) UpdateVariable(w http.ResponseWriter, r *http.Request) {
	id, err := projectID(r)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	var v githost.Variable
	if err := httputil.DecodeJSON(r, &v); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	v.Key = r.PathValue("key")
	updated, err := h.host.UpdateVariable(r.Context(), id, v)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	log.Printf("[repo.variable_updated] project_id=%d key=%s", id, v.Key)
	httputil.WriteJSON(w, http.StatusOK, updated)
}

// DeleteVariable 删除 CI 变量
//
// 路由: DELETE /api/v1/projects/{id}/variables/{key}
func (h *Handler) DeleteVariable(w http.ResponseWriter, r *http.Request) {
	id, err := projectID(r)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	key := r.PathValue("key")
	if err := h.host.DeleteVariable(r.Context(), id, key); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	log.Printf("[repo.variable_deleted] project_id=%d key=%s", id, key)
	w.WriteHeader(http.StatusNoContent)
}

// WriteFile 渲染 file 类模板并提交到分支
//
// 路由: POST /api/v1/projects/{id}/files
// 请求体: {"path", "branch", "template", "commit_message", "entries"}
func (h *Handler) WriteFile(w http.ResponseWriter, r *http.Request) {
	id, err := projectID(r)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	var req notes.FileRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	if err := h.files.WriteFile(r.Context(), id, req); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	log.Printf("[repo.file_written] project_id=%d path=%s branch=%s", id, req.Path, req.Branch)
	httputil.WriteMessage(w, http.StatusCreated, "file written")
}
