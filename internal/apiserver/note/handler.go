// Package note 模板评论 - HTTP 处理
package note

import (
	"context"
	"log"
	"net/http"

	"ci-keeper/internal/apiserver/httputil"
	"ci-keeper/internal/keeper/notes"
	"ci-keeper/internal/shared/model"
)

// Notes 模板评论服务
type Notes interface {
	Comment(ctx context.Context, projectName, templateName string, target notes.Target, entries map[string]any) (*notes.Posted, error)
	GetTemplate(ctx context.Context, name string) (*model.TemplateItem, error)
	SaveTemplate(ctx context.Context, name, content string) (*model.TemplateItem, error)
}

// Handler 评论 HTTP 处理器
type Handler struct {
	notes Notes
}

// NewHandler 创建处理器
func NewHandler(n Notes) *Handler {
	return &Handler{notes: n}
}

// RegisterRoutes 注册路由；template/{name} 比 {project...} 更具体，优先匹配
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/notes/template/{name}", h.GetTemplate)
	mux.HandleFunc("POST /api/v1/notes/template/{name}", h.SaveTemplate)
	mux.HandleFunc("POST /api/v1/notes/{project...}", h.Comment)
}

// CommentRequest 评论请求体
type CommentRequest struct {
	Entries map[string]any `json:"entries"`
}

// Comment 渲染 note 模板并评论到提交、issue 或合并请求
//
// 路由: POST /api/v1/notes/{project...}?name=&sha=|issue_iid=|mr_iid=&issuer=
func (h *Handler) Comment(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	name, err := httputil.RequiredQuery(r, "name")
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	q := r.URL.Query()
	target := notes.Target{SHA: q.Get("sha")}
	if target.IssueIID, err = optionalID(q.Get("issue_iid"), "issue_iid"); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	if target.MergeRequestIID, err = optionalID(q.Get("mr_iid"), "mr_iid"); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}

	var req CommentRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	if req.Entries == nil {
		req.Entries = map[string]any{}
	}
	if issuer := q.Get("issuer"); issuer != "" {
		req.Entries["issuer"] = issuer
	}

	posted, err := h.notes.Comment(r.Context(), project, name, target, req.Entries)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	log.Printf("[note.posted] project=%s template=%s target=%q", project, name, posted.Target)
	httputil.WriteJSON(w, http.StatusCreated, posted)
}

// GetTemplate 读取 note 模板
//
// 路由: GET /api/v1/notes/template/{name}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	item, err := h.notes.GetTemplate(r.Context(), r.PathValue("name"))
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, item)
}

// TemplateRequest 模板内容
type TemplateRequest struct {
	Content string `json:"content"`
}

// SaveTemplate 保存 note 模板，语法错误返回 400
//
// 路由: POST /api/v1/notes/template/{name}
func (h *Handler) SaveTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	item, err := h.notes.SaveTemplate(r.Context(), r.PathValue("name"), req.Content)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	log.Printf("[note.template_saved] name=%s", item.Name)
	httputil.WriteJSON(w, http.StatusOK, item)
}

func optionalID(raw, name string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return httputil.ParseID(name, raw)
}
