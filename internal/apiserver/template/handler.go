// Package template 模板 KV 存储 - HTTP 处理
package template

import (
	"net/http"

	"ci-keeper/internal/apiserver/httputil"
	"ci-keeper/internal/shared/apperr"
	"ci-keeper/internal/shared/model"
	"ci-keeper/internal/shared/storage"
)

// Handler 模板领域 HTTP 处理器
type Handler struct {
	store storage.TemplateStore
}

// NewHandler 创建模板处理器；store 可以是 SQL 或 MongoDB 实现
func NewHandler(store storage.TemplateStore) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes 注册模板相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/store", h.List)
	mux.HandleFunc("POST /api/v1/store", h.Put)
	mux.HandleFunc("GET /api/v1/store/{category}/{name}", h.Get)
	mux.HandleFunc("DELETE /api/v1/store/{category}/{name}", h.Delete)
}

// List 按优先级列出类别下的模板
//
// 路由: GET /api/v1/store?category=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	category, err := httputil.RequiredQuery(r, "category")
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	items, err := h.store.ListTemplates(r.Context(), category)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	if items == nil {
		items = []*model.TemplateItem{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// PutRequest 模板内容
type PutRequest struct {
	Name     string `json:"name"`
	Content  string `json:"content"`
	Priority int    `json:"priority"`
}

// Put 写入或覆盖模板
//
// 路由: POST /api/v1/store?category=
func (h *Handler) Put(w http.ResponseWriter, r *http.Request) {
	category, err := httputil.RequiredQuery(r, "category")
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	var req PutRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	if req.Name == "" {
		httputil.WriteErr(w, r, apperr.Invalidf("name is required"))
		return
	}
	item := &model.TemplateItem{Category: category, Name: req.Name, Content: req.Content, Priority: req.Priority}
	if err := h.store.PutTemplate(r.Context(), item); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, item)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	category, name := r.PathValue("category"), r.PathValue("name")
	item, err := h.store.GetTemplate(r.Context(), category, name)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	if item == nil {
		httputil.WriteErr(w, r, apperr.NotFoundf("template %s/%s", category, name))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, item)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteTemplate(r.Context(), r.PathValue("category"), r.PathValue("name")); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
