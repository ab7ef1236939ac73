// Package vm Runner VM 查询与销毁 - HTTP 处理
package vm

import (
	"context"
	"log"
	"net/http"

	"ci-keeper/internal/apiserver/httputil"
	"ci-keeper/internal/shared/apperr"
	"ci-keeper/internal/shared/model"
)

// Registry VM 登记
type Registry interface {
	GetVM(ctx context.Context, vmName string) (*model.VM, error)
}

// Lifecycle VM 实时状态与后台销毁
type Lifecycle interface {
	VMStatus(ctx context.Context, vmName string) (*model.VMStatus, error)
	DestroyVM(vmName string) error
}

// Handler VM 领域 HTTP 处理器
type Handler struct {
	registry  Registry
	lifecycle Lifecycle
}

// NewHandler 创建处理器
func NewHandler(registry Registry, lifecycle Lifecycle) *Handler {
	return &Handler{registry: registry, lifecycle: lifecycle}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/vm", h.GetVM)
	mux.HandleFunc("GET /api/v1/vms/{name}/status", h.Status)
	mux.HandleFunc("DELETE /api/v1/vms/{name}", h.Destroy)
}

// GetVM 已登记的 VM 信息
//
// 路由: GET /api/v1/vm?name=
func (h *Handler) GetVM(w http.ResponseWriter, r *http.Request) {
	name, err := httputil.RequiredQuery(r, "name")
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	vm, err := h.registry.GetVM(r.Context(), name)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	if vm == nil {
		httputil.WriteErr(w, r, apperr.NotFoundf("vm %q", name))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, vm)
}

// Status 从驱动实时查询 VM 状态
//
// 路由: GET /api/v1/vms/{name}/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.lifecycle.VMStatus(r.Context(), r.PathValue("name"))
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

// Destroy 后台销毁 VM
//
// 路由: DELETE /api/v1/vms/{name}
func (h *Handler) Destroy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.lifecycle.DestroyVM(name); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	log.Printf("[vm.destroy_submitted] name=%s", name)
	httputil.WriteMessage(w, http.StatusAccepted, "vm "+name+" is being destroyed")
}
