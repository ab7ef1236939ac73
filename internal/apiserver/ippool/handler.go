// Package ippool IP 池与预留 - HTTP 处理
package ippool

import (
	"context"
	"errors"
	"log"
	"net/http"

	"ci-keeper/internal/apiserver/httputil"
	"ci-keeper/internal/shared/apperr"
	"ci-keeper/internal/shared/model"
)

// Pool IP 池
type Pool interface {
	List(ctx context.Context) ([]*model.IPAddress, error)
	Add(ctx context.Context, address string) (*model.IPAddress, error)
}

// Ledger 预留账本
type Ledger interface {
	List(ctx context.Context) ([]*model.Reservation, error)
	Release(ctx context.Context, pipelineID int64, reason string) (bool, error)
}

// Handler IP 池 HTTP 处理器
type Handler struct {
	pool   Pool
	ledger Ledger
}

// NewHandler 创建处理器
func NewHandler(pool Pool, ledger Ledger) *Handler {
	return &Handler{pool: pool, ledger: ledger}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ips", h.ListIPs)
	mux.HandleFunc("POST /api/v1/ips", h.AddIPs)
	mux.HandleFunc("GET /api/v1/reservations", h.ListReservations)
	mux.HandleFunc("DELETE /api/v1/reservations/{pipeline_id}", h.Release)
}

// ListIPs 列出池中地址
func (h *Handler) ListIPs(w http.ResponseWriter, r *http.Request) {
	ips, err := h.pool.List(r.Context())
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	available := 0
	for _, ip := range ips {
		if !ip.IsAllocated {
			available++
		}
	}
	if ips == nil {
		ips = []*model.IPAddress{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"ips": ips, "count": len(ips), "available": available})
}

// AddRequest 单个或批量地址
type AddRequest struct {
	Address   string   `json:"address"`
	Addresses []string `json:"addresses"`
}

// AddIPs 加入地址，已存在的跳过
func (h *Handler) AddIPs(w http.ResponseWriter, r *http.Request) {
	var req AddRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	addrs := req.Addresses
	if req.Address != "" {
		addrs = append(addrs, req.Address)
	}
	if len(addrs) == 0 {
		httputil.WriteErr(w, r, apperr.Invalidf("address or addresses is required"))
		return
	}

	added := []*model.IPAddress{}
	skipped := []string{}
	for _, a := range addrs {
		ip, err := h.pool.Add(r.Context(), a)
		if errors.Is(err, apperr.ErrConflict) {
			skipped = append(skipped, a)
			continue
		}
		if err != nil {
			httputil.WriteErr(w, r, err)
			return
		}
		added = append(added, ip)
	}
	log.Printf("[ippool.added] added=%d skipped=%d", len(added), len(skipped))

	status := http.StatusCreated
	if len(added) == 0 {
		status = http.StatusConflict
	}
	httputil.WriteJSON(w, status, map[string]any{"added": added, "skipped": skipped})
}

// ListReservations 列出活跃预留
func (h *Handler) ListReservations(w http.ResponseWriter, r *http.Request) {
	list, err := h.ledger.List(r.Context())
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	if list == nil {
		list = []*model.Reservation{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"reservations": list, "count": len(list)})
}

// Release 手动释放流水线的预留（幂等）
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	pipelineID, err := httputil.ParseID("pipeline_id", r.PathValue("pipeline_id"))
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	released, err := h.ledger.Release(r.Context(), pipelineID, "manual")
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	log.Printf("[ippool.release] pipeline=%d released=%t", pipelineID, released)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"pipeline_id": pipelineID, "released": released})
}
