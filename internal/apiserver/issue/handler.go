// Package issue 扫描问题分发与 issue 工作流 - HTTP 处理
package issue

import (
	"context"
	"log"
	"net/http"

	"ci-keeper/internal/apiserver/httputil"
	"ci-keeper/internal/keeper/githost"
	"ci-keeper/internal/keeper/scanner"
	"ci-keeper/internal/keeper/tracker"
	"ci-keeper/internal/shared/model"
)

const (
	defaultSeverities    = "CRITICAL,BLOCKER"
	defaultCreatedInLast = "10d"
)

// Dispatcher 扫描问题分发
type Dispatcher interface {
	Dispatch(ctx context.Context, projectKey, severities, createdInLast string) (*scanner.DispatchResult, error)
}

// Tracker issue 指派与分支工作流
type Tracker interface {
	Assign(ctx context.Context, username, projectName string, req tracker.AssignRequest) (*githost.Issue, error)
	OpenPeer(ctx context.Context, ev *model.IssueEvent, opts tracker.PeerOptions) (*tracker.PeerResult, error)
}

// Handler issue HTTP 处理器
type Handler struct {
	dispatcher Dispatcher // 未配置扫描器时为 nil
	tracker    Tracker
}

// NewHandler 创建处理器
func NewHandler(dispatcher Dispatcher, tr Tracker) *Handler {
	return &Handler{dispatcher: dispatcher, tracker: tr}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/issues/per-sonarqube", h.PerSonarQube)
	mux.HandleFunc("POST /api/v1/issues/assign", h.Assign)
	mux.HandleFunc("POST /api/v1/issues/open-peer", h.OpenPeer)
}

// PerSonarQube 把扫描问题建成负责人名下的 issue
//
// 路由: POST /api/v1/issues/per-sonarqube?sonarqube_project_name=&severities=&created_in_last=
func (h *Handler) PerSonarQube(w http.ResponseWriter, r *http.Request) {
	if h.dispatcher == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "scanner is not configured")
		return
	}
	project, err := httputil.RequiredQuery(r, "sonarqube_project_name")
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	q := r.URL.Query()
	severities := q.Get("severities")
	if severities == "" {
		severities = defaultSeverities
	}
	createdInLast := q.Get("created_in_last")
	if createdInLast == "" {
		createdInLast = defaultCreatedInLast
	}

	res, err := h.dispatcher.Dispatch(r.Context(), project, severities, createdInLast)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	log.Printf("[issue.dispatched] project=%s total=%d created=%d duplicated=%d failed=%d",
		res.Project, res.Total, res.Created, res.Duplicated, res.Failed)
	httputil.WriteJSON(w, http.StatusOK, res)
}

// Assign 代表登记用户建 issue 并指派
//
// 路由: POST /api/v1/issues/assign?username=&project_name=
// 请求体: {"title", "assignee", "description", "label"}
func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	username, err := httputil.RequiredQuery(r, "username")
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	projectName, err := httputil.RequiredQuery(r, "project_name")
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	var req tracker.AssignRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}

	issue, err := h.tracker.Assign(r.Context(), username, projectName, req)
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	log.Printf("[issue.assigned] project=%s iid=%d assignee=%s", projectName, issue.IID, req.Assignee)
	httputil.WriteJSON(w, http.StatusCreated, issue)
}

// OpenPeer issue webhook：新开的 issue 建分支并补齐负责人、里程碑与截止日期
//
// 路由: POST /api/v1/issues/open-peer?ref=&default_assignee=
func (h *Handler) OpenPeer(w http.ResponseWriter, r *http.Request) {
	ref, err := httputil.RequiredQuery(r, "ref")
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	var ev model.IssueEvent
	if err := httputil.DecodeJSON(r, &ev); err != nil {
		httputil.WriteErr(w, r, err)
		return
	}

	res, err := h.tracker.OpenPeer(r.Context(), &ev, tracker.PeerOptions{
		Ref:             ref,
		DefaultAssignee: r.URL.Query().Get("default_assignee"),
	})
	if err != nil {
		httputil.WriteErr(w, r, err)
		return
	}
	log.Printf("[issue.open_peer] project_id=%d iid=%d action=%s branch=%s",
		ev.Project.ID, ev.ObjectAttributes.IID, res.Action, res.Branch)
	httputil.WriteJSON(w, http.StatusOK, res)
}
