// Package server 路由配置
package server

import (
	"net"
	"net/http"
	"time"

	"ci-keeper/internal/apiserver/artifact"
	"ci-keeper/internal/apiserver/auth"
	"ci-keeper/internal/apiserver/ippool"
	"ci-keeper/internal/apiserver/issue"
	"ci-keeper/internal/apiserver/note"
	"ci-keeper/internal/apiserver/project"
	"ci-keeper/internal/apiserver/repo"
	"ci-keeper/internal/apiserver/runner"
	"ci-keeper/internal/apiserver/template"
	"ci-keeper/internal/apiserver/vm"
)

// Router 返回配置好的 HTTP 路由
//
// 健康检查与指标（免认证）:
//   - GET    /health
//   - GET    /metrics
//
// 仓库主机 webhook 与重试队列（webhook 令牌）:
//   - POST   /api/v1/runners?base_repo_name=&username=
//   - GET    /api/v1/runners/probe?project_id=
//   - POST   /api/v1/issues/open-peer?ref=&default_assignee=
//
// 管理接口（JWT，未配置密钥时不校验）:
//   - GET    /api/v1/runners/queue
//   - POST   /api/v1/runners/register
//   - DELETE /api/v1/runners/register
//   - DELETE /api/v1/runners/{name}
//   - GET    /api/v1/vm?name=
//   - GET    /api/v1/vms/{name}/status
//   - DELETE /api/v1/vms/{name}
//   - GET    /api/v1/ips
//   - POST   /api/v1/ips
//   - GET    /api/v1/reservations
//   - DELETE /api/v1/reservations/{pipeline_id}
//   - POST   /api/v1/user_project
//   - GET    /api/v1/projects
//   - PUT    /api/v1/projects/{id}/priority
//   - POST   /api/v1/projects/{id}/pipelines?ref=
//   - GET    /api/v1/projects/{id}/commits/{sha}/statuses
//   - GET    /api/v1/projects/{id}/variables
//   - POST   /api/v1/projects/{id}/variables
//   - PUT    /api/v1/projects/{id}/variables/{key}
//   - DELETE /api/v1/projects/{id}/variables/{key}
//   - POST   /api/v1/projects/{id}/files
//   - GET    /api/v1/store?category=
//   - POST   /api/v1/store?category=
//   - GET    /api/v1/store/{category}/{name}
//   - DELETE /api/v1/store/{category}/{name}
//   - GET    /api/v1/notes/template/{name}
//   - POST   /api/v1/notes/template/{name}
//   - POST   /api/v1/notes/{project...}?name=&sha=|issue_iid=|mr_iid=
//   - POST   /api/v1/issues/per-sonarqube
//   - POST   /api/v1/issues/assign?username=&project_name=
//   - POST   /api/v1/artifacts/upload?project_name=&job_id=
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", h.metrics.Handler())

	coord := countingCoordinator{Coordinator: h.deps.Coordinator, webhooks: h.metrics.WebhooksTotal}
	runner.NewHandler(coord, h.deps.Prober, h.deps.Store).RegisterRoutes(mux)
	vm.NewHandler(h.deps.Store, h.deps.Coordinator).RegisterRoutes(mux)
	ippool.NewHandler(h.deps.Pool, h.deps.Ledger).RegisterRoutes(mux)
	project.NewHandler(h.deps.Host, h.deps.Store, h.deps.DefaultPriority).RegisterRoutes(mux)
	template.NewHandler(h.deps.Templates).RegisterRoutes(mux)
	repo.NewHandler(h.deps.Host, h.deps.Notes).RegisterRoutes(mux)
	note.NewHandler(h.deps.Notes).RegisterRoutes(mux)
	issue.NewHandler(h.deps.Dispatcher, h.deps.Tracker).RegisterRoutes(mux)
	artifact.NewHandler(h.deps.Artifacts, h.deps.ArtifactMaxSize).RegisterRoutes(mux)

	// 指标中间件在内层，才能读到 ServeMux 写入的 r.Pattern
	apiHandler := h.metrics.MetricsMiddleware(mux)
	authedHandler := auth.Middleware(h.deps.Auth)(apiHandler)
	return h.accessLog(authedHandler)
}

// accessLog 记录每个请求，健康检查与指标抓取只在 debug 级别可见
func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			h.log.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", wrapped.statusCode)
			return
		}
		h.log.HTTPRequestLog(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start), clientIP(r))
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
