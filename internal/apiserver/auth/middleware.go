package auth

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
)

// WebhookTokenHeader 仓库主机 webhook 携带的共享密钥
const WebhookTokenHeader = "X-Gitlab-Token"

// 免认证路由白名单（前缀匹配）
var publicPrefixes = []string{
	"/health",
	"/metrics",
}

// webhook 路由由仓库主机调用，校验共享密钥而不是 JWT
var webhookRoutes = map[string]bool{
	"POST /api/v1/runners":          true,
	"GET /api/v1/runners/probe":     true,
	"POST /api/v1/issues/open-peer": true,
}

func isPublicRoute(path string) bool {
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func isWebhookRoute(method, path string) bool {
	return webhookRoutes[method+" "+strings.TrimSuffix(path, "/")]
}

// isValidWebhookToken 常量时间比较，未配置密钥时放行
func isValidWebhookToken(r *http.Request, secret string) bool {
	if secret == "" {
		return true
	}
	got := r.Header.Get(WebhookTokenHeader)
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

// Middleware 创建认证中间件
//
// webhook 路由只校验 X-Gitlab-Token；其余非公开路由在配置了 JWT 密钥时要求 Bearer 令牌。
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicRoute(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if isWebhookRoute(r.Method, r.URL.Path) {
				if !isValidWebhookToken(r, cfg.WebhookSecret) {
					log.Printf("[auth.webhook_rejected] path=%s remote=%s", r.URL.Path, r.RemoteAddr)
					http.Error(w, `{"error":"invalid webhook token"}`, http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			// 无认证模式：直接放行
			if !cfg.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error":"missing authorization header"}`, http.StatusUnauthorized)
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
				return
			}

			claims, err := ParseToken(cfg, parts[1])
			if err != nil {
				log.Printf("[auth] token parse error: %v", err)
				http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), claims.Subject)))
		})
	}
}
