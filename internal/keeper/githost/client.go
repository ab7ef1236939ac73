// Package githost 仓库主机（GitLab v4 REST）客户端
//
// 按项目调用时，令牌通过 TokenSource 解析为该项目登记用户的访问令牌，
// 解析不到时退回管理员令牌。任何非 2xx 响应都转换为 *apperr.UpstreamError。
package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ci-keeper/internal/shared/apperr"
	"ci-keeper/internal/shared/storage"
	"ci-keeper/pkg/logging"
)

const apiPrefix = "/api/v4"

// maxResponseBody 单个响应读取上限
const maxResponseBody = 8 << 20

// TokenSource 项目访问令牌来源，storage.RegistryStore 实现
type TokenSource interface {
	GetProjectToken(ctx context.Context, projectID int64) (string, error)
}

// Config 客户端配置
type Config struct {
	// BaseURL GitLab 根地址，如 https://gitlab.example.com
	BaseURL string
	// Token 管理员令牌，项目令牌缺失时使用
	Token      string
	Timeout    time.Duration
	Tokens     TokenSource
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// Client GitLab API 客户端
type Client struct {
	baseURL    string
	token      string
	tokens     TokenSource
	httpClient *http.Client
	log        *logging.Logger
}

// NewClient 创建客户端
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("gitlab url is required")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("gitlab url must be http(s): %q", cfg.BaseURL)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	return &Client{
		baseURL:    base + apiPrefix,
		token:      cfg.Token,
		tokens:     cfg.Tokens,
		httpClient: hc,
		log:        log.Named("githost"),
	}, nil
}

// BaseURL 返回 GitLab 根地址（Runner 注册使用）
func (c *Client) BaseURL() string {
	return strings.TrimSuffix(c.baseURL, apiPrefix)
}

// projectToken 项目令牌，缺失时退回管理员令牌
func (c *Client) projectToken(ctx context.Context, projectID int64) (string, error) {
	if c.tokens != nil {
		tok, err := c.tokens.GetProjectToken(ctx, projectID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("resolve token for project %d: %w", projectID, err)
		}
		if tok != "" {
			return tok, nil
		}
	}
	if c.token == "" {
		return "", apperr.NotFoundf("no access token for project %d", projectID)
	}
	return c.token, nil
}

// do 执行请求，path 相对于 /api/v4；result 为 nil 时丢弃响应体
func (c *Client) do(ctx context.Context, token, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gitlab: encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("gitlab: creating request: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", apperr.ErrUpstream, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("gitlab: reading response body: %w", err)
	}
	c.log.WithDuration(time.Since(start)).Debug("gitlab request",
		"method", method, "path", path, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.Upstream(method, path, resp.StatusCode, errorMessage(data))
	}
	if result == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("gitlab: decoding %s %s: %w", method, path, err)
	}
	return nil
}

// doProject 以项目令牌执行请求
func (c *Client) doProject(ctx context.Context, projectID int64, method, path string, body, result any) error {
	token, err := c.projectToken(ctx, projectID)
	if err != nil {
		return err
	}
	return c.do(ctx, token, method, path, body, result)
}

// errorMessage 提取 GitLab 错误体中的 message/error 字段
func errorMessage(body []byte) string {
	var payload struct {
		Message json.RawMessage `json:"message"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if len(payload.Message) > 0 {
			var s string
			if json.Unmarshal(payload.Message, &s) == nil {
				return s
			}
			// 校验错误时 message 是对象
			return string(payload.Message)
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

// IsNotFound 上游 404
func IsNotFound(err error) bool {
	code, ok := apperr.UpstreamStatus(err)
	return ok && code == http.StatusNotFound
}

func isStatus(err error, codes ...int) bool {
	var ue *apperr.UpstreamError
	if !errors.As(err, &ue) {
		return false
	}
	for _, c := range codes {
		if ue.StatusCode == c {
			return true
		}
	}
	return false
}
