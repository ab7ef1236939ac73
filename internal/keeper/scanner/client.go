// Package scanner 代码质量扫描器（SonarQube）客户端与问题分发
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ci-keeper/internal/shared/apperr"
	"ci-keeper/internal/shared/model"
)

// Issue 扫描问题
type Issue = model.ScanIssue

const pageSize = 100

// maxPages 单次查询的翻页上限，SonarQube 本身限制 10000 条
const maxPages = 100

// Config 客户端配置
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client SonarQube API 客户端
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient 创建客户端
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("scanner url is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: base, token: cfg.Token, httpClient: hc}, nil
}

type searchResponse struct {
	Total  int `json:"total"`
	Paging struct {
		PageIndex int `json:"pageIndex"`
		PageSize  int `json:"pageSize"`
		Total     int `json:"total"`
	} `json:"paging"`
	Issues []Issue `json:"issues"`
}

func (r *searchResponse) total() int {
	if r.Paging.Total > 0 {
		return r.Paging.Total
	}
	return r.Total
}

// SearchIssues 查询项目中未解决的问题
//
// severities 逗号分隔（如 CRITICAL,BLOCKER），createdInLast 如 10d，空值不过滤。
func (c *Client) SearchIssues(ctx context.Context, projectKey, severities, createdInLast string) ([]Issue, error) {
	if projectKey == "" {
		return nil, apperr.Invalidf("scanner project key is required")
	}

	var all []Issue
	for page := 1; page <= maxPages; page++ {
		q := url.Values{}
		q.Set("componentKeys", projectKey)
		q.Set("resolved", "false")
		q.Set("ps", strconv.Itoa(pageSize))
		q.Set("p", strconv.Itoa(page))
		if severities != "" {
			q.Set("severities", severities)
		}
		if createdInLast != "" {
			q.Set("createdInLast", createdInLast)
		}

		var resp searchResponse
		if err := c.get(ctx, "/api/issues/search?"+q.Encode(), &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Issues...)
		if len(resp.Issues) == 0 || len(all) >= resp.total() {
			break
		}
	}
	return all, nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("scanner: creating request: %w", err)
	}
	// 令牌作为用户名，密码为空
	req.SetBasicAuth(c.token, "")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %w", apperr.ErrUpstream, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("scanner: reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.Upstream(http.MethodGet, path, resp.StatusCode, errorMessage(data))
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("scanner: decoding response: %w", err)
	}
	return nil
}

// errorMessage SonarQube 错误体 {"errors":[{"msg":"..."}]}
func errorMessage(body []byte) string {
	var payload struct {
		Errors []struct {
			Msg string `json:"msg"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &payload) == nil && len(payload.Errors) > 0 {
		msgs := make([]string, 0, len(payload.Errors))
		for _, e := range payload.Errors {
			msgs = append(msgs, e.Msg)
		}
		return strings.Join(msgs, "; ")
	}
	return strings.TrimSpace(string(body))
}
