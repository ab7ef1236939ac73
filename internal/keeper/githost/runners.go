package githost

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"ci-keeper/internal/shared/apperr"
)

// ListProjectRunners 项目可用的 Runner
func (c *Client) ListProjectRunners(ctx context.Context, projectID int64) ([]Runner, error) {
	var list []Runner
	path := fmt.Sprintf("/projects/%d/runners?per_page=100", projectID)
	if err := c.doProject(ctx, projectID, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// FindRunner 按描述查找 Runner，VM 开机注册时以 VM 名作为描述
func (c *Client) FindRunner(ctx context.Context, projectID int64, description string) (*Runner, error) {
	list, err := c.ListProjectRunners(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].Description == description {
			return &list[i], nil
		}
	}
	return nil, apperr.NotFoundf("runner %q in project %d", description, projectID)
}

// ToggleRunner 启用或暂停 Runner（管理员令牌）
func (c *Client) ToggleRunner(ctx context.Context, runnerID int64, active bool) error {
	path := fmt.Sprintf("/runners/%d", runnerID)
	return c.do(ctx, c.token, http.MethodPut, path, map[string]bool{"active": active}, nil)
}

// FindUser 按用户名查找用户
func (c *Client) FindUser(ctx context.Context, token, username string) (*User, error) {
	var list []User
	path := "/users?username=" + url.QueryEscape(username)
	if err := c.do(ctx, token, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].Username == username {
			return &list[i], nil
		}
	}
	return nil, apperr.NotFoundf("user %q", username)
}

// FindProject 按 path_with_namespace 查找项目
func (c *Client) FindProject(ctx context.Context, token, pathWithNamespace string) (*Project, error) {
	var p Project
	path := "/projects/" + url.PathEscape(pathWithNamespace)
	if err := c.do(ctx, token, http.MethodGet, path, nil, &p); err != nil {
		if IsNotFound(err) {
			return nil, apperr.NotFoundf("project %q", pathWithNamespace)
		}
		return nil, err
	}
	return &p, nil
}
