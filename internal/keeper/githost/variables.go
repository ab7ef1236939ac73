package githost

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

func (c *Client) ListVariables(ctx context.Context, projectID int64) ([]Variable, error) {
	var list []Variable
	path := fmt.Sprintf("/projects/%d/variables", projectID)
	if err := c.doProject(ctx, projectID, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) AddVariable(ctx context.Context, projectID int64, v Variable) (*Variable, error) {
	var out Variable
	path := fmt.Sprintf("/projects/%d/variables", projectID)
	if err := c.doProject(ctx, projectID, http.MethodPost, path, v, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateVariable(ctx context.Context, projectID int64, v Variable) (*Variable, error) {
	var out Variable
	path := fmt.Sprintf("/projects/%d/variables/%s", projectID, url.PathEscape(v.Key))
	if err := c.doProject(ctx, projectID, http.MethodPut, path, v, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteVariable(ctx context.Context, projectID int64, key string) error {
	path := fmt.Sprintf("/projects/%d/variables/%s", projectID, url.PathEscape(key))
	return c.doProject(ctx, projectID, http.MethodDelete, path, nil, nil)
}
