package githost

import (
	"context"
	"fmt"
	"net/http"

	"ci-keeper/internal/shared/apperr"
)

// CreateIssue 创建 issue
func (c *Client) CreateIssue(ctx context.Context, projectID int64, req *IssueRequest) (*Issue, error) {
	if req == nil || req.Title == "" {
		return nil, apperr.Invalidf("issue title is required")
	}
	var out Issue
	path := fmt.Sprintf("/projects/%d/issues", projectID)
	if err := c.doProject(ctx, projectID, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateIssue 更新 issue，StateEvent=close 可关闭
func (c *Client) UpdateIssue(ctx context.Context, projectID, issueIID int64, req *IssueRequest) (*Issue, error) {
	var out Issue
	path := fmt.Sprintf("/projects/%d/issues/%d", projectID, issueIID)
	if err := c.doProject(ctx, projectID, http.MethodPut, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMilestones 活跃里程碑
func (c *Client) ListMilestones(ctx context.Context, projectID int64) ([]Milestone, error) {
	var list []Milestone
	path := fmt.Sprintf("/projects/%d/milestones?state=active", projectID)
	if err := c.doProject(ctx, projectID, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}
