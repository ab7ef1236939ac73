package githost

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// TriggerPipeline 在 ref 上创建流水线
func (c *Client) TriggerPipeline(ctx context.Context, projectID int64, ref string) (*Pipeline, error) {
	var p Pipeline
	path := fmt.Sprintf("/projects/%d/pipeline?ref=%s", projectID, url.QueryEscape(ref))
	if err := c.doProject(ctx, projectID, http.MethodPost, path, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// RetryPipeline 重试流水线中失败/取消的作业
func (c *Client) RetryPipeline(ctx context.Context, projectID, pipelineID int64) (*Pipeline, error) {
	var p Pipeline
	path := fmt.Sprintf("/projects/%d/pipelines/%d/retry", projectID, pipelineID)
	if err := c.doProject(ctx, projectID, http.MethodPost, path, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CancelPipeline 取消流水线
func (c *Client) CancelPipeline(ctx context.Context, projectID, pipelineID int64) (*Pipeline, error) {
	var p Pipeline
	path := fmt.Sprintf("/projects/%d/pipelines/%d/cancel", projectID, pipelineID)
	if err := c.doProject(ctx, projectID, http.MethodPost, path, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetCommitStatuses 提交上的作业状态
func (c *Client) GetCommitStatuses(ctx context.Context, projectID int64, sha string) ([]CommitStatus, error) {
	var list []CommitStatus
	path := fmt.Sprintf("/projects/%d/repository/commits/%s/statuses", projectID, url.PathEscape(sha))
	if err := c.doProject(ctx, projectID, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}
