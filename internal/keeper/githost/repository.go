package githost

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"ci-keeper/internal/shared/apperr"
)

// GetBranch 获取分支
func (c *Client) GetBranch(ctx context.Context, projectID int64, branch string) (*Branch, error) {
	var b Branch
	path := fmt.Sprintf("/projects/%d/repository/branches/%s", projectID, url.PathEscape(branch))
	if err := c.doProject(ctx, projectID, http.MethodGet, path, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBranch 从 ref 创建分支
func (c *Client) CreateBranch(ctx context.Context, projectID int64, branch, ref string) (*Branch, error) {
	var b Branch
	path := fmt.Sprintf("/projects/%d/repository/branches", projectID)
	body := map[string]string{"branch": branch, "ref": ref}
	if err := c.doProject(ctx, projectID, http.MethodPost, path, body, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// CommentOnCommit 在提交上评论
func (c *Client) CommentOnCommit(ctx context.Context, projectID int64, sha, note string) error {
	path := fmt.Sprintf("/projects/%d/repository/commits/%s/comments", projectID, url.PathEscape(sha))
	return c.doProject(ctx, projectID, http.MethodPost, path, map[string]string{"note": note}, nil)
}

// CommentOnIssue 在 issue 上评论
func (c *Client) CommentOnIssue(ctx context.Context, projectID, issueIID int64, body string) error {
	path := fmt.Sprintf("/projects/%d/issues/%d/notes", projectID, issueIID)
	return c.doProject(ctx, projectID, http.MethodPost, path, map[string]string{"body": body}, nil)
}

// CommentOnMergeRequest 在合并请求上评论
func (c *Client) CommentOnMergeRequest(ctx context.Context, projectID, mrIID int64, body string) error {
	path := fmt.Sprintf("/projects/%d/merge_requests/%d/notes", projectID, mrIID)
	return c.doProject(ctx, projectID, http.MethodPost, path, map[string]string{"body": body}, nil)
}

// CreateOrUpdateFile 创建文件，文件已存在时改为更新
func (c *Client) CreateOrUpdateFile(ctx context.Context, projectID int64, f *FileChange) error {
	if f.Path == "" || f.Branch == "" {
		return apperr.Invalidf("file path and branch are required")
	}
	path := fmt.Sprintf("/projects/%d/repository/files/%s", projectID, url.PathEscape(f.Path))

	err := c.doProject(ctx, projectID, http.MethodPost, path, f, nil)
	// GitLab 对已存在的文件返回 400 "A file with this name already exists"
	if isStatus(err, http.StatusBadRequest, http.StatusConflict) {
		c.log.Debug("file exists, updating", "project_id", projectID, "path", f.Path)
		return c.doProject(ctx, projectID, http.MethodPut, path, f, nil)
	}
	return err
}
