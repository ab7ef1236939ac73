package scanner

import (
	"context"
	"fmt"

	"ci-keeper/internal/keeper/githost"
	"ci-keeper/internal/shared/apperr"
	"ci-keeper/internal/shared/model"
	"ci-keeper/pkg/logging"
)

// Searcher 问题来源
type Searcher interface {
	SearchIssues(ctx context.Context, projectKey, severities, createdInLast string) ([]Issue, error)
}

// IssueCreator 仓库主机上的 issue 创建
type IssueCreator interface {
	CreateIssue(ctx context.Context, projectID int64, req *githost.IssueRequest) (*githost.Issue, error)
}

// Registry 登记的用户/项目与去重记录
type Registry interface {
	GetUserByName(ctx context.Context, username string) (*model.User, error)
	GetProjectByName(ctx context.Context, projectName string) (*model.Project, error)
	RecordIssue(ctx context.Context, userID int64, issueHash string) (bool, error)
}

// DispatchResult 分发结果
type DispatchResult struct {
	Project    string `json:"project"`
	Total      int    `json:"total"`
	Created    int    `json:"created"`
	Duplicated int    `json:"duplicated"`
	Unassigned int    `json:"unassigned"` // 无负责人或负责人未登记
	Failed     int    `json:"failed"`
}

// Dispatcher 把扫描问题转成负责人名下的 issue
type Dispatcher struct {
	searcher Searcher
	host     IssueCreator
	registry Registry
	log      *logging.Logger
}

// NewDispatcher 创建分发器
func NewDispatcher(searcher Searcher, host IssueCreator, registry Registry, log *logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.Discard()
	}
	return &Dispatcher{searcher: searcher, host: host, registry: registry, log: log.Named("scanner")}
}

// Dispatch 查询 projectKey 的问题，为每个已登记的负责人在同名项目下建 issue
//
// 项目名即 path_with_namespace；同一 (用户, 问题 hash) 只建一次。
func (d *Dispatcher) Dispatch(ctx context.Context, projectKey, severities, createdInLast string) (*DispatchResult, error) {
	project, err := d.registry.GetProjectByName(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, apperr.NotFoundf("project %q is not registered", projectKey)
	}

	issues, err := d.searcher.SearchIssues(ctx, projectKey, severities, createdInLast)
	if err != nil {
		return nil, err
	}

	res := &DispatchResult{Project: projectKey, Total: len(issues)}
	users := map[string]*model.User{}

	for i := range issues {
		issue := &issues[i]
		if issue.Assignee == "" {
			res.Unassigned++
			continue
		}

		user, ok := users[issue.Assignee]
		if !ok {
			user, err = d.registry.GetUserByName(ctx, issue.Assignee)
			if err != nil {
				return res, err
			}
			users[issue.Assignee] = user
		}
		if user == nil {
			res.Unassigned++
			continue
		}

		hash := issue.Hash
		if hash == "" {
			hash = issue.Key
		}
		// 先占位再建 issue，并发分发时只有一方能建
		first, err := d.registry.RecordIssue(ctx, user.UserID, hash)
		if err != nil {
			return res, err
		}
		if !first {
			res.Duplicated++
			continue
		}

		_, err = d.host.CreateIssue(ctx, project.ProjectID, &githost.IssueRequest{
			Title:       fmt.Sprintf("[%s] %s", issue.Severity, issue.Message),
			Description: fmt.Sprintf("Component: `%s`\n\nIssue key: %s", issue.Component, issue.Key),
			AssigneeIDs: []int64{user.UserID},
			Labels:      "sonarqube," + issue.Severity,
		})
		if err != nil {
			res.Failed++
			d.log.WithError(err).Warn("create issue failed",
				"project", projectKey, "issue", issue.Key, "assignee", issue.Assignee)
			continue
		}
		res.Created++
	}

	d.log.Info("scanner issues dispatched",
		"project", projectKey, "total", res.Total, "created", res.Created,
		"duplicated", res.Duplicated, "failed", res.Failed)
	return res, nil
}
