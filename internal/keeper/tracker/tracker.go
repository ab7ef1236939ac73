// Package tracker issue 工作流
//
// 两个入口：
//   - Assign：代表登记用户在登记项目下建 issue 并指派
//   - OpenPeer：新开 issue 的 webhook，为 issue 建同名分支并补齐负责人、里程碑与截止日期
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ci-keeper/internal/keeper/githost"
	"ci-keeper/internal/shared/apperr"
	"ci-keeper/internal/shared/model"
	"ci-keeper/internal/shared/storage"
	"ci-keeper/pkg/logging"
)

const (
	defaultDescription = "As title."
	defaultLabel       = "issue"

	// 后续跟进的 issue 由仓库主机自动创建，不建分支
	followUpMarker = "Follow-up from"
	branchSuffix   = "issue-as-branch"
	dueLabelPrefix = "due::"
	dueDateLayout  = "2006-01-02"
)

// Host 仓库主机上的 issue 与分支操作
type Host interface {
	CreateIssue(ctx context.Context, projectID int64, req *githost.IssueRequest) (*githost.Issue, error)
	UpdateIssue(ctx context.Context, projectID, issueIID int64, req *githost.IssueRequest) (*githost.Issue, error)
	ListMilestones(ctx context.Context, projectID int64) ([]githost.Milestone, error)
	GetBranch(ctx context.Context, projectID int64, branch string) (*githost.Branch, error)
	CreateBranch(ctx context.Context, projectID int64, branch, ref string) (*githost.Branch, error)
	FindUser(ctx context.Context, token, username string) (*githost.User, error)
}

// Registry 登记的用户与项目
type Registry interface {
	GetUserByName(ctx context.Context, username string) (*model.User, error)
	GetProjectByName(ctx context.Context, projectName string) (*model.Project, error)
	GetProjectToken(ctx context.Context, projectID int64) (string, error)
}

// AssignRequest 指派 issue 的请求体
type AssignRequest struct {
	Title       string `json:"title"`
	Assignee    string `json:"assignee"`
	Description string `json:"description"`
	Label       string `json:"label"`
}

// PeerOptions OpenPeer 参数
type PeerOptions struct {
	Ref             string // 新分支的起点
	DefaultAssignee string
}

// PeerResult OpenPeer 结果
type PeerResult struct {
	Action        string `json:"action"` // bypassed / branched
	Reason        string `json:"reason,omitempty"`
	Branch        string `json:"branch,omitempty"`
	BranchCreated bool   `json:"branch_created"`
	AssigneeID    int64  `json:"assignee_id,omitempty"`
	MilestoneID   int64  `json:"milestone_id,omitempty"`
	DueDate       string `json:"due_date,omitempty"`
}

// Service issue 工作流
type Service struct {
	host     Host
	registry Registry
	log      *logging.Logger
}

// New 创建服务
func New(host Host, registry Registry, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Discard()
	}
	return &Service{host: host, registry: registry, log: log.Named("tracker")}
}

// Assign 以 username 的身份在 projectName 下建 issue 并指派给 req.Assignee
func (s *Service) Assign(ctx context.Context, username, projectName string, req AssignRequest) (*githost.Issue, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, apperr.Invalidf("title is required")
	}
	if req.Assignee == "" {
		return nil, apperr.Invalidf("assignee is required")
	}

	user, err := s.registry.GetUserByName(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.NotFoundf("user %q is not registered", username)
	}
	project, err := s.registry.GetProjectByName(ctx, projectName)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, apperr.NotFoundf("project %q is not registered", projectName)
	}

	assigneeID, err := s.resolveUser(ctx, user.Token, req.Assignee)
	if err != nil {
		return nil, err
	}

	if req.Description == "" {
		req.Description = defaultDescription
	}
	if req.Label == "" {
		req.Label = defaultLabel
	}
	issue, err := s.host.CreateIssue(ctx, project.ProjectID, &githost.IssueRequest{
		Title:       req.Title,
		Description: req.Description,
		AssigneeIDs: []int64{assigneeID},
		Labels:      req.Label,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("issue assigned", "project", projectName, "iid", issue.IID, "assignee", req.Assignee, "by", username)
	return issue, nil
}

// OpenPeer 处理 issue webhook：为新开的 issue 建分支，缺省时补负责人、最新里程碑与截止日期
func (s *Service) OpenPeer(ctx context.Context, ev *model.IssueEvent, opts PeerOptions) (*PeerResult, error) {
	if ev == nil || ev.Project.ID == 0 || ev.ObjectAttributes.IID == 0 {
		return nil, apperr.Invalidf("issue event requires project.id and object_attributes.iid")
	}
	if opts.Ref == "" {
		return nil, apperr.Invalidf("ref is required")
	}
	attrs := &ev.ObjectAttributes
	if attrs.Action != "open" {
		return &PeerResult{Action: "bypassed", Reason: "action " + attrs.Action}, nil
	}
	if strings.Contains(attrs.Title, followUpMarker) {
		return &PeerResult{Action: "bypassed", Reason: "follow-up issue"}, nil
	}

	var err error
	projectID := ev.Project.ID
	log := s.log.With("project_id", projectID, "iid", attrs.IID)
	res := &PeerResult{Action: "branched", Branch: BranchName(attrs.IID)}

	res.BranchCreated, err = s.ensureBranch(ctx, projectID, res.Branch, opts.Ref)
	if err != nil {
		return nil, err
	}

	update := &githost.IssueRequest{}
	res.AssigneeID = attrs.AssigneeID
	if res.AssigneeID == 0 && opts.DefaultAssignee != "" {
		id, err := s.resolveUser(ctx, s.projectToken(ctx, projectID), opts.DefaultAssignee)
		if err != nil {
			return nil, err
		}
		res.AssigneeID = id
		update.AssigneeIDs = []int64{id}
	}

	res.MilestoneID = attrs.MilestoneID
	if res.MilestoneID == 0 {
		milestones, err := s.host.ListMilestones(ctx, projectID)
		if err != nil {
			return nil, err
		}
		if n := len(milestones); n > 0 {
			res.MilestoneID = milestones[n-1].ID
			update.MilestoneID = res.MilestoneID
		} else {
			log.Debug("no active milestone")
		}
	}

	if attrs.DueDate == "" {
		created, ok := attrs.Created()
		if !ok {
			created = time.Now()
		}
		if due, ok := DueDate(created, ev.Labels); ok {
			res.DueDate = due
			update.DueDate = due
		}
	}

	if len(update.AssigneeIDs) > 0 || update.MilestoneID != 0 || update.DueDate != "" {
		if _, err := s.host.UpdateIssue(ctx, projectID, attrs.IID, update); err != nil {
			return nil, err
		}
	}
	log.Info("issue branched", "branch", res.Branch, "created", res.BranchCreated,
		"assignee_id", res.AssigneeID, "milestone_id", res.MilestoneID, "due_date", res.DueDate)
	return res, nil
}

// ensureBranch 分支不存在时从 ref 创建，返回是否新建
func (s *Service) ensureBranch(ctx context.Context, projectID int64, branch, ref string) (bool, error) {
	_, err := s.host.GetBranch(ctx, projectID, branch)
	if err == nil {
		return false, nil
	}
	if !githost.IsNotFound(err) {
		return false, err
	}
	if _, err := s.host.CreateBranch(ctx, projectID, branch, ref); err != nil {
		return false, fmt.Errorf("create branch %s: %w", branch, err)
	}
	return true, nil
}

// resolveUser 先查登记用户，再用 token 向仓库主机查询
func (s *Service) resolveUser(ctx context.Context, token, username string) (int64, error) {
	u, err := s.registry.GetUserByName(ctx, username)
	if err != nil {
		return 0, err
	}
	if u != nil {
		return u.UserID, nil
	}
	if token == "" {
		return 0, apperr.NotFoundf("user %q is not registered", username)
	}
	hu, err := s.host.FindUser(ctx, token, username)
	if err != nil {
		return 0, err
	}
	return hu.ID, nil
}

func (s *Service) projectToken(ctx context.Context, projectID int64) string {
	tok, err := s.registry.GetProjectToken(ctx, projectID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.WithError(err).Warn("read project token failed", "project_id", projectID)
	}
	return tok
}

// BranchName issue 对应的分支名
func BranchName(iid int64) string {
	return strconv.FormatInt(iid, 10) + "-" + branchSuffix
}

// DueDate 从 due::3d / due::2w 标签推算截止日期，多个标签取第一个能解析的
func DueDate(created time.Time, labels []model.IssueLabel) (string, bool) {
	for _, l := range labels {
		window, ok := strings.CutPrefix(strings.ToLower(strings.TrimSpace(l.Title)), dueLabelPrefix)
		if !ok || len(window) < 2 {
			continue
		}
		n, err := strconv.Atoi(window[:len(window)-1])
		if err != nil || n < 0 {
			continue
		}
		var days int
		switch window[len(window)-1] {
		case 'd':
			days = n
		case 'w':
			days = n * 7
		default:
			continue
		}
		return created.AddDate(0, 0, days).Format(dueDateLayout), true
	}
	return "", false
}
