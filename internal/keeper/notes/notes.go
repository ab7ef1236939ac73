// Package notes 渲染模板存储中的模板，作为评论或仓库文件写回仓库主机
//
// 模板使用 text/template 语法，渲染数据是请求体中的 entries。
package notes

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"ci-keeper/internal/keeper/githost"
	"ci-keeper/internal/shared/apperr"
	"ci-keeper/internal/shared/model"
	"ci-keeper/pkg/logging"
)

// 模板类别
const (
	CategoryNote = "note"
	CategoryFile = "file"
)

// Templates 模板存储
type Templates interface {
	GetTemplate(ctx context.Context, category, name string) (*model.TemplateItem, error)
	PutTemplate(ctx context.Context, item *model.TemplateItem) error
}

// Host 仓库主机上的评论与文件写入
type Host interface {
	CommentOnCommit(ctx context.Context, projectID int64, sha, note string) error
	CommentOnIssue(ctx context.Context, projectID, issueIID int64, body string) error
	CommentOnMergeRequest(ctx context.Context, projectID, mrIID int64, body string) error
	CreateOrUpdateFile(ctx context.Context, projectID int64, f *githost.FileChange) error
}

// Registry 登记的项目
type Registry interface {
	GetProjectByName(ctx context.Context, projectName string) (*model.Project, error)
}

// Target 评论目标，三者恰好给出一个
type Target struct {
	SHA             string
	IssueIID        int64
	MergeRequestIID int64
}

func (t Target) String() string {
	switch {
	case t.SHA != "":
		return "commit " + t.SHA
	case t.IssueIID != 0:
		return fmt.Sprintf("issue #%d", t.IssueIID)
	default:
		return fmt.Sprintf("merge request !%d", t.MergeRequestIID)
	}
}

func (t Target) validate() error {
	n := 0
	if t.SHA != "" {
		n++
	}
	if t.IssueIID != 0 {
		n++
	}
	if t.MergeRequestIID != 0 {
		n++
	}
	if n != 1 {
		return apperr.Invalidf("exactly one of sha, issue_iid, mr_iid is required")
	}
	return nil
}

// Posted 已发布的评论
type Posted struct {
	Project string `json:"project"`
	Target  string `json:"target"`
	Body    string `json:"body"`
}

// FileRequest 渲染模板写入仓库文件
type FileRequest struct {
	Path          string         `json:"path"`
	Branch        string         `json:"branch"`
	Template      string         `json:"template"`
	CommitMessage string         `json:"commit_message"`
	Entries       map[string]any `json:"entries"`
}

// Service 模板评论与文件
type Service struct {
	templates Templates
	host      Host
	registry  Registry
	log       *logging.Logger
}

// New 创建服务
func New(templates Templates, host Host, registry Registry, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Discard()
	}
	return &Service{templates: templates, host: host, registry: registry, log: log.Named("notes")}
}

// Render 用 entries 渲染 category/name 模板，引用缺失的键时报错
func (s *Service) Render(ctx context.Context, category, name string, entries map[string]any) (string, error) {
	item, err := s.templates.GetTemplate(ctx, category, name)
	if err != nil {
		return "", err
	}
	if item == nil {
		return "", apperr.NotFoundf("template %s/%s", category, name)
	}
	tmpl, err := parse(name, item.Content)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, entries); err != nil {
		return "", apperr.Invalidf("render template %s/%s: %v", category, name, err)
	}
	return buf.String(), nil
}

// Comment 渲染 note 模板并评论到项目的提交、issue 或合并请求
func (s *Service) Comment(ctx context.Context, projectName, templateName string, target Target, entries map[string]any) (*Posted, error) {
	if err := target.validate(); err != nil {
		return nil, err
	}
	project, err := s.registry.GetProjectByName(ctx, projectName)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, apperr.NotFoundf("project %q is not registered", projectName)
	}

	body, err := s.Render(ctx, CategoryNote, templateName, entries)
	if err != nil {
		return nil, err
	}

	switch {
	case target.SHA != "":
		err = s.host.CommentOnCommit(ctx, project.ProjectID, target.SHA, body)
	case target.IssueIID != 0:
		err = s.host.CommentOnIssue(ctx, project.ProjectID, target.IssueIID, body)
	default:
		err = s.host.CommentOnMergeRequest(ctx, project.ProjectID, target.MergeRequestIID, body)
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("note posted", "project", projectName, "template", templateName, "target", target.String())
	return &Posted{Project: projectName, Target: target.String(), Body: body}, nil
}

// WriteFile 渲染 file 模板并提交到项目分支
func (s *Service) WriteFile(ctx context.Context, projectID int64, req FileRequest) error {
	if req.Path == "" || req.Branch == "" || req.Template == "" {
		return apperr.Invalidf("path, branch and template are required")
	}
	content, err := s.Render(ctx, CategoryFile, req.Template, req.Entries)
	if err != nil {
		return err
	}
	msg := req.CommitMessage
	if msg == "" {
		msg = "Update " + req.Path
	}
	if err := s.host.CreateOrUpdateFile(ctx, projectID, &githost.FileChange{
		Path:          req.Path,
		Branch:        req.Branch,
		Content:       content,
		CommitMessage: msg,
	}); err != nil {
		return err
	}
	s.log.Info("file written", "project_id", projectID, "path", req.Path, "branch", req.Branch, "template", req.Template)
	return nil
}

// GetTemplate 读取 note 模板
func (s *Service) GetTemplate(ctx context.Context, name string) (*model.TemplateItem, error) {
	item, err := s.templates.GetTemplate(ctx, CategoryNote, name)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperr.NotFoundf("template %s/%s", CategoryNote, name)
	}
	return item, nil
}

// SaveTemplate 校验语法后保存 note 模板
func (s *Service) SaveTemplate(ctx context.Context, name, content string) (*model.TemplateItem, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperr.Invalidf("template name is required")
	}
	if _, err := parse(name, content); err != nil {
		return nil, err
	}
	item := &model.TemplateItem{Category: CategoryNote, Name: name, Content: content}
	if err := s.templates.PutTemplate(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

func parse(name, content string) (*template.Template, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(content)
	if err != nil {
		return nil, apperr.Invalidf("parse template %s: %v", name, err)
	}
	return tmpl, nil
}
