package githost

import "time"

// Pipeline 流水线
type Pipeline struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Status    string `json:"status"`
	Ref       string `json:"ref"`
	SHA       string `json:"sha"`
	WebURL    string `json:"web_url"`
}

// CommitStatus 提交上的作业状态
type CommitStatus struct {
	ID     int64  `json:"id"`
	SHA    string `json:"sha"`
	Ref    string `json:"ref"`
	Status string `json:"status"`
	Name   string `json:"name"`
	Stage  string `json:"stage,omitempty"`
}

// Branch 分支
type Branch struct {
	Name      string `json:"name"`
	Protected bool   `json:"protected"`
	Commit    struct {
		ID string `json:"id"`
	} `json:"commit"`
}

// FileChange 仓库文件写入
type FileChange struct {
	Path          string `json:"-"`
	Branch        string `json:"branch"`
	Content       string `json:"content"`
	CommitMessage string `json:"commit_message"`
	Encoding      string `json:"encoding,omitempty"` // text 或 base64
}

// Variable CI/CD 变量
type Variable struct {
	Key          string `json:"key"`
	Value        string `json:"value"`
	VariableType string `json:"variable_type,omitempty"`
	Protected    bool   `json:"protected"`
	Masked       bool   `json:"masked"`
}

// IssueRequest 创建/更新 issue 的参数，零值字段不提交
type IssueRequest struct {
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	AssigneeIDs []int64 `json:"assignee_ids,omitempty"`
	Labels      string  `json:"labels,omitempty"`
	MilestoneID int64   `json:"milestone_id,omitempty"`
	DueDate     string  `json:"due_date,omitempty"`    // YYYY-MM-DD
	StateEvent  string  `json:"state_event,omitempty"` // close / reopen
}

// Issue issue
type Issue struct {
	ID        int64     `json:"id"`
	IID       int64     `json:"iid"`
	ProjectID int64     `json:"project_id"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	WebURL    string    `json:"web_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Milestone 里程碑
type Milestone struct {
	ID      int64  `json:"id"`
	IID     int64  `json:"iid"`
	Title   string `json:"title"`
	State   string `json:"state"`
	DueDate string `json:"due_date"`
}

// Runner 项目可用的 Runner
type Runner struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
	Active      bool   `json:"active"`
	Paused      bool   `json:"paused"`
	IsShared    bool   `json:"is_shared"`
	Status      string `json:"status"`
}

// User 用户
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	State    string `json:"state"`
}

// Project 项目
type Project struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	PathWithNamespace string `json:"path_with_namespace"`
	DefaultBranch     string `json:"default_branch"`
	WebURL            string `json:"web_url"`
}
