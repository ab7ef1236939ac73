package model

import (
	"strings"
	"time"
)

// IssueEvent issue webhook 负载
type IssueEvent struct {
	ObjectKind       string          `json:"object_kind"`
	Project          EventProject    `json:"project"`
	ObjectAttributes IssueAttributes `json:"object_attributes"`
	Labels           []IssueLabel    `json:"labels"`
}

// IssueAttributes webhook 中的 issue 属性
type IssueAttributes struct {
	ID          int64  `json:"id"`
	IID         int64  `json:"iid"`
	Title       string `json:"title"`
	Action      string `json:"action"` // open / update / close / reopen
	AssigneeID  int64  `json:"assignee_id"`
	MilestoneID int64  `json:"milestone_id"`
	DueDate     string `json:"due_date"`
	CreatedAt   string `json:"created_at"`
}

// IssueLabel webhook 中的标签
type IssueLabel struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

// 仓库主机不同版本的 webhook 时间格式
var issueTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05",
}

// Created 解析 created_at，无法解析时返回 false
func (a *IssueAttributes) Created() (time.Time, bool) {
	s := strings.TrimSpace(a.CreatedAt)
	for _, layout := range issueTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
