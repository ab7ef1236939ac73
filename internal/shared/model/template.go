package model

import "time"

// TemplateItem 按类别存放的发布说明/安装脚本模板
type TemplateItem struct {
	Category  string    `json:"category" bson:"category" db:"category"`
	Name      string    `json:"name" bson:"name" db:"name"`
	Content   string    `json:"content" bson:"content" db:"content"`
	Priority  int       `json:"priority" bson:"priority" db:"priority"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at" db:"updated_at"`
}

// ScanIssue 代码质量扫描器中的一条问题
type ScanIssue struct {
	Key       string `json:"key"`
	Assignee  string `json:"assignee"`
	Message   string `json:"message"`
	Component string `json:"component"`
	Severity  string `json:"severity"`
	Hash      string `json:"hash"`
}
