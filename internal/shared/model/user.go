package model

// User 在 keeper 登记的仓库主机用户，Token 用于代表其调用仓库主机 API
type User struct {
	UserID   int64  `json:"user_id" db:"user_id"`
	Username string `json:"username" db:"username"`
	Token    string `json:"-" db:"token"`
}

// Project 在 keeper 登记的项目
type Project struct {
	ProjectID   int64  `json:"project_id" db:"project_id"`
	ProjectName string `json:"project_name" db:"project_name"` // path_with_namespace
	Priority    int    `json:"priority" db:"priority"`
	RunnerToken string `json:"-" db:"runner_token"`
}

// HasRunnerToken 是否已注册 Runner Token
func (p *Project) HasRunnerToken() bool {
	return p != nil && p.RunnerToken != ""
}
