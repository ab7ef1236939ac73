package model

// PipelineStatus 仓库主机流水线状态
type PipelineStatus string

const (
	PipelineStatusCreated  PipelineStatus = "created"
	PipelineStatusPending  PipelineStatus = "pending"
	PipelineStatusRunning  PipelineStatus = "running"
	PipelineStatusSuccess  PipelineStatus = "success"
	PipelineStatusFailed   PipelineStatus = "failed"
	PipelineStatusCanceled PipelineStatus = "canceled"
	PipelineStatusSkipped  PipelineStatus = "skipped"
	PipelineStatusManual   PipelineStatus = "manual"
)

// IsTerminal 终态：需要回收 VM 并释放预留
func (s PipelineStatus) IsTerminal() bool {
	switch s {
	case PipelineStatusSuccess, PipelineStatusFailed, PipelineStatusCanceled:
		return true
	}
	return false
}

// IsActive 活跃态：需要一台 Runner VM
func (s PipelineStatus) IsActive() bool {
	return s == PipelineStatusPending || s == PipelineStatusRunning
}

// PipelineEvent 流水线状态 webhook 负载
type PipelineEvent struct {
	ObjectKind       string             `json:"object_kind"`
	Project          EventProject       `json:"project"`
	ObjectAttributes PipelineAttributes `json:"object_attributes"`
	Builds           []PipelineBuild    `json:"builds"`
}

// EventProject webhook 中的项目信息
type EventProject struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	PathWithNamespace string `json:"path_with_namespace"`
}

// PipelineAttributes webhook 中的流水线属性
type PipelineAttributes struct {
	ID     int64          `json:"id"`
	Status PipelineStatus `json:"status"`
	Ref    string         `json:"ref"`
	Sha    string         `json:"sha"`
	Tag    bool           `json:"tag"`
	Stages []string       `json:"stages"`
}

// PipelineBuild webhook 中的作业信息
type PipelineBuild struct {
	ID     int64  `json:"id"`
	Stage  string `json:"stage"`
	Name   string `json:"name"`
	Status string `json:"status"`
}
