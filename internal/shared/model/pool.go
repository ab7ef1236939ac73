package model

import "time"

// IPAddress IP 池中的一个可分配地址
type IPAddress struct {
	ID          int64     `json:"id" db:"id"`
	Address     string    `json:"address" db:"address"`
	IsAllocated bool      `json:"is_allocated" db:"is_allocated"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Reservation IP 与 (项目, 流水线) 的绑定
//
// 同一 IP、同一项目、同一流水线各自至多一条活跃记录。
type Reservation struct {
	IPID       int64     `json:"ip_id" db:"ip_id"`
	ProjectID  int64     `json:"project_id" db:"project_id"`
	PipelineID int64     `json:"pipeline_id" db:"pipeline_id"`
	RunnerID   *int64    `json:"runner_id,omitempty" db:"runner_id"`
	IsPowerOn  bool      `json:"is_power_on" db:"is_power_on"`
	IsCanceled bool      `json:"is_canceled" db:"is_canceled"`
	Address    string    `json:"address,omitempty" db:"address"` // 联表查询填充
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// RetryTask 因分不到 IP 而排队等待重试的流水线
//
// Priority 越小越先出队，同优先级按 Seq（到达顺序）出队。
type RetryTask struct {
	PipelineID int64     `json:"pipeline_id"`
	ProjectID  int64     `json:"project_id"`
	Priority   int       `json:"priority"`
	Seq        int64     `json:"seq"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
