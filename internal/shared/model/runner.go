package model

import "fmt"

// Runner 仓库主机上注册的构建 Runner，与 VM 一一对应
type Runner struct {
	RunnerID   int64  `json:"runner_id" db:"runner_id"`
	RunnerName string `json:"runner_name" db:"runner_name"`
}

// VM 已创建并登记的 Runner 虚拟机
type VM struct {
	VMID      string `json:"vm_id" bson:"vm_id" db:"vm_id"`
	VMName    string `json:"vm_name" bson:"vm_name" db:"vm_name"`
	Target    string `json:"target" bson:"target" db:"target"`
	KeeperURL string `json:"keeper_url" bson:"keeper_url" db:"keeper_url"`
}

// ProjectRunner 项目、Runner 与 VM 的关联
type ProjectRunner struct {
	ProjectID  int64  `json:"project_id" db:"project_id"`
	RunnerID   int64  `json:"runner_id" db:"runner_id"`
	RunnerName string `json:"runner_name" db:"runner_name"`
	VMID       string `json:"vm_id" db:"vm_id"`
	VMName     string `json:"vm_name" db:"vm_name"`
}

// VMStatus 从 VM 驱动实时查询的状态，不落库
type VMStatus struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	Status    string `json:"status"`
	Directory string `json:"directory"`
}

// Running 是否处于运行态
func (s *VMStatus) Running() bool {
	return s != nil && s.Status == "running"
}

// VMConfig 创建 Runner VM 的参数
type VMConfig struct {
	Box         string `json:"vm_box"`
	Memory      int    `json:"vm_memory"`
	CPUs        int    `json:"vm_cpus,omitempty"`
	IP          string `json:"vm_ip"`
	RunnerName  string `json:"runner_name"`
	RunnerTag   string `json:"runner_tag"`
	RunnerToken string `json:"-"`
	HostURL     string `json:"host_url,omitempty"`
}

// RunnerBaseName 生成 Runner 基础名：{abbr}-runner-{base_repo}
func RunnerBaseName(abbr, baseRepo string) string {
	return fmt.Sprintf("%s-runner-%s", abbr, baseRepo)
}

// RunnerVMName 生成确定性的 VM 名称：{abbr}-runner-{base_repo}-{pipeline_id}
func RunnerVMName(abbr, baseRepo string, pipelineID int64) string {
	return fmt.Sprintf("%s-%d", RunnerBaseName(abbr, baseRepo), pipelineID)
}

// RunnerTag 生成 Runner 标签：{abbr}-runner-{base_repo}-vm
func RunnerTag(abbr, baseRepo string) string {
	return RunnerBaseName(abbr, baseRepo) + "-vm"
}
