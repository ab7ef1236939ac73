// Package vmdriver Runner VM 驱动
//
// 协调器只通过 Driver 接口创建、查询、销毁 VM：
//   - SSHDriver：在远端主机上执行 {target}-*-vm.sh 脚本（vagrant 等）
//   - DockerDriver：本地开发用容器代替 VM
//   - Fake：测试替身
//
// 所有失败都包装 apperr.ErrDriver；VM 不存在时 Status 返回包装 apperr.ErrNotFound 的错误。
package vmdriver

import (
	"context"
	"fmt"

	"ci-keeper/internal/config"
	"ci-keeper/internal/shared/model"
	"ci-keeper/pkg/docker"
	"ci-keeper/pkg/logging"
)

// Driver VM 驱动接口
type Driver interface {
	// Name 驱动目标名（写入 vms.target）
	Name() string
	Create(ctx context.Context, name string, cfg *model.VMConfig) error
	Status(ctx context.Context, name string) (*model.VMStatus, error)
	Destroy(ctx context.Context, name string) error
}

// LogArchiver 命令输出归档（MinIO）
type LogArchiver interface {
	ArchiveLog(ctx context.Context, vmName, op string, output []byte) error
}

// New 按配置创建驱动
func New(cfg config.VMConfig, archive LogArchiver, log *logging.Logger) (Driver, error) {
	switch cfg.Driver {
	case "docker":
		cli, err := docker.NewClient()
		if err != nil {
			return nil, err
		}
		return NewDockerDriver(cli, cfg, log), nil
	case "ssh", "":
		if cfg.SSH.Host == "" {
			return nil, fmt.Errorf("vm.ssh.host is required for ssh driver")
		}
		exec, err := NewSSHExecutor(cfg.SSH)
		if err != nil {
			return nil, err
		}
		return NewSSHDriver(exec, SSHDriverOptions{
			Target:    cfg.Target,
			ScriptDir: cfg.ScriptDir,
			Timeout:   cfg.CommandTimeout,
			Archive:   archive,
			Logger:    log,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported vm driver: %s", cfg.Driver)
	}
}
