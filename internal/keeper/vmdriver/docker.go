package vmdriver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"ci-keeper/internal/config"
	"ci-keeper/internal/shared/apperr"
	"ci-keeper/internal/shared/model"
	"ci-keeper/pkg/docker"
	"ci-keeper/pkg/logging"
)

// ContainerRuntime DockerDriver 依赖的容器操作，*docker.Client 实现
type ContainerRuntime interface {
	CreateContainer(ctx context.Context, cfg *docker.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	InspectContainer(ctx context.Context, containerID string) (*docker.ContainerState, error)
	RemoveContainer(ctx context.Context, containerID string, force bool) error
}

// LabelVM 容器上记录 VM 名的标签
const LabelVM = "ci-keeper.vm"

// DockerDriver 用容器代替 VM，Box 即镜像名
type DockerDriver struct {
	rt      ContainerRuntime
	network string
	timeout time.Duration
	log     *logging.Logger
}

// NewDockerDriver 创建 Docker 驱动
func NewDockerDriver(rt ContainerRuntime, cfg config.VMConfig, log *logging.Logger) *DockerDriver {
	if log == nil {
		log = logging.Discard()
	}
	return &DockerDriver{
		rt:      rt,
		network: cfg.DockerNetwork,
		timeout: cfg.CommandTimeout,
		log:     log.Named("vmdriver.docker"),
	}
}

func (d *DockerDriver) Name() string { return "docker" }

// Create 创建并启动容器，启动失败时删除已创建的容器
func (d *DockerDriver) Create(ctx context.Context, name string, cfg *model.VMConfig) (err error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	defer func() { d.log.DriverCommandLog("create", name, time.Since(start), err) }()

	id, err := d.rt.CreateContainer(ctx, &docker.ContainerConfig{
		Name:  name,
		Image: cfg.Box,
		Env: []string{
			"RUNNER_NAME=" + cfg.RunnerName,
			"RUNNER_TAG=" + cfg.RunnerTag,
			"RUNNER_TOKEN=" + cfg.RunnerToken,
			"RUNNER_IP=" + cfg.IP,
			"RUNNER_URL=" + cfg.HostURL,
			"RUNNER_CPUS=" + strconv.Itoa(cfg.CPUs),
		},
		Labels:      map[string]string{LabelVM: name},
		MemoryMB:    cfg.Memory,
		CPUs:        cfg.CPUs,
		NetworkMode: d.network,
	})
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", apperr.ErrDriver, name, err)
	}

	if err := d.rt.StartContainer(ctx, id); err != nil {
		d.rt.RemoveContainer(context.WithoutCancel(ctx), id, true)
		return fmt.Errorf("%w: start %s: %w", apperr.ErrDriver, name, err)
	}
	return nil
}

// Status 查询容器状态
func (d *DockerDriver) Status(ctx context.Context, name string) (*model.VMStatus, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	st, err := d.rt.InspectContainer(ctx, name)
	if err != nil {
		if errors.Is(err, docker.ErrContainerNotFound) {
			return nil, fmt.Errorf("vm %s: %w", name, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: inspect %s: %w", apperr.ErrDriver, name, err)
	}

	id := st.ID
	if len(id) > 12 {
		id = id[:12]
	}
	return &model.VMStatus{
		ID:       id,
		Name:     name,
		Provider: "docker",
		Status:   st.Status,
	}, nil
}

// Destroy 强制删除容器，容器已不存在视为成功
func (d *DockerDriver) Destroy(ctx context.Context, name string) (err error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	defer func() { d.log.DriverCommandLog("destroy", name, time.Since(start), err) }()

	if err := d.rt.RemoveContainer(ctx, name, true); err != nil {
		if errors.Is(err, docker.ErrContainerNotFound) {
			return nil
		}
		return fmt.Errorf("%w: remove %s: %w", apperr.ErrDriver, name, err)
	}
	return nil
}

func (d *DockerDriver) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout > 0 {
		return context.WithTimeout(ctx, d.timeout)
	}
	return context.WithCancel(ctx)
}
