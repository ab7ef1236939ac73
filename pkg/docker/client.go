// Package docker 封装 Docker API 客户端
//
// 使用官方 github.com/moby/moby/client 库，
// 只保留 Runner 容器生命周期需要的操作：创建、启动、查询、删除。
package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
)

// ErrContainerNotFound 容器不存在
var ErrContainerNotFound = errors.New("container not found")

// ContainerConfig 容器配置
type ContainerConfig struct {
	Name        string            // 容器名称
	Image       string            // 镜像名称
	Cmd         []string          // 启动命令（为空使用镜像默认）
	Env         []string          // 环境变量
	Labels      map[string]string // 标签
	MemoryMB    int               // 内存上限（MB），0 表示不限
	CPUs        int               // CPU 上限，0 表示不限
	NetworkMode string            // 网络，空表示默认 bridge
}

// ContainerState 容器状态
type ContainerState struct {
	ID      string
	Name    string
	Image   string
	Status  string // created / running / exited ...
	Running bool
}

// Client Docker客户端封装
type Client struct {
	cli *client.Client
}

// NewClient 创建Docker客户端
func NewClient() (*Client, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Close 关闭客户端
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping 检查Docker连接
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx, client.PingOptions{})
	return err
}

// CreateContainer 创建容器
func (c *Client) CreateContainer(ctx context.Context, cfg *ContainerConfig) (string, error) {
	hostCfg := &container.HostConfig{}
	if cfg.MemoryMB > 0 {
		hostCfg.Memory = int64(cfg.MemoryMB) * 1024 * 1024
	}
	if cfg.CPUs > 0 {
		hostCfg.NanoCPUs = int64(cfg.CPUs) * 1e9
	}
	if cfg.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(cfg.NetworkMode)
	}

	opts := client.ContainerCreateOptions{
		Name:  cfg.Name,
		Image: cfg.Image,
		Config: &container.Config{
			Cmd:    cfg.Cmd,
			Env:    cfg.Env,
			Labels: cfg.Labels,
		},
		HostConfig: hostCfg,
	}

	result, err := c.cli.ContainerCreate(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return result.ID, nil
}

// StartContainer 启动容器
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	_, err := c.cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{})
	return err
}

// RemoveContainer 删除容器，容器不存在返回 ErrContainerNotFound
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	_, err := c.cli.ContainerRemove(ctx, containerID, client.ContainerRemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil && errdefs.IsNotFound(err) {
		return fmt.Errorf("%s: %w", containerID, ErrContainerNotFound)
	}
	return err
}

// InspectContainer 查询容器状态，容器不存在返回 ErrContainerNotFound
func (c *Client) InspectContainer(ctx context.Context, containerID string) (*ContainerState, error) {
	result, err := c.cli.ContainerInspect(ctx, containerID, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%s: %w", containerID, ErrContainerNotFound)
		}
		return nil, err
	}

	info := result.Container
	st := &ContainerState{
		ID:   info.ID,
		Name: strings.TrimPrefix(info.Name, "/"),
	}
	if info.Config != nil {
		st.Image = info.Config.Image
	}
	if info.State != nil {
		st.Status = string(info.State.Status)
		st.Running = info.State.Running
	}
	return st, nil
}

// ContainerExists 检查容器是否存在
func (c *Client) ContainerExists(ctx context.Context, containerID string) (bool, error) {
	_, err := c.InspectContainer(ctx, containerID)
	if errors.Is(err, ErrContainerNotFound) {
		return false, nil
	}
	return err == nil, err
}
