package vmdriver

import (
	"context"
	"fmt"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"ci-keeper/internal/config"
	"ci-keeper/internal/shared/apperr"
	"ci-keeper/internal/shared/model"
	"ci-keeper/pkg/logging"
)

// Executor 远程命令执行，返回合并后的 stdout/stderr
type Executor interface {
	Run(ctx context.Context, cmd string) ([]byte, error)
}

// SSHExecutor 每条命令新建一次 SSH 连接
type SSHExecutor struct {
	addr   string
	config *ssh.ClientConfig
}

// NewSSHExecutor 创建 SSH 执行器，密码与私钥至少配置一种
func NewSSHExecutor(cfg config.SSHConfig) (*SSHExecutor, error) {
	var authMethods []ssh.AuthMethod

	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		authMethods = append(authMethods, ssh.Password(cfg.Password))
	}
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("ssh auth not configured: set SSH_PASSWORD or vm.ssh.key_file")
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}

	return &SSHExecutor{
		addr: fmt.Sprintf("%s:%d", cfg.Host, port),
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            authMethods,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         10 * time.Second,
		},
	}, nil
}

// Run 执行远程命令；ctx 结束时关闭连接以中断命令
func (e *SSHExecutor) Run(ctx context.Context, cmd string) ([]byte, error) {
	client, err := ssh.Dial("tcp", e.addr, e.config)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", e.addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(cmd)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		client.Close()
		return nil, ctx.Err()
	}
}

// SSHDriverOptions SSH 驱动选项
type SSHDriverOptions struct {
	Target    string
	ScriptDir string
	Timeout   time.Duration // 单条命令超时，0 表示只受调用方 ctx 约束
	Archive   LogArchiver   // 可选
	Logger    *logging.Logger
}

// SSHDriver 通过远端脚本管理 VM
type SSHDriver struct {
	exec      Executor
	target    string
	scriptDir string
	timeout   time.Duration
	archive   LogArchiver
	log       *logging.Logger
}

// NewSSHDriver 创建 SSH 驱动
func NewSSHDriver(exec Executor, opts SSHDriverOptions) *SSHDriver {
	if opts.Target == "" {
		opts.Target = "vagrant"
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &SSHDriver{
		exec:      exec,
		target:    opts.Target,
		scriptDir: opts.ScriptDir,
		timeout:   opts.Timeout,
		archive:   opts.Archive,
		log:       opts.Logger.Named("vmdriver.ssh"),
	}
}

func (d *SSHDriver) Name() string { return d.target }

// Create 执行 {target}-create-vm.sh
func (d *SSHDriver) Create(ctx context.Context, name string, cfg *model.VMConfig) error {
	out, err := d.run(ctx, "create", name,
		name,
		cfg.Box,
		strconv.Itoa(cfg.Memory),
		strconv.Itoa(cfg.CPUs),
		cfg.IP,
		cfg.RunnerName,
		cfg.RunnerTag,
		cfg.RunnerToken,
		cfg.HostURL,
	)
	d.archiveOutput(ctx, name, "create", out)
	return err
}

// Status 优先 --json，脚本不支持时退回到 global-status 表格输出
func (d *SSHDriver) Status(ctx context.Context, name string) (*model.VMStatus, error) {
	out, err := d.run(ctx, "status", name, "--json")
	if err != nil {
		d.log.WithVM(name).WithError(err).Debug("status --json failed, falling back to global-status")
		out, err = d.run(ctx, "status", name)
		if err != nil {
			return nil, err
		}
	}

	st := findVM(parseStatus(out), name)
	if st == nil {
		return nil, fmt.Errorf("vm %s: %w", name, apperr.ErrNotFound)
	}
	return st, nil
}

// Destroy 执行 {target}-destroy-vm.sh
func (d *SSHDriver) Destroy(ctx context.Context, name string) error {
	out, err := d.run(ctx, "destroy", name, name)
	d.archiveOutput(ctx, name, "destroy", out)
	return err
}

func (d *SSHDriver) script(op string) string {
	return path.Join(d.scriptDir, fmt.Sprintf("%s-%s-vm.sh", d.target, op))
}

// run 执行脚本；命令行含 runner token，不写日志
func (d *SSHDriver) run(ctx context.Context, op, vmName string, args ...string) ([]byte, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	cmd := shellJoin(append([]string{d.script(op)}, args...))

	start := time.Now()
	out, err := d.exec.Run(ctx, cmd)
	if err != nil {
		err = fmt.Errorf("%w: %s %s: %w (output: %s)", apperr.ErrDriver, op, vmName, err, tail(out, 2048))
	}
	d.log.DriverCommandLog(op, vmName, time.Since(start), err)
	return out, err
}

func (d *SSHDriver) archiveOutput(ctx context.Context, vmName, op string, out []byte) {
	if d.archive == nil || len(out) == 0 {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := d.archive.ArchiveLog(actx, vmName, op, out); err != nil {
		d.log.WithVM(vmName).WithError(err).Warn("archive vm output failed", "op", op)
	}
}

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_./:@%+=,-]+$`)

// shellQuote 单引号转义
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// tail 截取输出末尾，错误信息只需要最后几行
func tail(out []byte, n int) string {
	s := strings.TrimSpace(string(out))
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}
