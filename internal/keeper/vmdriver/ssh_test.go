package vmdriver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ci-keeper/internal/shared/apperr"
	"ci-keeper/internal/shared/model"
)

type fakeExec struct {
	mu      sync.Mutex
	cmds    []string
	outputs map[string]string // 命令前缀 -> 输出
	errs    map[string]error
	delay   time.Duration
}

func newFakeExec() *fakeExec {
	return &fakeExec{outputs: map[string]string{}, errs: map[string]error{}}
}

func (e *fakeExec) Run(ctx context.Context, cmd string) ([]byte, error) {
	e.mu.Lock()
	e.cmds = append(e.cmds, cmd)
	e.mu.Unlock()

	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// 最长前缀优先
	var out string
	var err error
	best := -1
	for prefix, o := range e.outputs {
		if strings.HasPrefix(cmd, prefix) && len(prefix) > best {
			out, best = o, len(prefix)
		}
	}
	best = -1
	for prefix, er := range e.errs {
		if strings.HasPrefix(cmd, prefix) && len(prefix) > best {
			err, best = er, len(prefix)
		}
	}
	return []byte(out), err
}

type fakeArchive struct {
	mu   sync.Mutex
	logs map[string]string
}

func (a *fakeArchive) ArchiveLog(_ context.Context, vmName, op string, output []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.logs == nil {
		a.logs = map[string]string{}
	}
	a.logs[vmName+"/"+op] = string(output)
	return nil
}

func newTestSSHDriver(exec Executor, archive LogArchiver) *SSHDriver {
	return NewSSHDriver(exec, SSHDriverOptions{
		Target:    "vagrant",
		ScriptDir: "/opt/keeper/scripts",
		Timeout:   time.Second,
		Archive:   archive,
	})
}

func TestSSHDriverCreateCommand(t *testing.T) {
	exec := newFakeExec()
	exec.outputs["/opt/keeper/scripts/vagrant-create-vm.sh"] = "Bringing machine 'default' up..."
	archive := &fakeArchive{}
	d := newTestSSHDriver(exec, archive)

	err := d.Create(context.Background(), "demo-runner-base-42", &model.VMConfig{
		Box:         "ubuntu/jammy64",
		Memory:      4096,
		CPUs:        2,
		IP:          "10.0.0.5",
		RunnerName:  "demo-runner-base-42",
		RunnerTag:   "demo-runner-base-vm",
		RunnerToken: "tok en",
		HostURL:     "https://gitlab.example.com",
	})
	require.NoError(t, err)

	require.Len(t, exec.cmds, 1)
	assert.Equal(t,
		"/opt/keeper/scripts/vagrant-create-vm.sh demo-runner-base-42 ubuntu/jammy64 4096 2 10.0.0.5 "+
			"demo-runner-base-42 demo-runner-base-vm 'tok en' https://gitlab.example.com",
		exec.cmds[0])
	assert.Equal(t, "Bringing machine 'default' up...", archive.logs["demo-runner-base-42/create"])
	assert.Equal(t, "vagrant", d.Name())
}

func TestSSHDriverCreateFailureWrapsDriverError(t *testing.T) {
	exec := newFakeExec()
	exec.outputs["/opt/keeper/scripts/vagrant-create-vm.sh"] = "box not found"
	exec.errs["/opt/keeper/scripts/vagrant-create-vm.sh"] = errors.New("exit status 1")
	d := newTestSSHDriver(exec, nil)

	err := d.Create(context.Background(), "vm1", &model.VMConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrDriver)
	assert.Contains(t, err.Error(), "box not found")
}

func TestSSHDriverCommandTimeout(t *testing.T) {
	exec := newFakeExec()
	exec.delay = time.Second
	d := NewSSHDriver(exec, SSHDriverOptions{ScriptDir: "/s", Timeout: 20 * time.Millisecond})

	err := d.Destroy(context.Background(), "vm1")
	assert.ErrorIs(t, err, apperr.ErrDriver)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSSHDriverStatusJSON(t *testing.T) {
	exec := newFakeExec()
	exec.outputs["/opt/keeper/scripts/vagrant-status-vm.sh --json"] = `[
		{"id":"a1b2c3d","name":"default","provider":"virtualbox","state":"running","directory":"/home/vagrant/vms/other-7"},
		{"id":"e4f5a6b","name":"default","provider":"virtualbox","state":"poweroff","directory":"/home/vagrant/vms/vm1/"}
	]`
	d := newTestSSHDriver(exec, nil)

	st, err := d.Status(context.Background(), "vm1")
	require.NoError(t, err)
	assert.Equal(t, "e4f5a6b", st.ID)
	assert.Equal(t, "poweroff", st.Status)
	assert.False(t, st.Running())
}

func TestSSHDriverStatusFallback(t *testing.T) {
	exec := newFakeExec()
	exec.errs["/opt/keeper/scripts/vagrant-status-vm.sh --json"] = errors.New("exit status 2")
	exec.outputs["/opt/keeper/scripts/vagrant-status-vm.sh"] = `id       name    provider   state   directory
------------------------------------------------------------------------
a1b2c3d  default virtualbox running /home/vagrant/vms/vm1

The above shows information about all known Vagrant environments
`
	d := newTestSSHDriver(exec, nil)

	st, err := d.Status(context.Background(), "vm1")
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3d", st.ID)
	assert.True(t, st.Running())
	assert.Len(t, exec.cmds, 2)
}

func TestSSHDriverStatusNotFound(t *testing.T) {
	exec := newFakeExec()
	exec.outputs["/opt/keeper/scripts/vagrant-status-vm.sh --json"] = `[]`
	d := newTestSSHDriver(exec, nil)

	_, err := d.Status(context.Background(), "vm1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.NotErrorIs(t, err, apperr.ErrDriver)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "abc-1.2", shellQuote("abc-1.2"))
	assert.Equal(t, "''", shellQuote(""))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "'a;rm -rf /'", shellQuote("a;rm -rf /"))
}
