// Package repository SQLite 集成测试
//
// 使用 SQLite 内存数据库验证 repository 层所有存储接口的正确性。
// 无需外部数据库依赖，可在任何环境下运行。
package repository

import (
	"context"
	"errors"
	"sync"
	"testing"

	"ci-keeper/internal/shared/model"
	"ci-keeper/internal/shared/storage"
	"ci-keeper/internal/shared/storage/dbutil"
	sqlitedriver "ci-keeper/internal/shared/storage/driver/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore 创建用于测试的 SQLite 内存数据库 Store
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(dbutil.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedIPs(t *testing.T, s *Store, addrs ...string) []*model.IPAddress {
	t.Helper()
	var ips []*model.IPAddress
	for _, a := range addrs {
		ip, err := s.AddIP(context.Background(), a)
		require.NoError(t, err)
		ips = append(ips, ip)
	}
	return ips
}

// ============================================================================
// Dialect 基础测试
// ============================================================================

func TestDialectTypes(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, dbutil.DriverSQLite, d.DriverType())
	assert.Equal(t, "datetime('now')", d.CurrentTimestamp())
	assert.Equal(t, "1", d.BooleanLiteral(true))
	assert.Equal(t, "0", d.BooleanLiteral(false))
	assert.False(t, d.IsUniqueViolation(nil))
	assert.False(t, d.IsUniqueViolation(errors.New("disk I/O error")))
}

func TestRebind(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, "SELECT * FROM t WHERE id = ? AND name = ?",
		d.Rebind("SELECT * FROM t WHERE id = $1 AND name = $2"))
	assert.Equal(t, "UPDATE t SET status = ? WHERE id = ?",
		d.Rebind("UPDATE t SET status = $1::varchar WHERE id = $2"))
}

// ============================================================================
// IP Pool 测试
// ============================================================================

func TestIPPool(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ips := seedIPs(t, s, "10.0.0.1", "10.0.0.2")
	assert.NotZero(t, ips[0].ID)
	assert.False(t, ips[0].IsAllocated)

	_, err := s.AddIP(ctx, "10.0.0.1")
	assert.True(t, errors.Is(err, storage.ErrDuplicate))

	require.NoError(t, s.AllocateIP(ctx, ips[0].ID))
	err = s.AllocateIP(ctx, ips[0].ID)
	assert.True(t, errors.Is(err, storage.ErrConflict), "second allocate must lose the CAS")

	err = s.AllocateIP(ctx, 9999)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	avail, err := s.ListAvailableIPs(ctx)
	require.NoError(t, err)
	require.Len(t, avail, 1)
	assert.Equal(t, "10.0.0.2", avail[0].Address)

	require.NoError(t, s.ReleaseIP(ctx, ips[0].ID))
	require.NoError(t, s.ReleaseIP(ctx, ips[0].ID), "release is idempotent")
	avail, err = s.ListAvailableIPs(ctx)
	require.NoError(t, err)
	assert.Len(t, avail, 2)

	all, err := s.ListIPs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	got, err := s.GetIP(ctx, ips[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", got.Address)

	missing, err := s.GetIP(ctx, 9999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// ============================================================================
// Reservation 测试
// ============================================================================

func TestReservationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ips := seedIPs(t, s, "10.0.0.1")

	r := &model.Reservation{IPID: ips[0].ID, ProjectID: 1, PipelineID: 100}
	require.NoError(t, s.CreateReservation(ctx, r))
	assert.Equal(t, "10.0.0.1", r.Address)

	ip, err := s.GetIP(ctx, ips[0].ID)
	require.NoError(t, err)
	assert.True(t, ip.IsAllocated)

	byProject, err := s.GetReservationByProject(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, byProject)
	assert.Equal(t, int64(100), byProject.PipelineID)
	assert.Nil(t, byProject.RunnerID)

	require.NoError(t, s.BindReservationRunner(ctx, ips[0].ID, 77))
	require.NoError(t, s.SetReservationPower(ctx, 1, ips[0].ID, true))
	require.NoError(t, s.SetReservationCanceled(ctx, 1, 100, true))

	byPipeline, err := s.GetReservationByPipeline(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, byPipeline.RunnerID)
	assert.Equal(t, int64(77), *byPipeline.RunnerID)
	assert.True(t, byPipeline.IsPowerOn)
	assert.True(t, byPipeline.IsCanceled)
	assert.Equal(t, "10.0.0.1", byPipeline.Address)

	err = s.SetReservationPower(ctx, 2, ips[0].ID, true)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	list, err := s.ListReservations(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	deleted, err := s.DeleteReservation(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, deleted)
	assert.Equal(t, ips[0].ID, deleted.IPID)

	ip, err = s.GetIP(ctx, ips[0].ID)
	require.NoError(t, err)
	assert.False(t, ip.IsAllocated)

	again, err := s.DeleteReservation(ctx, 100)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestCreateReservationRejectsDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ips := seedIPs(t, s, "10.0.0.1", "10.0.0.2", "10.0.0.3")

	require.NoError(t, s.CreateReservation(ctx, &model.Reservation{IPID: ips[0].ID, ProjectID: 1, PipelineID: 100}))

	// 同一项目
	err := s.CreateReservation(ctx, &model.Reservation{IPID: ips[1].ID, ProjectID: 1, PipelineID: 101})
	assert.True(t, errors.Is(err, storage.ErrDuplicate))

	// 同一流水线
	err = s.CreateReservation(ctx, &model.Reservation{IPID: ips[1].ID, ProjectID: 2, PipelineID: 100})
	assert.True(t, errors.Is(err, storage.ErrDuplicate))

	// 同一 IP
	err = s.CreateReservation(ctx, &model.Reservation{IPID: ips[0].ID, ProjectID: 3, PipelineID: 300})
	assert.True(t, errors.Is(err, storage.ErrConflict))

	// 失败的事务不应占用 IP
	avail, err := s.ListAvailableIPs(ctx)
	require.NoError(t, err)
	assert.Len(t, avail, 2)
}

func TestCreateReservationConcurrentSameIP(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ips := seedIPs(t, s, "10.0.0.1")

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.CreateReservation(ctx, &model.Reservation{IPID: ips[0].ID, ProjectID: int64(i + 1), PipelineID: int64(1000 + i)})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, storage.ErrConflict), "unexpected error: %v", err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	list, err := s.ListReservations(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// ============================================================================
// Registry 测试
// ============================================================================

func TestUserProjectRegistry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := &model.User{UserID: 5, Username: "alice", Token: "glpat-xxx"}
	project := &model.Project{ProjectID: 42, ProjectName: "group/demo", Priority: 3}
	require.NoError(t, s.CreateUserProject(ctx, user, project))

	err := s.CreateUserProject(ctx, user, project)
	assert.True(t, errors.Is(err, storage.ErrDuplicate))

	u, err := s.GetUserByName(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), u.UserID)

	p, err := s.GetProjectByName(ctx, "group/demo")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Priority)

	token, err := s.GetProjectToken(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "glpat-xxx", token)

	_, err = s.GetProjectToken(ctx, 1)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	require.NoError(t, s.UpdateProjectPriority(ctx, 42, 1))
	require.NoError(t, s.UpdateProjectRunnerToken(ctx, 42, "runner-secret"))
	p, err = s.GetProject(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Priority)
	assert.True(t, p.HasRunnerToken())

	err = s.UpdateProjectPriority(ctx, 9999, 1)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	projects, err := s.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 1)

	missing, err := s.GetUserByName(ctx, "bob")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestProjectRunnerRegistry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	runner := &model.Runner{RunnerID: 9, RunnerName: "demo-runner-base-100"}
	vm := &model.VM{VMID: "a1b2c3d", VMName: "demo-runner-base-100", Target: "vagrant", KeeperURL: "http://keeper"}
	require.NoError(t, s.SaveProjectRunner(ctx, 42, runner, vm))

	err := s.SaveProjectRunner(ctx, 42, runner, vm)
	assert.True(t, errors.Is(err, storage.ErrDuplicate))

	got, err := s.GetVM(ctx, "demo-runner-base-100")
	require.NoError(t, err)
	assert.Equal(t, "vagrant", got.Target)

	pr, err := s.GetProjectRunnerByVM(ctx, "demo-runner-base-100")
	require.NoError(t, err)
	require.NotNil(t, pr)
	assert.Equal(t, int64(9), pr.RunnerID)
	assert.Equal(t, int64(42), pr.ProjectID)

	require.NoError(t, s.DeleteProjectRunnerByVM(ctx, "demo-runner-base-100"))
	require.NoError(t, s.DeleteProjectRunnerByVM(ctx, "demo-runner-base-100"), "idempotent")
	got, err = s.GetVM(ctx, "demo-runner-base-100")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.SaveProjectRunner(ctx, 42, runner, vm))
	n, err := s.DeleteRunnersByName(ctx, "demo-runner-base-100")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.DeleteRunnersByName(ctx, "demo-runner-base-100")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSaveVMReplacesSameName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveVM(ctx, &model.VM{VMID: "old0001", VMName: "demo-runner-base-7", Target: "vagrant"}))
	require.NoError(t, s.SaveVM(ctx, &model.VM{VMID: "new0002", VMName: "demo-runner-base-7", Target: "docker", KeeperURL: "http://k"}))

	got, err := s.GetVM(ctx, "demo-runner-base-7")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "new0002", got.VMID)
	assert.Equal(t, "docker", got.Target)

	// 已登记的 VM 再绑定 Runner
	runner := &model.Runner{RunnerID: 3, RunnerName: "demo-runner-base-7"}
	require.NoError(t, s.SaveProjectRunner(ctx, 42, runner, got))
	pr, err := s.GetProjectRunnerByVM(ctx, "demo-runner-base-7")
	require.NoError(t, err)
	require.NotNil(t, pr)
	assert.Equal(t, "new0002", pr.VMID)
}

// ============================================================================
// Template / Issue 测试
// ============================================================================

func TestTemplates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutTemplate(ctx, &model.TemplateItem{Category: "release-note", Name: "footer", Content: "bye", Priority: 9}))
	require.NoError(t, s.PutTemplate(ctx, &model.TemplateItem{Category: "release-note", Name: "header", Content: "hi", Priority: 1}))
	require.NoError(t, s.PutTemplate(ctx, &model.TemplateItem{Category: "release-note", Name: "header", Content: "hello", Priority: 1}))

	items, err := s.ListTemplates(ctx, "release-note")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "header", items[0].Name)
	assert.Equal(t, "hello", items[0].Content)

	got, err := s.GetTemplate(ctx, "release-note", "footer")
	require.NoError(t, err)
	assert.Equal(t, "bye", got.Content)

	require.NoError(t, s.DeleteTemplate(ctx, "release-note", "footer"))
	err = s.DeleteTemplate(ctx, "release-note", "footer")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	empty, err := s.ListTemplates(ctx, "install-script")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRecordIssue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.RecordIssue(ctx, 5, "abc")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.RecordIssue(ctx, 5, "abc")
	require.NoError(t, err)
	assert.False(t, again)
}
