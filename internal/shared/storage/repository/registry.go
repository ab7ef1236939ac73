package repository

import (
	"context"
	"database/sql"
	"fmt"

	"ci-keeper/internal/shared/model"
	"ci-keeper/internal/shared/storage"
)

// CreateUserProject 登记用户与项目；用户或项目已存在时复用，关联已存在返回 ErrDuplicate
func (s *Store) CreateUserProject(ctx context.Context, user *model.User, project *model.Project) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var cnt int
		err := tx.QueryRowContext(ctx, s.rebind(`
			SELECT COUNT(*) FROM user_projects up
			JOIN users u ON u.user_id = up.user_id
			JOIN projects p ON p.project_id = up.project_id
			WHERE u.username = $1 AND p.project_name = $2`), user.Username, project.ProjectName).Scan(&cnt)
		if err != nil {
			return err
		}
		if cnt > 0 {
			return fmt.Errorf("user %s with project %s: %w", user.Username, project.ProjectName, storage.ErrDuplicate)
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO users (user_id, username, token) VALUES ($1, $2, $3) `+
			s.dialect.UpsertConflict("user_id", []string{"token = EXCLUDED.token"})),
			user.UserID, user.Username, user.Token); err != nil {
			return s.translate(err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO projects (project_id, project_name, priority, runner_token) VALUES ($1, $2, $3, $4) `+
			s.dialect.UpsertConflict("project_id", nil)),
			project.ProjectID, project.ProjectName, project.Priority, project.RunnerToken); err != nil {
			return s.translate(err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO user_projects (user_id, project_id) VALUES ($1, $2)`),
			user.UserID, project.ProjectID); err != nil {
			return s.translate(err)
		}
		return nil
	})
}

// GetUserByName 按用户名获取用户
func (s *Store) GetUserByName(ctx context.Context, username string) (*model.User, error) {
	u := &model.User{}
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT user_id, username, token FROM users WHERE username = $1`), username).
		Scan(&u.UserID, &u.Username, &u.Token)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

const projectColumns = `project_id, project_name, priority, runner_token`

func scanProject(row rowScanner) (*model.Project, error) {
	p := &model.Project{}
	if err := row.Scan(&p.ProjectID, &p.ProjectName, &p.Priority, &p.RunnerToken); err != nil {
		return nil, err
	}
	return p, nil
}

// GetProject 按 ID 获取项目
func (s *Store) GetProject(ctx context.Context, projectID int64) (*model.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+projectColumns+` FROM projects WHERE project_id = $1`), projectID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// GetProjectByName 按 path_with_namespace 获取项目
func (s *Store) GetProjectByName(ctx context.Context, projectName string) (*model.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+projectColumns+` FROM projects WHERE project_name = $1`), projectName))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListProjects 列出全部项目
func (s *Store) ListProjects(ctx context.Context) ([]*model.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY priority, project_id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	result := []*model.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// UpdateProjectPriority 设置项目重试优先级
func (s *Store) UpdateProjectPriority(ctx context.Context, projectID int64, priority int) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE projects SET priority = $1 WHERE project_id = $2`), priority, projectID)
	if err != nil {
		return fmt.Errorf("update priority: %w", err)
	}
	return expectAffected(res)
}

// UpdateProjectRunnerToken 设置项目 Runner 注册令牌，空字符串表示注销
func (s *Store) UpdateProjectRunnerToken(ctx context.Context, projectID int64, token string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE projects SET runner_token = $1 WHERE project_id = $2`), token, projectID)
	if err != nil {
		return fmt.Errorf("update runner token: %w", err)
	}
	return expectAffected(res)
}

// GetProjectToken 获取项目关联用户的访问令牌
func (s *Store) GetProjectToken(ctx context.Context, projectID int64) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT u.token FROM users u
		JOIN user_projects up ON up.user_id = u.user_id
		WHERE up.project_id = $1
		ORDER BY u.user_id LIMIT 1`), projectID).Scan(&token)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("token for project %d: %w", projectID, storage.ErrNotFound)
	}
	return token, err
}

// SaveProjectRunner 登记 Runner、VM 及其与项目的关联
func (s *Store) SaveProjectRunner(ctx context.Context, projectID int64, runner *model.Runner, vm *model.VM) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO runners (runner_id, runner_name) VALUES ($1, $2) `+
			s.dialect.UpsertConflict("runner_id", []string{"runner_name = EXCLUDED.runner_name"})),
			runner.RunnerID, runner.RunnerName); err != nil {
			return s.translate(err)
		}
		if err := s.saveVMTx(ctx, tx, vm); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO project_runners (project_id, runner_id, vm_id) VALUES ($1, $2, $3)`),
			projectID, runner.RunnerID, vm.VMID); err != nil {
			return s.translate(err)
		}
		return nil
	})
}

// SaveVM 登记 VM；同名旧记录（已销毁后重建）被替换
func (s *Store) SaveVM(ctx context.Context, vm *model.VM) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.saveVMTx(ctx, tx, vm)
	})
}

func (s *Store) saveVMTx(ctx context.Context, tx *sql.Tx, vm *model.VM) error {
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM vms WHERE vm_name = $1 AND vm_id <> $2`),
		vm.VMName, vm.VMID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO vms (vm_id, vm_name, target, keeper_url) VALUES ($1, $2, $3, $4) `+
		s.dialect.UpsertConflict("vm_id", []string{
			"vm_name = EXCLUDED.vm_name", "target = EXCLUDED.target", "keeper_url = EXCLUDED.keeper_url",
		})),
		vm.VMID, vm.VMName, vm.Target, vm.KeeperURL); err != nil {
		return s.translate(err)
	}
	return nil
}

// GetVM 按名称获取 VM
func (s *Store) GetVM(ctx context.Context, vmName string) (*model.VM, error) {
	vm := &model.VM{}
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT vm_id, vm_name, target, keeper_url FROM vms WHERE vm_name = $1`), vmName).
		Scan(&vm.VMID, &vm.VMName, &vm.Target, &vm.KeeperURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return vm, err
}

// GetProjectRunnerByVM 按 VM 名称获取关联
func (s *Store) GetProjectRunnerByVM(ctx context.Context, vmName string) (*model.ProjectRunner, error) {
	pr := &model.ProjectRunner{}
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT pr.project_id, r.runner_id, r.runner_name, v.vm_id, v.vm_name
		FROM project_runners pr
		JOIN runners r ON r.runner_id = pr.runner_id
		JOIN vms v ON v.vm_id = pr.vm_id
		WHERE v.vm_name = $1`), vmName).
		Scan(&pr.ProjectID, &pr.RunnerID, &pr.RunnerName, &pr.VMID, &pr.VMName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return pr, err
}

// DeleteProjectRunnerByVM 删除 VM 及其 Runner 关联（幂等）
func (s *Store) DeleteProjectRunnerByVM(ctx context.Context, vmName string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var vmID string
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT vm_id FROM vms WHERE vm_name = $1`), vmName).Scan(&vmID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`
			DELETE FROM runners WHERE runner_id IN (SELECT runner_id FROM project_runners WHERE vm_id = $1)`), vmID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM project_runners WHERE vm_id = $1`), vmID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM vms WHERE vm_id = $1`), vmID)
		return err
	})
}

// DeleteRunnersByName 按 Runner 名称删除 Runner、关联及 VM，返回删除的 Runner 数
func (s *Store) DeleteRunnersByName(ctx context.Context, runnerName string) (int, error) {
	var deleted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.rebind(`
			SELECT r.runner_id, COALESCE(pr.vm_id, '') FROM runners r
			LEFT JOIN project_runners pr ON pr.runner_id = r.runner_id
			WHERE r.runner_name = $1`), runnerName)
		if err != nil {
			return err
		}
		type pair struct {
			runnerID int64
			vmID     string
		}
		var pairs []pair
		for rows.Next() {
			var p pair
			if err := rows.Scan(&p.runnerID, &p.vmID); err != nil {
				rows.Close()
				return err
			}
			pairs = append(pairs, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		seen := map[int64]bool{}
		for _, p := range pairs {
			if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM project_runners WHERE runner_id = $1`), p.runnerID); err != nil {
				return err
			}
			if p.vmID != "" {
				if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM vms WHERE vm_id = $1`), p.vmID); err != nil {
					return err
				}
			}
			if !seen[p.runnerID] {
				if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM runners WHERE runner_id = $1`), p.runnerID); err != nil {
					return err
				}
				seen[p.runnerID] = true
			}
		}
		deleted = len(seen)
		return nil
	})
	return deleted, err
}
