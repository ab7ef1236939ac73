// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 适用于开发、测试和单机部署场景。
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ci-keeper/internal/shared/storage/dbutil"

	"modernc.org/sqlite"
)

// SQLite 扩展错误码
const (
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

func (d *Dialect) CurrentTimestamp() string {
	return "datetime('now')"
}

func (d *Dialect) BooleanLiteral(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (d *Dialect) UpsertConflict(conflictColumns string, updateExprs []string) string {
	return dbutil.UpsertClause(conflictColumns, updateExprs)
}

func (d *Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		if code == sqliteConstraintUnique || code == sqliteConstraintPrimaryKey {
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:keeper.db?cache=shared&mode=rwc" 或 ":memory:"
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// 单连接：内存库每个连接各自独立，文件库也只允许单写者
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema SQLite 完整建表语句（与 deployments/init-db.sql 等价）
const schema = `
CREATE TABLE IF NOT EXISTS ip_pool (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    address VARCHAR(64) NOT NULL UNIQUE,
    is_allocated BOOLEAN NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS ip_reservations (
    ip_id INTEGER NOT NULL UNIQUE REFERENCES ip_pool(id),
    project_id INTEGER NOT NULL UNIQUE,
    pipeline_id INTEGER NOT NULL UNIQUE,
    runner_id INTEGER,
    is_power_on BOOLEAN NOT NULL DEFAULT 0,
    is_canceled BOOLEAN NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT (datetime('now')),
    updated_at DATETIME DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS users (
    user_id INTEGER PRIMARY KEY,
    username VARCHAR(128) NOT NULL UNIQUE,
    token VARCHAR(256) NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
    project_id INTEGER PRIMARY KEY,
    project_name VARCHAR(256) NOT NULL UNIQUE,
    priority INTEGER NOT NULL DEFAULT 10,
    runner_token VARCHAR(256) NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS user_projects (
    user_id INTEGER NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
    project_id INTEGER NOT NULL REFERENCES projects(project_id) ON DELETE CASCADE,
    PRIMARY KEY (user_id, project_id)
);

CREATE TABLE IF NOT EXISTS runners (
    runner_id INTEGER PRIMARY KEY,
    runner_name VARCHAR(256) NOT NULL
);

CREATE TABLE IF NOT EXISTS vms (
    vm_id VARCHAR(128) PRIMARY KEY,
    vm_name VARCHAR(256) NOT NULL UNIQUE,
    target VARCHAR(64) NOT NULL,
    keeper_url VARCHAR(512) NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS project_runners (
    project_id INTEGER NOT NULL,
    runner_id INTEGER NOT NULL REFERENCES runners(runner_id) ON DELETE CASCADE,
    vm_id VARCHAR(128) NOT NULL REFERENCES vms(vm_id) ON DELETE CASCADE,
    PRIMARY KEY (project_id, runner_id)
);

CREATE TABLE IF NOT EXISTS templates (
    category VARCHAR(128) NOT NULL,
    name VARCHAR(256) NOT NULL,
    content TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME DEFAULT (datetime('now')),
    PRIMARY KEY (category, name)
);

CREATE TABLE IF NOT EXISTS user_issues (
    user_id INTEGER NOT NULL,
    issue_hash VARCHAR(128) NOT NULL,
    created_at DATETIME DEFAULT (datetime('now')),
    PRIMARY KEY (user_id, issue_hash)
);
`
