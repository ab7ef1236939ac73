package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ci-keeper/internal/shared/model"
	"ci-keeper/internal/shared/storage"
)

// PutTemplate 写入或覆盖模板
func (s *Store) PutTemplate(ctx context.Context, item *model.TemplateItem) error {
	item.UpdatedAt = time.Now().UTC()
	query := s.rebind(`INSERT INTO templates (category, name, content, priority, updated_at) VALUES ($1, $2, $3, $4, $5) ` +
		s.dialect.UpsertConflict("category, name", []string{
			"content = EXCLUDED.content",
			"priority = EXCLUDED.priority",
			"updated_at = EXCLUDED.updated_at",
		}))
	_, err := s.db.ExecContext(ctx, query, item.Category, item.Name, item.Content, item.Priority, item.UpdatedAt)
	return err
}

// GetTemplate 获取模板
func (s *Store) GetTemplate(ctx context.Context, category, name string) (*model.TemplateItem, error) {
	t := &model.TemplateItem{}
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT category, name, content, priority, updated_at FROM templates WHERE category = $1 AND name = $2`), category, name).
		Scan(&t.Category, &t.Name, &t.Content, &t.Priority, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ListTemplates 按优先级列出类别下的模板
func (s *Store) ListTemplates(ctx context.Context, category string) ([]*model.TemplateItem, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT category, name, content, priority, updated_at FROM templates
		WHERE category = $1 ORDER BY priority, name`), category)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	result := []*model.TemplateItem{}
	for rows.Next() {
		t := &model.TemplateItem{}
		if err := rows.Scan(&t.Category, &t.Name, &t.Content, &t.Priority, &t.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// DeleteTemplate 删除模板，不存在返回 ErrNotFound
func (s *Store) DeleteTemplate(ctx context.Context, category, name string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM templates WHERE category = $1 AND name = $2`), category, name)
	if err != nil {
		return err
	}
	if err := expectAffected(res); err != nil {
		return fmt.Errorf("template %s/%s: %w", category, name, storage.ErrNotFound)
	}
	return nil
}

// RecordIssue 记录已分派的扫描问题
func (s *Store) RecordIssue(ctx context.Context, userID int64, issueHash string) (bool, error) {
	query := s.rebind(`INSERT INTO user_issues (user_id, issue_hash, created_at) VALUES ($1, $2, $3) ` +
		s.dialect.UpsertConflict("user_id, issue_hash", nil))
	res, err := s.db.ExecContext(ctx, query, userID, issueHash, time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
