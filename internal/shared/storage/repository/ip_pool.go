package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ci-keeper/internal/shared/model"
	"ci-keeper/internal/shared/storage"
)

const ipColumns = `id, address, is_allocated, created_at`

func scanIP(row interface{ Scan(...any) error }) (*model.IPAddress, error) {
	ip := &model.IPAddress{}
	if err := row.Scan(&ip.ID, &ip.Address, &ip.IsAllocated, &ip.CreatedAt); err != nil {
		return nil, err
	}
	return ip, nil
}

// AddIP 向 IP 池添加地址，地址重复返回 ErrDuplicate
func (s *Store) AddIP(ctx context.Context, address string) (*model.IPAddress, error) {
	now := time.Now().UTC()
	query := s.rebind(`INSERT INTO ip_pool (address, is_allocated, created_at) VALUES ($1, ` +
		s.boolLit(false) + `, $2) RETURNING ` + ipColumns)
	ip, err := scanIP(s.db.QueryRowContext(ctx, query, address, now))
	if err != nil {
		return nil, s.translate(err)
	}
	return ip, nil
}

// GetIP 获取 IP
func (s *Store) GetIP(ctx context.Context, id int64) (*model.IPAddress, error) {
	query := s.rebind(`SELECT ` + ipColumns + ` FROM ip_pool WHERE id = $1`)
	ip, err := scanIP(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ip, err
}

// ListIPs 列出全部 IP
func (s *Store) ListIPs(ctx context.Context) ([]*model.IPAddress, error) {
	return s.listIPs(ctx, `SELECT `+ipColumns+` FROM ip_pool ORDER BY id`)
}

// ListAvailableIPs 列出未分配的 IP
func (s *Store) ListAvailableIPs(ctx context.Context) ([]*model.IPAddress, error) {
	return s.listIPs(ctx, `SELECT `+ipColumns+` FROM ip_pool WHERE is_allocated = `+s.boolLit(false)+` ORDER BY id`)
}

func (s *Store) listIPs(ctx context.Context, query string) ([]*model.IPAddress, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query))
	if err != nil {
		return nil, fmt.Errorf("list ip pool: %w", err)
	}
	defer rows.Close()

	result := []*model.IPAddress{}
	for rows.Next() {
		ip, err := scanIP(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ip)
	}
	return result, rows.Err()
}

// AllocateIP 比较并交换占用 IP
func (s *Store) AllocateIP(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.allocateIPTx(ctx, tx, id)
	})
}

func (s *Store) allocateIPTx(ctx context.Context, tx *sql.Tx, id int64) error {
	query := s.rebind(`UPDATE ip_pool SET is_allocated = ` + s.boolLit(true) +
		` WHERE id = $1 AND is_allocated = ` + s.boolLit(false))
	res, err := tx.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("allocate ip %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// 区分不存在与已被占用
	var exists int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM ip_pool WHERE id = $1`), id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("ip %d: %w", id, storage.ErrNotFound)
	}
	return fmt.Errorf("ip %d already allocated: %w", id, storage.ErrConflict)
}

// ReleaseIP 释放 IP（幂等）
func (s *Store) ReleaseIP(ctx context.Context, id int64) error {
	query := s.rebind(`UPDATE ip_pool SET is_allocated = ` + s.boolLit(false) + ` WHERE id = $1`)
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("release ip %d: %w", id, err)
	}
	return expectAffected(res)
}
