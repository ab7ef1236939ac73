package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ci-keeper/internal/shared/model"
	"ci-keeper/internal/shared/storage"
)

const reservationSelect = `
	SELECT r.ip_id, r.project_id, r.pipeline_id, r.runner_id, r.is_power_on, r.is_canceled,
	       COALESCE(p.address, ''), r.created_at, r.updated_at
	FROM ip_reservations r LEFT JOIN ip_pool p ON p.id = r.ip_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*model.Reservation, error) {
	r := &model.Reservation{}
	var runnerID sql.NullInt64
	if err := row.Scan(&r.IPID, &r.ProjectID, &r.PipelineID, &runnerID,
		&r.IsPowerOn, &r.IsCanceled, &r.Address, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if runnerID.Valid {
		id := runnerID.Int64
		r.RunnerID = &id
	}
	return r, nil
}

// GetReservationByProject 获取项目的活跃预留
func (s *Store) GetReservationByProject(ctx context.Context, projectID int64) (*model.Reservation, error) {
	r, err := scanReservation(s.db.QueryRowContext(ctx, s.rebind(reservationSelect+` WHERE r.project_id = $1`), projectID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// GetReservationByPipeline 获取流水线的活跃预留
func (s *Store) GetReservationByPipeline(ctx context.Context, pipelineID int64) (*model.Reservation, error) {
	r, err := scanReservation(s.db.QueryRowContext(ctx, s.rebind(reservationSelect+` WHERE r.pipeline_id = $1`), pipelineID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ListReservations 列出所有活跃预留
func (s *Store) ListReservations(ctx context.Context) ([]*model.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(reservationSelect+` ORDER BY r.created_at`))
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	result := []*model.Reservation{}
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// CreateReservation 占用 IP 并写入预留，二者在同一事务内完成
//
// 唯一约束（ip_id / project_id / pipeline_id）保证跨进程并发下也不会重复分配。
func (s *Store) CreateReservation(ctx context.Context, r *model.Reservation) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var cnt int
		err := tx.QueryRowContext(ctx, s.rebind(
			`SELECT COUNT(*) FROM ip_reservations WHERE project_id = $1 OR pipeline_id = $2`),
			r.ProjectID, r.PipelineID).Scan(&cnt)
		if err != nil {
			return fmt.Errorf("check reservation: %w", err)
		}
		if cnt > 0 {
			return fmt.Errorf("project %d / pipeline %d: %w", r.ProjectID, r.PipelineID, storage.ErrDuplicate)
		}

		if err := s.allocateIPTx(ctx, tx, r.IPID); err != nil {
			return err
		}

		query := s.rebind(`
			INSERT INTO ip_reservations (ip_id, project_id, pipeline_id, is_power_on, is_canceled, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`)
		if _, err := tx.ExecContext(ctx, query, r.IPID, r.ProjectID, r.PipelineID,
			false, false, now, now); err != nil {
			return s.translate(err)
		}

		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT address FROM ip_pool WHERE id = $1`), r.IPID).Scan(&r.Address); err != nil {
			return err
		}
		r.RunnerID = nil
		r.IsPowerOn = false
		r.IsCanceled = false
		r.CreatedAt = now
		r.UpdatedAt = now
		return nil
	})
}

// BindReservationRunner 绑定 Runner
func (s *Store) BindReservationRunner(ctx context.Context, ipID, runnerID int64) error {
	query := s.rebind(`UPDATE ip_reservations SET runner_id = $1, updated_at = $2 WHERE ip_id = $3`)
	res, err := s.db.ExecContext(ctx, query, runnerID, time.Now().UTC(), ipID)
	if err != nil {
		return fmt.Errorf("bind runner: %w", err)
	}
	return expectAffected(res)
}

// SetReservationPower 记录 VM 是否已启动完成
func (s *Store) SetReservationPower(ctx context.Context, projectID, ipID int64, on bool) error {
	query := s.rebind(`UPDATE ip_reservations SET is_power_on = $1, updated_at = $2 WHERE project_id = $3 AND ip_id = $4`)
	res, err := s.db.ExecContext(ctx, query, on, time.Now().UTC(), projectID, ipID)
	if err != nil {
		return fmt.Errorf("set power: %w", err)
	}
	return expectAffected(res)
}

// SetReservationCanceled 记录带外取消信号
func (s *Store) SetReservationCanceled(ctx context.Context, projectID, pipelineID int64, canceled bool) error {
	query := s.rebind(`UPDATE ip_reservations SET is_canceled = $1, updated_at = $2 WHERE project_id = $3 AND pipeline_id = $4`)
	res, err := s.db.ExecContext(ctx, query, canceled, time.Now().UTC(), projectID, pipelineID)
	if err != nil {
		return fmt.Errorf("set canceled: %w", err)
	}
	return expectAffected(res)
}

// DeleteReservation 删除预留并释放 IP
func (s *Store) DeleteReservation(ctx context.Context, pipelineID int64) (*model.Reservation, error) {
	var deleted *model.Reservation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := scanReservation(tx.QueryRowContext(ctx, s.rebind(reservationSelect+` WHERE r.pipeline_id = $1`), pipelineID))
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM ip_reservations WHERE pipeline_id = $1`), pipelineID); err != nil {
			return fmt.Errorf("delete reservation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE ip_pool SET is_allocated = `+s.boolLit(false)+` WHERE id = $1`), r.IPID); err != nil {
			return fmt.Errorf("free ip %d: %w", r.IPID, err)
		}
		deleted = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}
