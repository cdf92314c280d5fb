package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/portfoliolens/internal/core"
)

const jobColumns = `id, session_id, file_name, sheet_name, table_name, create_table, mapping,
	status, total_rows, processed_rows, rows_inserted, rows_rejected,
	error, error_code, error_detail, created_by, created_at, updated_at`

func scanJob(row pgx.Row) (*core.Job, error) {
	var j core.Job
	err := row.Scan(&j.ID, &j.SessionID, &j.FileName, &j.SheetName, &j.TableName, &j.CreateTable, &j.Mapping,
		&j.Status, &j.TotalRows, &j.ProcessedRows, &j.RowsInserted, &j.RowsRejected,
		&j.Error, &j.ErrorCode, &j.ErrorDetail, &j.CreatedBy, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJob implements core.JobStore.
func (s *Store) CreateJob(ctx context.Context, j *core.Job) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO import_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		j.ID, j.SessionID, j.FileName, j.SheetName, j.TableName, j.CreateTable, j.Mapping,
		j.Status, j.TotalRows, j.ProcessedRows, j.RowsInserted, j.RowsRejected,
		j.Error, j.ErrorCode, j.ErrorDetail, j.CreatedBy, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

// UpdateJob implements core.JobStore.
func (s *Store) UpdateJob(ctx context.Context, j *core.Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE import_jobs SET
			status = $2, processed_rows = $3, rows_inserted = $4, rows_rejected = $5,
			error = $6, error_code = $7, error_detail = $8, updated_at = $9
		WHERE id = $1`,
		j.ID, j.Status, j.ProcessedRows, j.RowsInserted, j.RowsRejected,
		j.Error, j.ErrorCode, j.ErrorDetail, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, j.ID)
	}
	return nil
}

// GetJob implements core.JobStore.
func (s *Store) GetJob(ctx context.Context, id string) (*core.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM import_jobs WHERE id::text = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// ListJobs returns the newest jobs first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]*core.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM import_jobs ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*core.Job, error) {
		return scanJob(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}
