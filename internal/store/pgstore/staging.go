package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JonMunkholm/portfoliolens/internal/convert"
	"github.com/JonMunkholm/portfoliolens/internal/core"
)

// describe adds the server's detail to a PostgreSQL error so the mapped
// user message and the log both carry it.
func describe(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Detail == "" {
		return err
	}
	return fmt.Errorf("%w (%s)", err, pgErr.Detail)
}

// StageChunk stores a chunk and counts it. The sheet's counter row is
// locked for the duration, so exactly one new chunk sees received reach
// total. A duplicate of a sheet with every chunk staged is complete too.
func (s *Store) StageChunk(ctx context.Context, chunk core.Chunk) (core.ChunkReceipt, error) {
	receipt := core.ChunkReceipt{
		JobID:      chunk.JobID,
		SheetName:  chunk.SheetName,
		ChunkIndex: chunk.ChunkIndex,
		Total:      chunk.TotalChunks,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return receipt, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO import_chunk_counts (job_id, sheet_name, table_name, total)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id, sheet_name) DO NOTHING`,
		chunk.JobID, chunk.SheetName, chunk.TableName, chunk.TotalChunks); err != nil {
		return receipt, fmt.Errorf("register sheet: %w", err)
	}

	var total, received int
	if err := tx.QueryRow(ctx, `
		SELECT total, received FROM import_chunk_counts
		WHERE job_id = $1 AND sheet_name = $2
		FOR UPDATE`, chunk.JobID, chunk.SheetName).Scan(&total, &received); err != nil {
		return receipt, fmt.Errorf("lock sheet counter: %w", err)
	}
	if total != chunk.TotalChunks {
		return receipt, fmt.Errorf("%w: sheet %q has %d chunks, chunk says %d",
			core.ErrInvalidChunk, chunk.SheetName, total, chunk.TotalChunks)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO import_chunks (job_id, sheet_name, chunk_index, first_row, columns, rows)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id, sheet_name, chunk_index) DO NOTHING`,
		chunk.JobID, chunk.SheetName, chunk.ChunkIndex, chunk.FirstRow, chunk.Columns, chunk.Rows)
	if err != nil {
		return receipt, fmt.Errorf("stage chunk %d: %w", chunk.ChunkIndex, describe(err))
	}

	if tag.RowsAffected() == 0 {
		receipt.Duplicate = true
		receipt.Complete = received == total
	} else {
		received++
		receipt.Complete = received == total
		if _, err := tx.Exec(ctx, `
			UPDATE import_chunk_counts
			SET received = $3, completed_at = CASE WHEN $3 = total THEN now() ELSE NULL END
			WHERE job_id = $1 AND sheet_name = $2`,
			chunk.JobID, chunk.SheetName, received); err != nil {
			return receipt, fmt.Errorf("count chunk: %w", err)
		}
	}
	receipt.Received = received

	if err := tx.Commit(ctx); err != nil {
		return core.ChunkReceipt{}, fmt.Errorf("commit chunk: %w", err)
	}
	return receipt, nil
}

type stagedChunk struct {
	FirstRow int
	Columns  []string
	Rows     [][]string
}

// ProcessRows converts a completed sheet's staged rows and copies them into
// the destination table in one transaction. Rows with a value that does not
// fit its column are rejected; a database error fails the whole sheet and
// leaves it staged for another attempt. A processed sheet returns its
// recorded counts.
func (s *Store) ProcessRows(ctx context.Context, jobID, sheetName string) (core.ProcessResult, error) {
	start := time.Now()
	res := core.ProcessResult{JobID: jobID, SheetName: sheetName}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		table     string
		total     int
		received  int
		processed *time.Time
		inserted  int
		rejected  int
	)
	err = tx.QueryRow(ctx, `
		SELECT table_name, total, received, processed_at, rows_inserted, rows_rejected
		FROM import_chunk_counts
		WHERE job_id = $1 AND sheet_name = $2
		FOR UPDATE`, jobID, sheetName).Scan(&table, &total, &received, &processed, &inserted, &rejected)
	if errors.Is(err, pgx.ErrNoRows) {
		return res, fmt.Errorf("no staged rows for job %s sheet %q", jobID, sheetName)
	}
	if err != nil {
		return res, fmt.Errorf("lock sheet counter: %w", err)
	}
	if processed != nil {
		res.RowsInserted = inserted
		res.RowsRejected = rejected
		return res, nil
	}
	if received != total {
		return res, fmt.Errorf("sheet %q has %d of %d chunks", sheetName, received, total)
	}

	rows, err := tx.Query(ctx, `
		SELECT first_row, columns, rows FROM import_chunks
		WHERE job_id = $1 AND sheet_name = $2
		ORDER BY chunk_index`, jobID, sheetName)
	if err != nil {
		return res, fmt.Errorf("read staged chunks: %w", err)
	}
	chunks, err := pgx.CollectRows(rows, pgx.RowToStructByPos[stagedChunk])
	if err != nil {
		return res, fmt.Errorf("read staged chunks: %w", err)
	}
	if len(chunks) == 0 {
		return res, fmt.Errorf("no staged rows for job %s sheet %q", jobID, sheetName)
	}

	columns := chunks[0].Columns
	types, err := s.columnTypes(ctx, tx, table, columns)
	if err != nil {
		return res, err
	}

	var good [][]any
	for _, c := range chunks {
		good = append(good, convertRows(c, columns, types, &res)...)
	}

	if len(good) > 0 && len(columns) > 0 {
		n, err := tx.CopyFrom(ctx, s.ident(table), columns, pgx.CopyFromRows(good))
		if err != nil {
			return res, fmt.Errorf("copy into %s: %w", table, describe(err))
		}
		res.RowsInserted = int(n)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE import_chunk_counts
		SET processed_at = now(), rows_inserted = $3, rows_rejected = $4
		WHERE job_id = $1 AND sheet_name = $2`,
		jobID, sheetName, res.RowsInserted, res.RowsRejected); err != nil {
		return res, fmt.Errorf("mark sheet processed: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM import_chunks WHERE job_id = $1 AND sheet_name = $2`, jobID, sheetName); err != nil {
		return res, fmt.Errorf("clear staged chunks: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("commit rows: %w", describe(err))
	}

	res.Duration = time.Since(start)
	return res, nil
}

// convertRows converts one chunk, recording rejected rows in res.
func convertRows(c stagedChunk, columns, types []string, res *core.ProcessResult) [][]any {
	out := make([][]any, 0, len(c.Rows))
rows:
	for r, raw := range c.Rows {
		vals := make([]any, len(columns))
		for i := range columns {
			var cell string
			if i < len(raw) {
				cell = raw[i]
			}
			v, err := convert.ForColumn(types[i], cell)
			if err != nil {
				res.RowsRejected++
				if len(res.Rejections) < core.MaxRejections {
					res.Rejections = append(res.Rejections, core.RowRejection{
						Row:    c.FirstRow + r + 1,
						Column: columns[i],
						Value:  cell,
						Reason: err.Error(),
					})
				}
				continue rows
			}
			vals[i] = v
		}
		out = append(out, vals)
	}
	return out
}
