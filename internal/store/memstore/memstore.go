// Package memstore is an in-memory destination: schema, staging, row
// processing and job records. It backs lensctl --dry-run and the
// orchestrator tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JonMunkholm/portfoliolens/internal/convert"
	"github.com/JonMunkholm/portfoliolens/internal/core"
	"github.com/JonMunkholm/portfoliolens/internal/schema"
)

var (
	_ schema.Fetcher     = (*Store)(nil)
	_ core.SchemaMutator = (*Store)(nil)
	_ core.ChunkStore    = (*Store)(nil)
	_ core.RowProcessor  = (*Store)(nil)
	_ core.JobStore      = (*Store)(nil)
)

type table struct {
	columns []schema.Column
	rows    []map[string]any
}

type staged struct {
	table  string
	chunks map[int]core.Chunk
}

type stageKey struct{ job, sheet string }

// Store keeps everything in maps behind one mutex.
type Store struct {
	mu        sync.Mutex
	tables    map[string]*table
	staging   map[stageKey]*staged
	processed map[stageKey]core.ProcessResult
	jobs      map[string]*core.Job
	tracker   *core.ChunkTracker
}

// New returns an empty store.
func New() *Store {
	return &Store{
		tables:  make(map[string]*table),
		staging:   make(map[stageKey]*staged),
		processed: make(map[stageKey]core.ProcessResult),
		jobs:      make(map[string]*core.Job),
		tracker:   core.NewChunkTracker(),
	}
}

// AddTable seeds a destination table.
func (s *Store) AddTable(t schema.Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[t.Name] = &table{columns: append([]schema.Column(nil), t.Columns...)}
}

// ListTables implements schema.Fetcher.
func (s *Store) ListTables(ctx context.Context) ([]schema.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]schema.Table, 0, len(s.tables))
	for name, t := range s.tables {
		out = append(out, schema.Table{Name: name, Columns: append([]schema.Column(nil), t.columns...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateTable adds a table with a serial id key. An existing table only
// gains the missing columns.
func (s *Store) CreateTable(ctx context.Context, name string, cols []schema.Column) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.tables[name]; !ok {
		s.tables[name] = &table{columns: []schema.Column{{
			Name:         "id",
			SQLType:      "bigint",
			DefaultExpr:  fmt.Sprintf("nextval('%s_id_seq'::regclass)", name),
			IsPrimaryKey: true,
		}}}
	}
	s.mu.Unlock()
	return s.CreateColumns(ctx, name, cols)
}

// CreateColumns adds the columns the table does not have yet.
func (s *Store) CreateColumns(ctx context.Context, name string, cols []schema.Column) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[name]
	if !ok {
		return fmt.Errorf("relation %q does not exist", name)
	}
	for _, c := range cols {
		if _, ok := findColumn(t.columns, c.Name); !ok {
			t.columns = append(t.columns, c)
		}
	}
	return nil
}

// StageChunk keeps the chunk and counts it. A repeated chunk replaces
// nothing and is reported as a duplicate, complete when every chunk of the
// sheet is already staged.
func (s *Store) StageChunk(ctx context.Context, chunk core.Chunk) (core.ChunkReceipt, error) {
	if err := ctx.Err(); err != nil {
		return core.ChunkReceipt{}, err
	}

	// Staging and counting happen under one lock so a completing chunk
	// never sees a sibling that was counted but not yet stored.
	s.mu.Lock()
	received, complete, dup, err := s.tracker.Ack(chunk.JobID, chunk.SheetName, chunk.ChunkIndex, chunk.TotalChunks)
	if err == nil && !dup {
		key := stageKey{chunk.JobID, chunk.SheetName}
		st, ok := s.staging[key]
		if !ok {
			st = &staged{table: chunk.TableName, chunks: make(map[int]core.Chunk)}
			s.staging[key] = st
		}
		st.chunks[chunk.ChunkIndex] = chunk
	}
	s.mu.Unlock()
	if err != nil {
		return core.ChunkReceipt{}, err
	}

	return core.ChunkReceipt{
		JobID:      chunk.JobID,
		SheetName:  chunk.SheetName,
		ChunkIndex: chunk.ChunkIndex,
		Received:   received,
		Total:      chunk.TotalChunks,
		Duplicate:  dup,
		Complete:   complete || (dup && received == chunk.TotalChunks),
	}, nil
}

// ProcessRows converts the staged rows to their column types and appends
// them to the table. Rows with a bad cell are rejected whole. Nothing is
// appended unless the whole sheet converts; a processed sheet replays its
// result.
func (s *Store) ProcessRows(ctx context.Context, jobID, sheet string) (core.ProcessResult, error) {
	start := time.Now()
	res := core.ProcessResult{JobID: jobID, SheetName: sheet}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := stageKey{jobID, sheet}
	if done, ok := s.processed[key]; ok {
		return done, nil
	}
	st, ok := s.staging[key]
	if !ok {
		return res, fmt.Errorf("no staged rows for job %s sheet %q", jobID, sheet)
	}
	t, ok := s.tables[st.table]
	if !ok {
		return res, fmt.Errorf("relation %q does not exist", st.table)
	}

	indexes := make([]int, 0, len(st.chunks))
	for i := range st.chunks {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var inserted []map[string]any
	for _, i := range indexes {
		chunk := st.chunks[i]
		types := make([]string, len(chunk.Columns))
		for c, name := range chunk.Columns {
			col, ok := findColumn(t.columns, name)
			if !ok {
				return res, fmt.Errorf("column %q of relation %q does not exist", name, st.table)
			}
			types[c] = col.SQLType
		}

	rows:
		for r, raw := range chunk.Rows {
			row := make(map[string]any, len(raw))
			for c, cell := range raw {
				v, err := convert.ForColumn(types[c], cell)
				if err != nil {
					res.RowsRejected++
					if len(res.Rejections) < core.MaxRejections {
						res.Rejections = append(res.Rejections, core.RowRejection{
							Row:    chunk.FirstRow + r + 1,
							Column: chunk.Columns[c],
							Value:  cell,
							Reason: err.Error(),
						})
					}
					continue rows
				}
				row[chunk.Columns[c]] = v
			}
			inserted = append(inserted, row)
		}
	}

	t.rows = append(t.rows, inserted...)
	res.RowsInserted = len(inserted)
	res.Duration = time.Since(start)
	delete(s.staging, key)
	s.processed[key] = res
	return res, nil
}

func findColumn(cols []schema.Column, name string) (schema.Column, bool) {
	for _, c := range cols {
		if c.Name == name {
			return c, true
		}
	}
	return schema.Column{}, false
}

// Rows returns a copy of a table's inserted rows.
func (s *Store) Rows(name string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		return nil
	}
	out := make([]map[string]any, len(t.rows))
	copy(out, t.rows)
	return out
}

// CreateJob implements core.JobStore.
func (s *Store) CreateJob(_ context.Context, job *core.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// UpdateJob implements core.JobStore.
func (s *Store) UpdateJob(_ context.Context, job *core.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob implements core.JobStore.
func (s *Store) GetJob(_ context.Context, id string) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// ListJobs returns the newest jobs first.
func (s *Store) ListJobs(_ context.Context, limit int) ([]*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*core.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
