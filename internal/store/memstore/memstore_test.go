package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/portfoliolens/internal/core"
	"github.com/JonMunkholm/portfoliolens/internal/schema"
)

func seeded() *Store {
	s := New()
	s.AddTable(schema.Table{Name: "ln_loans", Columns: []schema.Column{
		{Name: "loan_id", SQLType: "text"},
		{Name: "balance", SQLType: "numeric"},
		{Name: "funded_on", SQLType: "date"},
	}})
	return s
}

func TestCreateTableIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()

	cols := []schema.Column{{Name: "code", SQLType: "text"}}
	require.NoError(t, s.CreateTable(ctx, "ln_codes", cols))
	require.NoError(t, s.CreateTable(ctx, "ln_codes", cols))
	require.NoError(t, s.CreateColumns(ctx, "ln_codes", []schema.Column{{Name: "note", SQLType: "text"}, {Name: "code", SQLType: "text"}}))

	tables, err := s.ListTables(ctx)
	require.NoError(t, err)
	require.Len(t, tables, 1)

	names := []string{}
	for _, c := range tables[0].Columns {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"id", "code", "note"}, names)
	assert.True(t, tables[0].Columns[0].IsGenerated())

	assert.Error(t, s.CreateColumns(ctx, "ln_missing", cols))
}

func TestStageAndProcess(t *testing.T) {
	ctx := context.Background()
	s := seeded()
	cols := []string{"loan_id", "balance", "funded_on"}
	rows := [][]string{
		{"L-1", "$1,200.00", "01/15/2024"},
		{"L-2", "twelve", "01/16/2024"},
		{"L-3", "", ""},
	}
	chunks := core.ChunkRows("job", "Loans", "ln_loans", cols, rows, 2)
	require.Len(t, chunks, 2)

	r, err := s.StageChunk(ctx, chunks[1])
	require.NoError(t, err)
	assert.False(t, r.Complete)

	r, err = s.StageChunk(ctx, chunks[1])
	require.NoError(t, err)
	assert.True(t, r.Duplicate)

	r, err = s.StageChunk(ctx, chunks[0])
	require.NoError(t, err)
	assert.True(t, r.Complete)
	assert.Equal(t, 2, r.Received)

	res, err := s.ProcessRows(ctx, "job", "Loans")
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowsInserted)
	assert.Equal(t, 1, res.RowsRejected)
	require.Len(t, res.Rejections, 1)
	assert.Equal(t, core.RowRejection{Row: 2, Column: "balance", Value: "twelve", Reason: res.Rejections[0].Reason}, res.Rejections[0])

	got := s.Rows("ln_loans")
	require.Len(t, got, 2)
	assert.Equal(t, "L-1", got[0]["loan_id"].(pgtype.Text).String)
	assert.False(t, got[1]["balance"].(pgtype.Numeric).Valid, "blank cell should be NULL")

	// a resent chunk is complete again and processing replays its result
	r, err = s.StageChunk(ctx, chunks[0])
	require.NoError(t, err)
	assert.True(t, r.Duplicate)
	assert.True(t, r.Complete)
	again, err := s.ProcessRows(ctx, "job", "Loans")
	require.NoError(t, err)
	assert.Equal(t, 2, again.RowsInserted)
	assert.Equal(t, 1, again.RowsRejected)
	assert.Len(t, s.Rows("ln_loans"), 2)
}

func TestResentFinalChunkRetriesProcessing(t *testing.T) {
	s := seeded()
	chunks := core.ChunkRows("job", "Loans", "ln_loans", []string{"loan_id"}, [][]string{{"L-1"}, {"L-2"}, {"L-3"}}, 2)
	require.Len(t, chunks, 2)

	_, err := s.StageChunk(context.Background(), chunks[0])
	require.NoError(t, err)
	r, err := s.StageChunk(context.Background(), chunks[1])
	require.NoError(t, err)
	require.True(t, r.Complete)

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.ProcessRows(expired, "job", "Loans")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.Rows("ln_loans"))

	r, err = s.StageChunk(context.Background(), chunks[1])
	require.NoError(t, err)
	assert.True(t, r.Duplicate)
	assert.True(t, r.Complete, "resent final chunk must drive processing again")
	assert.Equal(t, 2, r.Received)

	res, err := s.ProcessRows(context.Background(), "job", "Loans")
	require.NoError(t, err)
	assert.Equal(t, 3, res.RowsInserted)
	assert.Len(t, s.Rows("ln_loans"), 3)
}

func TestProcessRowsUnknownColumn(t *testing.T) {
	ctx := context.Background()
	s := seeded()
	chunk := core.ChunkRows("job", "Loans", "ln_loans", []string{"rate"}, [][]string{{"5"}}, 10)[0]

	_, err := s.StageChunk(ctx, chunk)
	require.NoError(t, err)
	_, err = s.ProcessRows(ctx, "job", "Loans")
	assert.ErrorContains(t, err, `column "rate"`)
}

func TestJobs(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateJob(ctx, &core.Job{ID: id, Status: core.StatusQueued, CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}
	assert.Error(t, s.CreateJob(ctx, &core.Job{ID: "a"}))

	job, err := s.GetJob(ctx, "b")
	require.NoError(t, err)
	job.Status = core.StatusCompleted
	job.ProcessedRows = 12
	require.NoError(t, s.UpdateJob(ctx, job))

	job.ProcessedRows = 99 // stored copy must not change
	got, err := s.GetJob(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, got.Status)
	assert.Equal(t, 12, got.ProcessedRows)

	list, err := s.ListJobs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	_, err = s.GetJob(ctx, "zzz")
	assert.ErrorIs(t, err, core.ErrJobNotFound)
	assert.ErrorIs(t, s.UpdateJob(ctx, &core.Job{ID: "zzz"}), core.ErrJobNotFound)
}
