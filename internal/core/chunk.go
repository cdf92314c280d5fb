package core

import (
	"context"
	"fmt"
	"sync"
)

// DefaultChunkSize is the number of rows per chunk when none is configured.
const DefaultChunkSize = 1000

// ChunkRows splits rows into chunks of at most size rows. Every chunk
// carries the total chunk count. A sheet without rows yields one empty chunk
// so its completion still triggers row processing.
func ChunkRows(jobID, sheetName, table string, columns []string, rows [][]string, size int) []Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}

	total := (len(rows) + size - 1) / size
	if total == 0 {
		total = 1
	}

	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * size
		end := min(start+size, len(rows))
		chunks = append(chunks, Chunk{
			JobID:       jobID,
			SheetName:   sheetName,
			TableName:   table,
			ChunkIndex:  i,
			TotalChunks: total,
			FirstRow:    start,
			Columns:     columns,
			Rows:        rows[start:end:end],
		})
	}
	return chunks
}

// Validate checks the chunk's position and shape.
func (c Chunk) Validate() error {
	switch {
	case c.JobID == "" || c.SheetName == "":
		return fmt.Errorf("%w: missing job or sheet", ErrInvalidChunk)
	case c.TotalChunks <= 0:
		return fmt.Errorf("%w: total chunks %d", ErrInvalidChunk, c.TotalChunks)
	case c.ChunkIndex < 0 || c.ChunkIndex >= c.TotalChunks:
		return fmt.Errorf("%w: index %d of %d", ErrInvalidChunk, c.ChunkIndex, c.TotalChunks)
	case len(c.Columns) == 0 && len(c.Rows) > 0:
		return fmt.Errorf("%w: rows without columns", ErrInvalidChunk)
	}
	for i, row := range c.Rows {
		if len(row) != len(c.Columns) {
			return fmt.Errorf("%w: row %d has %d cells, want %d", ErrInvalidChunk, c.FirstRow+i, len(row), len(c.Columns))
		}
	}
	return nil
}

type sheetKey struct {
	jobID string
	sheet string
}

type sheetCount struct {
	total    int
	received map[int]bool
	done     bool
}

// ChunkTracker counts received chunks per sheet. Completion depends on the
// number of distinct chunks received, never on which index arrived last, so
// out-of-order delivery neither delays nor repeats it.
type ChunkTracker struct {
	mu     sync.Mutex
	sheets map[sheetKey]*sheetCount
}

// NewChunkTracker returns an empty tracker.
func NewChunkTracker() *ChunkTracker {
	return &ChunkTracker{sheets: make(map[sheetKey]*sheetCount)}
}

// Ack records chunk index of total for a sheet. complete is true for exactly
// one call per sheet. A repeated index is reported as duplicate and does not
// count again.
func (t *ChunkTracker) Ack(jobID, sheet string, index, total int) (received int, complete, duplicate bool, err error) {
	if total <= 0 || index < 0 || index >= total {
		return 0, false, false, fmt.Errorf("%w: index %d of %d", ErrInvalidChunk, index, total)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := sheetKey{jobID, sheet}
	sc, ok := t.sheets[key]
	if !ok {
		sc = &sheetCount{total: total, received: make(map[int]bool, total)}
		t.sheets[key] = sc
	}
	if sc.total != total {
		return len(sc.received), false, false,
			fmt.Errorf("%w: total %d does not match %d", ErrInvalidChunk, total, sc.total)
	}
	if sc.received[index] {
		return len(sc.received), false, true, nil
	}

	sc.received[index] = true
	if len(sc.received) == sc.total && !sc.done {
		sc.done = true
		return len(sc.received), true, false, nil
	}
	return len(sc.received), false, false, nil
}

// Received returns how many distinct chunks of a sheet arrived.
func (t *ChunkTracker) Received(jobID, sheet string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sc, ok := t.sheets[sheetKey{jobID, sheet}]; ok {
		return len(sc.received)
	}
	return 0
}

// Forget drops a sheet's counters.
func (t *ChunkTracker) Forget(jobID, sheet string) {
	t.mu.Lock()
	delete(t.sheets, sheetKey{jobID, sheet})
	t.mu.Unlock()
}

// ChunkReceiver is the receiving side of chunk transfer. It stages each
// chunk and, once all of a sheet's chunks are staged, runs row processing
// before answering. A resent chunk of a complete sheet triggers processing
// again, which retries a run that failed or replays the result of one that
// succeeded; the RowProcessor keeps the insert to a single time.
type ChunkReceiver struct {
	store     ChunkStore
	processor RowProcessor
}

var _ ChunkSender = (*ChunkReceiver)(nil)

// NewChunkReceiver returns a receiver staging into store.
func NewChunkReceiver(store ChunkStore, processor RowProcessor) *ChunkReceiver {
	return &ChunkReceiver{store: store, processor: processor}
}

// Receive stages chunk. When row processing fails the receipt is still
// returned, together with a *TriggerError.
func (r *ChunkReceiver) Receive(ctx context.Context, chunk Chunk) (ChunkReceipt, error) {
	if err := chunk.Validate(); err != nil {
		return ChunkReceipt{}, err
	}

	receipt, err := r.store.StageChunk(ctx, chunk)
	if err != nil {
		return ChunkReceipt{}, fmt.Errorf("stage chunk %d: %w", chunk.ChunkIndex, err)
	}
	if !receipt.Complete {
		return receipt, nil
	}

	result, err := r.processor.ProcessRows(ctx, chunk.JobID, chunk.SheetName)
	if err != nil {
		terr := &TriggerError{JobID: chunk.JobID, SheetName: chunk.SheetName, Err: err}
		receipt.TriggerErr = terr.Error()
		return receipt, terr
	}
	receipt.Processing = &result
	return receipt, nil
}

// SendChunk delivers in process.
func (r *ChunkReceiver) SendChunk(ctx context.Context, chunk Chunk) (ChunkReceipt, error) {
	return r.Receive(ctx, chunk)
}
