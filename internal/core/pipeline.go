package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrentUploads bounds in-flight chunks per sheet.
const DefaultMaxConcurrentUploads = 3

// CancelToken is the per-job stop signal: a context cancel for blocking
// calls plus a flag that loops poll between units of work.
type CancelToken struct {
	jobID     string
	cancelled atomic.Bool
	cancel    context.CancelFunc
}

// NewCancelToken derives a cancellable context for jobID.
func NewCancelToken(parent context.Context, jobID string) (context.Context, *CancelToken) {
	ctx, cancel := context.WithCancel(parent)
	return ctx, &CancelToken{jobID: jobID, cancel: cancel}
}

// Cancel requests a stop. Safe to call more than once.
func (t *CancelToken) Cancel() {
	t.cancelled.Store(true)
	t.cancel()
}

// Cancelled reports whether Cancel was called.
func (t *CancelToken) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}

// Check returns a *CancellationError naming stage once Cancel was called.
func (t *CancelToken) Check(stage string) error {
	if t.Cancelled() {
		return &CancellationError{JobID: t.jobID, Stage: stage}
	}
	return nil
}

// release frees the context without marking the job cancelled.
func (t *CancelToken) release() {
	t.cancel()
}

// UploadSummary is what a finished upload loop observed.
type UploadSummary struct {
	Sent       int
	Duplicates int
	// Final is the receipt that completed the sheet, nil if none did.
	Final *ChunkReceipt
	// TriggerErr is set when row processing failed after the last chunk.
	TriggerErr *TriggerError
}

// Uploader sends a sheet's chunks with bounded concurrency.
type Uploader struct {
	sender        ChunkSender
	maxConcurrent int
}

// NewUploader returns an Uploader allowing maxConcurrent chunks in flight.
func NewUploader(sender ChunkSender, maxConcurrent int) *Uploader {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentUploads
	}
	return &Uploader{sender: sender, maxConcurrent: maxConcurrent}
}

// Upload sends chunks. After the first failure, chunks already in flight
// finish but no new chunk starts, and the failure comes back as a
// *ChunkUploadError. A cancel observed before a chunk starts returns a
// *CancellationError. onAck, when set, is called concurrently for every
// acknowledged chunk.
func (u *Uploader) Upload(ctx context.Context, chunks []Chunk, token *CancelToken, onAck func(Chunk, ChunkReceipt)) (UploadSummary, error) {
	var (
		g       errgroup.Group
		failed  atomic.Bool
		mu      sync.Mutex
		summary UploadSummary
	)
	g.SetLimit(u.maxConcurrent)

	for _, chunk := range chunks {
		if failed.Load() {
			break
		}
		if err := token.Check("upload"); err != nil {
			failed.Store(true)
			g.Go(func() error { return err })
			break
		}

		g.Go(func() error {
			if failed.Load() {
				return nil
			}
			if err := token.Check("upload"); err != nil {
				failed.Store(true)
				return err
			}

			receipt, err := u.sender.SendChunk(ctx, chunk)
			var terr *TriggerError
			if err != nil && !errors.As(err, &terr) {
				failed.Store(true)
				return &ChunkUploadError{
					JobID:       chunk.JobID,
					SheetName:   chunk.SheetName,
					ChunkIndex:  chunk.ChunkIndex,
					TotalChunks: chunk.TotalChunks,
					Err:         err,
				}
			}

			mu.Lock()
			summary.Sent++
			if receipt.Duplicate {
				summary.Duplicates++
			}
			if receipt.Complete {
				final := receipt
				summary.Final = &final
				summary.TriggerErr = terr
			}
			mu.Unlock()

			if onAck != nil {
				onAck(chunk, receipt)
			}
			return nil
		})
	}

	err := g.Wait()
	return summary, err
}
