package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JonMunkholm/portfoliolens/internal/schema"
	"github.com/JonMunkholm/portfoliolens/internal/similarity"
)

var (
	// ErrCancelled marks a deliberate stop. Jobs that end with it are
	// cancelled, not failed.
	ErrCancelled = errors.New("import cancelled")

	ErrJobNotFound     = errors.New("import job not found")
	ErrSessionNotFound = errors.New("import session not found")
	ErrSheetNotFound   = errors.New("sheet not found in file")
	ErrInvalidPlan     = errors.New("invalid import plan")
	ErrInvalidChunk    = errors.New("invalid chunk")
	ErrFileTooLarge    = errors.New("file too large")
	ErrTableNotFound   = errors.New("destination table not found")

	// ErrSchemaNotConfirmed means a refreshed snapshot still lacks columns
	// that were just created.
	ErrSchemaNotConfirmed = errors.New("schema change not visible after refresh")
)

// SchemaMutationError reports a failed table or column creation.
type SchemaMutationError struct {
	Table string
	Err   error
}

func (e *SchemaMutationError) Error() string {
	return fmt.Sprintf("prepare table %q: %v", e.Table, e.Err)
}

func (e *SchemaMutationError) Unwrap() error { return e.Err }

// ScoringError reports input the similarity scorer could not use. It is
// recovered inside the scorer as a zero score.
type ScoringError = similarity.ScoringError

// SchemaFetchError reports a failed schema refresh. The last good snapshot
// keeps being served.
type SchemaFetchError = schema.FetchError

// CancellationError is returned by loops that observed a cancel request.
type CancellationError struct {
	JobID string
	Stage string
}

func (e *CancellationError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("import cancelled (job %s)", e.JobID)
	}
	return fmt.Sprintf("import cancelled during %s (job %s)", e.Stage, e.JobID)
}

func (e *CancellationError) Is(target error) bool { return target == ErrCancelled }

// ChunkUploadError identifies the chunk whose upload failed.
type ChunkUploadError struct {
	JobID       string
	SheetName   string
	ChunkIndex  int
	TotalChunks int
	Err         error
}

func (e *ChunkUploadError) Error() string {
	return fmt.Sprintf("chunk upload failed: sheet %q chunk %d of %d: %v",
		e.SheetName, e.ChunkIndex+1, e.TotalChunks, e.Err)
}

func (e *ChunkUploadError) Unwrap() error { return e.Err }

// WorkerTimeoutError reports a worker that did not answer in time. The
// caller recomputes synchronously, so it is only ever logged.
type WorkerTimeoutError struct {
	Task    string
	Timeout time.Duration
}

func (e *WorkerTimeoutError) Error() string {
	return fmt.Sprintf("worker timeout: %s did not finish within %s", e.Task, e.Timeout)
}

// TriggerError reports that row processing failed after every chunk of a
// sheet was staged.
type TriggerError struct {
	JobID     string
	SheetName string
	Err       error
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("row processing failed for sheet %q: %v", e.SheetName, e.Err)
}

func (e *TriggerError) Unwrap() error { return e.Err }

// IsCancelled reports whether err ends a job as cancelled.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
