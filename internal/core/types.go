// Package core runs spreadsheet imports: it analyzes uploads into table and
// column suggestions, then moves each approved sheet into its destination
// table in bounded chunks.
// This package has no HTTP dependencies and is shared by the server and CLI.
package core

import (
	"context"
	"time"

	"github.com/JonMunkholm/portfoliolens/internal/matching"
	"github.com/JonMunkholm/portfoliolens/internal/schema"
)

// JobStatus is the state of one sheet import.
type JobStatus string

const (
	StatusQueued              JobStatus = "queued"
	StatusParsing             JobStatus = "parsing"
	StatusUploading           JobStatus = "uploading"
	StatusTriggeredProcessing JobStatus = "triggered_processing"
	StatusCompleted           JobStatus = "completed"
	StatusError               JobStatus = "error"
	StatusCancelled           JobStatus = "cancelled"
)

// Terminal reports whether no further transitions follow.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// Job is the import of one sheet into one table.
type Job struct {
	ID            string                   `json:"id"`
	SessionID     string                   `json:"sessionId,omitempty"`
	FileName      string                   `json:"fileName"`
	SheetName     string                   `json:"sheetName"`
	TableName     string                   `json:"tableName"`
	CreateTable   bool                     `json:"createTable"`
	Mapping       []matching.ColumnMapping `json:"mapping"`
	Status        JobStatus                `json:"status"`
	TotalRows     int                      `json:"totalRows"`
	ProcessedRows int                      `json:"processedRows"`
	RowsInserted  int                      `json:"rowsInserted"`
	RowsRejected  int                      `json:"rowsRejected"`
	Error         string                   `json:"error,omitempty"`
	ErrorCode     string                   `json:"errorCode,omitempty"`
	ErrorDetail   string                   `json:"errorDetail,omitempty"`
	CreatedBy     string                   `json:"createdBy,omitempty"`
	CreatedAt     time.Time                `json:"createdAt"`
	UpdatedAt     time.Time                `json:"updatedAt"`
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	c := *j
	c.Mapping = matching.CloneMappings(j.Mapping)
	return &c
}

// Chunk is a bounded slice of one sheet's rows, already projected onto the
// destination columns.
type Chunk struct {
	JobID       string     `json:"jobId"`
	SheetName   string     `json:"sheetName"`
	TableName   string     `json:"tableName"`
	ChunkIndex  int        `json:"chunkIndex"`
	TotalChunks int        `json:"totalChunks"`
	FirstRow    int        `json:"firstRow"`
	Columns     []string   `json:"columns"`
	Rows        [][]string `json:"rows"`
}

// ChunkReceipt acknowledges a staged chunk. Complete is true once every
// chunk of the sheet is staged: on the receipt whose chunk made the received
// count reach the total, and on any duplicate arriving after that, so a
// resent final chunk can drive processing again. A complete receipt carries
// the row processing outcome.
type ChunkReceipt struct {
	JobID      string         `json:"jobId"`
	SheetName  string         `json:"sheetName"`
	ChunkIndex int            `json:"chunkIndex"`
	Received   int            `json:"received"`
	Total      int            `json:"total"`
	Duplicate  bool           `json:"duplicate,omitempty"`
	Complete   bool           `json:"complete"`
	Processing *ProcessResult `json:"processing,omitempty"`
	TriggerErr string         `json:"triggerError,omitempty"`
}

// RowRejection describes a staged row that could not be inserted.
type RowRejection struct {
	Row    int    `json:"row"`
	Column string `json:"column"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

// MaxRejections bounds the rejections kept in a ProcessResult.
const MaxRejections = 100

// ProcessResult is the outcome of moving a sheet's staged rows into its table.
type ProcessResult struct {
	JobID        string         `json:"jobId"`
	SheetName    string         `json:"sheetName"`
	RowsInserted int            `json:"rowsInserted"`
	RowsRejected int            `json:"rowsRejected"`
	Rejections   []RowRejection `json:"rejections,omitempty"`
	Duration     time.Duration  `json:"duration"`
}

// SchemaMutator creates destination structure. Both calls must be
// idempotent: existing tables and columns are left alone.
type SchemaMutator interface {
	CreateTable(ctx context.Context, table string, columns []schema.Column) error
	CreateColumns(ctx context.Context, table string, columns []schema.Column) error
}

// ChunkStore stages chunks and counts them per sheet. A duplicate of a
// sheet whose chunks have all arrived is reported complete.
type ChunkStore interface {
	StageChunk(ctx context.Context, chunk Chunk) (ChunkReceipt, error)
}

// RowProcessor moves a sheet's staged rows into the destination table.
// Rows are inserted at most once per sheet; once a sheet is processed,
// further calls return the recorded result without inserting again.
type RowProcessor interface {
	ProcessRows(ctx context.Context, jobID, sheetName string) (ProcessResult, error)
}

// ChunkSender delivers a chunk to the receiving side: in process through a
// ChunkReceiver, or over HTTP.
type ChunkSender interface {
	SendChunk(ctx context.Context, chunk Chunk) (ChunkReceipt, error)
}

// JobStore persists job state.
type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]*Job, error)
}
