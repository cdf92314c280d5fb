package core

// error_messages.go maps technical errors to messages an operator can act on.
//
// # Error Codes Reference
//
// Codes are grouped by category. Typed errors are matched first with
// errors.Is / errors.As; anything else falls back to case-insensitive
// substring patterns.
//
// # Schema (SCH001-SCH099)
//
//	SCH001 - Schema refresh failed, suggestions may be outdated
//	SCH002 - Table or column could not be created
//	SCH003 - New columns were not visible after creation
//
// # Matching (MAT001-MAT099)
//
//	MAT001 - Import plan is invalid (unknown action, missing column name)
//	MAT002 - Sheet not found in the uploaded file
//	MAT003 - Destination table does not exist
//
// # Import (IMP001-IMP099)
//
//	IMP001 - Import cancelled by the operator
//	IMP002 - Analysis session expired
//	IMP003 - Import job not found
//	IMP004 - Rows were uploaded but processing failed
//	IMP005 - Too many imports running
//
// # Chunks (CHK001-CHK099)
//
//	CHK001 - A chunk could not be uploaded
//	CHK002 - A chunk was malformed (index, total or columns)
//
// # Worker (WRK001)
//
//	WRK001 - Background worker timed out. Never shown: the work is redone
//	         synchronously. Listed for log searches.
//
// # File (FILE001-FILE099)
//
//	FILE001 - File exceeds the size limit
//	FILE002 - Unsupported file type
//	FILE003 - File has no header row
//	FILE004 - File could not be read (corrupt archive or workbook)
//
// # Database (DB001-DB099)
//
//	DB001 - Duplicate key
//	DB002 - Foreign key violation
//	DB003 - Value does not fit the column type
//	DB004 - Database unreachable
//	DB005 - Timeout
//	DB006 - Deadlock
//
// # Rate limiting (RATE001)
//
//	RATE001 - Too many requests
//
// # Default (ERR000)
//
//	ERR000 - Unexpected error. Check the logs for the technical error.

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/portfoliolens/internal/convert"
	"github.com/JonMunkholm/portfoliolens/internal/sheets"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

var (
	msgSchemaRefresh = UserMessage{"Destination schema could not be refreshed", "Suggestions may be outdated; refresh the schema and review them", "SCH001"}
	msgSchemaCreate  = UserMessage{"The destination table or columns could not be created", "Check the proposed names and database permissions", "SCH002"}
	msgSchemaConfirm = UserMessage{"New columns did not appear in the destination schema", "Refresh the schema and start the import again", "SCH003"}

	msgInvalidPlan   = UserMessage{"The import plan is invalid", "Review the column mappings for this sheet", "MAT001"}
	msgSheetNotFound = UserMessage{"The sheet was not found in the uploaded file", "Check the sheet name and upload the file again", "MAT002"}
	msgTableMissing  = UserMessage{"The destination table does not exist", "Choose an existing table or create a new one", "MAT003"}

	msgCancelled       = UserMessage{"Import was cancelled", "Start a new import when ready", "IMP001"}
	msgSessionNotFound = UserMessage{"The analysis session has expired", "Upload the file again", "IMP002"}
	msgJobNotFound     = UserMessage{"Import job not found", "Check the job ID", "IMP003"}
	msgTrigger         = UserMessage{"Rows were uploaded but could not be processed", "Review the failed rows and retry the import", "IMP004"}
	msgBusy            = UserMessage{"System is busy processing other imports", "Please wait a moment and try again", "IMP005"}

	msgChunkUpload  = UserMessage{"Part of the sheet could not be uploaded", "Retry the import; completed parts are not duplicated", "CHK001"}
	msgInvalidChunk = UserMessage{"A chunk of rows was malformed", "Retry the import", "CHK002"}

	msgWorkerTimeout = UserMessage{"Background matching timed out", "No action needed", "WRK001"}

	msgTooLarge    = UserMessage{"File exceeds the maximum size limit", "Split the file into smaller files", "FILE001"}
	msgUnsupported = UserMessage{"Unsupported file type", "Upload a CSV, TSV or XLSX file (optionally .gz, .zst or .xz)", "FILE002"}
	msgNoData      = UserMessage{"The file has no header row", "Add column headers to the first row", "FILE003"}
	msgBadValue    = UserMessage{"A value does not fit its destination column", "Map the column to a text field or fix the values", "DB003"}
)

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps technical error text (case-insensitive) to user
// messages. The first match wins, so specific patterns come first.
var errorPatterns = []errorPattern{
	{"duplicate key", UserMessage{"A record with this ID already exists", "Review the sheet for duplicate keys", "DB001"}},
	{"violates unique", UserMessage{"A duplicate value was found", "Review the sheet for duplicate key values", "DB001"}},
	{"violates foreign key", UserMessage{"Referenced record does not exist", "Import parent records first", "DB002"}},
	{"invalid input syntax", msgBadValue},
	{"out of range", msgBadValue},
	{"connection refused", UserMessage{"Unable to connect to database", "Please try again in a few moments", "DB004"}},
	{"connection reset", UserMessage{"Database connection was interrupted", "Please try again", "DB004"}},
	{"deadlock", UserMessage{"Database was busy with conflicting operations", "Please try again", "DB006"}},
	{"context deadline exceeded", UserMessage{"Operation timed out", "Try a smaller file or try again later", "DB005"}},
	{"timeout", UserMessage{"Operation timed out", "Try a smaller file or try again later", "DB005"}},
	{"gzip", UserMessage{"The compressed file could not be read", "Check that the archive is not truncated", "FILE004"}},
	{"zstd", UserMessage{"The compressed file could not be read", "Check that the archive is not truncated", "FILE004"}},
	{"xz", UserMessage{"The compressed file could not be read", "Check that the archive is not truncated", "FILE004"}},
	{"open workbook", UserMessage{"The workbook could not be read", "Save it again as .xlsx", "FILE004"}},
	{"rate limit", UserMessage{"Too many requests", "Please wait a moment before trying again", "RATE001"}},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	if msg, ok := mapTyped(err); ok {
		return msg
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

func mapTyped(err error) (UserMessage, bool) {
	var (
		chunkErr   *ChunkUploadError
		triggerErr *TriggerError
		fetchErr   *SchemaFetchError
		workerErr  *WorkerTimeoutError
		valueErr   *convert.ValueError
		mutateErr  *SchemaMutationError
	)

	switch {
	case IsCancelled(err):
		return msgCancelled, true
	case errors.As(err, &triggerErr):
		return msgTrigger, true
	case errors.Is(err, ErrInvalidChunk):
		return msgInvalidChunk, true
	case errors.As(err, &chunkErr):
		return msgChunkUpload, true
	case errors.As(err, &mutateErr):
		if errors.Is(err, ErrSchemaNotConfirmed) {
			return msgSchemaConfirm, true
		}
		return msgSchemaCreate, true
	case errors.As(err, &fetchErr):
		return msgSchemaRefresh, true
	case errors.As(err, &workerErr):
		return msgWorkerTimeout, true
	case errors.As(err, &valueErr):
		return msgBadValue, true
	case errors.Is(err, ErrTooManyUploads):
		return msgBusy, true
	case errors.Is(err, ErrSessionNotFound):
		return msgSessionNotFound, true
	case errors.Is(err, ErrJobNotFound):
		return msgJobNotFound, true
	case errors.Is(err, ErrSheetNotFound):
		return msgSheetNotFound, true
	case errors.Is(err, ErrTableNotFound):
		return msgTableMissing, true
	case errors.Is(err, ErrInvalidPlan):
		return msgInvalidPlan, true
	case errors.Is(err, ErrFileTooLarge):
		return msgTooLarge, true
	case errors.Is(err, sheets.ErrUnsupportedFormat):
		return msgUnsupported, true
	case errors.Is(err, sheets.ErrNoData):
		return msgNoData, true
	}
	return UserMessage{}, false
}

// FormatUserError creates a formatted error string for display:
// "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than
// the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error, kept for logs, with its user message.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err to a UserError. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
