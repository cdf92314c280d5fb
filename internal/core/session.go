package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/portfoliolens/internal/logging"
	"github.com/JonMunkholm/portfoliolens/internal/matching"
	"github.com/JonMunkholm/portfoliolens/internal/schema"
	"github.com/JonMunkholm/portfoliolens/internal/sheets"
)

// SheetAnalysis is the review view of one analyzed sheet.
type SheetAnalysis struct {
	Name       string                   `json:"name"`
	Headers    []string                 `json:"headers"`
	RowCount   int                      `json:"rowCount"`
	Suggestion matching.SheetSuggestion `json:"suggestion"`
}

// Session is an analyzed upload waiting for review. It keeps the parsed
// workbook and its own matching engine until it expires.
type Session struct {
	ID            string          `json:"id"`
	FileName      string          `json:"fileName"`
	CreatedBy     string          `json:"createdBy,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	ExpiresAt     time.Time       `json:"expiresAt"`
	SchemaVersion uint64          `json:"schemaVersion"`
	SchemaWarning string          `json:"schemaWarning,omitempty"`
	Sheets        []SheetAnalysis `json:"sheets"`

	workbook *sheets.Workbook
	engine   *matching.Engine
}

// Analysis returns the analysis of a sheet by name.
func (s *Session) Analysis(sheet string) (SheetAnalysis, bool) {
	for _, a := range s.Sheets {
		if a.Name == sheet {
			return a, true
		}
	}
	return SheetAnalysis{}, false
}

// Analyze parses an upload and suggests a destination for every sheet.
// A stale or unreachable schema does not fail the analysis; it is reported
// in SchemaWarning.
func (s *Service) Analyze(ctx context.Context, fileName string, r io.Reader, size int64) (*Session, error) {
	if s.opts.MaxFileSize > 0 && size > s.opts.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, size, s.opts.MaxFileSize)
	}
	if s.opts.MaxFileSize > 0 {
		r = &sizeGuard{r: r, left: s.opts.MaxFileSize}
	}

	logger := logging.WithFields(ctx, "file", fileName)
	start := time.Now()

	wb, err := sheets.Parse(ctx, fileName, r, sheets.Options{Size: size})
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", fileName, err)
	}

	snap, warn := s.schema.GetOrFetch(ctx)

	now := s.opts.Now()
	sess := &Session{
		ID:            uuid.NewString(),
		FileName:      fileName,
		CreatedBy:     UserIDFromContext(ctx),
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.opts.SessionTTL),
		SchemaVersion: snap.Version,
		workbook:      wb,
		engine:        matching.NewEngine(s.opts.Match, s.opts.CacheSize),
	}
	if warn != nil {
		sess.SchemaWarning = MapError(warn).Message
		logger.Warn("analyzing against cached schema", "error", warn)
	}

	for _, sheet := range wb.Sheets {
		in := matching.SheetInput{
			Name:    sheet.Name,
			Headers: sheet.Headers,
			Samples: sheet.Samples(s.opts.SampleRows),
		}
		suggestion, err := Offload(ctx, s.workers, sess.engine, "suggest:"+sheet.Name,
			func(e *matching.Engine) matching.SheetSuggestion { return e.Suggest(in, snap) })
		if err != nil {
			return nil, err
		}
		sess.Sheets = append(sess.Sheets, SheetAnalysis{
			Name:       sheet.Name,
			Headers:    sheet.Headers,
			RowCount:   len(sheet.Rows),
			Suggestion: suggestion,
		})
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	logger.Info("file analyzed",
		"session_id", sess.ID,
		"sheets", len(sess.Sheets),
		"rows", wb.TotalRows(),
		"schema_version", snap.Version,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return sess, nil
}

// Session returns a live session.
func (s *Service) Session(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok || s.opts.Now().After(sess.ExpiresAt) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// SuggestColumns maps a session sheet onto tableName, or onto a new table
// when tableName is empty or not yet in the schema. Mappings the operator
// already decided are passed in existing and kept.
func (s *Service) SuggestColumns(ctx context.Context, sessionID, sheetName, tableName string, existing map[string]matching.ColumnMapping) ([]matching.ColumnMapping, error) {
	sess, err := s.Session(sessionID)
	if err != nil {
		return nil, err
	}
	sheet, ok := sess.workbook.Sheet(sheetName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSheetNotFound, sheetName)
	}

	snap, _ := s.schema.GetOrFetch(ctx)
	var table *schema.Table
	if t, ok := snap.Table(tableName); ok {
		table = &t
	}

	samples := sheet.Samples(s.opts.SampleRows)
	return Offload(ctx, s.workers, sess.engine, "columns:"+sheetName,
		func(e *matching.Engine) []matching.ColumnMapping {
			return e.Columns.MatchColumns(sheet.Headers, samples, table, existing)
		})
}

// CloseSession forgets a session and its parsed rows.
func (s *Service) CloseSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// SweepSessions drops expired sessions and returns how many were removed.
func (s *Service) SweepSessions() int {
	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// StartSessionSweeper removes expired sessions every interval until ctx
// ends. It blocks; run it in a goroutine.
func (s *Service) StartSessionSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	slog.Info("session sweeper started", "interval", interval, "session_ttl", s.opts.SessionTTL)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("session sweeper stopped")
			return
		case <-ticker.C:
			if n := s.SweepSessions(); n > 0 {
				slog.Debug("expired sessions removed", "count", n)
			}
		}
	}
}

// sizeGuard fails reads once more than left bytes came through, for
// uploads whose size was not declared up front.
type sizeGuard struct {
	r    io.Reader
	left int64
}

func (g *sizeGuard) Read(p []byte) (int, error) {
	n, err := g.r.Read(p)
	g.left -= int64(n)
	if g.left < 0 {
		return n, ErrFileTooLarge
	}
	return n, err
}
