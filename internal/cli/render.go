package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/portfoliolens/internal/core"
	"github.com/JonMunkholm/portfoliolens/internal/matching"
	"github.com/JonMunkholm/portfoliolens/internal/schema"
)

// structured writes v as JSON or YAML. It reports false for table output.
func structured(w io.Writer, format string, v any) (bool, error) {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(v)
	case "", "table":
		return false, nil
	default:
		return true, fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func renderTables(w io.Writer, tables []schema.Table) {
	if len(tables) == 0 {
		_, _ = fmt.Fprintln(w, "(no tables)")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"Table", "Columns", ""})
	for _, tb := range tables {
		names := make([]string, 0, len(tb.Columns))
		for _, c := range tb.Columns {
			names = append(names, c.Name+" "+c.SQLType)
		}
		t.AppendRow(table.Row{tb.Name, len(tb.Columns), truncate(strings.Join(names, ", "), 80)})
	}
	t.Render()
}

func renderSuggestions(w io.Writer, sess *core.Session) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Sheet", "Rows", "Table", "Confidence", "Reason", "Review"})
	for _, a := range sess.Sheets {
		s := a.Suggestion
		confidence, reason := "-", "new table"
		if s.Table != nil {
			confidence = fmt.Sprintf("%d%%", s.Table.Confidence)
			reason = string(s.Table.Reason)
		}
		t.AppendRow(table.Row{a.Name, a.RowCount, s.TableName, confidence, reason, mark(s.NeedsReview)})
	}
	t.Render()

	for _, a := range sess.Sheets {
		_, _ = fmt.Fprintf(w, "\n%s -> %s\n", a.Name, a.Suggestion.TableName)
		renderMappings(w, a.Suggestion.Mappings)
	}
}

func renderMappings(w io.Writer, mappings []matching.ColumnMapping) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Header", "Column", "Action", "Type", "Confidence", "Review"})
	for _, m := range mappings {
		column := m.TargetColumn
		if m.Candidate != "" && m.Candidate != column {
			column += " (near " + m.Candidate + ")"
		}
		t.AppendRow(table.Row{m.SourceHeader, column, m.Action, m.InferredType, m.Confidence, mark(m.NeedsReview)})
	}
	t.Render()
}

func renderJobs(w io.Writer, jobs []*core.Job) {
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(w, "(no jobs)")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"Job", "Sheet", "Table", "Status", "Rows", "Inserted", "Rejected", "Error"})
	for _, j := range jobs {
		t.AppendRow(table.Row{
			shortID(j.ID), j.SheetName, j.TableName, j.Status,
			j.TotalRows, j.RowsInserted, j.RowsRejected, truncate(j.Error, 50),
		})
	}
	t.Render()
}

func mark(b bool) string {
	if b {
		return "yes"
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
