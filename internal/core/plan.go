package core

import (
	"fmt"

	"github.com/JonMunkholm/portfoliolens/internal/matching"
	"github.com/JonMunkholm/portfoliolens/internal/sheets"
	"github.com/JonMunkholm/portfoliolens/internal/similarity"
)

// SheetPlan is the approved destination of one sheet. Empty Mappings means
// the analysis suggestion is accepted as is.
type SheetPlan struct {
	SheetName   string                   `json:"sheetName" yaml:"sheet"`
	TableName   string                   `json:"tableName" yaml:"table"`
	CreateTable bool                     `json:"createTable" yaml:"create_table,omitempty"`
	Mappings    []matching.ColumnMapping `json:"mappings,omitempty" yaml:"mappings,omitempty"`
}

// validate checks the plan against the parsed sheet.
func (p SheetPlan) validate(sheet *sheets.Sheet) error {
	if p.TableName == "" {
		return fmt.Errorf("%w: sheet %q has no table", ErrInvalidPlan, p.SheetName)
	}
	if p.CreateTable && p.TableName != similarity.ColumnName(p.TableName) {
		return fmt.Errorf("%w: table name %q is not a plain identifier", ErrInvalidPlan, p.TableName)
	}

	headers := make(map[string]bool, len(sheet.Headers))
	for _, h := range sheet.Headers {
		headers[h] = true
	}

	targets := make(map[string]string, len(p.Mappings))
	mapped := 0
	for _, m := range p.Mappings {
		if !m.Action.Valid() {
			return fmt.Errorf("%w: header %q has action %q", ErrInvalidPlan, m.SourceHeader, m.Action)
		}
		if !headers[m.SourceHeader] {
			return fmt.Errorf("%w: header %q is not in sheet %q", ErrInvalidPlan, m.SourceHeader, p.SheetName)
		}
		if m.Action == matching.ActionSkip {
			continue
		}
		if m.TargetColumn == "" {
			return fmt.Errorf("%w: header %q has no target column", ErrInvalidPlan, m.SourceHeader)
		}
		if m.Action == matching.ActionCreate && m.TargetColumn != similarity.ColumnName(m.TargetColumn) {
			return fmt.Errorf("%w: column name %q is not a plain identifier", ErrInvalidPlan, m.TargetColumn)
		}
		if p.CreateTable && m.Action == matching.ActionMap {
			return fmt.Errorf("%w: header %q maps into table %q that does not exist yet", ErrInvalidPlan, m.SourceHeader, p.TableName)
		}
		if prev, dup := targets[m.TargetColumn]; dup {
			return fmt.Errorf("%w: headers %q and %q both target %q", ErrInvalidPlan, prev, m.SourceHeader, m.TargetColumn)
		}
		targets[m.TargetColumn] = m.SourceHeader
		mapped++
	}
	if mapped == 0 {
		return fmt.Errorf("%w: sheet %q maps no columns", ErrInvalidPlan, p.SheetName)
	}
	return nil
}

// projection is the column layout of a sheet's rows in the destination.
type projection struct {
	columns []string
	index   []int
}

// newProjection lays out the non-skipped mappings in mapping order.
func newProjection(sheet *sheets.Sheet, mappings []matching.ColumnMapping) projection {
	pos := make(map[string]int, len(sheet.Headers))
	for i, h := range sheet.Headers {
		pos[h] = i
	}
	var p projection
	for _, m := range mappings {
		if m.Action == matching.ActionSkip {
			continue
		}
		p.columns = append(p.columns, m.TargetColumn)
		p.index = append(p.index, pos[m.SourceHeader])
	}
	return p
}

// row selects the mapped cells of src.
func (p projection) row(src []string) []string {
	out := make([]string, len(p.index))
	for i, idx := range p.index {
		out[i] = src[idx]
	}
	return out
}
