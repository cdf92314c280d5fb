package matching

import (
	"github.com/JonMunkholm/portfoliolens/internal/schema"
	"github.com/JonMunkholm/portfoliolens/internal/similarity"
)

// Engine bundles a scorer with the matchers that share its memo cache.
// Each owner (an import session, a background worker) holds its own Engine
// so cache lifetime follows the owner.
type Engine struct {
	Scorer  *similarity.Scorer
	Tables  *TableMatcher
	Columns *ColumnMatcher
}

// NewEngine returns an Engine whose caches hold at most cacheSize entries.
func NewEngine(cfg Config, cacheSize int) *Engine {
	scorer := similarity.NewCachedScorer(cacheSize)
	return &Engine{
		Scorer:  scorer,
		Tables:  NewTableMatcher(cfg, scorer, cacheSize),
		Columns: NewColumnMatcher(cfg, scorer),
	}
}

// ClearCache empties every cache held by the engine.
func (e *Engine) ClearCache() {
	e.Tables.ClearCache()
}

// SheetInput is what the engine needs to know about one sheet.
type SheetInput struct {
	Name    string
	Headers []string
	Samples [][]string
}

// SheetSuggestion is the proposed destination for one sheet.
type SheetSuggestion struct {
	SheetName   string            `json:"sheetName"`
	Table       *TableSuggestion  `json:"table,omitempty"`
	Candidates  []TableSuggestion `json:"candidates,omitempty"`
	CreateTable bool              `json:"createTable"`
	TableName   string            `json:"tableName"`
	Mappings    []ColumnMapping   `json:"mappings"`
	NeedsReview bool              `json:"needsReview"`
}

// MaxCandidates bounds the ranked alternatives returned with a suggestion.
const MaxCandidates = 5

// Suggest picks a table for the sheet and maps its headers. Without a
// confident table match it proposes a new table named after the sheet.
func (e *Engine) Suggest(in SheetInput, snap *schema.Snapshot) SheetSuggestion {
	out := SheetSuggestion{SheetName: in.Name}

	ranked := e.Tables.Rank(in.Name, snap)
	if len(ranked) > MaxCandidates {
		ranked = ranked[:MaxCandidates]
	}
	out.Candidates = ranked

	var table *schema.Table
	if best := e.Tables.FindBestMatch(in.Name, snap); best != nil {
		if t, ok := snap.Table(best.TableName); ok {
			out.Table = best
			out.TableName = best.TableName
			table = &t
		}
	}
	if table == nil {
		out.CreateTable = true
		out.TableName = e.NewTableName(in.Name)
		out.NeedsReview = true
	}

	out.Mappings = e.Columns.MatchColumns(in.Headers, in.Samples, table, nil)
	if NeedsReview(out.Mappings) {
		out.NeedsReview = true
	}
	return out
}

// NewTableName is the category-prefixed identifier for a sheet's new table.
func (e *Engine) NewTableName(sheetName string) string {
	name := similarity.ColumnName(sheetName)
	if name == "" {
		name = "sheet"
	}
	prefix := e.Tables.cfg.CategoryPrefix
	if len(prefix)+len(name) > similarity.MaxIdentifierLength {
		name = name[:similarity.MaxIdentifierLength-len(prefix)]
	}
	return prefix + name
}
