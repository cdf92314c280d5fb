package matching

import (
	"sort"
	"strconv"
	"strings"

	"github.com/JonMunkholm/portfoliolens/internal/convert"
	"github.com/JonMunkholm/portfoliolens/internal/schema"
	"github.com/JonMunkholm/portfoliolens/internal/similarity"
)

// Action is what the import does with one sheet header.
type Action string

const (
	ActionMap    Action = "map"
	ActionSkip   Action = "skip"
	ActionCreate Action = "create"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionMap || a == ActionSkip || a == ActionCreate
}

// Origin records who decided a mapping.
type Origin string

const (
	OriginAuto Origin = "auto"
	OriginUser Origin = "user"
)

// ColumnMapping decides the destination of one sheet header.
type ColumnMapping struct {
	SourceHeader string       `json:"sourceHeader" yaml:"header"`
	TargetColumn string       `json:"targetColumn,omitempty" yaml:"column,omitempty"`
	Confidence   int          `json:"confidence" yaml:"confidence,omitempty"`
	Action       Action       `json:"action" yaml:"action"`
	InferredType convert.Kind `json:"inferredType" yaml:"type"`
	NeedsReview  bool         `json:"needsReview,omitempty" yaml:"needs_review,omitempty"`
	Origin       Origin       `json:"origin" yaml:"origin,omitempty"`

	// Candidate is the best existing column that fell below the threshold.
	Candidate string `json:"candidate,omitempty" yaml:"candidate,omitempty"`
}

// CloneMappings copies mappings so later edits do not reach the copy.
func CloneMappings(in []ColumnMapping) []ColumnMapping {
	if in == nil {
		return nil
	}
	out := make([]ColumnMapping, len(in))
	copy(out, in)
	return out
}

// ColumnMatcher maps sheet headers onto destination columns.
type ColumnMatcher struct {
	cfg    Config
	scorer *similarity.Scorer
}

// NewColumnMatcher returns a matcher scoring names with scorer.
func NewColumnMatcher(cfg Config, scorer *similarity.Scorer) *ColumnMatcher {
	if scorer == nil {
		scorer = similarity.NewScorer(nil)
	}
	return &ColumnMatcher{cfg: cfg, scorer: scorer}
}

type candidate struct {
	header int
	column int
	score  int
}

// MatchColumns returns one mapping per header, in header order. samples[i]
// holds sample cells for headers[i]. Mappings in existing whose Origin is
// OriginUser are kept as they are. A nil table means the destination will be
// created, so every header becomes a new column.
func (m *ColumnMatcher) MatchColumns(headers []string, samples [][]string, table *schema.Table, existing map[string]ColumnMapping) []ColumnMapping {
	out := make([]ColumnMapping, len(headers))
	used := make(map[string]bool)
	var pending []int

	for i, h := range headers {
		if prev, ok := existing[h]; ok && prev.Origin == OriginUser {
			prev.SourceHeader = h
			out[i] = prev
			if prev.Action != ActionSkip && prev.TargetColumn != "" {
				used[prev.TargetColumn] = true
			}
			continue
		}

		var cells []string
		if i < len(samples) {
			cells = samples[i]
		}
		out[i] = ColumnMapping{
			SourceHeader: h,
			InferredType: convert.InferKind(cells),
			Origin:       OriginAuto,
		}
		if strings.TrimSpace(h) == "" || similarity.ColumnName(h) == "" {
			out[i].Action = ActionSkip
			out[i].NeedsReview = true
			continue
		}
		pending = append(pending, i)
	}

	if table == nil {
		for _, i := range pending {
			out[i].Action = ActionCreate
			out[i].TargetColumn = uniqueName(similarity.ColumnName(headers[i]), used)
			out[i].Confidence = CreateConfidence
		}
		return out
	}

	// Existing columns are present but unassigned: new column names must
	// avoid them, mapping may still claim them.
	for _, c := range table.Columns {
		if _, taken := used[c.Name]; !taken {
			used[c.Name] = false
		}
	}

	columns := make([]schema.Column, 0, len(table.Columns))
	for _, c := range table.Columns {
		if !c.IsGenerated() {
			columns = append(columns, c)
		}
	}

	var pairs []candidate
	best := make(map[int]candidate, len(pending))
	for _, i := range pending {
		for j, c := range columns {
			if used[c.Name] || !convert.Compatible(out[i].InferredType, convert.KindOfSQLType(c.SQLType)) {
				continue
			}
			p := candidate{header: i, column: j, score: m.scorer.Score(headers[i], c.Name)}
			if p.score == 0 {
				continue
			}
			pairs = append(pairs, p)
			if b, ok := best[i]; !ok || p.score > b.score {
				best[i] = p
			}
		}
	}

	sort.SliceStable(pairs, func(a, b int) bool {
		if pairs[a].score != pairs[b].score {
			return pairs[a].score > pairs[b].score
		}
		if pairs[a].header != pairs[b].header {
			return pairs[a].header < pairs[b].header
		}
		return pairs[a].column < pairs[b].column
	})

	assigned := make(map[int]bool, len(pending))
	for _, p := range pairs {
		if p.score < m.cfg.ColumnThreshold {
			break
		}
		name := columns[p.column].Name
		if assigned[p.header] || used[name] {
			continue
		}
		assigned[p.header] = true
		used[name] = true
		out[p.header].Action = ActionMap
		out[p.header].TargetColumn = name
		out[p.header].Confidence = p.score
	}

	for _, i := range pending {
		if assigned[i] {
			continue
		}
		out[i].Action = ActionCreate
		out[i].TargetColumn = uniqueName(similarity.ColumnName(headers[i]), used)
		out[i].NeedsReview = true
		if b, ok := best[i]; ok {
			out[i].Confidence = b.score
			out[i].Candidate = columns[b.column].Name
		}
	}
	return out
}

// uniqueName returns base, or base with the lowest free _N suffix, and
// records the result in used. Any key present in used counts as taken.
func uniqueName(base string, used map[string]bool) string {
	name := base
	for n := 2; ; n++ {
		if _, taken := used[name]; !taken {
			break
		}
		suffix := "_" + strconv.Itoa(n)
		trimmed := base
		if len(trimmed)+len(suffix) > similarity.MaxIdentifierLength {
			trimmed = strings.TrimRight(trimmed[:similarity.MaxIdentifierLength-len(suffix)], "_")
		}
		name = trimmed + suffix
	}
	used[name] = true
	return name
}

// NeedsReview reports whether any mapping should be confirmed by a person.
func NeedsReview(mappings []ColumnMapping) bool {
	for _, m := range mappings {
		if m.NeedsReview {
			return true
		}
	}
	return false
}

// NewColumns returns the columns to create for mappings with ActionCreate,
// typed from the inferred kind.
func NewColumns(mappings []ColumnMapping) []schema.Column {
	var cols []schema.Column
	for _, m := range mappings {
		if m.Action != ActionCreate || m.TargetColumn == "" {
			continue
		}
		cols = append(cols, schema.Column{
			Name:     m.TargetColumn,
			SQLType:  convert.SQLTypeFor(m.InferredType),
			Nullable: true,
		})
	}
	return cols
}
