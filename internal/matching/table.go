package matching

import (
	"sort"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/JonMunkholm/portfoliolens/internal/schema"
	"github.com/JonMunkholm/portfoliolens/internal/similarity"
)

// Reason records which rule produced a table suggestion.
type Reason string

const (
	ReasonAlias           Reason = "alias"
	ReasonLegacyAlias     Reason = "legacy_alias"
	ReasonPrefixedExact   Reason = "prefixed_exact"
	ReasonExact           Reason = "exact"
	ReasonSimilarity      Reason = "similarity"
	ReasonPrefixPreferred Reason = "prefix_preferred"
)

// TableSuggestion is a candidate destination table for a sheet.
type TableSuggestion struct {
	TableName  string `json:"tableName" yaml:"table"`
	Confidence int    `json:"confidence" yaml:"confidence"`
	Reason     Reason `json:"reason" yaml:"reason"`
	Prefixed   bool   `json:"prefixed" yaml:"-"`
}

type bestMatch struct {
	suggestion TableSuggestion
	found      bool
}

// TableMatcher finds destination tables for sheet names. It is safe for
// concurrent use.
type TableMatcher struct {
	cfg    Config
	scorer *similarity.Scorer
	best   *lru.Cache[string, bestMatch]
}

// NewTableMatcher returns a matcher using scorer for name similarity. Best
// matches are memoized per snapshot version in an LRU of cacheSize entries.
func NewTableMatcher(cfg Config, scorer *similarity.Scorer, cacheSize int) *TableMatcher {
	if scorer == nil {
		scorer = similarity.NewScorer(nil)
	}
	if cacheSize <= 0 {
		cacheSize = similarity.DefaultCacheSize
	}
	best, err := lru.New[string, bestMatch](cacheSize)
	if err != nil {
		panic(err)
	}
	return &TableMatcher{cfg: cfg, scorer: scorer, best: best}
}

// Config returns the matcher's settings.
func (m *TableMatcher) Config() Config { return m.cfg }

// ClearCache drops memoized best matches and scores.
func (m *TableMatcher) ClearCache() {
	m.best.Purge()
	m.scorer.ClearCache()
}

// FindBestMatch returns the table a sheet should import into, or nil when no
// candidate is confident enough and a new table should be offered instead.
func (m *TableMatcher) FindBestMatch(sheetName string, snap *schema.Snapshot) *TableSuggestion {
	if snap == nil {
		return nil
	}

	// Version 0 snapshots were not produced by a cache and may differ
	// while sharing a version.
	key := ""
	if snap.Version > 0 {
		key = strconv.FormatUint(snap.Version, 10) + "\x00" + sheetName
		if hit, ok := m.best.Get(key); ok {
			return hit.result()
		}
	}

	s, found := m.findBestMatch(sheetName, snap)
	if key != "" {
		m.best.Add(key, bestMatch{suggestion: s, found: found})
	}
	if !found {
		return nil
	}
	return &s
}

func (b bestMatch) result() *TableSuggestion {
	if !b.found {
		return nil
	}
	s := b.suggestion
	return &s
}

func (m *TableMatcher) findBestMatch(sheetName string, snap *schema.Snapshot) (TableSuggestion, bool) {
	if a, ok := m.cfg.aliasFor(sheetName); ok {
		if snap.Has(a.Table) {
			return TableSuggestion{TableName: a.Table, Confidence: AliasConfidence, Reason: ReasonAlias,
				Prefixed: m.cfg.isCategory(m.prefixOf(a.Table))}, true
		}
		if a.LegacyTable != "" && snap.Has(a.LegacyTable) {
			return TableSuggestion{TableName: a.LegacyTable, Confidence: LegacyAliasConfidence, Reason: ReasonLegacyAlias,
				Prefixed: m.cfg.isCategory(m.prefixOf(a.LegacyTable))}, true
		}
	}

	ranked := m.Rank(sheetName, snap)
	if len(ranked) == 0 {
		return TableSuggestion{}, false
	}

	// Exact matches carry fixed confidences and sort ahead of similarity hits.
	top := ranked[0]
	if top.Reason == ReasonPrefixedExact || top.Reason == ReasonExact {
		return top, true
	}
	if top.Confidence < m.cfg.TableThreshold {
		return TableSuggestion{}, false
	}
	if !top.Prefixed {
		for _, alt := range ranked[1:] {
			if alt.Confidence < top.Confidence-m.cfg.PrefixMargin {
				break
			}
			if alt.Prefixed {
				alt.Reason = ReasonPrefixPreferred
				return alt, true
			}
		}
	}
	return top, true
}

func (m *TableMatcher) prefixOf(table string) string {
	p, _ := m.cfg.splitPrefix(table)
	return p
}

// Rank scores every table in the import category against sheetName. Tables
// carrying the category prefix and tables carrying no known prefix are
// candidates; an unprefixed table whose prefixed successor exists is not.
// The order is confidence descending, prefixed first, then name.
func (m *TableMatcher) Rank(sheetName string, snap *schema.Snapshot) []TableSuggestion {
	if snap == nil {
		return nil
	}
	sheetNorm := similarity.Normalize(sheetName)
	names := snap.TableNames()

	// Stripped names of tables carrying the category prefix.
	prefixedRest := make(map[string]bool)
	for _, name := range names {
		if p, rest := m.cfg.splitPrefix(name); m.cfg.isCategory(p) {
			prefixedRest[similarity.Normalize(rest)] = true
		}
	}

	out := make([]TableSuggestion, 0, len(names))
	for _, name := range names {
		prefix, rest := m.cfg.splitPrefix(name)
		restNorm := similarity.Normalize(rest)

		switch {
		case m.cfg.isCategory(prefix):
			s := TableSuggestion{TableName: name, Prefixed: true}
			if sheetNorm != "" && restNorm == sheetNorm {
				s.Confidence, s.Reason = PrefixedConfidence, ReasonPrefixedExact
			} else {
				s.Confidence, s.Reason = m.scorer.Score(sheetName, rest), ReasonSimilarity
			}
			out = append(out, s)
		case prefix == "":
			if prefixedRest[restNorm] {
				continue
			}
			s := TableSuggestion{TableName: name}
			if sheetNorm != "" && restNorm == sheetNorm {
				s.Confidence, s.Reason = UnprefixedConfidence, ReasonExact
			} else {
				s.Confidence, s.Reason = m.scorer.Score(sheetName, rest), ReasonSimilarity
			}
			out = append(out, s)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if exactRank(a) != exactRank(b) {
			return exactRank(a) > exactRank(b)
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Prefixed != b.Prefixed {
			return a.Prefixed
		}
		return a.TableName < b.TableName
	})
	return out
}

func exactRank(s TableSuggestion) int {
	switch s.Reason {
	case ReasonPrefixedExact:
		return 2
	case ReasonExact:
		return 1
	default:
		return 0
	}
}
