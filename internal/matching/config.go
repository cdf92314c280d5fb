// Package matching suggests destination tables for sheets and destination
// columns for sheet headers.
package matching

import (
	"strings"

	"github.com/JonMunkholm/portfoliolens/internal/config"
	"github.com/JonMunkholm/portfoliolens/internal/similarity"
)

// Alias pins a legacy sheet name to a canonical table. When Table does not
// exist yet, LegacyTable is used at a lower confidence.
type Alias struct {
	SheetName   string
	Table       string
	LegacyTable string
}

// Confidence levels assigned by the deterministic steps of table matching.
const (
	AliasConfidence       = 100
	LegacyAliasConfidence = 97
	PrefixedConfidence    = 100
	UnprefixedConfidence  = 98
	CreateConfidence      = 100
)

// Config carries the risk tolerances of a deployment. Matchers copy it at
// construction, so tests and deployments can run different settings side by side.
type Config struct {
	TableThreshold  int
	ColumnThreshold int
	PrefixMargin    int
	CategoryPrefix  string
	KnownPrefixes   []string
	Aliases         []Alias
}

// DefaultAliases are the historical servicer sheet names.
var DefaultAliases = []Alias{
	{SheetName: "Servicer Expenses", Table: "ln_expenses", LegacyTable: "expenses"},
	{SheetName: "Loan Expenses", Table: "ln_expenses", LegacyTable: "expenses"},
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		TableThreshold:  95,
		ColumnThreshold: 80,
		PrefixMargin:    5,
		CategoryPrefix:  "ln_",
		KnownPrefixes:   []string{"ln_", "sys_", "usr_", "doc_"},
		Aliases:         DefaultAliases,
	}
}

// FromConfig builds matcher settings from the loaded application config.
func FromConfig(c config.MatchConfig) Config {
	cfg := DefaultConfig()
	cfg.TableThreshold = c.TableThreshold
	cfg.ColumnThreshold = c.ColumnThreshold
	cfg.PrefixMargin = c.PrefixMargin
	cfg.CategoryPrefix = c.CategoryPrefix
	if len(c.KnownPrefixes) > 0 {
		cfg.KnownPrefixes = c.KnownPrefixes
	}
	return cfg
}

// splitPrefix returns the known prefix of name and the rest of it. The
// category prefix counts as known even when it is missing from KnownPrefixes.
func (c Config) splitPrefix(name string) (prefix, rest string) {
	lower := strings.ToLower(name)
	if c.CategoryPrefix != "" && strings.HasPrefix(lower, strings.ToLower(c.CategoryPrefix)) {
		return c.CategoryPrefix, name[len(c.CategoryPrefix):]
	}
	for _, p := range c.KnownPrefixes {
		if p != "" && strings.HasPrefix(lower, strings.ToLower(p)) {
			return p, name[len(p):]
		}
	}
	return "", name
}

func (c Config) isCategory(prefix string) bool {
	return prefix != "" && strings.EqualFold(prefix, c.CategoryPrefix)
}

// aliasFor returns the alias whose sheet name matches sheet after normalization.
func (c Config) aliasFor(sheet string) (Alias, bool) {
	n := similarity.Normalize(sheet)
	if n == "" {
		return Alias{}, false
	}
	for _, a := range c.Aliases {
		if similarity.Normalize(a.SheetName) == n {
			return a, true
		}
	}
	return Alias{}, false
}
