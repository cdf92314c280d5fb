// Package similarity scores how alike two names are on a 0-100 scale.
//
// Scoring is tiered and the first tier that applies decides the result:
//
//  1. either name empty                         -> 0
//  2. identical strings                         -> 100
//  3. identical after normalization             -> 100
//  4. equal up to a trailing plural "s"         -> 95
//  5. one normalized name contains the other    -> min(90, 100*short/long)
//  6. otherwise the distinct-character overlap  -> 100*|A∩B|/|A∪B|
//
// Normalization folds case and diacritics and drops everything that is not a
// letter or digit, so "Loan ID", "loan_id" and "LOAN-ID" all compare equal.
// Downstream thresholds are tuned against this shape; keep the tiers stable.
package similarity

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Score bounds.
const (
	MaxScore         = 100
	PluralScore      = 95
	ContainmentScore = 90
)

// ErrInvalidInput is wrapped by ScoringError when a name cannot be scored.
var ErrInvalidInput = errors.New("invalid input")

// ScoringError reports a name that could not be scored. Score recovers from
// it locally by returning 0; Check exposes it for callers that want to know.
type ScoringError struct {
	Input  string
	Reason string
}

func (e *ScoringError) Error() string {
	return fmt.Sprintf("scoring %q: %s", e.Input, e.Reason)
}

func (e *ScoringError) Unwrap() error { return ErrInvalidInput }

// Check reports whether s can take part in scoring.
func Check(s string) error {
	if !utf8.ValidString(s) {
		return &ScoringError{Input: s, Reason: "not valid UTF-8"}
	}
	if s != "" && Normalize(s) == "" {
		return &ScoringError{Input: s, Reason: "no letters or digits"}
	}
	return nil
}

// Scorer computes memoized similarity scores. It is safe for concurrent use.
type Scorer struct {
	cache Cache
}

// NewScorer returns a Scorer backed by cache. A nil cache disables memoization.
func NewScorer(cache Cache) *Scorer {
	return &Scorer{cache: cache}
}

// Score returns the similarity of a and b in [0, 100].
// Score(a, b) == Score(b, a) for all inputs.
func (s *Scorer) Score(a, b string) int {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return MaxScore
	}

	key := pairKey(a, b)
	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			return v
		}
	}

	v := compute(a, b)
	if s.cache != nil {
		s.cache.Add(key, v)
	}
	return v
}

// ClearCache drops every memoized score. Call it when switching source files.
func (s *Scorer) ClearCache() {
	if s.cache != nil {
		s.cache.Purge()
	}
}

// CacheLen reports how many scores are memoized.
func (s *Scorer) CacheLen() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.Len()
}

// Score is a convenience for one-off comparisons without memoization.
func Score(a, b string) int {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return MaxScore
	}
	return compute(a, b)
}

// pairKey builds an order-independent cache key. The first element is
// length-prefixed so no pair of strings shares a key with another.
func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return strconv.Itoa(len(a)) + ":" + a + b
}

// compute applies tiers 3 through 6 to two non-empty, unequal names.
func compute(a, b string) int {
	if Check(a) != nil || Check(b) != nil {
		return 0
	}

	na, nb := Normalize(a), Normalize(b)
	if na == nb {
		return MaxScore
	}

	if isPluralOf(na, nb) || isPluralOf(nb, na) ||
		strings.TrimSuffix(na, "s") == strings.TrimSuffix(nb, "s") {
		return PluralScore
	}

	short, long := na, nb
	if len(short) > len(long) {
		short, long = long, short
	}
	if strings.Contains(long, short) {
		ratio := roundPercent(len(short), len(long))
		return min(ContainmentScore, ratio)
	}

	return charOverlap(na, nb)
}

func isPluralOf(singular, plural string) bool {
	return singular+"s" == plural
}

// charOverlap is the distinct-character Jaccard ratio as a rounded percentage.
func charOverlap(a, b string) int {
	setA := make(map[rune]struct{}, len(a))
	for _, r := range a {
		setA[r] = struct{}{}
	}
	setB := make(map[rune]struct{}, len(b))
	for _, r := range b {
		setB[r] = struct{}{}
	}

	shared := 0
	for r := range setA {
		if _, ok := setB[r]; ok {
			shared++
		}
	}
	union := len(setA) + len(setB) - shared
	if union == 0 {
		return 0
	}
	return roundPercent(shared, union)
}

func roundPercent(part, whole int) int {
	return int(math.Round(100 * float64(part) / float64(whole)))
}

var foldMarks = runes.Remove(runes.In(unicode.Mn))

// Normalize lowercases s, strips diacritics and removes every rune that is
// not a letter or digit.
func Normalize(s string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFKD, foldMarks), s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
