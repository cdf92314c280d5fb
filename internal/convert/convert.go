// Package convert turns raw spreadsheet cells into PostgreSQL values and
// infers column kinds from sample cells.
//
// These functions handle the messy reality of operator-provided files:
//   - Multiple date formats (US, EU, ISO, spreadsheet timestamps)
//   - Currency symbols, thousand separators and percent signs in numbers
//   - Various boolean representations (yes/no, true/false, 1/0)
//   - Excel formula prefixes (="value")
//
// All ToPg* functions return pgtype values with Valid=false for empty or
// invalid input, allowing the database to store NULL.
package convert

import (
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// numericRegex validates that a string is a valid numeric format after cleanup.
// Matches integers, decimals, and scientific notation.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// TwoDigitYearPivot defines how 2-digit years are interpreted.
// Years that would result in dates more than this many years in the future
// are assumed to be in the previous century.
var TwoDigitYearPivot = 20

// Date layouts split by year format for proper 2-digit year handling
var (
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
	fourDigitYearLayouts = []string{
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"2006-01-02", "2006/01/02", "2006.01.02",
		"Jan 2, 2006", "2 Jan 2006", "January 2, 2006", "2-Jan-2006", "02-Jan-06",
		"20060102",
	}
	timestampLayouts = []string{
		time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02 15:04",
		"1/2/2006 15:04:05", "1/2/2006 15:04", "1/2/06 15:04", "01/02/2006 3:04:05 PM",
	}
)

// nullTokens are cell values operators use to mean "no value".
var nullTokens = map[string]bool{
	"n/a": true, "na": true, "null": true, "none": true, "-": true, "--": true, "#n/a": true,
}

// IsBlank reports whether a cell carries no value.
func IsBlank(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || nullTokens[strings.ToLower(s)]
}

// ToPgText converts a string to pgtype.Text.
// Returns invalid if the string is empty or only whitespace.
func ToPgText(s string) pgtype.Text {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

// ToPgDate converts a string to pgtype.Date.
// Supports multiple date formats and handles 2-digit years with pivot.
// A timestamp is accepted and truncated to its date.
func ToPgDate(s string) pgtype.Date {
	t, ok := parseDate(s)
	if !ok {
		if ts, ok := parseTimestamp(s); ok {
			y, m, d := ts.Date()
			return pgtype.Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC), Valid: true}
		}
		return pgtype.Date{Valid: false}
	}
	return pgtype.Date{Time: t, Valid: true}
}

// ToPgTimestamp converts a string to pgtype.Timestamp. Plain dates become
// midnight.
func ToPgTimestamp(s string) pgtype.Timestamp {
	if ts, ok := parseTimestamp(s); ok {
		return pgtype.Timestamp{Time: ts, Valid: true}
	}
	if t, ok := parseDate(s); ok {
		return pgtype.Timestamp{Time: t, Valid: true}
	}
	return pgtype.Timestamp{Valid: false}
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	// Try 4-digit year layouts first (unambiguous)
	for _, layout := range fourDigitYearLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, true
		}
	}

	// Try 2-digit year layouts with pivot year adjustment
	pivotYear := time.Now().Year() + TwoDigitYearPivot

	for _, layout := range twoDigitYearLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return t, true
		}
	}

	return time.Time{}, false
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ToPgNumeric converts a string to pgtype.Numeric.
// Handles currency symbols, thousands separators, trailing percent signs and
// accounting format (parentheses for negative). "12.5%" yields 12.5.
func ToPgNumeric(s string) pgtype.Numeric {
	s, ok := cleanNumeric(s)
	if !ok {
		return pgtype.Numeric{Valid: false}
	}

	var n pgtype.Numeric
	if err := n.Scan(s); err != nil {
		return pgtype.Numeric{Valid: false}
	}

	return n
}

// cleanNumeric strips formatting from a numeric cell and validates it.
func cleanNumeric(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}

	// Detect negative accounting format "(123.45)"
	isNegative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		isNegative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	// Remove common currency symbols, thousands separators and percent
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, "€", "") // Euro
	s = strings.ReplaceAll(s, "£", "") // Pound
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	s = strings.TrimSpace(s)

	if isNegative {
		s = "-" + s
	}

	return s, numericRegex.MatchString(s)
}

// ToPgInt8 converts a whole-number string to pgtype.Int8. Formatting is
// stripped as for ToPgNumeric; fractional values are invalid.
func ToPgInt8(s string) pgtype.Int8 {
	n := ToPgNumeric(s)
	if !n.Valid {
		return pgtype.Int8{Valid: false}
	}
	v, err := n.Int64Value()
	if err != nil {
		return pgtype.Int8{Valid: false}
	}
	return v
}

// ToPgBool converts a string to pgtype.Bool.
// Accepts various representations: true/false, yes/no, t/f, y/n, 1/0.
func ToPgBool(s string) pgtype.Bool {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return pgtype.Bool{Valid: false}
	}

	switch s {
	case "true", "t", "yes", "y", "1":
		return pgtype.Bool{Bool: true, Valid: true}
	case "false", "f", "no", "n", "0":
		return pgtype.Bool{Bool: false, Valid: true}
	default:
		return pgtype.Bool{Valid: false}
	}
}

// CleanCell removes common spreadsheet artifacts from a cell value:
// - Trims whitespace
// - Removes Excel formula prefix (="...")
// - Removes surrounding quotes
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	s = strings.Trim(s, `"'`)

	return strings.TrimSpace(s)
}
