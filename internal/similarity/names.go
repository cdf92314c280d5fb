package similarity

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxIdentifierLength is PostgreSQL's identifier limit in bytes.
const MaxIdentifierLength = 63

// ColumnName turns a spreadsheet header into a column identifier: lowercase,
// runs of non-alphanumerics collapsed to one underscore, no leading or
// trailing underscores. Names starting with a digit get a "col_" prefix.
// Returns "" when the header has no letters or digits.
func ColumnName(header string) string {
	folded := foldHeader(header)

	var b strings.Builder
	b.Grow(len(folded))
	pendingSep := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		pendingSep = true
	}

	name := b.String()
	if name == "" {
		return ""
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "col_" + name
	}
	return truncateIdentifier(name)
}

func foldHeader(s string) string {
	// Same folding as Normalize, but separators become spaces.
	var b strings.Builder
	for _, r := range s {
		if n := Normalize(string(r)); n != "" {
			b.WriteString(n)
		} else if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

func truncateIdentifier(name string) string {
	if len(name) <= MaxIdentifierLength {
		return name
	}
	cut := MaxIdentifierLength
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return strings.TrimRight(name[:cut], "_")
}
