package convert

import (
	"fmt"
	"strings"
)

// Kind is the coarse data type used to gate column matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindString
	KindNumeric
	KindDate
	KindBoolean
)

var kindNames = map[Kind]string{
	KindUnknown: "unknown",
	KindString:  "string",
	KindNumeric: "numeric",
	KindDate:    "date",
	KindBoolean: "boolean",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText encodes the kind by name for JSON and YAML.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown data kind %q", s)
}

// booleanWords are accepted as boolean when every sample uses them.
// Bare 1/0 are left to numeric inference.
var booleanWords = map[string]bool{
	"true": true, "false": true, "t": true, "f": true,
	"yes": true, "no": true, "y": true, "n": true,
}

// InferKind classifies sample cells. Blank cells are ignored; with no
// non-blank samples the kind is unknown. Every non-blank sample must parse
// for a specific kind to be chosen, otherwise the kind is string.
func InferKind(samples []string) Kind {
	var values []string
	for _, s := range samples {
		s = CleanCell(s)
		if !IsBlank(s) {
			values = append(values, s)
		}
	}
	if len(values) == 0 {
		return KindUnknown
	}

	if all(values, func(v string) bool { return booleanWords[strings.ToLower(v)] }) {
		return KindBoolean
	}
	if all(values, func(v string) bool { _, ok := cleanNumeric(v); return ok }) {
		return KindNumeric
	}
	if all(values, func(v string) bool { return ToPgDate(v).Valid }) {
		return KindDate
	}
	return KindString
}

func all(values []string, pred func(string) bool) bool {
	for _, v := range values {
		if !pred(v) {
			return false
		}
	}
	return true
}

// KindOfSQLType maps a PostgreSQL type name to its Kind.
func KindOfSQLType(sqlType string) Kind {
	t := strings.ToLower(strings.TrimSpace(sqlType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}

	switch t {
	case "smallint", "integer", "bigint", "int", "int2", "int4", "int8",
		"numeric", "decimal", "real", "double precision", "float4", "float8",
		"money", "serial", "bigserial", "smallserial":
		return KindNumeric
	case "date", "timestamp", "timestamp without time zone", "timestamp with time zone",
		"timestamptz":
		return KindDate
	case "boolean", "bool":
		return KindBoolean
	default:
		return KindString
	}
}

// Compatible reports whether values of kind value may be stored in a column
// of kind column. Text columns accept anything; unknown matches all.
func Compatible(value, column Kind) bool {
	switch {
	case value == KindUnknown || column == KindUnknown:
		return true
	case column == KindString:
		return true
	default:
		return value == column
	}
}

// SQLTypeFor returns the column type used when creating a column for kind.
func SQLTypeFor(k Kind) string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindDate:
		return "date"
	case KindBoolean:
		return "boolean"
	default:
		return "text"
	}
}
