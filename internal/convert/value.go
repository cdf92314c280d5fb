package convert

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
)

// ValueError reports a cell that cannot be stored in its column.
type ValueError struct {
	Value   string
	SQLType string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("value %q is not a valid %s", e.Value, e.SQLType)
}

// ForColumn converts a raw cell to a value pgx can write to a column of
// sqlType. Blank cells become typed NULLs. A non-blank cell that does not
// parse returns a *ValueError.
func ForColumn(sqlType, raw string) (any, error) {
	raw = CleanCell(raw)
	blank := IsBlank(raw)
	t := strings.ToLower(strings.TrimSpace(sqlType))

	switch {
	case (strings.HasPrefix(t, "int") && t != "interval") || t == "smallint" || t == "bigint" ||
		strings.HasSuffix(t, "serial"):
		if blank {
			return pgtype.Int8{}, nil
		}
		if v := ToPgInt8(raw); v.Valid {
			return v, nil
		}
		return nil, &ValueError{Value: raw, SQLType: sqlType}
	case strings.HasPrefix(t, "timestamp"):
		if blank {
			return pgtype.Timestamp{}, nil
		}
		if v := ToPgTimestamp(raw); v.Valid {
			return v, nil
		}
		return nil, &ValueError{Value: raw, SQLType: sqlType}
	}

	switch KindOfSQLType(sqlType) {
	case KindNumeric:
		if blank {
			return pgtype.Numeric{}, nil
		}
		if v := ToPgNumeric(raw); v.Valid {
			return v, nil
		}
	case KindDate:
		if blank {
			return pgtype.Date{}, nil
		}
		if v := ToPgDate(raw); v.Valid {
			return v, nil
		}
	case KindBoolean:
		if blank {
			return pgtype.Bool{}, nil
		}
		if v := ToPgBool(raw); v.Valid {
			return v, nil
		}
	default:
		if blank {
			return pgtype.Text{}, nil
		}
		return ToPgText(raw), nil
	}

	return nil, &ValueError{Value: raw, SQLType: sqlType}
}
