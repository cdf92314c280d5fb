package convert

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// ----------------------------------------------------------------------------
// ToPgNumeric Tests
// ----------------------------------------------------------------------------

func TestToPgNumeric(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantValid bool
		want      float64
	}{
		{"positive integer", "123", true, 123},
		{"negative integer", "-456", true, -456},
		{"decimal number", "123.45", true, 123.45},
		{"leading decimal point", ".99", true, 0.99},
		{"dollar sign", "$1,234.56", true, 1234.56},
		{"euro sign", "€1234.56", true, 1234.56},
		{"pound sign", "£1234.56", true, 1234.56},
		{"accounting negative", "($1,000.00)", true, -1000},
		{"percent", "12.5%", true, 12.5},
		{"surrounding whitespace", "  42  ", true, 42},

		{"empty", "", false, 0},
		{"whitespace", "   ", false, 0},
		{"letters", "abc", false, 0},
		{"mixed", "12abc", false, 0},
		{"two points", "1.2.3", false, 0},
		{"infinity", "Infinity", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ToPgNumeric(tt.input)

			if result.Valid != tt.wantValid {
				t.Fatalf("ToPgNumeric(%q).Valid = %v, want %v", tt.input, result.Valid, tt.wantValid)
			}
			if !tt.wantValid {
				return
			}

			f, err := result.Float64Value()
			if err != nil {
				t.Fatalf("Float64Value() error: %v", err)
			}
			if f.Float64 != tt.want {
				t.Errorf("ToPgNumeric(%q) = %v, want %v", tt.input, f.Float64, tt.want)
			}
		})
	}
}

func TestToPgInt8(t *testing.T) {
	tests := []struct {
		input     string
		wantValid bool
		want      int64
	}{
		{"1,250", true, 1250},
		{"(15)", true, -15},
		{"12.5", false, 0},
		{"", false, 0},
	}

	for _, tt := range tests {
		got := ToPgInt8(tt.input)
		if got.Valid != tt.wantValid || got.Int64 != tt.want {
			t.Errorf("ToPgInt8(%q) = %+v, want valid=%v value=%d", tt.input, got, tt.wantValid, tt.want)
		}
	}
}

// ----------------------------------------------------------------------------
// ToPgDate Tests
// ----------------------------------------------------------------------------

func TestToPgDate(t *testing.T) {
	tests := []struct {
		input     string
		wantValid bool
		want      string
	}{
		{"2025-03-31", true, "2025-03-31"},
		{"3/31/2025", true, "2025-03-31"},
		{"03/31/2025", true, "2025-03-31"},
		{"2025/03/31", true, "2025-03-31"},
		{"Mar 31, 2025", true, "2025-03-31"},
		{"31 Mar 2025", true, "2025-03-31"},
		{"20250331", true, "2025-03-31"},
		{"2025-03-31 14:30:00", true, "2025-03-31"},
		{"", false, ""},
		{"not a date", false, ""},
		{"13/45/2025", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ToPgDate(tt.input)
			if got.Valid != tt.wantValid {
				t.Fatalf("ToPgDate(%q).Valid = %v, want %v", tt.input, got.Valid, tt.wantValid)
			}
			if tt.wantValid && got.Time.Format("2006-01-02") != tt.want {
				t.Errorf("ToPgDate(%q) = %s, want %s", tt.input, got.Time.Format("2006-01-02"), tt.want)
			}
		})
	}
}

func TestToPgDate_TwoDigitYear(t *testing.T) {
	originalPivot := TwoDigitYearPivot
	defer func() { TwoDigitYearPivot = originalPivot }()
	TwoDigitYearPivot = 20

	pivotYear := time.Now().Year() + 20

	tests := []struct {
		input    string
		wantYear int
	}{
		{"01/15/25", 2025},
		{"01/15/99", 1999},
		{"01/15/85", 1985},
	}

	for _, tt := range tests {
		got := ToPgDate(tt.input)
		if !got.Valid {
			t.Fatalf("ToPgDate(%q) invalid", tt.input)
		}
		if got.Time.Year() != tt.wantYear {
			t.Errorf("ToPgDate(%q).Year() = %d, want %d", tt.input, got.Time.Year(), tt.wantYear)
		}
		if got.Time.Year() > pivotYear {
			t.Errorf("ToPgDate(%q) year %d beyond pivot %d", tt.input, got.Time.Year(), pivotYear)
		}
	}
}

func TestToPgTimestamp(t *testing.T) {
	got := ToPgTimestamp("2025-03-31 14:30:00")
	want := time.Date(2025, 3, 31, 14, 30, 0, 0, time.UTC)
	if !got.Valid || !got.Time.Equal(want) {
		t.Errorf("ToPgTimestamp() = %+v, want %v", got, want)
	}

	midnight := ToPgTimestamp("3/31/2025")
	if !midnight.Valid || midnight.Time.Hour() != 0 {
		t.Errorf("ToPgTimestamp(date) = %+v, want midnight", midnight)
	}
}

// ----------------------------------------------------------------------------
// ToPgBool / ToPgText / CleanCell Tests
// ----------------------------------------------------------------------------

func TestToPgBool(t *testing.T) {
	tests := []struct {
		input     string
		wantValid bool
		want      bool
	}{
		{"true", true, true},
		{"TRUE", true, true},
		{"Yes", true, true},
		{"y", true, true},
		{"1", true, true},
		{"false", true, false},
		{"No", true, false},
		{"0", true, false},
		{" f ", true, false},
		{"", false, false},
		{"maybe", false, false},
	}

	for _, tt := range tests {
		got := ToPgBool(tt.input)
		if got.Valid != tt.wantValid || got.Bool != tt.want {
			t.Errorf("ToPgBool(%q) = %+v, want valid=%v bool=%v", tt.input, got, tt.wantValid, tt.want)
		}
	}
}

func TestToPgText(t *testing.T) {
	if got := ToPgText("  Escrow  "); !got.Valid || got.String != "Escrow" {
		t.Errorf("ToPgText() = %+v", got)
	}
	if got := ToPgText("   "); got.Valid {
		t.Errorf("ToPgText(blank) should be invalid")
	}
}

func TestCleanCell(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{`="00123"`, "00123"},
		{"=SUM", "SUM"},
		{`"quoted"`, "quoted"},
		{"'single'", "single"},
		{"  padded  ", "padded"},
		{"plain", "plain"},
	}

	for _, tt := range tests {
		if got := CleanCell(tt.input); got != tt.want {
			t.Errorf("CleanCell(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestIsBlank(t *testing.T) {
	for _, s := range []string{"", "  ", "N/A", "null", "-", "#N/A"} {
		if !IsBlank(s) {
			t.Errorf("IsBlank(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"0", "no", "x"} {
		if IsBlank(s) {
			t.Errorf("IsBlank(%q) = true, want false", s)
		}
	}
}

// ----------------------------------------------------------------------------
// Kind inference
// ----------------------------------------------------------------------------

func TestInferKind(t *testing.T) {
	tests := []struct {
		name    string
		samples []string
		want    Kind
	}{
		{"no samples", nil, KindUnknown},
		{"only blanks", []string{"", "N/A", " "}, KindUnknown},
		{"currency", []string{"$1,200.00", "(35.10)", "0"}, KindNumeric},
		{"percent", []string{"4.25%", "5%"}, KindNumeric},
		{"zero one", []string{"1", "0", "1"}, KindNumeric},
		{"dates", []string{"3/31/2025", "2025-04-01", ""}, KindDate},
		{"yes no", []string{"Yes", "no", "Y"}, KindBoolean},
		{"mixed", []string{"100", "pending"}, KindString},
		{"text", []string{"Greenway", "Servicer B"}, KindString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InferKind(tt.samples); got != tt.want {
				t.Errorf("InferKind(%q) = %s, want %s", tt.samples, got, tt.want)
			}
		})
	}
}

func TestKindOfSQLType(t *testing.T) {
	tests := []struct {
		sqlType string
		want    Kind
	}{
		{"integer", KindNumeric},
		{"numeric(12,2)", KindNumeric},
		{"double precision", KindNumeric},
		{"date", KindDate},
		{"timestamp with time zone", KindDate},
		{"boolean", KindBoolean},
		{"character varying(255)", KindString},
		{"text", KindString},
		{"uuid", KindString},
	}

	for _, tt := range tests {
		if got := KindOfSQLType(tt.sqlType); got != tt.want {
			t.Errorf("KindOfSQLType(%q) = %s, want %s", tt.sqlType, got, tt.want)
		}
	}
}

func TestCompatible(t *testing.T) {
	tests := []struct {
		value, column Kind
		want          bool
	}{
		{KindNumeric, KindNumeric, true},
		{KindNumeric, KindString, true},
		{KindDate, KindString, true},
		{KindUnknown, KindDate, true},
		{KindString, KindNumeric, false},
		{KindDate, KindNumeric, false},
		{KindBoolean, KindDate, false},
	}

	for _, tt := range tests {
		if got := Compatible(tt.value, tt.column); got != tt.want {
			t.Errorf("Compatible(%s, %s) = %v, want %v", tt.value, tt.column, got, tt.want)
		}
	}
}

func TestKindText(t *testing.T) {
	for k := range kindNames {
		b, err := k.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var back Kind
		if err := back.UnmarshalText(b); err != nil || back != k {
			t.Errorf("round trip of %s = %s, %v", k, back, err)
		}
	}
	if _, err := ParseKind("blob"); err == nil {
		t.Error("ParseKind(blob) should fail")
	}
}

// ----------------------------------------------------------------------------
// ForColumn
// ----------------------------------------------------------------------------

func TestForColumn(t *testing.T) {
	v, err := ForColumn("numeric", "$1,000.50")
	if err != nil {
		t.Fatalf("ForColumn(numeric) error = %v", err)
	}
	if n, ok := v.(pgtype.Numeric); !ok || !n.Valid {
		t.Errorf("ForColumn(numeric) = %#v", v)
	}

	v, err = ForColumn("integer", "N/A")
	if err != nil {
		t.Fatalf("ForColumn(integer, blank) error = %v", err)
	}
	if i, ok := v.(pgtype.Int8); !ok || i.Valid {
		t.Errorf("blank integer should be typed NULL, got %#v", v)
	}

	v, err = ForColumn("interval", "3 days")
	if err != nil {
		t.Fatalf("ForColumn(interval) error = %v", err)
	}
	if s, ok := v.(pgtype.Text); !ok || s.String != "3 days" {
		t.Errorf("interval should pass through as text, got %#v", v)
	}

	_, err = ForColumn("date", "someday")
	var ve *ValueError
	if !errors.As(err, &ve) {
		t.Fatalf("ForColumn(date, invalid) error = %v, want *ValueError", err)
	}
	if ve.SQLType != "date" {
		t.Errorf("ValueError.SQLType = %q", ve.SQLType)
	}

	if _, err := ForColumn("integer", "12.5"); err == nil {
		t.Error("fractional value into integer column should fail")
	}
}
