package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/portfoliolens/internal/convert"
	"github.com/JonMunkholm/portfoliolens/internal/schema"
	"github.com/JonMunkholm/portfoliolens/internal/similarity"
)

func paymentsTable() *schema.Table {
	return &schema.Table{
		Name: "ln_payments",
		Columns: []schema.Column{
			{Name: "id", SQLType: "integer", IsPrimaryKey: true, DefaultExpr: "nextval('ln_payments_id_seq'::regclass)"},
			{Name: "loan_id", SQLType: "text"},
			{Name: "payment_date", SQLType: "date", Nullable: true},
			{Name: "amount", SQLType: "numeric(12,2)", Nullable: true},
			{Name: "escrow_flag", SQLType: "boolean", Nullable: true},
		},
	}
}

func newColumnMatcher(cfg Config) *ColumnMatcher {
	return NewColumnMatcher(cfg, similarity.NewCachedScorer(100))
}

func byHeader(mappings []ColumnMapping) map[string]ColumnMapping {
	out := make(map[string]ColumnMapping, len(mappings))
	for _, m := range mappings {
		out[m.SourceHeader] = m
	}
	return out
}

func TestMatchColumns_ExistingTable(t *testing.T) {
	m := newColumnMatcher(DefaultConfig())
	headers := []string{"Loan ID", "Payment Date", "Amount", "Escrow", "ID", ""}
	samples := [][]string{
		{"L-1", "L-2"},
		{"3/31/2025", "4/30/2025"},
		{"$1,200.00", "(35.10)"},
		{"Y", "N"},
		{"7", "8"},
		{"x"},
	}

	got := m.MatchColumns(headers, samples, paymentsTable(), nil)
	require.Len(t, got, len(headers))
	for i, h := range headers {
		assert.Equal(t, h, got[i].SourceHeader, "mappings keep header order")
	}

	assert.Equal(t, ColumnMapping{
		SourceHeader: "Loan ID", TargetColumn: "loan_id", Confidence: 100,
		Action: ActionMap, InferredType: convert.KindString, Origin: OriginAuto,
	}, got[0])
	assert.Equal(t, "payment_date", got[1].TargetColumn)
	assert.Equal(t, convert.KindDate, got[1].InferredType)
	assert.Equal(t, "amount", got[2].TargetColumn)
	assert.Equal(t, convert.KindNumeric, got[2].InferredType)

	// "escrow" is contained in "escrowflag": round(100*6/10) = 60.
	assert.Equal(t, ActionCreate, got[3].Action)
	assert.Equal(t, "escrow", got[3].TargetColumn)
	assert.True(t, got[3].NeedsReview)
	assert.Equal(t, 60, got[3].Confidence)
	assert.Equal(t, "escrow_flag", got[3].Candidate)

	// The serial key is never a candidate, and the new name avoids it.
	assert.Equal(t, ActionCreate, got[4].Action)
	assert.Equal(t, "id_2", got[4].TargetColumn)
	assert.True(t, got[4].NeedsReview)

	assert.Equal(t, ActionSkip, got[5].Action)
	assert.True(t, got[5].NeedsReview)
	assert.Empty(t, got[5].TargetColumn)
}

func TestMatchColumns_TypeGatesCandidates(t *testing.T) {
	m := newColumnMatcher(DefaultConfig())

	// Text values never go into the numeric column even with an exact name.
	got := m.MatchColumns([]string{"Amount"}, [][]string{{"pending", "n/a"}}, paymentsTable(), nil)
	require.Len(t, got, 1)
	assert.Equal(t, ActionCreate, got[0].Action)
	assert.Equal(t, "amount_2", got[0].TargetColumn)
	assert.Equal(t, convert.KindString, got[0].InferredType)

	// Without samples the kind is unknown and every column is a candidate.
	got = m.MatchColumns([]string{"Amount"}, nil, paymentsTable(), nil)
	assert.Equal(t, ActionMap, got[0].Action)
	assert.Equal(t, "amount", got[0].TargetColumn)
	assert.Equal(t, convert.KindUnknown, got[0].InferredType)
}

func TestMatchColumns_UniqueTargets(t *testing.T) {
	m := newColumnMatcher(DefaultConfig())
	headers := []string{"Amt", "AMOUNT", "amount"}
	samples := [][]string{{"1"}, {"2"}, {"3"}}

	got := m.MatchColumns(headers, samples, paymentsTable(), nil)

	targets := map[string]int{}
	for _, g := range got {
		targets[g.TargetColumn]++
	}
	for col, n := range targets {
		assert.Equal(t, 1, n, "column %q assigned %d times", col, n)
	}
	// Ties go to the earliest header.
	assert.Equal(t, "amount", got[1].TargetColumn)
	assert.Equal(t, ActionMap, got[1].Action)
	assert.Equal(t, ActionCreate, got[2].Action)
	assert.Equal(t, "amount_2", got[2].TargetColumn)
}

func TestMatchColumns_KeepsUserMappings(t *testing.T) {
	m := newColumnMatcher(DefaultConfig())
	existing := map[string]ColumnMapping{
		"Notes":  {Action: ActionMap, TargetColumn: "loan_id", Origin: OriginUser},
		"Amount": {Action: ActionSkip, Origin: OriginUser},
		// Automatic mappings are recomputed.
		"Payment Date": {Action: ActionSkip, Origin: OriginAuto},
	}
	headers := []string{"Loan ID", "Notes", "Amount", "Payment Date"}
	samples := [][]string{{"L-1"}, {"called"}, {"10"}, {"1/2/2025"}}

	got := byHeader(m.MatchColumns(headers, samples, paymentsTable(), existing))

	assert.Equal(t, ActionMap, got["Notes"].Action)
	assert.Equal(t, "loan_id", got["Notes"].TargetColumn)
	assert.Equal(t, OriginUser, got["Notes"].Origin)

	assert.Equal(t, ActionSkip, got["Amount"].Action)
	assert.Equal(t, OriginUser, got["Amount"].Origin)

	// loan_id is reserved by the user's choice.
	assert.Equal(t, ActionCreate, got["Loan ID"].Action)
	assert.Equal(t, "loan_id_2", got["Loan ID"].TargetColumn)

	assert.Equal(t, ActionMap, got["Payment Date"].Action)
	assert.Equal(t, "payment_date", got["Payment Date"].TargetColumn)
}

func TestMatchColumns_NewTable(t *testing.T) {
	m := newColumnMatcher(DefaultConfig())
	headers := []string{"Loan ID", "Loan-ID", "1st Payment Date", "  ", "Balance (USD)"}

	got := m.MatchColumns(headers, nil, nil, nil)

	want := []struct {
		action Action
		column string
	}{
		{ActionCreate, "loan_id"},
		{ActionCreate, "loan_id_2"},
		{ActionCreate, "col_1st_payment_date"},
		{ActionSkip, ""},
		{ActionCreate, "balance_usd"},
	}
	for i, w := range want {
		assert.Equal(t, w.action, got[i].Action, headers[i])
		assert.Equal(t, w.column, got[i].TargetColumn, headers[i])
		if w.action == ActionCreate {
			assert.Equal(t, 100, got[i].Confidence)
			assert.False(t, got[i].NeedsReview)
		}
	}
}

func TestMatchColumns_IndependentThreshold(t *testing.T) {
	headers := []string{"Amt"}
	samples := [][]string{{"12.50"}}

	// "amt" and "amount" share 3 of 6 distinct characters.
	got := newColumnMatcher(DefaultConfig()).MatchColumns(headers, samples, paymentsTable(), nil)
	assert.Equal(t, ActionCreate, got[0].Action)
	assert.Equal(t, 50, got[0].Confidence)

	cfg := DefaultConfig()
	cfg.ColumnThreshold = 50
	got = newColumnMatcher(cfg).MatchColumns(headers, samples, paymentsTable(), nil)
	assert.Equal(t, ActionMap, got[0].Action)
	assert.Equal(t, "amount", got[0].TargetColumn)
	assert.False(t, got[0].NeedsReview)
}

func TestNewColumnsAndReview(t *testing.T) {
	mappings := []ColumnMapping{
		{SourceHeader: "Loan ID", TargetColumn: "loan_id", Action: ActionMap},
		{SourceHeader: "Rate", TargetColumn: "rate", Action: ActionCreate, InferredType: convert.KindNumeric},
		{SourceHeader: "Due", TargetColumn: "due", Action: ActionCreate, InferredType: convert.KindDate, NeedsReview: true},
		{SourceHeader: "Memo", TargetColumn: "memo", Action: ActionCreate},
		{SourceHeader: "", Action: ActionSkip},
	}

	cols := NewColumns(mappings)
	require.Len(t, cols, 3)
	assert.Equal(t, schema.Column{Name: "rate", SQLType: "numeric", Nullable: true}, cols[0])
	assert.Equal(t, "date", cols[1].SQLType)
	assert.Equal(t, "text", cols[2].SQLType)

	assert.True(t, NeedsReview(mappings))
	assert.False(t, NeedsReview(mappings[:2]))

	clone := CloneMappings(mappings)
	clone[0].TargetColumn = "other"
	assert.Equal(t, "loan_id", mappings[0].TargetColumn)
}
