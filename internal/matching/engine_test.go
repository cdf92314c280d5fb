package matching

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/portfoliolens/internal/schema"
)

func TestEngineSuggest_ExistingTable(t *testing.T) {
	e := NewEngine(DefaultConfig(), 100)
	snap := schema.NewSnapshot([]schema.Table{*paymentsTable(), {Name: "ln_loans"}}, time.Now())

	got := e.Suggest(SheetInput{
		Name:    "Payments",
		Headers: []string{"Loan ID", "Amount"},
		Samples: [][]string{{"L-1"}, {"10.00"}},
	}, snap)

	require.NotNil(t, got.Table)
	assert.Equal(t, "ln_payments", got.TableName)
	assert.False(t, got.CreateTable)
	assert.False(t, got.NeedsReview)
	assert.Equal(t, "loan_id", got.Mappings[0].TargetColumn)
	assert.Equal(t, "amount", got.Mappings[1].TargetColumn)
	assert.Equal(t, "ln_payments", got.Candidates[0].TableName)
	assert.Positive(t, e.Scorer.CacheLen())

	e.ClearCache()
	assert.Zero(t, e.Scorer.CacheLen())
}

func TestEngineSuggest_NewTable(t *testing.T) {
	e := NewEngine(DefaultConfig(), 100)
	snap := schema.NewSnapshot([]schema.Table{{Name: "ln_loans"}}, time.Now())

	got := e.Suggest(SheetInput{
		Name:    "Mystery Sheet",
		Headers: []string{"Code", "Code"},
	}, snap)

	assert.Nil(t, got.Table)
	assert.True(t, got.CreateTable)
	assert.True(t, got.NeedsReview)
	assert.Equal(t, "ln_mystery_sheet", got.TableName)
	assert.Equal(t, "code", got.Mappings[0].TargetColumn)
	assert.Equal(t, "code_2", got.Mappings[1].TargetColumn)
}

func TestNewTableName(t *testing.T) {
	e := NewEngine(DefaultConfig(), 10)

	assert.Equal(t, "ln_sheet", e.NewTableName("***"))
	long := e.NewTableName(strings.Repeat("x", 100))
	assert.Len(t, long, 63)
	assert.True(t, strings.HasPrefix(long, "ln_"))
}
