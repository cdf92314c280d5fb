package similarity

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScore_Tiers(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want int
	}{
		{"exact", "Payments", "Payments", 100},
		{"empty left", "", "Payments", 0},
		{"empty right", "Payments", "", 0},
		{"both empty", "", "", 0},
		{"normalized", "Loan ID", "loan_id", 100},
		{"normalized punctuation", "LOAN-ID", "loan.id", 100},
		{"diacritics", "Café Fees", "cafe_fees", 100},
		{"plural", "Payment", "payments", 95},
		{"plural reversed", "loans", "Loan", 95},
		// "loan" is 4 of 10 chars of "loanamount"
		{"containment", "Loan", "Loan Amount", 40},
		{"containment ratio", "principalbalance", "principalbalances1", 89},
		// 19 of 20 chars would be 95; containment is capped below plural
		{"containment cap", "Principal Balance Amt", "principal_balance_amt_1", 90},
		// {l,o,a,n} vs {l,o,a,d}: 3 shared of 5
		{"overlap", "loan", "load", 60},
		{"disjoint", "abc", "xyz", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Score(tt.a, tt.b))
		})
	}
}

func TestScore_Commutative(t *testing.T) {
	names := []string{"", "Loan ID", "loan_id", "Payments", "ln_payments", "Escrow Balance",
		"balance", "Mystery Sheet", "Café", "x", "Servicer Expenses", "expenses"}
	s := NewCachedScorer(0)

	for _, a := range names {
		for _, b := range names {
			assert.Equal(t, Score(a, b), Score(b, a), "Score(%q, %q)", a, b)
			assert.Equal(t, s.Score(a, b), s.Score(b, a), "Scorer.Score(%q, %q)", a, b)
		}
	}
}

func TestScore_Bounds(t *testing.T) {
	names := []string{"a", "ab", "Loan Number", "loan_no", "123", "%%%", "Ünïcödé", "unicode"}
	for _, a := range names {
		for _, b := range names {
			got := Score(a, b)
			assert.GreaterOrEqual(t, got, 0)
			assert.LessOrEqual(t, got, 100)
		}
		assert.Equal(t, 100, Score(a, a), "self score of %q", a)
	}
}

func TestScore_InvalidInputIsZero(t *testing.T) {
	bad := string([]byte{0xff, 0xfe})
	assert.Equal(t, 0, Score(bad, "loan"))
	assert.Equal(t, 0, Score("---", "???"))

	var se *ScoringError
	require.True(t, errors.As(Check(bad), &se))
	assert.ErrorIs(t, Check("***"), ErrInvalidInput)
	assert.NoError(t, Check("Loan ID"))
	assert.NoError(t, Check(""))
}

func TestScorer_MemoizesOrderIndependently(t *testing.T) {
	s := NewCachedScorer(10)

	first := s.Score("Loan Amount", "amount")
	assert.Equal(t, 1, s.CacheLen())

	second := s.Score("amount", "Loan Amount")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, s.CacheLen(), "reversed pair must reuse the entry")

	s.ClearCache()
	assert.Equal(t, 0, s.CacheLen())
}

func TestPairKey_Unambiguous(t *testing.T) {
	assert.Equal(t, pairKey("loan", "amount"), pairKey("amount", "loan"))
	assert.NotEqual(t, pairKey("a\x00b", "c"), pairKey("a", "b\x00c"))
	assert.NotEqual(t, pairKey("ab", "c"), pairKey("a", "bc"))
}

func TestScorer_ExactAndEmptySkipCache(t *testing.T) {
	s := NewCachedScorer(10)
	s.Score("a", "a")
	s.Score("", "a")
	assert.Equal(t, 0, s.CacheLen())
}

func TestScorer_BoundedCache(t *testing.T) {
	s := NewCachedScorer(2)
	s.Score("alpha", "beta")
	s.Score("gamma", "delta")
	s.Score("epsilon", "zeta")
	assert.Equal(t, 2, s.CacheLen())
}

func TestScorer_NilCache(t *testing.T) {
	s := NewScorer(nil)
	assert.Equal(t, 100, s.Score("Loan ID", "loan_id"))
	assert.Equal(t, 0, s.CacheLen())
	s.ClearCache()
}

func TestScorer_Concurrent(t *testing.T) {
	s := NewCachedScorer(100)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.Equal(t, 100, s.Score("Loan ID", "loan_id"))
				assert.Equal(t, 95, s.Score("payment", "Payments"))
			}
		}()
	}
	wg.Wait()
}

func TestColumnName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Loan ID", "loan_id"},
		{"  Principal  Balance ($) ", "principal_balance"},
		{"Next_Due--Date", "next_due_date"},
		{"30 Day Late Count", "col_30_day_late_count"},
		{"Crédit Scöre", "credit_score"},
		{"???", ""},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ColumnName(tt.in), "ColumnName(%q)", tt.in)
	}
}

func TestColumnName_TruncatesToIdentifierLimit(t *testing.T) {
	long := "a very long header that keeps going well past the postgres identifier limit"
	got := ColumnName(long)
	assert.LessOrEqual(t, len(got), MaxIdentifierLength)
	assert.NotEqual(t, byte('_'), got[len(got)-1])
}
