package expr

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/takurot/mlprep/internal/types"
)

var testBudget = Budget{MaxInput: 1024, Timeout: time.Second}

/*
TestParseCondition_Precedence verifies that AND binds tighter than OR,
arithmetic binds tighter than comparison, and parentheses override both.
*/
func TestParseCondition_Precedence(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"a > 1", "GT(col(a), 1)"},
		{"a = 1 OR b = 2 AND c = 3", "OR(EQ(col(a), 1), AND(EQ(col(b), 2), EQ(col(c), 3)))"},
		{"(a = 1 OR b = 2) AND c = 3", "AND(OR(EQ(col(a), 1), EQ(col(b), 2)), EQ(col(c), 3))"},
		{"a + b * 2 >= 10", "GTE(ADD(col(a), MUL(col(b), 2)), 10)"},
		{"NOT a <> 'x'", "NOT(NEQ(col(a), \"x\"))"},
		{"x IS NULL", "IS_NULL(col(x))"},
		{"x is not null", "IS_NOT_NULL(col(x))"},
		{"price BETWEEN 1.5 AND 3", "AND(GTE(col(price), 1.5), LTE(col(price), 3))"},
		{"a = -5", "EQ(col(a), -5)"},
		{`"first name" = 'Ann'`, "EQ(col(first name), \"Ann\")"},
		{"col('odd col') != 'it''s'", "NEQ(col(odd col), \"it's\")"},
		{"flag = TRUE AND v = NULL", "AND(EQ(col(flag), true), EQ(col(v), NULL))"},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			e, err := ParseCondition(tt.src, ParseOptions{})
			require.NoError(t, err)
			require.Equal(t, tt.want, e.String())
		})
	}
}

/*
TestParseCondition_InList verifies IN and NOT IN produce set membership over
the string form of the literals.
*/
func TestParseCondition_InList(t *testing.T) {
	e, err := ParseCondition("country IN ('DE', 'FR', 3)", ParseOptions{})
	require.NoError(t, err)
	in, ok := e.(*InSet)
	require.True(t, ok)
	require.True(t, in.Contains("DE"))
	require.True(t, in.Contains("3"))
	require.False(t, in.Contains("US"))

	e, err = ParseCondition("country NOT IN ('DE')", ParseOptions{})
	require.NoError(t, err)
	require.Equal(t, types.UnaryOpNot, e.(*Unary).Op)
}

/*
TestParseCondition_Regexp verifies REGEXP and LIKE carry the supplied budget
and that a condition using them without a budget is rejected.
*/
func TestParseCondition_Regexp(t *testing.T) {
	e, err := ParseCondition("email REGEXP '^[^@]+@'", ParseOptions{Budget: testBudget})
	require.NoError(t, err)
	m, ok := e.(*Match)
	require.True(t, ok)
	require.Equal(t, testBudget, m.Budget)
	require.Equal(t, ExceedFail, m.OnExceed)
	require.True(t, m.Re.MatchString("a@x.com"))

	e, err = ParseCondition("name LIKE 'a_c%'", ParseOptions{Budget: testBudget})
	require.NoError(t, err)
	m = e.(*Match)
	require.True(t, m.Re.MatchString("abcdef"))
	require.False(t, m.Re.MatchString("xabc"))

	_, err = ParseCondition("email REGEXP 'x'", ParseOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "budget")

	_, err = ParseCondition("email REGEXP '"+strings.Repeat("a", 20)+"'", ParseOptions{Budget: testBudget, MaxPatternLen: 10})
	require.ErrorContains(t, err, "pattern longer than 10 bytes")
}

/*
TestParseCondition_Errors verifies malformed input reports a SyntaxError with
the offending offset.
*/
func TestParseCondition_Errors(t *testing.T) {
	tests := []struct {
		src string
		pos int
	}{
		{"a >", 3},
		{"a = 'open", 4},
		{"(a = 1", 6},
		{"a = 1 b", 6},
		{"a ! 1", 2},
		{"a IN 1", 5},
		{"AND = 1", 0},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			_, err := ParseCondition(tt.src, ParseOptions{})
			var se *SyntaxError
			require.ErrorAs(t, err, &se)
			require.Equal(t, tt.pos, se.Pos)
		})
	}
}

/*
TestParseCondition_DepthLimit verifies pathological nesting is rejected
instead of exhausting the stack.
*/
func TestParseCondition_DepthLimit(t *testing.T) {
	src := strings.Repeat("(", 200) + "a = 1" + strings.Repeat(")", 200)
	_, err := ParseCondition(src, ParseOptions{})
	require.ErrorContains(t, err, "nested deeper")

	src = strings.Repeat("(", 10) + "a = 1" + strings.Repeat(")", 10)
	_, err = ParseCondition(src, ParseOptions{})
	require.NoError(t, err)
}

/*
TestColumns verifies column collection includes window partition and order
columns and is sorted and de-duplicated.
*/
func TestColumns(t *testing.T) {
	e := And(Gt(Col("b"), Lit(1)), IsNotNull(Col("a")))
	w := &Over{Agg: AggOf(types.AggSum, Col("v")), PartitionBy: []string{"g"}, OrderBy: "ts"}
	require.Equal(t, []string{"a", "b", "g", "ts", "v"}, Columns(e, w, Col("a")))
	require.True(t, HasWindow(Add(w, Lit(1))))
	require.False(t, HasWindow(e))
}

/*
TestFold verifies empty AND/OR fold to their identity literals.
*/
func TestFold(t *testing.T) {
	require.Equal(t, "true", And().String())
	require.Equal(t, "false", Or().String())
	require.Equal(t, "col(a)", Or(Col("a")).String())
}

/*
TestNewMatch_RequiresBudget verifies the budget is mandatory and invalid
patterns surface as errors.
*/
func TestNewMatch_RequiresBudget(t *testing.T) {
	_, err := NewMatch(Col("a"), "x", Budget{MaxInput: 10}, ExceedNoMatch)
	require.Error(t, err)
	_, err = NewMatch(Col("a"), "(", testBudget, ExceedNoMatch)
	require.Error(t, err)
	m, err := NewMatch(Col("a"), "^x$", testBudget, ExceedNoMatch)
	require.NoError(t, err)
	require.Equal(t, ExceedNoMatch, m.OnExceed)
}
