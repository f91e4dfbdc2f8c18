package frame

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/expr"
	"github.com/takurot/mlprep/internal/types"
)

func testScan() LazyFrame {
	return ScanInput(config.InputSpec{Name: "in", Path: "in.csv"}, NewSchema(
		Field{Name: "id", Type: types.Int64},
		Field{Name: "age", Type: types.Int64},
		Field{Name: "email", Type: types.String},
		Field{Name: "score", Type: types.Float64},
	))
}

/*
TestSchema_Propagation verifies output schemas of the plan nodes, including
expression type inference and join collision renaming.
*/
func TestSchema_Propagation(t *testing.T) {
	f := testScan().
		WithColumns(
			NamedExpr{Name: "ratio", Expr: expr.Div(expr.Col("age"), expr.Lit(2))},
			NamedExpr{Name: "age", Expr: expr.Add(expr.Col("age"), expr.Lit(1))},
			NamedExpr{Name: "adult", Expr: expr.Gte(expr.Col("age"), expr.Lit(18))},
		).
		Drop("email")
	require.Equal(t, "[id:Int64, age:Int64, score:Float64, ratio:Float64, adult:Boolean]", f.Schema().String())

	agg := f.Aggregate([]string{"adult"},
		NamedAgg{Name: "n", Agg: expr.CountRows()},
		NamedAgg{Name: "mean_score", Agg: expr.AggOf(types.AggMean, expr.Col("score"))},
		NamedAgg{Name: "total_age", Agg: expr.AggOf(types.AggSum, expr.Col("age"))},
	)
	require.Equal(t, "[adult:Boolean, n:Int64, mean_score:Float64, total_age:Int64]", agg.Schema().String())

	right := FromRows("r", NewSchema(Field{Name: "id", Type: types.Int64}, Field{Name: "score", Type: types.Float64}, Field{Name: "tier", Type: types.String}), nil)
	j := testScan().Join(right, []string{"id"}, []string{"id"}, config.JoinInner, "")
	require.Equal(t, []string{"id", "age", "email", "score", "score_right", "tier"}, j.Schema().Names())
}

/*
TestOptimize_PushesFilterToScan verifies a filter above projections, sorts and
unrelated column derivations ends up on the scan, and that the source plan is
left untouched.
*/
func TestOptimize_PushesFilterToScan(t *testing.T) {
	f := testScan().
		WithColumns(NamedExpr{Name: "double", Expr: expr.Mul(expr.Col("score"), expr.Lit(2))}).
		Sort(SortKey{Column: "id"}).
		Select("id", "age", "double").
		Filter(expr.Gt(expr.Col("age"), expr.Lit(18)))
	before := f.String()

	opt := f.Optimize()
	require.Equal(t, before, f.String())

	want := "Project [id, age, double]\n" +
		"  Sort [id]\n" +
		"    WithColumns [double=MUL(col(score), 2)]\n" +
		"      Scan in (in.csv) columns=[id, age, score] predicate=GT(col(age), 18)\n"
	require.Equal(t, want, opt.String())
	require.Equal(t, f.Schema(), opt.Schema())
}

/*
TestOptimize_KeepsFilterAboveDefinitions verifies a filter on a derived or
windowed column is not pushed below its definition.
*/
func TestOptimize_KeepsFilterAboveDefinitions(t *testing.T) {
	f := testScan().
		WithColumns(NamedExpr{Name: "n", Expr: expr.OverPartition(expr.CountRows(), "email")}).
		Filter(expr.Gt(expr.Col("age"), expr.Lit(1)))
	opt := f.Optimize()
	_, isFilter := opt.Node().(*Filter)
	require.True(t, isFilter, opt.String())

	g := testScan().
		WithColumns(NamedExpr{Name: "age2", Expr: expr.Add(expr.Col("age"), expr.Lit(1))}).
		Filter(expr.Gt(expr.Col("age2"), expr.Lit(1)))
	_, isFilter = g.Optimize().Node().(*Filter)
	require.True(t, isFilter)
}

/*
TestOptimize_MergesFilters verifies adjacent filters fold into one scan
predicate and a literal-true filter disappears.
*/
func TestOptimize_MergesFilters(t *testing.T) {
	f := testScan().
		Filter(expr.Gt(expr.Col("age"), expr.Lit(1))).
		Filter(expr.Lit(true)).
		Filter(expr.IsNotNull(expr.Col("email")))
	scan, ok := f.Optimize().Node().(*Scan)
	require.True(t, ok)
	require.Equal(t, "AND(GT(col(age), 1), IS_NOT_NULL(col(email)))", scan.Predicate.String())
	require.Nil(t, scan.Projection)
}

/*
TestOptimize_JoinSides verifies filters move to the join side that owns their
columns, and never below an outer join.
*/
func TestOptimize_JoinSides(t *testing.T) {
	right := FromRows("r", NewSchema(Field{Name: "id", Type: types.Int64}, Field{Name: "tier", Type: types.String}), nil)

	j := testScan().Join(right, []string{"id"}, []string{"id"}, config.JoinInner, "").
		Filter(expr.Eq(expr.Col("tier"), expr.Lit("gold")))
	join, ok := j.Optimize().Node().(*Join)
	require.True(t, ok)
	_, ok = join.Right.(*Filter)
	require.True(t, ok)

	o := testScan().Join(right, []string{"id"}, []string{"id"}, config.JoinOuter, "").
		Filter(expr.Eq(expr.Col("tier"), expr.Lit("gold")))
	_, ok = o.Optimize().Node().(*Filter)
	require.True(t, ok)
}

/*
TestOptimize_PrunesForAggregate verifies a global aggregate only reads the
columns its aggregates use.
*/
func TestOptimize_PrunesForAggregate(t *testing.T) {
	f := testScan().Aggregate(nil,
		CountAll("rows"),
		NamedAgg{Name: "m", Agg: expr.AggOf(types.AggMax, expr.Col("score"))},
	)
	agg := f.Optimize().Node().(*Aggregate)
	scan := agg.Input.(*Scan)
	require.Equal(t, []string{"score"}, scan.Projection)
}

/*
TestIsBreaker verifies which nodes need their whole input.
*/
func TestIsBreaker(t *testing.T) {
	s := testScan()
	require.True(t, IsBreaker(s.Sort(SortKey{Column: "id"}).Node()))
	require.True(t, IsBreaker(s.FillDirectional(nil, false).Node()))
	require.False(t, IsBreaker(s.FillDirectional(nil, true).Node()))
	require.True(t, IsBreaker(s.WithColumns(NamedExpr{Name: "x", Expr: expr.OverAll(expr.CountRows())}).Node()))
	require.False(t, IsBreaker(s.Filter(expr.Lit(true)).Node()))
}
