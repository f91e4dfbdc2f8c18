package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/expr"
	"github.com/takurot/mlprep/internal/frame"
	"github.com/takurot/mlprep/internal/source"
	"github.com/takurot/mlprep/internal/types"
)

var people = frame.NewSchema(
	frame.Field{Name: "id", Type: types.Int64},
	frame.Field{Name: "dept", Type: types.String},
	frame.Field{Name: "age", Type: types.Int64},
	frame.Field{Name: "score", Type: types.Float64},
)

func peopleFrame() frame.LazyFrame {
	return frame.FromRows("people", people, [][]any{
		{int64(1), "eng", int64(30), 1.5},
		{int64(2), "ops", nil, 2.0},
		{int64(3), "eng", int64(40), nil},
		{int64(4), "ops", int64(25), 4.0},
		{int64(5), nil, int64(35), 5.0},
	})
}

func collect(t *testing.T, e Engine, f frame.LazyFrame) *Table {
	t.Helper()
	out, err := e.Collect(context.Background(), f)
	require.NoError(t, err)
	return out
}

/*
TestEval_ThreeValuedLogic verifies that null comparisons yield null, that
filters treat null as false and that AND/OR follow Kleene logic.
*/
func TestEval_ThreeValuedLogic(t *testing.T) {
	e := New(config.DefaultRuntime())

	out := collect(t, e, peopleFrame().Filter(expr.Gt(expr.Col("age"), expr.Lit(28))))
	require.Equal(t, []any{int64(1), int64(3), int64(5)}, out.Column("id"))

	out = collect(t, e, peopleFrame().WithColumns(
		frame.NamedExpr{Name: "or", Expr: expr.Or(expr.Gt(expr.Col("age"), expr.Lit(100)), expr.Eq(expr.Col("dept"), expr.Lit("ops")))},
		frame.NamedExpr{Name: "and", Expr: expr.And(expr.Gt(expr.Col("age"), expr.Lit(0)), expr.Eq(expr.Col("dept"), expr.Lit("eng")))},
	))
	require.Equal(t, []any{false, true, false, true, nil}, out.Column("or"))
	require.Equal(t, []any{true, false, true, false, nil}, out.Column("and"))
}

/*
TestEval_Arithmetic verifies integer arithmetic stays Int64, division yields
Float64 and division by zero and overflow are ComputeErrors.
*/
func TestEval_Arithmetic(t *testing.T) {
	e := New(config.DefaultRuntime())
	out := collect(t, e, peopleFrame().Select("id", "age").WithColumns(
		frame.NamedExpr{Name: "next", Expr: expr.Add(expr.Col("age"), expr.Lit(1))},
		frame.NamedExpr{Name: "half", Expr: expr.Div(expr.Col("age"), expr.Lit(2))},
	))
	require.Equal(t, []any{int64(31), nil, int64(41), int64(26), int64(36)}, out.Column("next"))
	require.Equal(t, []any{15.0, nil, 20.0, 12.5, 17.5}, out.Column("half"))

	_, err := e.Collect(context.Background(), peopleFrame().WithColumns(
		frame.NamedExpr{Name: "bad", Expr: expr.Div(expr.Col("id"), expr.Lit(0))},
	))
	require.Equal(t, errs.CodeCompute, errs.CodeOf(err))

	_, err = e.Collect(context.Background(), peopleFrame().WithColumns(
		frame.NamedExpr{Name: "big", Expr: expr.Mul(expr.Col("id"), expr.Lit(int64(1)<<62))},
	))
	require.Equal(t, errs.CodeCompute, errs.CodeOf(err))
	require.Contains(t, err.Error(), "overflow")
}

/*
TestEval_Cast verifies strict casts fail with the column named while try
casts yield null.
*/
func TestEval_Cast(t *testing.T) {
	e := New(config.DefaultRuntime())
	raw := frame.FromRows("raw", frame.NewSchema(frame.Field{Name: "v", Type: types.String}), [][]any{{"12"}, {"x"}, {nil}})

	out := collect(t, e, raw.WithColumns(frame.NamedExpr{Name: "n", Expr: expr.TryCast(expr.Col("v"), types.Int64)}))
	require.Equal(t, []any{int64(12), nil, nil}, out.Column("n"))

	_, err := e.Collect(context.Background(), raw.WithColumns(frame.NamedExpr{Name: "n", Expr: expr.CastTo(expr.Col("v"), types.Int64)}))
	var e2 *errs.Error
	require.True(t, errors.As(err, &e2))
	require.Equal(t, errs.CodeCompute, e2.Code)
	require.Equal(t, "v", e2.Column)
}

/*
TestEval_RegexBudget verifies oversized inputs either fail or count as no
match depending on the exceed policy.
*/
func TestEval_RegexBudget(t *testing.T) {
	e := New(config.DefaultRuntime())
	raw := frame.FromRows("raw", frame.NewSchema(frame.Field{Name: "s", Type: types.String}), [][]any{
		{"a@b.io"}, {strings.Repeat("a", 64) + "@b.io"}, {nil},
	})
	budget := expr.Budget{MaxInput: 16, Timeout: time.Second}

	m, err := expr.NewMatch(expr.Col("s"), `^[^@]+@[^@]+$`, budget, expr.ExceedNoMatch)
	require.NoError(t, err)
	out := collect(t, e, raw.WithColumns(frame.NamedExpr{Name: "ok", Expr: m}))
	require.Equal(t, []any{true, false, nil}, out.Column("ok"))

	m, err = expr.NewMatch(expr.Col("s"), `^[^@]+@[^@]+$`, budget, expr.ExceedFail)
	require.NoError(t, err)
	_, err = e.Collect(context.Background(), raw.WithColumns(frame.NamedExpr{Name: "ok", Expr: m}))
	require.Equal(t, errs.CodeCompute, errs.CodeOf(err))
	require.Contains(t, err.Error(), "max_input")
}

/*
TestEval_HashBucket verifies bucket assignment is stable and in range.
*/
func TestEval_HashBucket(t *testing.T) {
	for _, s := range []string{"", "a", "tokyo", "東京"} {
		b := HashBucket(s, 7)
		require.GreaterOrEqual(t, b, int64(0))
		require.Less(t, b, int64(7))
		require.Equal(t, b, HashBucket(s, 7))
	}
	require.Equal(t, int64(0), HashBucket("x", 0))
}

/*
TestAggregate_GroupBy verifies groups come out in first-appearance order,
nulls form their own group and each function skips nulls.
*/
func TestAggregate_GroupBy(t *testing.T) {
	e := New(config.DefaultRuntime())
	out := collect(t, e, peopleFrame().Aggregate([]string{"dept"},
		frame.NamedAgg{Name: "n", Agg: expr.CountRows()},
		frame.NamedAgg{Name: "ages", Agg: expr.AggOf(types.AggCount, expr.Col("age"))},
		frame.NamedAgg{Name: "total", Agg: expr.AggOf(types.AggSum, expr.Col("age"))},
		frame.NamedAgg{Name: "mean", Agg: expr.AggOf(types.AggMean, expr.Col("score"))},
		frame.NamedAgg{Name: "oldest", Agg: expr.AggOf(types.AggMax, expr.Col("age"))},
	))
	require.Equal(t, []any{"eng", "ops", nil}, out.Column("dept"))
	require.Equal(t, []any{int64(2), int64(2), int64(1)}, out.Column("n"))
	require.Equal(t, []any{int64(2), int64(1), int64(1)}, out.Column("ages"))
	require.Equal(t, []any{int64(70), int64(25), int64(35)}, out.Column("total"))
	require.Equal(t, []any{1.5, 3.0, 5.0}, out.Column("mean"))
	require.Equal(t, []any{int64(40), int64(25), int64(35)}, out.Column("oldest"))
}

/*
TestAggregate_Global verifies a global aggregate over an empty input still
yields one row, and covers the dispersion and distinct counts.
*/
func TestAggregate_Global(t *testing.T) {
	e := New(config.DefaultRuntime())
	empty := peopleFrame().Filter(expr.Lit(false)).Aggregate(nil,
		frame.NamedAgg{Name: "n", Agg: expr.CountRows()},
		frame.NamedAgg{Name: "mean", Agg: expr.AggOf(types.AggMean, expr.Col("score"))},
	)
	out := collect(t, e, empty)
	require.Equal(t, [][]any{{int64(0), nil}}, out.Rows)

	out = collect(t, e, peopleFrame().Aggregate(nil,
		frame.NamedAgg{Name: "std_pop", Agg: expr.AggOf(types.AggStdPop, expr.Col("age"))},
		frame.NamedAgg{Name: "var", Agg: expr.AggOf(types.AggVar, expr.Col("age"))},
		frame.NamedAgg{Name: "median", Agg: expr.AggOf(types.AggMedian, expr.Col("age"))},
		frame.NamedAgg{Name: "depts", Agg: expr.AggOf(types.AggNUnique, expr.Col("dept"))},
		frame.NamedAgg{Name: "nulls", Agg: expr.AggOf(types.AggNullCount, expr.Col("score"))},
		frame.NamedAgg{Name: "counts", Agg: expr.AggOf(types.AggCounts, expr.Col("dept"))},
	))
	rec := out.Record(0)
	require.InDelta(t, 5.5902, rec["std_pop"], 1e-4)
	require.InDelta(t, 41.6667, rec["var"], 1e-4)
	require.Equal(t, 32.5, rec["median"])
	require.Equal(t, int64(2), rec["depts"])
	require.Equal(t, int64(1), rec["nulls"])
	require.Equal(t, map[string]int64{"eng": 2, "ops": 2}, rec["counts"])
}

/*
TestWindow_Functions verifies partition aggregates are broadcast and ordered
window functions follow the partition order.
*/
func TestWindow_Functions(t *testing.T) {
	e := New(config.DefaultRuntime())
	ordered := func(f types.AggFunc, x expr.Expr) expr.Expr {
		return &expr.Over{Agg: &expr.Agg{Func: f, X: x}, PartitionBy: []string{"dept"}, OrderBy: "age"}
	}
	out := collect(t, e, peopleFrame().Filter(expr.IsNotNull(expr.Col("dept"))).WithColumns(
		frame.NamedExpr{Name: "dept_n", Expr: expr.OverPartition(expr.CountRows(), "dept")},
		frame.NamedExpr{Name: "rn", Expr: ordered(types.AggRowNumber, nil)},
		frame.NamedExpr{Name: "running", Expr: ordered(types.AggCumSum, expr.Col("age"))},
		frame.NamedExpr{Name: "prev", Expr: ordered(types.AggLag, expr.Col("id"))},
	))
	// Rows: 1 eng 30, 2 ops nil, 3 eng 40, 4 ops 25.
	require.Equal(t, []any{int64(2), int64(2), int64(2), int64(2)}, out.Column("dept_n"))
	require.Equal(t, []any{int64(1), int64(2), int64(2), int64(1)}, out.Column("rn"))
	require.Equal(t, []any{int64(30), nil, int64(70), int64(25)}, out.Column("running"))
	require.Equal(t, []any{nil, int64(4), int64(1), nil}, out.Column("prev"))
}

/*
TestWindow_Rank verifies ties share the lowest rank.
*/
func TestWindow_Rank(t *testing.T) {
	e := New(config.DefaultRuntime())
	in := frame.FromRows("r", frame.NewSchema(frame.Field{Name: "v", Type: types.Int64}), [][]any{
		{int64(20)}, {int64(10)}, {int64(20)}, {nil}, {int64(30)},
	})
	out := collect(t, e, in.WithColumns(frame.NamedExpr{Name: "rank", Expr: expr.OverAll(expr.AggOf(types.AggRank, expr.Col("v")))}))
	require.Equal(t, []any{int64(2), int64(1), int64(2), nil, int64(4)}, out.Column("rank"))
}

/*
TestWindow_Filter verifies a filter on a window value sees the whole input.
*/
func TestWindow_Filter(t *testing.T) {
	e := New(config.RuntimeConfig{BatchSize: 2})
	out := collect(t, e, peopleFrame().Filter(
		expr.Gt(expr.Col("age"), expr.OverAll(expr.AggOf(types.AggMean, expr.Col("age")))),
	))
	require.Equal(t, []any{int64(3), int64(5)}, out.Column("id"))
}

/*
TestSort_NullsLast verifies stable multi-key sorting with nulls last in both
directions.
*/
func TestSort_NullsLast(t *testing.T) {
	e := New(config.DefaultRuntime())
	out := collect(t, e, peopleFrame().Sort(frame.SortKey{Column: "age", Desc: true}))
	require.Equal(t, []any{int64(3), int64(5), int64(1), int64(4), int64(2)}, out.Column("id"))

	out = collect(t, e, peopleFrame().Sort(frame.SortKey{Column: "dept"}, frame.SortKey{Column: "score", Desc: true}))
	require.Equal(t, []any{int64(1), int64(3), int64(4), int64(2), int64(5)}, out.Column("id"))
}

/*
TestJoin_Kinds verifies inner, left, right, outer and cross joins, including
null keys that never match.
*/
func TestJoin_Kinds(t *testing.T) {
	e := New(config.DefaultRuntime())
	depts := frame.FromRows("depts", frame.NewSchema(
		frame.Field{Name: "dept", Type: types.String},
		frame.Field{Name: "floor", Type: types.Int64},
	), [][]any{{"eng", int64(3)}, {"hr", int64(1)}, {nil, int64(9)}})
	left := peopleFrame().Select("id", "dept")
	on := []string{"dept"}

	out := collect(t, e, left.Join(depts, on, on, config.JoinInner, ""))
	require.Equal(t, []string{"id", "dept", "floor"}, out.Schema.Names())
	require.Equal(t, [][]any{{int64(1), "eng", int64(3)}, {int64(3), "eng", int64(3)}}, out.Rows)

	out = collect(t, e, left.Join(depts, on, on, config.JoinLeft, ""))
	require.Equal(t, []any{int64(3), nil, int64(3), nil, nil}, out.Column("floor"))

	out = collect(t, e, left.Join(depts, on, on, config.JoinRight, ""))
	require.Equal(t, [][]any{
		{int64(1), "eng", int64(3)},
		{int64(3), "eng", int64(3)},
		{nil, "hr", int64(1)},
		{nil, nil, int64(9)},
	}, out.Rows)

	out = collect(t, e, left.Join(depts, on, on, config.JoinOuter, ""))
	require.Equal(t, 7, out.Len())

	out = collect(t, e, left.Join(depts, nil, nil, config.JoinCross, ""))
	require.Equal(t, 15, out.Len())
	require.Equal(t, []string{"id", "dept", "dept_right", "floor"}, out.Schema.Names())
}

/*
TestFillNull verifies forward and backward fill across batch boundaries.
*/
func TestFillNull(t *testing.T) {
	e := New(config.RuntimeConfig{BatchSize: 2})
	in := frame.FromRows("f", frame.NewSchema(frame.Field{Name: "v", Type: types.Int64}), [][]any{
		{nil}, {int64(1)}, {nil}, {nil}, {int64(4)}, {nil},
	})
	out := collect(t, e, in.FillDirectional(nil, true))
	require.Equal(t, []any{nil, int64(1), int64(1), int64(1), int64(4), int64(4)}, out.Column("v"))

	out = collect(t, e, in.FillDirectional([]string{"v"}, false))
	require.Equal(t, []any{int64(1), int64(1), int64(4), int64(4), int64(4), nil}, out.Column("v"))
}

/*
TestMemoryLimit verifies a pipeline breaker over the limit fails with a
MemoryError instead of growing.
*/
func TestMemoryLimit(t *testing.T) {
	e := New(config.RuntimeConfig{MemoryLimit: 256})
	_, err := e.Collect(context.Background(), peopleFrame().Sort(frame.SortKey{Column: "id"}))
	require.Equal(t, errs.CodeMemory, errs.CodeOf(err))
	require.Contains(t, err.Error(), "memory limit")
}

/*
TestStream_Batches verifies Stream hands out batches in row order.
*/
func TestStream_Batches(t *testing.T) {
	e := New(config.RuntimeConfig{BatchSize: 2, Threads: 4})
	var sizes []int
	var ids []any
	err := e.Stream(context.Background(), peopleFrame(), func(b *Table) error {
		sizes = append(sizes, b.Len())
		ids = append(ids, b.Column("id")...)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{2, 2, 1}, sizes)
	require.Equal(t, []any{int64(1), int64(2), int64(3), int64(4), int64(5)}, ids)
}

/*
TestScan_CSV verifies a scan reads the predicate column even when the
projection drops it, and that a cached input is read once.
*/
func TestScan_CSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,age,email\n1,30,a@x.io\n2,15,b@x.io\n3,50,\n"), 0o644))
	in := config.InputSpec{Name: "in", Path: path, Format: config.FormatCSV}
	schema, err := source.Probe(context.Background(), in)
	require.NoError(t, err)

	opens := 0
	rt := config.DefaultRuntime()
	rt.Cache = true
	e := New(rt, WithOpener(func(ctx context.Context, in config.InputSpec, s frame.Schema) (source.Reader, error) {
		opens++
		return source.Open(ctx, in, s)
	}))
	f := frame.ScanInput(in, schema).Filter(expr.Gte(expr.Col("age"), expr.Lit(18))).Select("email")

	out := collect(t, e, f)
	require.Equal(t, []string{"email"}, out.Schema.Names())
	require.Equal(t, []any{"a@x.io", nil}, out.Column("email"))

	out = collect(t, e, frame.ScanInput(in, schema).Select("id"))
	require.Equal(t, []any{int64(1), int64(2), int64(3)}, out.Column("id"))
	require.Equal(t, 1, opens)

	e.Reset()
	collect(t, e, frame.ScanInput(in, schema))
	require.Equal(t, 2, opens)
}

/*
TestTracker_Release verifies released rows leave the account while the peak
is kept, and the limit applies to current usage.
*/
func TestTracker_Release(t *testing.T) {
	rows := [][]any{{"abcd", int64(1)}}
	size := sizeOf(rows)
	m := newTracker(2 * size)
	require.NoError(t, m.charge("sort", rows))
	require.NoError(t, m.charge("sort", rows))
	m.release(rows)
	require.Equal(t, size, m.used)
	require.Equal(t, 2*size, m.peak)
	require.NoError(t, m.charge("sort", rows))
	require.Error(t, m.charge("sort", rows))

	var nilTracker *tracker
	nilTracker.release(rows)
}
