package features

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/engine"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/frame"
	"github.com/takurot/mlprep/internal/types"
)

func prices(vals ...any) frame.LazyFrame {
	rows := make([][]any, len(vals))
	for i, v := range vals {
		rows[i] = []any{v}
	}
	return frame.FromRows("prices", frame.NewSchema(frame.Field{Name: "price", Type: types.Float64}), rows)
}

func cities(vals ...any) frame.LazyFrame {
	rows := make([][]any, len(vals))
	for i, v := range vals {
		rows[i] = []any{int64(i), v}
	}
	return frame.FromRows("cities", frame.NewSchema(
		frame.Field{Name: "id", Type: types.Int64},
		frame.Field{Name: "city", Type: types.String},
	), rows)
}

func spec(defs ...config.FeatureDef) config.FeatureSpec { return config.FeatureSpec{Features: defs} }

func collect(t *testing.T, f frame.LazyFrame) *engine.Table {
	t.Helper()
	out, err := engine.New(config.DefaultRuntime()).Collect(context.Background(), f)
	require.NoError(t, err)
	return out
}

func fit(t *testing.T, in frame.LazyFrame, s config.FeatureSpec) *State {
	t.Helper()
	st, err := Fit(context.Background(), engine.New(config.DefaultRuntime()), in, s, FitOptions{MaxCategories: 100})
	require.NoError(t, err)
	return st
}

/*
TestStandard_PopulationStd verifies standard scaling uses the population
standard deviation: fit on [10, 20, 30], 40 maps to about 2.449.
*/
func TestStandard_PopulationStd(t *testing.T) {
	s := spec(config.FeatureDef{Column: "price", Kind: config.FeatureStandard})
	st := fit(t, prices(10.0, 20.0, 30.0), s)
	p, ok := st.Params(s.Features[0])
	require.True(t, ok)
	require.InDelta(t, 20.0, *p.Mean, 1e-9)
	require.InDelta(t, 8.1650, *p.Std, 1e-4)

	out, err := Transform(prices(40.0, nil), s, st)
	require.NoError(t, err)
	tbl := collect(t, out)
	require.InDelta(t, 2.449, tbl.Rows[0][0], 1e-3)
	require.Nil(t, tbl.Rows[1][0])
}

/*
TestMinMax_Range verifies values inside the fitted range land in [0, 1] and
values outside it scale proportionally without clamping.
*/
func TestMinMax_Range(t *testing.T) {
	s := spec(config.FeatureDef{Column: "price", Kind: config.FeatureMinMax, Alias: "price_scaled"})
	st := fit(t, prices(10.0, 30.0, 20.0), s)

	out, err := Transform(prices(10.0, 15.0, 30.0, 40.0, 0.0), s, st)
	require.NoError(t, err)
	tbl := collect(t, out)
	require.Equal(t, []string{"price", "price_scaled"}, tbl.Schema.Names())
	require.Equal(t, []any{0.0, 0.25, 1.0, 1.5, -0.5}, tbl.Column("price_scaled"))
}

/*
TestScalers_ConstantColumn verifies a constant column maps to 0.5 under
minmax and 0 under standard scaling.
*/
func TestScalers_ConstantColumn(t *testing.T) {
	s := spec(
		config.FeatureDef{Column: "price", Kind: config.FeatureMinMax, Alias: "mm"},
		config.FeatureDef{Column: "price", Kind: config.FeatureStandard, Alias: "z"},
	)
	st := fit(t, prices(7.0, 7.0), s)
	out, err := Transform(prices(7.0, 9.0), s, st)
	require.NoError(t, err)
	tbl := collect(t, out)
	require.Equal(t, []any{0.5, 0.5}, tbl.Column("mm"))
	require.Equal(t, []any{0.0, 0.0}, tbl.Column("z"))
}

/*
TestOneHot verifies the vocabulary is sorted, nulls encode to all zeros and
an unseen category is a FeatureStateError without an other bucket.
*/
func TestOneHot(t *testing.T) {
	s := spec(config.FeatureDef{Column: "city", Kind: config.FeatureOneHot})
	st := fit(t, cities("tokyo", "osaka", "tokyo", nil), s)
	require.Equal(t, []string{"osaka", "tokyo"}, st.Features["city|onehot"].Categories)

	out, err := Transform(cities("osaka", nil, "tokyo"), s, st)
	require.NoError(t, err)
	tbl := collect(t, out)
	require.Equal(t, []string{"id", "city_osaka", "city_tokyo"}, tbl.Schema.Names())
	require.Equal(t, [][]any{
		{int64(0), int64(1), int64(0)},
		{int64(1), int64(0), int64(0)},
		{int64(2), int64(0), int64(1)},
	}, tbl.Rows)

	out, err = Transform(cities("kyoto"), s, st)
	require.NoError(t, err)
	_, err = engine.New(config.DefaultRuntime()).Collect(context.Background(), out)
	require.Equal(t, errs.CodeFeatureState, errs.CodeOf(err))
	require.Contains(t, err.Error(), "kyoto")
}

/*
TestOneHot_OtherBucket verifies categories beyond the cap and unseen
categories route to the reserved other bucket.
*/
func TestOneHot_OtherBucket(t *testing.T) {
	s := spec(config.FeatureDef{Column: "city", Kind: config.FeatureOneHot, Params: config.FeatureParams{
		MaxCategories: 1, ReserveOther: true, KeepOriginal: true,
	}})
	st := fit(t, cities("tokyo", "osaka", "tokyo"), s)
	p := st.Features["city|onehot"]
	require.Equal(t, []string{"tokyo"}, p.Categories)
	require.Equal(t, int64(1), *p.Other)

	out, err := Transform(cities("tokyo", "osaka", "kyoto"), s, st)
	require.NoError(t, err)
	tbl := collect(t, out)
	require.Equal(t, []string{"id", "city", "city_tokyo", "city_other"}, tbl.Schema.Names())
	require.Equal(t, []any{int64(1), int64(0), int64(0)}, tbl.Column("city_tokyo"))
	require.Equal(t, []any{int64(0), int64(1), int64(1)}, tbl.Column("city_other"))
}

/*
TestOneHot_DefaultCapOverflow verifies a vocabulary cut by the default cap
still transforms its own training data: the cut categories land in the
other bucket, while a category never seen during fit is still rejected.
*/
func TestOneHot_DefaultCapOverflow(t *testing.T) {
	s := spec(config.FeatureDef{Column: "city", Kind: config.FeatureOneHot})
	vals := make([]any, config.DefaultMaxCategories+1)
	for i := range vals {
		vals[i] = fmt.Sprintf("c%04d", i)
	}
	vals = append(vals, "c0000")
	data := cities(vals...)

	st, err := Fit(context.Background(), engine.New(config.DefaultRuntime()), data, s,
		FitOptions{MaxCategories: config.DefaultMaxCategories})
	require.NoError(t, err)
	p := st.Features["city|onehot"]
	require.Len(t, p.Categories, config.DefaultMaxCategories)
	require.Equal(t, []string{"c1000"}, p.Overflow)
	require.Equal(t, int64(1), *p.Other)

	out, err := Transform(data, s, st)
	require.NoError(t, err)
	tbl := collect(t, out)
	require.Equal(t, int64(1), tbl.Column("city_other")[config.DefaultMaxCategories])
	require.Equal(t, int64(1), tbl.Column("city_c0000")[config.DefaultMaxCategories+1])
	require.Equal(t, collect(t, out).Rows, tbl.Rows)

	out, err = Transform(cities("kyoto"), s, st)
	require.NoError(t, err)
	_, err = engine.New(config.DefaultRuntime()).Collect(context.Background(), out)
	require.Equal(t, errs.CodeFeatureState, errs.CodeOf(err))
	require.Contains(t, err.Error(), "kyoto")
}

/*
TestOneHot_NameCollision verifies indicator names that clash with the other
bucket or with an existing column are schema errors instead of silently
overwriting each other.
*/
func TestOneHot_NameCollision(t *testing.T) {
	s := spec(config.FeatureDef{Column: "city", Kind: config.FeatureOneHot, Params: config.FeatureParams{
		MaxCategories: 1, ReserveOther: true,
	}})
	_, err := Fit(context.Background(), engine.New(config.DefaultRuntime()), cities("other", "other", "x"), s, FitOptions{})
	require.Equal(t, errs.CodeSchema, errs.CodeOf(err))
	require.Contains(t, err.Error(), `"city_other"`)

	s = spec(config.FeatureDef{Column: "city", Kind: config.FeatureOneHot})
	st := fit(t, cities("x", "y"), s)
	clash := frame.FromRows("cities", frame.NewSchema(
		frame.Field{Name: "id", Type: types.Int64},
		frame.Field{Name: "city", Type: types.String},
		frame.Field{Name: "city_x", Type: types.Int64},
	), [][]any{{int64(0), "x", int64(7)}})
	_, err = Transform(clash, s, st)
	require.Equal(t, errs.CodeSchema, errs.CodeOf(err))
	require.Contains(t, err.Error(), "already exists")
}

/*
TestCountAndFrequency verifies fitted counts and shares, with unseen
categories taking zero or the other bucket statistic.
*/
func TestCountAndFrequency(t *testing.T) {
	s := spec(
		config.FeatureDef{Column: "city", Kind: config.FeatureCount, Alias: "city_count"},
		config.FeatureDef{Column: "city", Kind: config.FeatureFrequency, Alias: "city_freq", Params: config.FeatureParams{
			MaxCategories: 1, ReserveOther: true,
		}},
	)
	st := fit(t, cities("a", "b", "a", "c", nil), s)
	out, err := Transform(cities("a", "b", "z", nil), s, st)
	require.NoError(t, err)
	tbl := collect(t, out)
	require.Equal(t, []any{int64(2), int64(1), int64(0), int64(0)}, tbl.Column("city_count"))
	require.Equal(t, []any{0.5, 0.5, 0.5, 0.0}, tbl.Column("city_freq"))
}

/*
TestHashing verifies buckets are stable and within range.
*/
func TestHashing(t *testing.T) {
	s := spec(config.FeatureDef{Column: "city", Kind: config.FeatureHashing, Params: config.FeatureParams{Buckets: 8}})
	st := fit(t, cities("a"), s)
	out, err := Transform(cities("tokyo", "tokyo", nil), s, st)
	require.NoError(t, err)
	col := collect(t, out).Column("city")
	require.Equal(t, engine.HashBucket("tokyo", 8), col[0])
	require.Equal(t, col[0], col[1])
	require.Nil(t, col[2])

	_, err = Fit(context.Background(), engine.New(config.DefaultRuntime()), cities("a"),
		spec(config.FeatureDef{Column: "city", Kind: config.FeatureHashing}), FitOptions{})
	require.Equal(t, errs.CodeConfig, errs.CodeOf(err))
}

/*
TestTransform_RoundTripAndIdempotence verifies a saved and loaded state
transforms exactly like the in-memory one, and that repeated transforms
agree.
*/
func TestTransform_RoundTripAndIdempotence(t *testing.T) {
	s := spec(
		config.FeatureDef{Column: "city", Kind: config.FeatureFrequency, Alias: "f"},
		config.FeatureDef{Column: "city", Kind: config.FeatureOneHot, Params: config.FeatureParams{ReserveOther: true}},
	)
	data := cities("x", "y", "x", "z", nil)
	st := fit(t, data, s)

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, Save(path, st))
	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, st, loaded)

	a, err := Transform(data, s, st)
	require.NoError(t, err)
	b, err := Transform(data, s, loaded)
	require.NoError(t, err)
	first := collect(t, a)
	require.Equal(t, first.Rows, collect(t, b).Rows)
	require.Equal(t, first.Rows, collect(t, a).Rows)
}

/*
TestTransform_FingerprintMismatch verifies a state fitted for another spec is
refused.
*/
func TestTransform_FingerprintMismatch(t *testing.T) {
	s := spec(config.FeatureDef{Column: "price", Kind: config.FeatureMinMax})
	st := fit(t, prices(1.0, 2.0), s)

	changed := spec(config.FeatureDef{Column: "price", Kind: config.FeatureMinMax, Alias: "p"})
	require.NotEqual(t, Fingerprint(s), Fingerprint(changed))
	_, err := Transform(prices(1.0), changed, st)
	require.Equal(t, errs.CodeFeatureState, errs.CodeOf(err))
}

/*
TestEngine_StateMachine verifies transform before fit fails, fit is one-shot
and a loaded state makes the engine fitted.
*/
func TestEngine_StateMachine(t *testing.T) {
	ctx := context.Background()
	eng := engine.New(config.DefaultRuntime())
	s := spec(config.FeatureDef{Column: "price", Kind: config.FeatureStandard})

	fe := NewEngine(s)
	require.False(t, fe.Fitted())
	_, err := fe.Transform(prices(1.0))
	require.Equal(t, errs.CodeFeatureState, errs.CodeOf(err))

	st, err := fe.Fit(ctx, eng, prices(1.0, 3.0), FitOptions{})
	require.NoError(t, err)
	require.True(t, fe.Fitted())
	_, err = fe.Fit(ctx, eng, prices(1.0, 3.0), FitOptions{})
	require.Equal(t, errs.CodeFeatureState, errs.CodeOf(err))

	out, err := fe.Transform(prices(3.0))
	require.NoError(t, err)
	require.Equal(t, []any{1.0}, collect(t, out).Column("price"))

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, Save(path, st))
	loaded := NewEngine(s)
	require.NoError(t, loaded.Load(path))
	require.True(t, loaded.Fitted())
}

/*
TestState_Errors verifies unknown format versions and unknown columns.
*/
func TestState_Errors(t *testing.T) {
	_, err := ReadState(bytes.NewBufferString(`{"format_version": 9, "spec_fingerprint": "ab", "features": {}}`))
	require.Equal(t, errs.CodeFeatureState, errs.CodeOf(err))

	_, err = ReadState(bytes.NewBufferString(`{not json`))
	require.Equal(t, errs.CodeFeatureState, errs.CodeOf(err))

	_, err = Fit(context.Background(), engine.New(config.DefaultRuntime()), prices(1.0),
		spec(config.FeatureDef{Column: "cost", Kind: config.FeatureMinMax}), FitOptions{})
	require.Equal(t, errs.CodeSchema, errs.CodeOf(err))

	var buf bytes.Buffer
	st := fit(t, prices(1.0, 2.0), spec(config.FeatureDef{Column: "price", Kind: config.FeatureMinMax}))
	require.NoError(t, WriteState(&buf, st))
	require.Contains(t, buf.String(), `"price|minmax"`)
	require.Contains(t, buf.String(), `"format_version": 1`)
}
