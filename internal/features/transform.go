package features

import (
	"math"
	"sort"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/expr"
	"github.com/takurot/mlprep/internal/frame"
	"github.com/takurot/mlprep/internal/types"
)

// Transformer is the fit/transform pair of one feature kind.
type Transformer interface {
	// Stats returns the aggregates fitting def needs. Fit evaluates the
	// aggregates of every feature in one plan.
	Stats(def config.FeatureDef) []*expr.Agg
	// Fit turns the evaluated stats, in Stats order, into parameters.
	Fit(def config.FeatureDef, stats []any, opts FitOptions) (Params, error)
	// Apply adds the outputs of def to f. It never aggregates.
	Apply(f frame.LazyFrame, def config.FeatureDef, p Params) (frame.LazyFrame, error)
}

// FitOptions are the runtime settings that shape fitted parameters.
type FitOptions struct {
	// MaxCategories caps vocabularies of features that set no cap of their
	// own. Zero means no cap.
	MaxCategories int
}

var registry = map[config.FeatureKind]Transformer{
	config.FeatureMinMax:    minMax{},
	config.FeatureStandard:  standard{},
	config.FeatureOneHot:    oneHot{},
	config.FeatureCount:     encoder{},
	config.FeatureFrequency: encoder{frequency: true},
	config.FeatureHashing:   hashing{},
}

// Lookup returns the transformer registered for kind.
func Lookup(kind config.FeatureKind) (Transformer, bool) {
	t, ok := registry[kind]
	return t, ok
}

// constEpsilon is the spread below which a column counts as constant.
const constEpsilon = 1e-12

func asFloat(e expr.Expr) expr.Expr { return expr.CastTo(e, types.Float64) }

// category is the canonical key of a categorical value.
func category(column string) expr.Expr { return expr.Normalize(expr.Col(column)) }

// ifPresent yields v for non-null values of column and null otherwise.
func ifPresent(column string, v any) expr.Expr {
	return &expr.Case{When: expr.IsNotNull(expr.Col(column)), Then: expr.Lit(v)}
}

func noValues(def config.FeatureDef) error {
	return errs.Computef("%s: column has no non-null values to fit", def.Key()).WithColumn(def.Column)
}

func floatStat(v any) (*float64, bool) {
	f, ok := types.ToFloat(v)
	if v == nil || !ok || math.IsNaN(f) {
		return nil, false
	}
	return &f, true
}

type minMax struct{}

func (minMax) Stats(def config.FeatureDef) []*expr.Agg {
	x := asFloat(expr.Col(def.Column))
	return []*expr.Agg{expr.AggOf(types.AggMin, x), expr.AggOf(types.AggMax, x)}
}

func (minMax) Fit(def config.FeatureDef, stats []any, _ FitOptions) (Params, error) {
	lo, ok1 := floatStat(stats[0])
	hi, ok2 := floatStat(stats[1])
	if !ok1 || !ok2 {
		return Params{}, noValues(def)
	}
	return Params{Min: lo, Max: hi}, nil
}

// Apply scales to [0, 1] over the fitted range without clamping. A constant
// column maps to 0.5.
func (minMax) Apply(f frame.LazyFrame, def config.FeatureDef, p Params) (frame.LazyFrame, error) {
	if p.Min == nil || p.Max == nil {
		return f, incomplete(def)
	}
	span := *p.Max - *p.Min
	var e expr.Expr
	if math.Abs(span) < constEpsilon {
		e = ifPresent(def.Column, 0.5)
	} else {
		e = expr.Div(expr.Sub(asFloat(expr.Col(def.Column)), expr.Lit(*p.Min)), expr.Lit(span))
	}
	return f.WithColumns(frame.NamedExpr{Name: def.OutputName(), Expr: e}), nil
}

type standard struct{}

func (standard) Stats(def config.FeatureDef) []*expr.Agg {
	x := asFloat(expr.Col(def.Column))
	return []*expr.Agg{expr.AggOf(types.AggMean, x), expr.AggOf(types.AggStdPop, x)}
}

func (standard) Fit(def config.FeatureDef, stats []any, _ FitOptions) (Params, error) {
	mean, ok1 := floatStat(stats[0])
	std, ok2 := floatStat(stats[1])
	if !ok1 || !ok2 {
		return Params{}, noValues(def)
	}
	return Params{Mean: mean, Std: std}, nil
}

// Apply computes the z-score with the population standard deviation. A
// constant column maps to 0.
func (standard) Apply(f frame.LazyFrame, def config.FeatureDef, p Params) (frame.LazyFrame, error) {
	if p.Mean == nil || p.Std == nil {
		return f, incomplete(def)
	}
	var e expr.Expr
	if *p.Std < constEpsilon {
		e = ifPresent(def.Column, 0.0)
	} else {
		e = expr.Div(expr.Sub(asFloat(expr.Col(def.Column)), expr.Lit(*p.Mean)), expr.Lit(*p.Std))
	}
	return f.WithColumns(frame.NamedExpr{Name: def.OutputName(), Expr: e}), nil
}

// vocabulary caps counts at the most frequent categories, ties broken by
// name. It returns the kept counts, the categories beyond the cap, the
// number of rows beyond the cap and the total.
func vocabulary(def config.FeatureDef, counts map[string]int64, opts FitOptions) (map[string]int64, []string, int64, int64) {
	limit := def.Params.MaxCategories
	if limit <= 0 {
		limit = opts.MaxCategories
	}
	keys := make([]string, 0, len(counts))
	var total int64
	for k, n := range counts {
		keys = append(keys, k)
		total += n
	}
	sort.Slice(keys, func(a, b int) bool {
		if counts[keys[a]] != counts[keys[b]] {
			return counts[keys[a]] > counts[keys[b]]
		}
		return keys[a] < keys[b]
	})
	kept := make(map[string]int64, len(keys))
	var (
		cut   []string
		other int64
	)
	for i, k := range keys {
		if limit > 0 && i >= limit {
			cut = append(cut, k)
			other += counts[k]
			continue
		}
		kept[k] = counts[k]
	}
	sort.Strings(cut)
	return kept, cut, other, total
}

func countsStat(def config.FeatureDef, v any) (map[string]int64, error) {
	switch m := v.(type) {
	case map[string]int64:
		return m, nil
	case nil:
		return map[string]int64{}, nil
	}
	return nil, errs.Computef("%s: unexpected category counts %T", def.Key(), v)
}

// fitCategories fits a capped vocabulary. Categories cut by the cap always
// collapse into the other bucket; Params.Overflow names them when the
// bucket is not reserved, so that only categories never seen during fit
// are rejected at transform time.
func fitCategories(def config.FeatureDef, stats []any, opts FitOptions) (Params, error) {
	counts, err := countsStat(def, stats[0])
	if err != nil {
		return Params{}, err
	}
	kept, cut, other, total := vocabulary(def, counts, opts)
	p := Params{Counts: kept, Total: total}
	if def.Params.ReserveOther || len(cut) > 0 {
		p.Other = &other
	}
	if !def.Params.ReserveOther {
		p.Overflow = cut
	}
	return p, nil
}

type oneHot struct{}

func (oneHot) Stats(def config.FeatureDef) []*expr.Agg {
	return []*expr.Agg{expr.AggOf(types.AggCounts, category(def.Column))}
}

func (oneHot) Fit(def config.FeatureDef, stats []any, opts FitOptions) (Params, error) {
	p, err := fitCategories(def, stats, opts)
	if err != nil {
		return Params{}, err
	}
	cats := make([]string, 0, len(p.Counts))
	for k := range p.Counts {
		cats = append(cats, k)
	}
	sort.Strings(cats)
	p.Categories, p.Counts, p.Total = cats, nil, 0
	if _, err := oneHotNames(def, p); err != nil {
		return Params{}, err
	}
	return p, nil
}

// otherCode is the category code of values outside the vocabulary.
const otherCode = int64(-1)

// oneHotNames returns the indicator column names of p, the bucket last. Two
// categories that yield the same name are a SchemaError.
func oneHotNames(def config.FeatureDef, p Params) ([]string, error) {
	names := make([]string, 0, len(p.Categories)+1)
	for _, c := range p.Categories {
		names = append(names, def.Column+"_"+c)
	}
	if p.Other != nil {
		names = append(names, def.Column+"_other")
	}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return nil, errs.Schemaf("%s: onehot column %q is produced twice", def.Key(), n).WithColumn(def.Column)
		}
		seen[n] = true
	}
	return names, nil
}

// Apply writes one Int64 indicator column per category, named
// "<column>_<category>", plus "<column>_other" when an other bucket exists.
// Categories cut by the cap go to the bucket. Any other category outside
// the vocabulary is a FeatureStateError unless the bucket is reserved.
// Nulls encode to all zeros. An indicator name that is already a column of
// the frame is a SchemaError.
func (oneHot) Apply(f frame.LazyFrame, def config.FeatureDef, p Params) (frame.LazyFrame, error) {
	names, err := oneHotNames(def, p)
	if err != nil {
		return f, err
	}
	schema := f.Schema()
	for _, n := range names {
		if schema.Has(n) {
			return f, errs.Schemaf("%s: onehot column %q already exists", def.Key(), n).WithColumn(def.Column)
		}
	}

	code := "__mlprep_code_" + def.Column
	table := make(map[string]any, len(p.Categories)+len(p.Overflow))
	for i, c := range p.Categories {
		table[c] = int64(i)
	}
	for _, c := range p.Overflow {
		table[c] = otherCode
	}
	f = f.WithColumns(frame.NamedExpr{Name: code, Expr: &expr.Lookup{
		X:       category(def.Column),
		Table:   table,
		Default: otherCode,
		Strict:  !def.Params.ReserveOther,
		Name:    def.Key(),
	}})

	indicator := func(c int64) expr.Expr {
		return expr.CoalesceOf(expr.CastTo(expr.Eq(expr.Col(code), expr.Lit(c)), types.Int64), expr.Lit(0))
	}
	outs := make([]frame.NamedExpr, len(names))
	for i, n := range names {
		c := int64(i)
		if i == len(p.Categories) {
			c = otherCode
		}
		outs[i] = frame.NamedExpr{Name: n, Expr: indicator(c)}
	}
	f = f.WithColumns(outs...)

	drop := []string{code}
	if !def.Params.KeepOriginal {
		drop = append(drop, def.Column)
	}
	return f.Drop(drop...), nil
}

// encoder is count encoding, or frequency encoding with frequency set.
type encoder struct{ frequency bool }

func (encoder) Stats(def config.FeatureDef) []*expr.Agg {
	return []*expr.Agg{expr.AggOf(types.AggCounts, category(def.Column))}
}

func (encoder) Fit(def config.FeatureDef, stats []any, opts FitOptions) (Params, error) {
	return fitCategories(def, stats, opts)
}

// Apply replaces each category by its fitted count (Int64) or share of the
// fitted rows (Float64). Categories cut by the cap take the other bucket's
// statistic. Unseen categories take it too when the bucket is reserved and
// zero otherwise; nulls encode to zero.
func (e encoder) Apply(f frame.LazyFrame, def config.FeatureDef, p Params) (frame.LazyFrame, error) {
	value := func(n int64) any {
		if !e.frequency {
			return n
		}
		if p.Total == 0 {
			return 0.0
		}
		return float64(n) / float64(p.Total)
	}
	var bucket int64
	if p.Other != nil {
		bucket = *p.Other
	}
	table := make(map[string]any, len(p.Counts)+len(p.Overflow))
	for k, n := range p.Counts {
		table[k] = value(n)
	}
	for _, k := range p.Overflow {
		table[k] = value(bucket)
	}
	var unseen int64
	if def.Params.ReserveOther {
		unseen = bucket
	}
	return f.WithColumns(frame.NamedExpr{Name: def.OutputName(), Expr: &expr.Lookup{
		X:         category(def.Column),
		Table:     table,
		Default:   value(unseen),
		NullValue: value(0),
		Name:      def.Key(),
	}}), nil
}

type hashing struct{}

func (hashing) Stats(config.FeatureDef) []*expr.Agg { return nil }

func (hashing) Fit(def config.FeatureDef, _ []any, _ FitOptions) (Params, error) {
	if def.Params.Buckets <= 0 {
		return Params{}, errs.Configf("%s: hashing requires buckets > 0", def.Key()).WithColumn(def.Column)
	}
	return Params{Buckets: def.Params.Buckets}, nil
}

// Apply maps each value to an Int64 bucket in [0, buckets). Nulls stay null.
func (hashing) Apply(f frame.LazyFrame, def config.FeatureDef, p Params) (frame.LazyFrame, error) {
	if p.Buckets <= 0 {
		return f, incomplete(def)
	}
	return f.WithColumns(frame.NamedExpr{Name: def.OutputName(), Expr: &expr.HashBucket{
		X:       category(def.Column),
		Buckets: p.Buckets,
	}}), nil
}

func incomplete(def config.FeatureDef) error {
	return errs.FeatureStatef("%s: fitted parameters are incomplete", def.Key()).WithColumn(def.Column)
}
