package config

import (
	"fmt"

	"github.com/takurot/mlprep/internal/expr"
	"github.com/takurot/mlprep/internal/types"
)

// StepKind names a step variant as written in the pipeline document.
type StepKind string

const (
	StepSelect   StepKind = "select"
	StepFilter   StepKind = "filter"
	StepCast     StepKind = "cast"
	StepSort     StepKind = "sort"
	StepJoin     StepKind = "join"
	StepGroupBy  StepKind = "groupby"
	StepWindow   StepKind = "window"
	StepFillNull StepKind = "fillna"
	StepDropNull StepKind = "dropna"
	StepValidate StepKind = "validate"
	StepFeatures StepKind = "features"
)

// Step is one compiled pipeline step. The set of implementations is closed;
// consumers dispatch through StepVisitor so adding a variant fails to compile
// until every consumer handles it.
type Step interface {
	Kind() StepKind
	Accept(StepVisitor) error
	isStep()
}

// StepVisitor has one method per Step variant.
type StepVisitor interface {
	VisitSelect(*Select) error
	VisitFilter(*Filter) error
	VisitCast(*Cast) error
	VisitSort(*Sort) error
	VisitJoin(*Join) error
	VisitGroupBy(*GroupBy) error
	VisitWindow(*Window) error
	VisitFillNull(*FillNull) error
	VisitDropNull(*DropNull) error
	VisitValidate(*Validate) error
	VisitFeatures(*Features) error
}

// Select keeps the listed columns in the given order.
type Select struct {
	Columns []string `json:"columns"`
}

// Filter keeps rows for which Predicate is true. Condition is the source
// text; Predicate is parsed from it at compile time.
type Filter struct {
	Condition string    `json:"condition"`
	Predicate expr.Expr `json:"-"`
}

// Cast converts columns to new types. A strict cast fails the run on an
// unconvertible value; otherwise such values become null.
type Cast struct {
	Columns []ColumnType `json:"columns"`
	Strict  bool         `json:"strict"`
}

// Sort orders rows by By. Descending is either empty or parallel to By.
type Sort struct {
	By         []string `json:"by"`
	Descending []bool   `json:"descending,omitempty"`
}

// IsDescending reports the direction for key i.
func (s *Sort) IsDescending(i int) bool {
	return i < len(s.Descending) && s.Descending[i]
}

// JoinHow selects the join semantics.
type JoinHow string

const (
	JoinInner JoinHow = "inner"
	JoinLeft  JoinHow = "left"
	JoinRight JoinHow = "right"
	JoinOuter JoinHow = "outer"
	JoinCross JoinHow = "cross"
)

// ParseJoinHow resolves a join kind name.
func ParseJoinHow(s string) (JoinHow, bool) {
	switch s {
	case "", "inner":
		return JoinInner, true
	case "left":
		return JoinLeft, true
	case "right":
		return JoinRight, true
	case "outer", "full":
		return JoinOuter, true
	case "cross":
		return JoinCross, true
	}
	return "", false
}

// Join joins the current frame with the input named Right.
type Join struct {
	Right   string   `json:"right"`
	LeftOn  []string `json:"left_on,omitempty"`
	RightOn []string `json:"right_on,omitempty"`
	How     JoinHow  `json:"how"`
	// Suffix is appended to right-hand columns whose names collide.
	Suffix string `json:"suffix"`
}

// Aggregation is one output of a group-by or window step.
type Aggregation struct {
	Column string        `json:"column"`
	Func   types.AggFunc `json:"func"`
	Alias  string        `json:"alias"`
	// Offset is used by lag and lead.
	Offset int `json:"offset,omitempty"`
}

// OutputName is the alias, or "<column>_<func>" when none was given.
func (a Aggregation) OutputName() string {
	if a.Alias != "" {
		return a.Alias
	}
	if a.Column == "" {
		return a.Func.String()
	}
	return fmt.Sprintf("%s_%s", a.Column, a.Func)
}

// GroupBy aggregates rows per distinct key of By. Output rows are ordered by
// first appearance of the key.
type GroupBy struct {
	By   []string      `json:"by"`
	Aggs []Aggregation `json:"aggs"`
}

// Window adds per-partition aggregates to every row without changing row
// order or count.
type Window struct {
	PartitionBy []string      `json:"partition_by,omitempty"`
	OrderBy     string        `json:"order_by,omitempty"`
	Ops         []Aggregation `json:"ops"`
}

// FillStrategy selects how nulls are replaced.
type FillStrategy string

const (
	FillLiteral  FillStrategy = "literal"
	FillForward  FillStrategy = "forward"
	FillBackward FillStrategy = "backward"
	FillMean     FillStrategy = "mean"
	FillMedian   FillStrategy = "median"
	FillMin      FillStrategy = "min"
	FillMax      FillStrategy = "max"
	FillZero     FillStrategy = "zero"
)

// ParseFillStrategy resolves a strategy name.
func ParseFillStrategy(s string) (FillStrategy, bool) {
	switch FillStrategy(s) {
	case FillLiteral, FillForward, FillBackward, FillMean, FillMedian, FillMin, FillMax, FillZero:
		return FillStrategy(s), true
	case "ffill":
		return FillForward, true
	case "bfill":
		return FillBackward, true
	}
	return "", false
}

// FillNull replaces nulls in Columns (all columns when empty).
type FillNull struct {
	Columns  []string     `json:"columns,omitempty"`
	Strategy FillStrategy `json:"strategy"`
	Value    any          `json:"value,omitempty"`
}

// DropNull removes rows with a null in any of Columns (any column when
// empty).
type DropNull struct {
	Columns []string `json:"columns,omitempty"`
}

// ValidationMode selects what a validate step does with failing rows.
type ValidationMode string

const (
	// ModeStrict aborts the run when any row or dataset check fails.
	ModeStrict ValidationMode = "strict"
	// ModeWarn reports failures and forwards the unfiltered frame.
	ModeWarn ValidationMode = "warn"
	// ModeQuarantine forwards valid rows and routes the rest to the
	// quarantine sink.
	ModeQuarantine ValidationMode = "quarantine"
)

// ParseValidationMode resolves a mode name. The empty string is strict.
func ParseValidationMode(s string) (ValidationMode, bool) {
	switch ValidationMode(s) {
	case "":
		return ModeStrict, true
	case ModeStrict, ModeWarn, ModeQuarantine:
		return ValidationMode(s), true
	}
	return "", false
}

// Validate runs a check set over the current frame.
type Validate struct {
	Checks CheckSet `json:"checks"`
	// ChecksPath names an external checks document; the runner loads it
	// into Checks before the step executes.
	ChecksPath string         `json:"checks_path,omitempty"`
	Mode       ValidationMode `json:"mode"`
}

// FeatureMode selects fit or transform for a features step.
type FeatureMode string

const (
	// FeatureFit computes and persists statistics, then transforms.
	FeatureFit FeatureMode = "fit"
	// FeatureTransform loads persisted statistics and transforms.
	FeatureTransform FeatureMode = "transform"
	// FeatureAuto transforms when the state file exists, otherwise fits.
	FeatureAuto FeatureMode = "auto"
)

// ParseFeatureMode resolves a mode name. The empty string is auto.
func ParseFeatureMode(s string) (FeatureMode, bool) {
	switch FeatureMode(s) {
	case "":
		return FeatureAuto, true
	case FeatureFit, FeatureTransform, FeatureAuto:
		return FeatureMode(s), true
	}
	return "", false
}

// Features applies a feature spec.
type Features struct {
	Spec      FeatureSpec `json:"spec"`
	Mode      FeatureMode `json:"mode"`
	StatePath string      `json:"state_path"`
}

func (*Select) isStep()   {}
func (*Filter) isStep()   {}
func (*Cast) isStep()     {}
func (*Sort) isStep()     {}
func (*Join) isStep()     {}
func (*GroupBy) isStep()  {}
func (*Window) isStep()   {}
func (*FillNull) isStep() {}
func (*DropNull) isStep() {}
func (*Validate) isStep() {}
func (*Features) isStep() {}

func (*Select) Kind() StepKind   { return StepSelect }
func (*Filter) Kind() StepKind   { return StepFilter }
func (*Cast) Kind() StepKind     { return StepCast }
func (*Sort) Kind() StepKind     { return StepSort }
func (*Join) Kind() StepKind     { return StepJoin }
func (*GroupBy) Kind() StepKind  { return StepGroupBy }
func (*Window) Kind() StepKind   { return StepWindow }
func (*FillNull) Kind() StepKind { return StepFillNull }
func (*DropNull) Kind() StepKind { return StepDropNull }
func (*Validate) Kind() StepKind { return StepValidate }
func (*Features) Kind() StepKind { return StepFeatures }

func (s *Select) Accept(v StepVisitor) error   { return v.VisitSelect(s) }
func (s *Filter) Accept(v StepVisitor) error   { return v.VisitFilter(s) }
func (s *Cast) Accept(v StepVisitor) error     { return v.VisitCast(s) }
func (s *Sort) Accept(v StepVisitor) error     { return v.VisitSort(s) }
func (s *Join) Accept(v StepVisitor) error     { return v.VisitJoin(s) }
func (s *GroupBy) Accept(v StepVisitor) error  { return v.VisitGroupBy(s) }
func (s *Window) Accept(v StepVisitor) error   { return v.VisitWindow(s) }
func (s *FillNull) Accept(v StepVisitor) error { return v.VisitFillNull(s) }
func (s *DropNull) Accept(v StepVisitor) error { return v.VisitDropNull(s) }
func (s *Validate) Accept(v StepVisitor) error { return v.VisitValidate(s) }
func (s *Features) Accept(v StepVisitor) error { return v.VisitFeatures(s) }
