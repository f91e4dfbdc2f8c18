// Package expr defines the lazy expression tree emitted by the builders and
// consumed by the execution engine. Expressions are immutable descriptions;
// nothing in this package evaluates data.
package expr

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/grafana/regexp"

	"github.com/takurot/mlprep/internal/types"
)

// Kind represents the type of an expression node.
type Kind uint32

const (
	_ Kind = iota // zero-value is an invalid kind

	KindColumn
	KindLiteral
	KindUnary
	KindBinary
	KindCast
	KindInSet
	KindMatch
	KindCoalesce
	KindCase
	KindLookup
	KindHashBucket
	KindAgg
	KindOver
	KindRuleList
)

var kindStrings = map[Kind]string{
	KindColumn:     "Column",
	KindLiteral:    "Literal",
	KindUnary:      "Unary",
	KindBinary:     "Binary",
	KindCast:       "Cast",
	KindInSet:      "InSet",
	KindMatch:      "Match",
	KindCoalesce:   "Coalesce",
	KindCase:       "Case",
	KindLookup:     "Lookup",
	KindHashBucket: "HashBucket",
	KindAgg:        "Agg",
	KindOver:       "Over",
	KindRuleList:   "RuleList",
}

func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Expr is the common interface for all expression nodes.
type Expr interface {
	fmt.Stringer
	Kind() Kind
	// Children returns the direct sub-expressions in evaluation order.
	Children() []Expr
	isExpr()
}

// Column references a named column of the input frame.
type Column struct {
	Name string
}

func (*Column) isExpr()          {}
func (*Column) Kind() Kind       { return KindColumn }
func (*Column) Children() []Expr { return nil }
func (e *Column) String() string { return "col(" + e.Name + ")" }

// Literal is a constant cell value (nil, bool, int64, float64 or string).
type Literal struct {
	Value any
}

func (*Literal) isExpr()          {}
func (*Literal) Kind() Kind       { return KindLiteral }
func (*Literal) Children() []Expr { return nil }
func (e *Literal) String() string {
	if s, ok := e.Value.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	if e.Value == nil {
		return "NULL"
	}
	return types.ToString(e.Value)
}

// Unary applies Op to X.
type Unary struct {
	Op types.UnaryOp
	X  Expr
}

func (*Unary) isExpr()            {}
func (*Unary) Kind() Kind         { return KindUnary }
func (e *Unary) Children() []Expr { return []Expr{e.X} }
func (e *Unary) String() string   { return fmt.Sprintf("%s(%s)", e.Op, e.X) }

// Binary applies Op to Left and Right. AND/OR follow three-valued logic.
type Binary struct {
	Op          types.BinaryOp
	Left, Right Expr
}

func (*Binary) isExpr()            {}
func (*Binary) Kind() Kind         { return KindBinary }
func (e *Binary) Children() []Expr { return []Expr{e.Left, e.Right} }
func (e *Binary) String() string   { return fmt.Sprintf("%s(%s, %s)", e.Op, e.Left, e.Right) }

// Cast converts X to To. A strict cast fails evaluation on an unconvertible
// value; a non-strict cast yields null instead.
type Cast struct {
	X      Expr
	To     types.DataType
	Strict bool
}

func (*Cast) isExpr()            {}
func (*Cast) Kind() Kind         { return KindCast }
func (e *Cast) Children() []Expr { return []Expr{e.X} }
func (e *Cast) String() string {
	if e.Strict {
		return fmt.Sprintf("cast(%s AS %s)", e.X, e.To)
	}
	return fmt.Sprintf("try_cast(%s AS %s)", e.X, e.To)
}

// InSet tests the string form of X for membership. Null input yields null.
type InSet struct {
	X      Expr
	Values []string
	set    map[string]struct{}
}

func (*InSet) isExpr()            {}
func (*InSet) Kind() Kind         { return KindInSet }
func (e *InSet) Children() []Expr { return []Expr{e.X} }
func (e *InSet) String() string {
	return fmt.Sprintf("IN(%s, [%s])", e.X, strings.Join(e.Values, ", "))
}

// Contains reports membership of s.
func (e *InSet) Contains(s string) bool {
	_, ok := e.set[s]
	return ok
}

// ExceedPolicy decides what a regex match yields when its budget is exceeded.
type ExceedPolicy int

const (
	// ExceedFail aborts evaluation with a ComputeError.
	ExceedFail ExceedPolicy = iota
	// ExceedNoMatch reports the value as not matching.
	ExceedNoMatch
)

// Budget bounds a single regex evaluation. Both fields are required.
type Budget struct {
	// MaxInput is the maximum input length in bytes.
	MaxInput int
	// Timeout is the maximum wall time for one match.
	Timeout time.Duration
}

// Valid reports whether both limits are set.
func (b Budget) Valid() bool { return b.MaxInput > 0 && b.Timeout > 0 }

func (b Budget) String() string { return fmt.Sprintf("max_input=%d timeout=%s", b.MaxInput, b.Timeout) }

// Match tests the string form of X against a compiled pattern.
type Match struct {
	X        Expr
	Pattern  string
	Re       *regexp.Regexp
	Budget   Budget
	OnExceed ExceedPolicy
}

func (*Match) isExpr()            {}
func (*Match) Kind() Kind         { return KindMatch }
func (e *Match) Children() []Expr { return []Expr{e.X} }
func (e *Match) String() string {
	return fmt.Sprintf("MATCH(%s, %q, %s)", e.X, e.Pattern, e.Budget)
}

// Coalesce yields the first non-null argument.
type Coalesce struct {
	Args []Expr
}

func (*Coalesce) isExpr()            {}
func (*Coalesce) Kind() Kind         { return KindCoalesce }
func (e *Coalesce) Children() []Expr { return e.Args }
func (e *Coalesce) String() string   { return "COALESCE(" + joinExprs(e.Args) + ")" }

// Case yields Then when When is true, otherwise Else.
type Case struct {
	When, Then, Else Expr
}

func (*Case) isExpr()            {}
func (*Case) Kind() Kind         { return KindCase }
func (e *Case) Children() []Expr { return []Expr{e.When, e.Then, e.Else} }
func (e *Case) String() string {
	return fmt.Sprintf("CASE(%s, %s, %s)", e.When, e.Then, e.Else)
}

// Lookup maps the string form of X through Table. A key missing from the
// table yields Default, or fails evaluation with a feature-state error when
// Strict is set. Null input yields NullValue.
type Lookup struct {
	X         Expr
	Table     map[string]any
	Default   any
	NullValue any
	Strict    bool
	// Name identifies the lookup in error messages.
	Name string
}

func (*Lookup) isExpr()            {}
func (*Lookup) Kind() Kind         { return KindLookup }
func (e *Lookup) Children() []Expr { return []Expr{e.X} }
func (e *Lookup) String() string {
	return fmt.Sprintf("LOOKUP(%s, %s, %d keys)", e.X, e.Name, len(e.Table))
}

// HashBucket maps the string form of X to [0, Buckets). Null yields null.
type HashBucket struct {
	X       Expr
	Buckets int
}

func (*HashBucket) isExpr()            {}
func (*HashBucket) Kind() Kind         { return KindHashBucket }
func (e *HashBucket) Children() []Expr { return []Expr{e.X} }
func (e *HashBucket) String() string   { return fmt.Sprintf("HASH(%s, %d)", e.X, e.Buckets) }

// Agg is an aggregate over X. X is nil for row counts. Offset is used by
// lag/lead only.
type Agg struct {
	Func   types.AggFunc
	X      Expr
	Offset int
}

func (*Agg) isExpr()    {}
func (*Agg) Kind() Kind { return KindAgg }
func (e *Agg) Children() []Expr {
	if e.X == nil {
		return nil
	}
	return []Expr{e.X}
}
func (e *Agg) String() string {
	if e.X == nil {
		return e.Func.String() + "(*)"
	}
	return fmt.Sprintf("%s(%s)", e.Func, e.X)
}

// Over evaluates an aggregate per partition and broadcasts it back to every
// row of the partition. OrderBy only matters to window-only functions.
type Over struct {
	Agg         *Agg
	PartitionBy []string
	OrderBy     string
}

func (*Over) isExpr()            {}
func (*Over) Kind() Kind         { return KindOver }
func (e *Over) Children() []Expr { return []Expr{e.Agg} }
func (e *Over) String() string {
	return fmt.Sprintf("%s OVER(%s ORDER BY %s)", e.Agg, strings.Join(e.PartitionBy, ", "), e.OrderBy)
}

// RuleList yields the comma-joined Names whose predicate is true for the row.
type RuleList struct {
	Names []string
	Preds []Expr
}

func (*RuleList) isExpr()            {}
func (*RuleList) Kind() Kind         { return KindRuleList }
func (e *RuleList) Children() []Expr { return e.Preds }
func (e *RuleList) String() string {
	return fmt.Sprintf("RULES([%s])", strings.Join(e.Names, ", "))
}

func joinExprs(es []Expr) string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}

// Walk visits e and its descendants depth-first. Returning false from fn
// skips the node's children.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	for _, c := range e.Children() {
		Walk(c, fn)
	}
}

// Columns returns the sorted set of column names referenced by the
// expressions, including window partition and order columns.
func Columns(es ...Expr) []string {
	seen := map[string]struct{}{}
	for _, e := range es {
		Walk(e, func(n Expr) bool {
			switch n := n.(type) {
			case *Column:
				seen[n.Name] = struct{}{}
			case *Over:
				for _, p := range n.PartitionBy {
					seen[p] = struct{}{}
				}
				if n.OrderBy != "" {
					seen[n.OrderBy] = struct{}{}
				}
			}
			return true
		})
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// HasWindow reports whether any node needs the whole input (Over).
func HasWindow(es ...Expr) bool {
	found := false
	for _, e := range es {
		Walk(e, func(n Expr) bool {
			if _, ok := n.(*Over); ok {
				found = true
			}
			return !found
		})
	}
	return found
}
