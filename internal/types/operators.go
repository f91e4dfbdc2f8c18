package types

import "fmt"

// UnaryOp denotes the kind of unary operation to perform.
type UnaryOp int

// Recognized values of [UnaryOp].
const (
	UnaryOpInvalid UnaryOp = iota

	UnaryOpNot       // Logical NOT.
	UnaryOpNeg       // Arithmetic negation.
	UnaryOpIsNull    // IS NULL.
	UnaryOpIsNotNull // IS NOT NULL.
	UnaryOpNormalize // Canonical string key (NFC).
)

var unaryOpStrings = map[UnaryOp]string{
	UnaryOpInvalid:   "invalid",
	UnaryOpNot:       "NOT",
	UnaryOpNeg:       "NEG",
	UnaryOpIsNull:    "IS_NULL",
	UnaryOpIsNotNull: "IS_NOT_NULL",
	UnaryOpNormalize: "NORMALIZE",
}

func (k UnaryOp) String() string {
	if s, ok := unaryOpStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("UnaryOp(%d)", k)
}

// BinaryOp denotes the kind of binary operation to perform.
type BinaryOp int

// Recognized values of [BinaryOp].
const (
	BinaryOpInvalid BinaryOp = iota

	BinaryOpEq  // Equality comparison (=).
	BinaryOpNeq // Inequality comparison (!=).
	BinaryOpGt  // Greater than comparison (>).
	BinaryOpGte // Greater than or equal comparison (>=).
	BinaryOpLt  // Less than comparison (<).
	BinaryOpLte // Less than or equal comparison (<=).
	BinaryOpAnd // Logical AND.
	BinaryOpOr  // Logical OR.

	BinaryOpAdd // Addition (+).
	BinaryOpSub // Subtraction (-).
	BinaryOpMul // Multiplication (*).
	BinaryOpDiv // Division (/).
	BinaryOpMod // Modulo (%).
)

var binaryOpStrings = map[BinaryOp]string{
	BinaryOpInvalid: "invalid",
	BinaryOpEq:      "EQ",
	BinaryOpNeq:     "NEQ",
	BinaryOpGt:      "GT",
	BinaryOpGte:     "GTE",
	BinaryOpLt:      "LT",
	BinaryOpLte:     "LTE",
	BinaryOpAnd:     "AND",
	BinaryOpOr:      "OR",
	BinaryOpAdd:     "ADD",
	BinaryOpSub:     "SUB",
	BinaryOpMul:     "MUL",
	BinaryOpDiv:     "DIV",
	BinaryOpMod:     "MOD",
}

func (k BinaryOp) String() string {
	if s, ok := binaryOpStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("BinaryOp(%d)", k)
}

// IsComparison reports whether k yields a boolean from two scalars.
func (k BinaryOp) IsComparison() bool {
	return k >= BinaryOpEq && k <= BinaryOpLte
}

// IsLogical reports whether k is AND or OR.
func (k BinaryOp) IsLogical() bool { return k == BinaryOpAnd || k == BinaryOpOr }

// AggFunc denotes an aggregate or window function.
type AggFunc int

// Recognized values of [AggFunc].
const (
	AggInvalid AggFunc = iota

	AggCount     // Non-null count.
	AggCountAll  // Row count, nulls included.
	AggSum       //
	AggMean      //
	AggMin       //
	AggMax       //
	AggFirst     //
	AggLast      //
	AggStd       // Sample standard deviation (ddof=1).
	AggVar       // Sample variance (ddof=1).
	AggStdPop    // Population standard deviation.
	AggVarPop    // Population variance.
	AggMedian    //
	AggNUnique   // Distinct non-null values.
	AggNullCount // Null count.
	AggCounts    // Value counts (map[string]int64) over the string form.

	// Window-only functions.
	AggCumSum
	AggCumMax
	AggCumMin
	AggRank
	AggRowNumber
	AggLag
	AggLead
)

var aggFuncStrings = map[AggFunc]string{
	AggInvalid:   "invalid",
	AggCount:     "count",
	AggCountAll:  "count_all",
	AggSum:       "sum",
	AggMean:      "mean",
	AggMin:       "min",
	AggMax:       "max",
	AggFirst:     "first",
	AggLast:      "last",
	AggStd:       "std",
	AggVar:       "var",
	AggStdPop:    "std_pop",
	AggVarPop:    "var_pop",
	AggMedian:    "median",
	AggNUnique:   "n_unique",
	AggNullCount: "null_count",
	AggCounts:    "value_counts",
	AggCumSum:    "cumsum",
	AggCumMax:    "cummax",
	AggCumMin:    "cummin",
	AggRank:      "rank",
	AggRowNumber: "row_number",
	AggLag:       "lag",
	AggLead:      "lead",
}

func (f AggFunc) String() string {
	if s, ok := aggFuncStrings[f]; ok {
		return s
	}
	return fmt.Sprintf("AggFunc(%d)", f)
}

// MarshalText renders the function name in JSON documents.
func (f AggFunc) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// IsWindowOnly reports whether f needs row order and a window frame.
func (f AggFunc) IsWindowOnly() bool { return f >= AggCumSum }

// ParseAggFunc resolves a user-facing aggregate name. Window-only names are
// accepted only when window is true.
func ParseAggFunc(name string, window bool) (AggFunc, bool) {
	switch name {
	case "sum":
		return AggSum, true
	case "mean", "avg":
		return AggMean, true
	case "min":
		return AggMin, true
	case "max":
		return AggMax, true
	case "count":
		return AggCount, true
	case "first":
		return AggFirst, true
	case "last":
		return AggLast, true
	case "std", "stddev":
		return AggStd, true
	case "var", "variance":
		return AggVar, true
	case "median":
		return AggMedian, true
	case "n_unique", "nunique":
		return AggNUnique, true
	}
	if !window {
		return AggInvalid, false
	}
	switch name {
	case "cumsum":
		return AggCumSum, true
	case "cummax":
		return AggCumMax, true
	case "cummin":
		return AggCumMin, true
	case "rank":
		return AggRank, true
	case "row_number":
		return AggRowNumber, true
	case "lag":
		return AggLag, true
	case "lead":
		return AggLead, true
	}
	return AggInvalid, false
}

// ResultType is the output type of f applied to an input of type in.
func (f AggFunc) ResultType(in DataType) DataType {
	switch f {
	case AggCount, AggCountAll, AggNUnique, AggNullCount, AggRank, AggRowNumber:
		return Int64
	case AggMean, AggStd, AggVar, AggStdPop, AggVarPop, AggMedian:
		return Float64
	case AggSum, AggCumSum:
		if in == Int64 {
			return Int64
		}
		return Float64
	case AggCounts:
		return Counts
	default:
		return in
	}
}
