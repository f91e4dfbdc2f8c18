// Package errs defines the structured error taxonomy shared by the compiler,
// the builders, the validation and feature engines, and the CLI.
//
// Every error carries a Code plus enough context (step index, field, column,
// expected vs. actual, source position) to render a diagnostic without the
// caller re-deriving anything. Lower layers wrap with fmt.Errorf("...: %w");
// callers recover the structured value with errors.As.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies an error.
type Code string

const (
	CodeConfig       Code = "config_error"
	CodeSchema       Code = "schema_error"
	CodeValidation   Code = "validation_error"
	CodeCompute      Code = "compute_error"
	CodeFeatureState Code = "feature_state_error"
	CodeMemory       Code = "memory_error"
	CodeIO           Code = "io_error"
)

// Exit codes consumed by the CLI.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitValidation = 2
	ExitIO         = 3
	ExitMemory     = 4
	ExitConfig     = 5
)

// Error is the structured error value. Zero-valued context fields are
// omitted from Error().
type Error struct {
	Code    Code
	Message string

	// Step is the zero-based step index, or -1 when not step-scoped.
	Step     int
	Field    string
	Column   string
	Expected string
	Actual   string

	// Path is a dotted config path such as "steps[2].filter.condition".
	Path string
	// Line and Col are 1-based source positions; zero when unknown.
	Line int
	Col  int

	// Detail carries an attached payload, e.g. the validation result that
	// triggered a strict-mode abort.
	Detail any

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Path != "" {
		b.WriteString(" at ")
		b.WriteString(e.Path)
	} else if e.Step >= 0 {
		fmt.Fprintf(&b, " at step %d", e.Step)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " (line %d, col %d)", e.Line, e.Col)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Column != "" {
		fmt.Fprintf(&b, " [column=%s]", e.Column)
	}
	if e.Expected != "" || e.Actual != "" {
		fmt.Fprintf(&b, " (expected %s, got %s)", e.Expected, e.Actual)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so errors.Is(err, errs.Config) style checks work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// Sentinels for errors.Is comparisons by code.
var (
	Config       = &Error{Code: CodeConfig, Step: -1}
	Schema       = &Error{Code: CodeSchema, Step: -1}
	Validation   = &Error{Code: CodeValidation, Step: -1}
	Compute      = &Error{Code: CodeCompute, Step: -1}
	FeatureState = &Error{Code: CodeFeatureState, Step: -1}
	Memory       = &Error{Code: CodeMemory, Step: -1}
	IO           = &Error{Code: CodeIO, Step: -1}
)

func newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Step: -1, Message: fmt.Sprintf(format, args...)}
}

// Configf builds a ConfigError.
func Configf(format string, args ...any) *Error { return newf(CodeConfig, format, args...) }

// Schemaf builds a SchemaError.
func Schemaf(format string, args ...any) *Error { return newf(CodeSchema, format, args...) }

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) *Error { return newf(CodeValidation, format, args...) }

// Computef builds a ComputeError.
func Computef(format string, args ...any) *Error { return newf(CodeCompute, format, args...) }

// FeatureStatef builds a FeatureStateError.
func FeatureStatef(format string, args ...any) *Error { return newf(CodeFeatureState, format, args...) }

// Memoryf builds a MemoryError.
func Memoryf(format string, args ...any) *Error { return newf(CodeMemory, format, args...) }

// IOf builds an I/O error wrapping err.
func IOf(err error, format string, args ...any) *Error {
	e := newf(CodeIO, format, args...)
	e.Err = err
	return e
}

// AtStep returns e with the step index set.
func (e *Error) AtStep(i int) *Error { e.Step = i; return e }

// AtPath returns e with the config path set.
func (e *Error) AtPath(p string) *Error { e.Path = p; return e }

// AtPos returns e with the source position set.
func (e *Error) AtPos(line, col int) *Error { e.Line, e.Col = line, col; return e }

// WithColumn returns e with the column set.
func (e *Error) WithColumn(c string) *Error { e.Column = c; return e }

// WithExpected returns e with expected/actual set.
func (e *Error) WithExpected(expected, actual string) *Error {
	e.Expected, e.Actual = expected, actual
	return e
}

// WithDetail attaches a payload.
func (e *Error) WithDetail(d any) *Error { e.Detail = d; return e }

// Wrap attaches an underlying cause.
func (e *Error) Wrap(err error) *Error { e.Err = err; return e }

// CodeOf returns the code of the first structured error in err's chain, or ""
// when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ExitCode maps err onto the process exit code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch CodeOf(err) {
	case CodeValidation:
		return ExitValidation
	case CodeIO:
		return ExitIO
	case CodeMemory:
		return ExitMemory
	case CodeConfig, CodeSchema:
		return ExitConfig
	default:
		return ExitFailure
	}
}
