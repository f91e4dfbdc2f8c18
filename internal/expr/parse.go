package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/grafana/regexp"

	"github.com/takurot/mlprep/internal/types"
)

// maxConditionDepth bounds recursion while parsing nested parentheses and
// operators.
const maxConditionDepth = 64

// ParseOptions configures ParseCondition.
type ParseOptions struct {
	// Budget is attached to every REGEXP and LIKE operator. It is required
	// only when the condition uses one of them.
	Budget Budget
	// MaxPatternLen caps the length of regex patterns. Zero means no cap.
	MaxPatternLen int
}

// SyntaxError reports a malformed condition. Pos is the byte offset into the
// source.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d: %s", e.Pos, e.Msg)
}

// ParseCondition parses a SQL-style boolean condition such as
//
//	age >= 18 AND country IN ('DE', 'FR') AND email REGEXP '^[^@]+@'
//
// into an expression. Identifiers reference columns; double-quoted or
// backquoted identifiers may contain any character. String literals use
// single quotes. Regex operators compile with the grafana/regexp engine and
// fail evaluation when their budget is exceeded.
func ParseCondition(src string, opts ParseOptions) (Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, opts: opts}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %s", t)
	}
	return e, nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokQuotedIdent
	tokNumber
	tokString
	tokOp
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokString:
		return fmt.Sprintf("string '%s'", t.text)
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

func (t token) keyword(kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (t token) op(s string) bool { return t.kind == tokOp && t.text == s }

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		r, w := utf8.DecodeRuneInString(src[i:])
		switch {
		case unicode.IsSpace(r):
			i += w
		case r == '_' || unicode.IsLetter(r):
			start := i
			for i < len(src) {
				r, w = utf8.DecodeRuneInString(src[i:])
				if r != '_' && r != '.' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
					break
				}
				i += w
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})
		case r >= '0' && r <= '9':
			start := i
			for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
				i++
			}
			if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
				i++
				if i < len(src) && (src[i] == '+' || src[i] == '-') {
					i++
				}
				for i < len(src) && isDigit(src[i]) {
					i++
				}
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], pos: start})
		case r == '\'' || r == '"' || r == '`':
			text, n, err := lexQuoted(src[i:], byte(r))
			if err != nil {
				return nil, &SyntaxError{Pos: i, Msg: err.Error()}
			}
			kind := tokQuotedIdent
			if r == '\'' {
				kind = tokString
			}
			toks = append(toks, token{kind: kind, text: text, pos: i})
			i += n
		default:
			op := lexOp(src[i:])
			if op == "" {
				return nil, &SyntaxError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", r)}
			}
			toks = append(toks, token{kind: tokOp, text: op, pos: i})
			i += len(op)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// lexQuoted reads a quoted run starting at s[0]. A doubled quote escapes
// itself.
func lexQuoted(s string, q byte) (string, int, error) {
	var b strings.Builder
	i := 1
	for i < len(s) {
		if s[i] == q {
			if i+1 < len(s) && s[i+1] == q {
				b.WriteByte(q)
				i += 2
				continue
			}
			return b.String(), i + 1, nil
		}
		b.WriteByte(s[i])
		i++
	}
	return "", 0, fmt.Errorf("unterminated quoted text")
}

var twoCharOps = []string{"==", "!=", "<>", "<=", ">="}

func lexOp(s string) string {
	for _, op := range twoCharOps {
		if strings.HasPrefix(s, op) {
			return op
		}
	}
	switch s[0] {
	case '=', '<', '>', '+', '-', '*', '/', '%', '(', ')', ',':
		return s[:1]
	}
	return ""
}

type parser struct {
	toks  []token
	i     int
	depth int
	opts  ParseOptions
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > maxConditionDepth {
		return p.errorf(p.peek(), "condition nested deeper than %d levels", maxConditionDepth)
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) expectOp(s string) error {
	if t := p.next(); !t.op(s) {
		return p.errorf(t, "expected %q, got %s", s, t)
	}
	return nil
}

func (p *parser) parseOr() (Expr, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().keyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Or(left, right)
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().keyword("AND") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = And(left, right)
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.peek().keyword("NOT") {
		p.next()
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return Not(x), nil
	}
	return p.parseComparison()
}

var comparisonOps = map[string]types.BinaryOp{
	"=":  types.BinaryOpEq,
	"==": types.BinaryOpEq,
	"!=": types.BinaryOpNeq,
	"<>": types.BinaryOpNeq,
	"<":  types.BinaryOpLt,
	"<=": types.BinaryOpLte,
	">":  types.BinaryOpGt,
	">=": types.BinaryOpGte,
}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	if t.kind == tokOp {
		if op, ok := comparisonOps[t.text]; ok {
			p.next()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			return bin(op, left, right), nil
		}
		return left, nil
	}

	if t.keyword("IS") {
		p.next()
		negate := false
		if p.peek().keyword("NOT") {
			p.next()
			negate = true
		}
		if n := p.next(); !n.keyword("NULL") {
			return nil, p.errorf(n, "expected NULL after IS, got %s", n)
		}
		if negate {
			return IsNotNull(left), nil
		}
		return IsNull(left), nil
	}

	negate := false
	if t.keyword("NOT") {
		la := p.toks[p.i+1]
		if la.keyword("IN") || la.keyword("BETWEEN") || la.keyword("REGEXP") || la.keyword("LIKE") {
			p.next()
			negate = true
			t = p.peek()
		}
	}

	var out Expr
	switch {
	case t.keyword("IN"):
		p.next()
		out, err = p.parseInList(left)
	case t.keyword("BETWEEN"):
		p.next()
		out, err = p.parseBetween(left)
	case t.keyword("REGEXP"):
		p.next()
		out, err = p.parsePattern(left, false)
	case t.keyword("LIKE"):
		p.next()
		out, err = p.parsePattern(left, true)
	default:
		return left, nil
	}
	if err != nil {
		return nil, err
	}
	if negate {
		out = Not(out)
	}
	return out, nil
}

func (p *parser) parseInList(left Expr) (Expr, error) {
	if err := p.expectOp("("); err != nil {
		return nil, err
	}
	var values []string
	for {
		t := p.next()
		switch t.kind {
		case tokString:
			values = append(values, t.text)
		case tokNumber:
			v, err := parseNumber(t)
			if err != nil {
				return nil, err
			}
			values = append(values, types.ToString(v))
		default:
			if t.keyword("TRUE") || t.keyword("FALSE") {
				values = append(values, strings.ToLower(t.text))
				break
			}
			return nil, p.errorf(t, "expected literal in IN list, got %s", t)
		}
		sep := p.next()
		if sep.op(")") {
			return In(left, values), nil
		}
		if !sep.op(",") {
			return nil, p.errorf(sep, "expected ',' or ')' in IN list, got %s", sep)
		}
	}
}

func (p *parser) parseBetween(left Expr) (Expr, error) {
	lo, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if t := p.next(); !t.keyword("AND") {
		return nil, p.errorf(t, "expected AND in BETWEEN, got %s", t)
	}
	hi, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	return And(Gte(left, lo), Lte(left, hi)), nil
}

func (p *parser) parsePattern(left Expr, like bool) (Expr, error) {
	t := p.next()
	if t.kind != tokString {
		return nil, p.errorf(t, "expected quoted pattern, got %s", t)
	}
	pattern := t.text
	if like {
		pattern = likeToRegexp(pattern)
	}
	if p.opts.MaxPatternLen > 0 && len(pattern) > p.opts.MaxPatternLen {
		return nil, p.errorf(t, "pattern longer than %d bytes", p.opts.MaxPatternLen)
	}
	m, err := NewMatch(left, pattern, p.opts.Budget, ExceedFail)
	if err != nil {
		return nil, p.errorf(t, "%s", err)
	}
	return m, nil
}

// likeToRegexp translates a LIKE pattern (% and _ wildcards) into an
// anchored regular expression.
func likeToRegexp(s string) string {
	var b strings.Builder
	b.WriteString("^(?s:")
	for _, r := range s {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString(")$")
	return b.String()
}

func (p *parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		var op types.BinaryOp
		switch {
		case t.op("+"):
			op = types.BinaryOpAdd
		case t.op("-"):
			op = types.BinaryOpSub
		default:
			return left, nil
		}
		p.next()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = bin(op, left, right)
	}
}

func (p *parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		var op types.BinaryOp
		switch {
		case t.op("*"):
			op = types.BinaryOpMul
		case t.op("/"):
			op = types.BinaryOpDiv
		case t.op("%"):
			op = types.BinaryOpMod
		default:
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = bin(op, left, right)
	}
}

func (p *parser) parseUnary() (Expr, error) {
	if p.peek().op("-") {
		p.next()
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if lit, ok := x.(*Literal); ok {
			switch v := lit.Value.(type) {
			case int64:
				return Lit(-v), nil
			case float64:
				return Lit(-v), nil
			}
		}
		return Neg(x), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		v, err := parseNumber(t)
		if err != nil {
			return nil, err
		}
		return Lit(v), nil
	case tokString:
		return Lit(t.text), nil
	case tokQuotedIdent:
		return Col(t.text), nil
	case tokIdent:
		switch {
		case t.keyword("TRUE"):
			return Lit(true), nil
		case t.keyword("FALSE"):
			return Lit(false), nil
		case t.keyword("NULL"):
			return Lit(nil), nil
		case t.keyword("col") && p.peek().op("("):
			p.next()
			name := p.next()
			if name.kind != tokString && name.kind != tokQuotedIdent {
				return nil, p.errorf(name, "expected column name in col(), got %s", name)
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return Col(name.text), nil
		}
		if isReserved(t.text) {
			return nil, p.errorf(t, "unexpected keyword %s", strings.ToUpper(t.text))
		}
		return Col(t.text), nil
	case tokOp:
		if t.op("(") {
			e, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return e, nil
		}
	}
	return nil, p.errorf(t, "unexpected %s", t)
}

var reserved = map[string]struct{}{
	"AND": {}, "OR": {}, "NOT": {}, "IS": {}, "IN": {}, "BETWEEN": {}, "REGEXP": {}, "LIKE": {},
}

func isReserved(s string) bool {
	_, ok := reserved[strings.ToUpper(s)]
	return ok
}

func parseNumber(t token) (any, error) {
	if !strings.ContainsAny(t.text, ".eE") {
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err == nil {
			return n, nil
		}
	}
	f, err := strconv.ParseFloat(t.text, 64)
	if err != nil {
		return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("invalid number %q", t.text)}
	}
	return f, nil
}
