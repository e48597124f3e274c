// Package formula implements the restricted arithmetic evaluator used by
// custom-formula pricing.
//
// Formulas are compiled once into an AST when a configuration is saved; any
// identifier resembling a code-execution primitive, any unknown function and
// any variable outside the allow-list is rejected at that point. Evaluation
// only walks the pre-built tree.
package formula

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/septivank/utility-billing-engine/internal/apperr"
)

const (
	MaxExpressionLength = 2048
	MaxTokens           = 512
)

// maxIntegerExponent bounds exponents evaluated by exact repeated multiplication.
const maxIntegerExponent = 64

type function struct {
	minArgs, maxArgs int
	call             func(args []decimal.Decimal) (decimal.Decimal, error)
}

var functions = map[string]function{
	"abs":   {1, 1, func(a []decimal.Decimal) (decimal.Decimal, error) { return a[0].Abs(), nil }},
	"ceil":  {1, 1, func(a []decimal.Decimal) (decimal.Decimal, error) { return a[0].Ceil(), nil }},
	"floor": {1, 1, func(a []decimal.Decimal) (decimal.Decimal, error) { return a[0].Floor(), nil }},
	"round": {1, 2, roundFn},
	"sqrt": {1, 1, func(a []decimal.Decimal) (decimal.Decimal, error) {
		if a[0].IsNegative() {
			return decimal.Zero, fmt.Errorf("sqrt() does not accept negative values")
		}
		return fromFloat(math.Sqrt(a[0].InexactFloat64()))
	}},
	"pow": {2, 2, func(a []decimal.Decimal) (decimal.Decimal, error) { return pow(a[0], a[1]) }},
	"min": {2, 16, func(a []decimal.Decimal) (decimal.Decimal, error) { return decimal.Min(a[0], a[1:]...), nil }},
	"max": {2, 16, func(a []decimal.Decimal) (decimal.Decimal, error) { return decimal.Max(a[0], a[1:]...), nil }},
	"clamp": {3, 3, func(a []decimal.Decimal) (decimal.Decimal, error) {
		return decimal.Max(a[1], decimal.Min(a[2], a[0])), nil
	}},
}

// dangerousIdentifiers are rejected outright, even when used as variable names.
var dangerousIdentifiers = []string{
	"eval", "exec", "system", "shell_exec", "passthru", "proc_open", "popen",
	"assert", "include", "require", "import", "unlink", "file_get_contents",
	"file_put_contents", "fopen", "call_user_func", "create_function",
	"os", "subprocess", "__import__", "globals", "phpinfo",
}

// Expression is a compiled formula.
type Expression struct {
	source    string
	root      node
	variables []string
}

// Source returns the original formula text.
func (e *Expression) Source() string { return e.source }

// Variables returns the sorted variable names referenced by the formula.
func (e *Expression) Variables() []string { return append([]string(nil), e.variables...) }

// Compile parses src and checks every referenced variable against allowed.
// Failures are ConfigurationErrors on the "formula" field.
func Compile(src string, allowed []string) (*Expression, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, apperr.Configuration("formula", "formula is required for custom formula pricing")
	}
	if utf8.RuneCountInString(src) > MaxExpressionLength {
		return nil, apperr.Configuration("formula", "formula is too long")
	}

	tokens, err := tokenize(src)
	if err != nil {
		return nil, apperr.Configuration("formula", "%s", err.Error())
	}
	for _, t := range tokens {
		if t.kind == tokIdent && isDangerous(t.text) {
			return nil, apperr.Configuration("formula", "formula contains forbidden token %q", t.text)
		}
	}

	p := &parser{tokens: tokens, idents: map[string]struct{}{}}
	root, err := p.parse()
	if err != nil {
		return nil, apperr.Configuration("formula", "%s", err.Error())
	}

	allow := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		allow[a] = struct{}{}
	}
	vars := make([]string, 0, len(p.idents))
	for name := range p.idents {
		if _, ok := allow[name]; !ok {
			return nil, apperr.Configuration("formula", "unknown variable %q", name)
		}
		vars = append(vars, name)
	}
	sort.Strings(vars)

	return &Expression{source: src, root: root, variables: vars}, nil
}

// Eval evaluates the compiled formula in decimal arithmetic. Every referenced
// variable must be present.
func (e *Expression) Eval(vars map[string]decimal.Decimal) (decimal.Decimal, error) {
	v, err := e.root.eval(vars)
	if err != nil {
		return decimal.Zero, apperr.Configuration("formula", "%s", err.Error())
	}
	return v, nil
}

func isDangerous(ident string) bool {
	lower := strings.ToLower(ident)
	if strings.HasPrefix(lower, "__") {
		return true
	}
	for _, d := range dangerousIdentifiers {
		if lower == d {
			return true
		}
	}
	return false
}

func roundFn(a []decimal.Decimal) (decimal.Decimal, error) {
	var places int32
	if len(a) == 2 {
		places = int32(a[1].IntPart())
	}
	return a[0].Round(places), nil
}

// pow is exact for integer exponents up to maxIntegerExponent and falls back
// to float64 otherwise.
func pow(base, exp decimal.Decimal) (decimal.Decimal, error) {
	if exp.IsInteger() && exp.Abs().LessThanOrEqual(decimal.NewFromInt(maxIntegerExponent)) {
		n := exp.Abs().IntPart()
		result := decimal.NewFromInt(1)
		for i := int64(0); i < n; i++ {
			result = result.Mul(base)
		}
		if !exp.IsNegative() {
			return result, nil
		}
		if result.IsZero() {
			return decimal.Zero, fmt.Errorf("division by zero")
		}
		return decimal.NewFromInt(1).Div(result), nil
	}
	return fromFloat(math.Pow(base.InexactFloat64(), exp.InexactFloat64()))
}

func fromFloat(v float64) (decimal.Decimal, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero, fmt.Errorf("result is not a finite number")
	}
	return decimal.NewFromFloat(v), nil
}

func (n *numberNode) eval(map[string]decimal.Decimal) (decimal.Decimal, error) { return n.value, nil }

func (n *identNode) eval(vars map[string]decimal.Decimal) (decimal.Decimal, error) {
	v, ok := vars[n.name]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown variable '%s'", n.name)
	}
	return v, nil
}

func (n *unaryNode) eval(vars map[string]decimal.Decimal) (decimal.Decimal, error) {
	v, err := n.operand.eval(vars)
	if err != nil {
		return decimal.Zero, err
	}
	if n.op == '-' {
		return v.Neg(), nil
	}
	return v, nil
}

func (n *binaryNode) eval(vars map[string]decimal.Decimal) (decimal.Decimal, error) {
	l, err := n.left.eval(vars)
	if err != nil {
		return decimal.Zero, err
	}
	r, err := n.right.eval(vars)
	if err != nil {
		return decimal.Zero, err
	}
	switch n.op {
	case '+':
		return l.Add(r), nil
	case '-':
		return l.Sub(r), nil
	case '*':
		return l.Mul(r), nil
	case '/':
		if r.IsZero() {
			return decimal.Zero, fmt.Errorf("division by zero")
		}
		return l.Div(r), nil
	case '^':
		return pow(l, r)
	}
	return decimal.Zero, fmt.Errorf("unknown operator '%c'", n.op)
}

func (n *callNode) eval(vars map[string]decimal.Decimal) (decimal.Decimal, error) {
	args := make([]decimal.Decimal, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(vars)
		if err != nil {
			return decimal.Zero, err
		}
		args[i] = v
	}
	return functions[n.name].call(args)
}
