package formula

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type node interface {
	eval(vars map[string]decimal.Decimal) (decimal.Decimal, error)
}

type numberNode struct{ value decimal.Decimal }

type identNode struct{ name string }

type unaryNode struct {
	op      byte
	operand node
}

type binaryNode struct {
	op          byte
	left, right node
}

type callNode struct {
	name string
	args []node
}

type parser struct {
	tokens []token
	pos    int
	idents map[string]struct{}
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) parse() (node, error) {
	n, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected '%s' at position %d", t.text, t.pos)
	}
	return n, nil
}

// expr := term (('+'|'-') term)*
func (p *parser) parseExpr() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOperator || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: t.text[0], left: left, right: right}
	}
}

// term := unary (('*'|'/') unary)*
func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOperator || (t.text != "*" && t.text != "/") {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: t.text[0], left: left, right: right}
	}
}

// unary := ('+'|'-') unary | power
func (p *parser) parseUnary() (node, error) {
	t := p.peek()
	if t.kind == tokOperator && (t.text == "+" || t.text == "-") {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: t.text[0], operand: operand}, nil
	}
	return p.parsePower()
}

// power := primary ('^' unary)?   right-associative, binds tighter than unary minus
func (p *parser) parsePower() (node, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind == tokOperator && t.text == "^" {
		p.next()
		exp, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &binaryNode{op: '^', left: base, right: exp}, nil
	}
	return base, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &numberNode{value: t.num}, nil

	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.parseCall(t)
		}
		p.idents[t.text] = struct{}{}
		return &identNode{name: t.text}, nil

	case tokLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("mismatched parentheses at position %d", closing.pos)
		}
		return inner, nil

	case tokEOF:
		return nil, fmt.Errorf("unexpected end of formula")

	default:
		return nil, fmt.Errorf("unexpected '%s' at position %d", t.text, t.pos)
	}
}

func (p *parser) parseCall(name token) (node, error) {
	spec, ok := functions[name.text]
	if !ok {
		return nil, fmt.Errorf("unknown function '%s'", name.text)
	}
	p.next() // (

	var args []node
	if p.peek().kind == tokRParen {
		p.next()
	} else {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)

			t := p.next()
			if t.kind == tokRParen {
				break
			}
			if t.kind != tokComma {
				return nil, fmt.Errorf("function '%s' has a missing argument or parenthesis at position %d", name.text, t.pos)
			}
		}
	}

	if len(args) < spec.minArgs || len(args) > spec.maxArgs {
		return nil, fmt.Errorf("function '%s' expects %d..%d arguments, got %d", name.text, spec.minArgs, spec.maxArgs, len(args))
	}
	return &callNode{name: name.text, args: args}, nil
}
