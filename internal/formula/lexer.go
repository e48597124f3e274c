package formula

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOperator
	tokLParen
	tokRParen
	tokComma
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	num  decimal.Decimal
	pos  int // 1-based
}

func tokenize(src string) ([]token, error) {
	var tokens []token
	runes := []rune(src)

	for i := 0; i < len(runes); {
		c := runes[i]

		switch {
		case unicode.IsSpace(c):
			i++

		case isDigit(c) || (c == '.' && i+1 < len(runes) && isDigit(runes[i+1])):
			start := i
			for i < len(runes) && (isDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			if i < len(runes) && (runes[i] == 'e' || runes[i] == 'E') {
				i++
				if i < len(runes) && (runes[i] == '+' || runes[i] == '-') {
					i++
				}
				if i >= len(runes) || !isDigit(runes[i]) {
					return nil, fmt.Errorf("invalid scientific notation at position %d", start+1)
				}
				for i < len(runes) && isDigit(runes[i]) {
					i++
				}
			}
			raw := string(runes[start:i])
			lit := raw
			if strings.HasPrefix(lit, ".") {
				lit = "0" + lit
			}
			v, err := decimal.NewFromString(lit)
			if err != nil {
				return nil, fmt.Errorf("invalid number '%s' at position %d", raw, start+1)
			}
			tokens = append(tokens, token{kind: tokNumber, text: raw, num: v, pos: start + 1})

		case unicode.IsLetter(c) || c == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || isDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			tokens = append(tokens, token{kind: tokIdent, text: string(runes[start:i]), pos: start + 1})

		case c == '+' || c == '-' || c == '*' || c == '/' || c == '^':
			tokens = append(tokens, token{kind: tokOperator, text: string(c), pos: i + 1})
			i++

		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i + 1})
			i++

		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i + 1})
			i++

		case c == ',':
			tokens = append(tokens, token{kind: tokComma, text: ",", pos: i + 1})
			i++

		default:
			return nil, fmt.Errorf("unexpected character '%c' at position %d", c, i+1)
		}

		if len(tokens) > MaxTokens {
			return nil, fmt.Errorf("formula is too complex")
		}
	}

	tokens = append(tokens, token{kind: tokEOF, pos: len(runes) + 1})
	return tokens, nil
}

func isDigit(c rune) bool {
	return c >= '0' && c <= '9'
}
