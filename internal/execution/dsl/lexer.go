// Package dsl implements the strategy condition language: a recursive
// descent parser producing an evaluable tree with tri-valued logic and
// per-node crossing memory.
package dsl

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokLParen
	tokRParen
	tokComma
	tokOp // > < >= <= ==
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lex tokenizes a condition expression. Identifiers cover indicator names,
// keywords and asset symbols (letters, digits, '_', '/', '-', '.').
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == '>' || c == '<':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokOp, src[i : i+2], i})
				i += 2
			} else {
				toks = append(toks, token{tokOp, string(c), i})
				i++
			}
		case c == '=':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokOp, "==", i})
				i += 2
			} else {
				return nil, fmt.Errorf("position %d: single '=' (use '==')", i)
			}
		case c >= '0' && c <= '9', c == '-' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			start := i
			if c == '-' {
				i++
			}
			seenDot := false
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.' && !seenDot) {
				if src[i] == '.' {
					seenDot = true
				}
				i++
			}
			toks = append(toks, token{tokNumber, src[start:i], start})
		case isIdentRune(rune(c)):
			start := i
			for i < len(src) && isIdentRune(rune(src[i])) {
				i++
			}
			toks = append(toks, token{tokIdent, src[start:i], start})
		default:
			return nil, fmt.Errorf("position %d: unexpected character %q", i, c)
		}
	}
	toks = append(toks, token{tokEOF, "", len(src)})
	return toks, nil
}

func isIdentRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '/' || r == '-' || r == '.'
}

// isKeyword reports whether an identifier is a logical keyword, case
// insensitively.
func isKeyword(text, kw string) bool {
	return strings.EqualFold(text, kw)
}
