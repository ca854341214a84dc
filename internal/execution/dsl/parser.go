package dsl

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultIndicators is the recognized indicator set when the caller passes
// none. It matches what the indicator engine computes.
var DefaultIndicators = map[string]bool{
	"RSI":    true,
	"SMA":    true,
	"EMA":    true,
	"MACD":   true,
	"BBANDS": true,
	"ATR":    true,
}

// Compile parses a condition expression into an evaluable tree. indicators
// is the set of recognized indicator names (uppercase); nil selects
// DefaultIndicators. Unknown indicator names are rejected here, not at
// evaluation time.
func Compile(src string, indicators map[string]bool) (Node, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("empty condition expression")
	}
	if indicators == nil {
		indicators = DefaultIndicators
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, indicators: indicators}
	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		t := p.peek()
		return nil, fmt.Errorf("position %d: unexpected %q after expression", t.pos, t.text)
	}
	return node, nil
}

type parser struct {
	toks       []token
	pos        int
	indicators map[string]bool
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("position %d: expected %s, got %q", t.pos, what, t.text)
	}
	return t, nil
}

// parseExpr := and ('OR' and)*
func (p *parser) parseExpr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	operands := []Node{left}
	for p.peek().kind == tokIdent && isKeyword(p.peek().text, "OR") && !p.isCallAhead() {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		operands = append(operands, right)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return &orNode{operands: operands}, nil
}

// parseAnd := unary ('AND' unary)*
func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	operands := []Node{left}
	for p.peek().kind == tokIdent && isKeyword(p.peek().text, "AND") && !p.isCallAhead() {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		operands = append(operands, right)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return &andNode{operands: operands}, nil
}

// isCallAhead reports whether the keyword at the cursor is function-form,
// i.e. immediately followed by '('. AND(a, b) and infix a AND b are both
// accepted; the distinction is the parenthesis.
func (p *parser) isCallAhead() bool {
	return p.toks[p.pos+1].kind == tokLParen
}

// parseUnary := 'NOT' unary | primary
func (p *parser) parseUnary() (Node, error) {
	if p.peek().kind == tokIdent && isKeyword(p.peek().text, "NOT") && !p.isCallAhead() {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parsePrimary()
}

// parsePrimary := logicCall | cross | '(' expr ')' | compare
func (p *parser) parsePrimary() (Node, error) {
	t := p.peek()

	if t.kind == tokLParen {
		p.next()
		node, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return node, nil
	}

	if t.kind == tokIdent && p.isCallAhead() {
		switch {
		case isKeyword(t.text, "AND"):
			operands, err := p.parseCallArgs(p.parseExpr, 2, -1)
			if err != nil {
				return nil, err
			}
			return &andNode{operands: operands}, nil
		case isKeyword(t.text, "OR"):
			operands, err := p.parseCallArgs(p.parseExpr, 2, -1)
			if err != nil {
				return nil, err
			}
			return &orNode{operands: operands}, nil
		case isKeyword(t.text, "NOT"):
			operands, err := p.parseCallArgs(p.parseExpr, 1, 1)
			if err != nil {
				return nil, err
			}
			return &notNode{operand: operands[0]}, nil
		case isKeyword(t.text, "crosses_above"), isKeyword(t.text, "crosses_below"):
			return p.parseCross(isKeyword(t.text, "crosses_above"))
		}
	}

	return p.parseCompare()
}

// parseCallArgs parses NAME '(' item (',' item)* ')' after the cursor sits
// on NAME. min/max bound the argument count; max < 0 means unbounded.
func (p *parser) parseCallArgs(item func() (Node, error), min, max int) ([]Node, error) {
	name := p.next()
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	var args []Node
	for {
		arg, err := item()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.peek().kind != tokComma {
			break
		}
		p.next()
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	if len(args) < min || (max >= 0 && len(args) > max) {
		return nil, fmt.Errorf("position %d: %s takes %s", name.pos, strings.ToUpper(name.text), argCountText(min, max))
	}
	return args, nil
}

func argCountText(min, max int) string {
	if min == max {
		return fmt.Sprintf("exactly %d argument(s)", min)
	}
	if max < 0 {
		return fmt.Sprintf("at least %d arguments", min)
	}
	return fmt.Sprintf("%d to %d arguments", min, max)
}

// parseCross := ('crosses_above'|'crosses_below') '(' term ',' term ')'
func (p *parser) parseCross(above bool) (Node, error) {
	p.next() // keyword
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	observed, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokComma, "','"); err != nil {
		return nil, err
	}
	threshold, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return &crossNode{above: above, observed: observed, threshold: threshold}, nil
}

// parseCompare := term op term
func (p *parser) parseCompare() (Node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	opTok := p.next()
	if opTok.kind != tokOp {
		return nil, fmt.Errorf("position %d: expected comparison operator, got %q", opTok.pos, opTok.text)
	}
	right, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	return &compareNode{op: opTok.text, left: left, right: right}, nil
}

// parseTerm := 'price' '(' asset ')' | NAME '(' period ',' asset ')' | number
func (p *parser) parseTerm() (term, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("position %d: bad number %q", t.pos, t.text)
		}
		return numberTerm{v: v}, nil

	case tokIdent:
		if isKeyword(t.text, "price") {
			if _, err := p.expect(tokLParen, "'('"); err != nil {
				return nil, err
			}
			asset, err := p.expect(tokIdent, "asset symbol")
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRParen, "')'"); err != nil {
				return nil, err
			}
			return priceTerm{asset: asset.text}, nil
		}

		name := strings.ToUpper(t.text)
		if !p.indicators[name] {
			return nil, fmt.Errorf("position %d: unknown indicator %q", t.pos, t.text)
		}
		if _, err := p.expect(tokLParen, "'('"); err != nil {
			return nil, err
		}
		periodTok, err := p.expect(tokNumber, "indicator period")
		if err != nil {
			return nil, err
		}
		period, err := strconv.Atoi(periodTok.text)
		if err != nil || period < 1 {
			return nil, fmt.Errorf("position %d: bad indicator period %q", periodTok.pos, periodTok.text)
		}
		if _, err := p.expect(tokComma, "','"); err != nil {
			return nil, err
		}
		asset, err := p.expect(tokIdent, "asset symbol")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return indicatorTerm{key: IndicatorKey(name, period), asset: asset.text}, nil

	default:
		return nil, fmt.Errorf("position %d: expected term, got %q", t.pos, t.text)
	}
}
