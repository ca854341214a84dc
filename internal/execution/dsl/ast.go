package dsl

import (
	"fmt"
	"math"
	"strings"
)

// Value is a tri-valued logic result. Unknown propagates when a required
// indicator has not yet produced a value.
type Value int

const (
	False Value = iota
	True
	Unknown
)

// String implements fmt.Stringer.
func (v Value) String() string {
	switch v {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

// Env supplies market values during evaluation. The second return is false
// when the value is not (yet) available.
type Env interface {
	Price(asset string) (float64, bool)
	Indicator(key, asset string) (float64, bool)
}

// Node is an evaluable condition tree node.
type Node interface {
	Eval(env Env) Value
}

// term produces a numeric value from the environment.
type term interface {
	value(env Env) (float64, bool)
	String() string
}

type numberTerm struct{ v float64 }

func (t numberTerm) value(Env) (float64, bool) { return t.v, true }
func (t numberTerm) String() string            { return fmt.Sprintf("%g", t.v) }

type priceTerm struct{ asset string }

func (t priceTerm) value(env Env) (float64, bool) { return env.Price(t.asset) }
func (t priceTerm) String() string                { return fmt.Sprintf("price(%s)", t.asset) }

type indicatorTerm struct {
	key   string // NAME_PERIOD, uppercase
	asset string
}

func (t indicatorTerm) value(env Env) (float64, bool) { return env.Indicator(t.key, t.asset) }
func (t indicatorTerm) String() string                { return fmt.Sprintf("%s(%s)", t.key, t.asset) }

// relEpsilon is the relative tolerance for equality comparisons.
const relEpsilon = 1e-9

// andNode evaluates AND with Kleene semantics: false dominates unknown.
type andNode struct{ operands []Node }

func (n *andNode) Eval(env Env) Value {
	result := True
	for _, op := range n.operands {
		switch op.Eval(env) {
		case False:
			return False
		case Unknown:
			result = Unknown
		}
	}
	return result
}

// orNode evaluates OR with Kleene semantics: true dominates unknown.
type orNode struct{ operands []Node }

func (n *orNode) Eval(env Env) Value {
	result := False
	for _, op := range n.operands {
		switch op.Eval(env) {
		case True:
			return True
		case Unknown:
			result = Unknown
		}
	}
	return result
}

type notNode struct{ operand Node }

func (n *notNode) Eval(env Env) Value {
	switch n.operand.Eval(env) {
	case True:
		return False
	case False:
		return True
	default:
		return Unknown
	}
}

type compareNode struct {
	op          string
	left, right term
}

func (n *compareNode) Eval(env Env) Value {
	l, ok := n.left.value(env)
	if !ok {
		return Unknown
	}
	r, ok := n.right.value(env)
	if !ok {
		return Unknown
	}
	var res bool
	switch n.op {
	case ">":
		res = l > r
	case "<":
		res = l < r
	case ">=":
		res = l >= r
	case "<=":
		res = l <= r
	case "==":
		res = approxEqual(l, r)
	}
	if res {
		return True
	}
	return False
}

// crossNode fires exactly on the tick where the observed term moves across
// the threshold. prev is per-node memory of the last observed value.
type crossNode struct {
	above     bool
	observed  term
	threshold term

	hasPrev bool
	prev    float64
}

func (n *crossNode) Eval(env Env) Value {
	cur, ok := n.observed.value(env)
	if !ok {
		return Unknown
	}
	thr, ok := n.threshold.value(env)
	if !ok {
		return Unknown
	}

	fired := false
	if n.hasPrev {
		if n.above {
			fired = n.prev <= thr && cur > thr
		} else {
			fired = n.prev >= thr && cur < thr
		}
	}
	n.prev = cur
	n.hasPrev = true

	if fired {
		return True
	}
	return False
}

// ResetMemory clears crossing memory throughout a tree. Called when a
// strategy is (re)loaded so stale previous values cannot fire a cross.
func ResetMemory(n Node) {
	switch node := n.(type) {
	case *andNode:
		for _, op := range node.operands {
			ResetMemory(op)
		}
	case *orNode:
		for _, op := range node.operands {
			ResetMemory(op)
		}
	case *notNode:
		ResetMemory(node.operand)
	case *crossNode:
		node.hasPrev = false
		node.prev = 0
	}
}

// IndicatorKeys lists every indicator key referenced by a tree, for
// subscription planning. Keys are NAME_PERIOD.
func IndicatorKeys(n Node) []string {
	seen := make(map[string]bool)
	collectKeys(n, seen)
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out
}

func collectKeys(n Node, seen map[string]bool) {
	collectTerm := func(t term) {
		if it, ok := t.(indicatorTerm); ok {
			seen[it.key] = true
		}
	}
	switch node := n.(type) {
	case *andNode:
		for _, op := range node.operands {
			collectKeys(op, seen)
		}
	case *orNode:
		for _, op := range node.operands {
			collectKeys(op, seen)
		}
	case *notNode:
		collectKeys(node.operand, seen)
	case *compareNode:
		collectTerm(node.left)
		collectTerm(node.right)
	case *crossNode:
		collectTerm(node.observed)
		collectTerm(node.threshold)
	}
}

func approxEqual(a, b float64) bool {
	if a == b {
		return true
	}
	diff := math.Abs(a - b)
	scale := math.Max(math.Abs(a), math.Abs(b))
	return diff <= relEpsilon*scale
}

// IndicatorKey builds the canonical NAME_PERIOD key.
func IndicatorKey(name string, period int) string {
	return fmt.Sprintf("%s_%d", strings.ToUpper(name), period)
}
