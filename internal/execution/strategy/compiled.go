package strategy

import (
	"fmt"
	"sort"
	"time"

	"github.com/crypton-sys/crypton/internal/execution/domain"
	"github.com/crypton-sys/crypton/internal/execution/dsl"
	"github.com/crypton-sys/crypton/internal/execution/marketdata"
)

// State of the strategy service.
type State string

const (
	// StateNone means no strategy has ever loaded.
	StateNone State = "none"
	// StateActive means a valid strategy is live.
	StateActive State = "active"
	// StateInvalid means the first-ever load failed; nothing is executable.
	StateInvalid State = "invalid"
	// StateExpired means the active strategy's validity window passed.
	StateExpired State = "expired"
)

// CompiledPosition pairs a strategy position with its compiled condition
// trees. Entry is nil for market and limit entries; Invalidation is nil
// when the position has no invalidation condition.
type CompiledPosition struct {
	Spec         domain.StrategyPosition
	Entry        dsl.Node
	Invalidation dsl.Node
}

// CompiledStrategy is a validated document with every DSL expression
// compiled once, published atomically to the engine.
type CompiledStrategy struct {
	Doc       *domain.StrategyDocument
	Positions []CompiledPosition
	LoadedAt  time.Time
}

// Compile builds a CompiledStrategy from a validated document. Compilation
// errors here indicate a validator bug; the same expressions were compiled
// during validation.
func Compile(doc *domain.StrategyDocument) (*CompiledStrategy, error) {
	cs := &CompiledStrategy{
		Doc:       doc,
		Positions: make([]CompiledPosition, 0, len(doc.Positions)),
		LoadedAt:  time.Now().UTC(),
	}
	for i := range doc.Positions {
		p := doc.Positions[i]
		cp := CompiledPosition{Spec: p}
		var err error
		if p.EntryCondition != "" {
			if cp.Entry, err = dsl.Compile(p.EntryCondition, marketdata.SupportedIndicators); err != nil {
				return nil, fmt.Errorf("position %q: compile entry condition: %w", p.ID, err)
			}
		}
		if p.InvalidationCondition != "" {
			if cp.Invalidation, err = dsl.Compile(p.InvalidationCondition, marketdata.SupportedIndicators); err != nil {
				return nil, fmt.Errorf("position %q: compile invalidation condition: %w", p.ID, err)
			}
		}
		cs.Positions = append(cs.Positions, cp)
	}
	return cs, nil
}

// Position returns the compiled position with the given id, or nil.
func (c *CompiledStrategy) Position(id string) *CompiledPosition {
	for i := range c.Positions {
		if c.Positions[i].Spec.ID == id {
			return &c.Positions[i]
		}
	}
	return nil
}

// IndicatorKeys returns the sorted union of NAME_PERIOD keys referenced by
// any condition in the strategy; the hub computes exactly these per tick.
func (c *CompiledStrategy) IndicatorKeys() []string {
	set := make(map[string]bool)
	for _, p := range c.Positions {
		for _, node := range []dsl.Node{p.Entry, p.Invalidation} {
			if node == nil {
				continue
			}
			for _, k := range dsl.IndicatorKeys(node) {
				set[k] = true
			}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Expired reports whether the document's validity window has passed.
func (c *CompiledStrategy) Expired(now time.Time) bool {
	return now.After(c.Doc.ValidityWindow)
}
