// Package strategy loads, validates and hot-swaps the strategy.json
// contract between the planning side and the execution engine.
package strategy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crypton-sys/crypton/internal/execution/domain"
	"github.com/crypton-sys/crypton/internal/execution/dsl"
	"github.com/crypton-sys/crypton/internal/execution/marketdata"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// closePctTolerance absorbs float noise when summing take-profit
// close_pct values against the 1.0 cap.
const closePctTolerance = 1e-9

const documentSchema = `{
	"type": "object",
	"required": ["mode", "validity_window", "posture", "portfolio_risk", "positions"],
	"properties": {
		"mode": {"enum": ["paper", "live"]},
		"validity_window": {"type": "string"},
		"posture": {"enum": ["aggressive", "moderate", "defensive", "flat", "exit_all"]},
		"posture_rationale": {"type": "string"},
		"strategy_rationale": {"type": "string"},
		"portfolio_risk": {
			"type": "object",
			"required": ["max_drawdown_pct", "daily_loss_limit_usd", "max_total_exposure_pct", "max_per_position_pct"],
			"properties": {
				"max_drawdown_pct": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
				"daily_loss_limit_usd": {"type": "number", "minimum": 0},
				"max_total_exposure_pct": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
				"max_per_position_pct": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
				"safe_mode_triggers": {"type": "array", "items": {"type": "string"}}
			}
		},
		"positions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "asset", "direction", "allocation_pct", "entry_type"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"asset": {"type": "string", "minLength": 1},
					"direction": {"enum": ["long", "short"]},
					"allocation_pct": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
					"entry_type": {"enum": ["market", "limit", "conditional"]},
					"entry_condition": {"type": "string"},
					"entry_limit_price": {"type": "number", "exclusiveMinimum": 0},
					"take_profit_targets": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["price", "close_pct"],
							"properties": {
								"price": {"type": "number", "exclusiveMinimum": 0},
								"close_pct": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
							}
						}
					},
					"stop_loss": {
						"type": "object",
						"required": ["type"],
						"properties": {
							"type": {"enum": ["hard", "trailing"]},
							"price": {"type": "number", "exclusiveMinimum": 0},
							"trail_pct": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
						}
					},
					"time_exit_utc": {"type": "string"},
					"invalidation_condition": {"type": "string"}
				}
			}
		}
	}
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	var doc interface{}
	if err := json.Unmarshal([]byte(documentSchema), &doc); err != nil {
		panic(fmt.Sprintf("strategy schema is not valid JSON: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("strategy.json", doc); err != nil {
		panic(fmt.Sprintf("add strategy schema resource: %v", err))
	}
	s, err := c.Compile("strategy.json")
	if err != nil {
		panic(fmt.Sprintf("compile strategy schema: %v", err))
	}
	return s
}

// ValidateDocument parses and fully validates a strategy document:
// structural validation against the JSON schema, then the semantic rules
// the schema cannot express (validity window in the future, conditional
// field requirements, close_pct sum, DSL compilation). On success the
// returned document carries its content-derived ID.
func ValidateDocument(raw []byte) (*domain.StrategyDocument, error) {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("strategy document is not valid JSON: %w", err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("strategy document failed schema validation: %w", err)
	}

	var doc domain.StrategyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse strategy document: %w", err)
	}

	if err := validateSemantics(&doc); err != nil {
		return nil, err
	}

	id, err := DocumentID(generic)
	if err != nil {
		return nil, err
	}
	doc.ID = id
	return &doc, nil
}

// DocumentID derives the strategy id as SHA-256 of the normalized content.
// Normalization re-marshals the decoded document, which sorts object keys,
// so cosmetic reformatting and key reordering do not change the id.
func DocumentID(decoded interface{}) (string, error) {
	normalized, err := json.Marshal(decoded)
	if err != nil {
		return "", fmt.Errorf("normalize strategy document: %w", err)
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), nil
}

func validateSemantics(doc *domain.StrategyDocument) error {
	if !doc.ValidityWindow.After(time.Now().UTC()) {
		return fmt.Errorf("validity_window %s is not in the future", doc.ValidityWindow.Format(time.RFC3339))
	}

	seen := make(map[string]bool, len(doc.Positions))
	for i := range doc.Positions {
		p := &doc.Positions[i]
		if seen[p.ID] {
			return fmt.Errorf("position %q: duplicate id", p.ID)
		}
		seen[p.ID] = true
		if err := validatePosition(p); err != nil {
			return err
		}
	}
	return nil
}

func validatePosition(p *domain.StrategyPosition) error {
	switch p.EntryType {
	case domain.EntryLimit:
		if p.EntryLimitPrice <= 0 {
			return fmt.Errorf("position %q: limit entry requires entry_limit_price", p.ID)
		}
	case domain.EntryConditional:
		if p.EntryCondition == "" {
			return fmt.Errorf("position %q: conditional entry requires entry_condition", p.ID)
		}
	}

	if p.EntryCondition != "" {
		if _, err := dsl.Compile(p.EntryCondition, marketdata.SupportedIndicators); err != nil {
			return fmt.Errorf("position %q: entry_condition: %w", p.ID, err)
		}
	}
	if p.InvalidationCondition != "" {
		if _, err := dsl.Compile(p.InvalidationCondition, marketdata.SupportedIndicators); err != nil {
			return fmt.Errorf("position %q: invalidation_condition: %w", p.ID, err)
		}
	}

	var closeSum float64
	for _, t := range p.TakeProfitTargets {
		closeSum += t.ClosePct
	}
	if closeSum > 1+closePctTolerance {
		return fmt.Errorf("position %q: take_profit_targets close_pct sums to %.4f, exceeds 1.0", p.ID, closeSum)
	}

	if sl := p.StopLoss; sl != nil {
		switch sl.Type {
		case domain.StopHard:
			if sl.Price <= 0 {
				return fmt.Errorf("position %q: hard stop requires price", p.ID)
			}
		case domain.StopTrailing:
			if sl.TrailPct <= 0 || sl.TrailPct >= 1 {
				return fmt.Errorf("position %q: trailing stop requires trail_pct in (0,1)", p.ID)
			}
		}
	}
	return nil
}
