package strategy

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/crypton-sys/crypton/internal/execution/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDocJSON(t *testing.T, mutate func(doc map[string]interface{})) []byte {
	t.Helper()
	doc := map[string]interface{}{
		"mode":              "paper",
		"validity_window":   time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339),
		"posture":           "moderate",
		"posture_rationale": "range-bound market",
		"portfolio_risk": map[string]interface{}{
			"max_drawdown_pct":       0.15,
			"daily_loss_limit_usd":   500.0,
			"max_total_exposure_pct": 0.5,
			"max_per_position_pct":   0.2,
		},
		"positions": []interface{}{
			map[string]interface{}{
				"id":              "pos-1",
				"asset":           "BTC/USD",
				"direction":       "long",
				"allocation_pct":  0.1,
				"entry_type":      "conditional",
				"entry_condition": "RSI(14, BTC/USD) < 35",
				"take_profit_targets": []interface{}{
					map[string]interface{}{"price": 52000.0, "close_pct": 0.5},
					map[string]interface{}{"price": 55000.0, "close_pct": 0.5},
				},
				"stop_loss": map[string]interface{}{"type": "hard", "price": 43000.0},
			},
		},
		"strategy_rationale": "buy the dip",
	}
	if mutate != nil {
		mutate(doc)
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func position(doc map[string]interface{}) map[string]interface{} {
	return doc["positions"].([]interface{})[0].(map[string]interface{})
}

func TestValidateDocumentAccepts(t *testing.T) {
	doc, err := ValidateDocument(validDocJSON(t, nil))
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, domain.ModePaper, doc.Mode)
	assert.Equal(t, domain.PostureModerate, doc.Posture)
	require.Len(t, doc.Positions, 1)
	assert.Equal(t, domain.EntryConditional, doc.Positions[0].EntryType)
}

func TestValidateDocumentRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(doc map[string]interface{})
	}{
		{"not json", nil}, // handled below
		{"bad mode", func(d map[string]interface{}) { d["mode"] = "backtest" }},
		{"past validity window", func(d map[string]interface{}) {
			d["validity_window"] = time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
		}},
		{"allocation above one", func(d map[string]interface{}) { position(d)["allocation_pct"] = 1.5 }},
		{"zero drawdown cap", func(d map[string]interface{}) {
			d["portfolio_risk"].(map[string]interface{})["max_drawdown_pct"] = 0.0
		}},
		{"conditional without condition", func(d map[string]interface{}) {
			delete(position(d), "entry_condition")
		}},
		{"limit without price", func(d map[string]interface{}) {
			p := position(d)
			p["entry_type"] = "limit"
			delete(p, "entry_condition")
		}},
		{"close_pct over one", func(d map[string]interface{}) {
			position(d)["take_profit_targets"] = []interface{}{
				map[string]interface{}{"price": 52000.0, "close_pct": 0.7},
				map[string]interface{}{"price": 55000.0, "close_pct": 0.7},
			}
		}},
		{"unknown indicator", func(d map[string]interface{}) {
			position(d)["entry_condition"] = "VWAP(14, BTC/USD) < 35"
		}},
		{"hard stop without price", func(d map[string]interface{}) {
			position(d)["stop_loss"] = map[string]interface{}{"type": "hard"}
		}},
		{"trailing stop without trail_pct", func(d map[string]interface{}) {
			position(d)["stop_loss"] = map[string]interface{}{"type": "trailing"}
		}},
		{"duplicate position ids", func(d map[string]interface{}) {
			d["positions"] = append(d["positions"].([]interface{}),
				d["positions"].([]interface{})[0])
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := []byte("{not json")
			if tc.mutate != nil {
				raw = validDocJSON(t, tc.mutate)
			}
			_, err := ValidateDocument(raw)
			assert.Error(t, err)
		})
	}
}

func TestDocumentIDIgnoresKeyOrder(t *testing.T) {
	a := []byte(`{"mode":"paper","posture":"flat"}`)
	b := []byte(`{ "posture": "flat", "mode": "paper" }`)

	var da, db interface{}
	require.NoError(t, json.Unmarshal(a, &da))
	require.NoError(t, json.Unmarshal(b, &db))

	ida, err := DocumentID(da)
	require.NoError(t, err)
	idb, err := DocumentID(db)
	require.NoError(t, err)
	assert.Equal(t, ida, idb)
}

func TestCompiledIndicatorKeys(t *testing.T) {
	raw := validDocJSON(t, func(d map[string]interface{}) {
		p := position(d)
		p["entry_condition"] = "AND(RSI(14, BTC/USD) < 35, SMA(20, BTC/USD) > 40000)"
		p["invalidation_condition"] = "RSI(14, BTC/USD) > 80"
	})
	doc, err := ValidateDocument(raw)
	require.NoError(t, err)

	cs, err := Compile(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"RSI_14", "SMA_20"}, cs.IndicatorKeys())
	require.NotNil(t, cs.Position("pos-1"))
	assert.NotNil(t, cs.Position("pos-1").Entry)
	assert.NotNil(t, cs.Position("pos-1").Invalidation)
	assert.Nil(t, cs.Position("missing"))
}

func TestValidateDocumentCloseSumTolerance(t *testing.T) {
	raw := validDocJSON(t, func(d map[string]interface{}) {
		targets := make([]interface{}, 0, 3)
		for i := 0; i < 3; i++ {
			targets = append(targets, map[string]interface{}{
				"price":     fmt.Sprintf("%d", 50000+i*1000),
				"close_pct": 1.0 / 3.0,
			})
		}
		position(d)["take_profit_targets"] = targets
	})
	// price as string must fail the schema; rebuild with numbers to check
	// the tolerance path.
	_, err := ValidateDocument(raw)
	assert.Error(t, err)

	raw = validDocJSON(t, func(d map[string]interface{}) {
		position(d)["take_profit_targets"] = []interface{}{
			map[string]interface{}{"price": 50000.0, "close_pct": 1.0 / 3.0},
			map[string]interface{}{"price": 51000.0, "close_pct": 1.0 / 3.0},
			map[string]interface{}{"price": 52000.0, "close_pct": 1.0 / 3.0},
		}
	})
	_, err = ValidateDocument(raw)
	assert.NoError(t, err)
}
