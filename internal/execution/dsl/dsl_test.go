package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapEnv backs evaluation with plain maps. A missing entry is "not ready".
type mapEnv struct {
	prices     map[string]float64
	indicators map[string]float64 // key: "RSI_14|BTC/USD"
}

func (e mapEnv) Price(asset string) (float64, bool) {
	v, ok := e.prices[asset]
	return v, ok
}

func (e mapEnv) Indicator(key, asset string) (float64, bool) {
	v, ok := e.indicators[key+"|"+asset]
	return v, ok
}

func TestCompileErrors(t *testing.T) {
	cases := map[string]string{
		"empty":               "",
		"unknown indicator":   "FOO(14, BTC/USD) > 10",
		"unbalanced paren":    "(price(BTC/USD) > 10",
		"single equals":       "price(BTC/USD) = 10",
		"missing operator":    "price(BTC/USD) 10",
		"trailing garbage":    "price(BTC/USD) > 10 price",
		"bad period":          "RSI(0, BTC/USD) > 10",
		"not with two args":   "NOT(price(BTC/USD) > 1, price(BTC/USD) < 2)",
		"and with single arg": "AND(price(BTC/USD) > 1)",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Compile(src, nil)
			assert.Error(t, err)
		})
	}
}

func TestCompareEvaluation(t *testing.T) {
	env := mapEnv{
		prices:     map[string]float64{"BTC/USD": 45001},
		indicators: map[string]float64{"RSI_14|BTC/USD": 32},
	}

	node, err := Compile("AND(RSI(14, BTC/USD) < 35, price(BTC/USD) > 45000)", nil)
	require.NoError(t, err)
	assert.Equal(t, True, node.Eval(env))

	env.prices["BTC/USD"] = 44900
	assert.Equal(t, False, node.Eval(env))
}

func TestInfixForm(t *testing.T) {
	env := mapEnv{
		prices:     map[string]float64{"ETH/USD": 2500},
		indicators: map[string]float64{"SMA_20|ETH/USD": 2400},
	}
	node, err := Compile("price(ETH/USD) > SMA(20, ETH/USD) AND NOT price(ETH/USD) > 3000", nil)
	require.NoError(t, err)
	assert.Equal(t, True, node.Eval(env))
}

func TestTriValuedLogic(t *testing.T) {
	env := mapEnv{prices: map[string]float64{"BTC/USD": 50000}} // no indicators yet

	t.Run("and true unknown is unknown", func(t *testing.T) {
		node, err := Compile("AND(price(BTC/USD) > 1, RSI(14, BTC/USD) < 35)", nil)
		require.NoError(t, err)
		assert.Equal(t, Unknown, node.Eval(env))
	})

	t.Run("and false unknown is false", func(t *testing.T) {
		node, err := Compile("AND(price(BTC/USD) < 1, RSI(14, BTC/USD) < 35)", nil)
		require.NoError(t, err)
		assert.Equal(t, False, node.Eval(env))
	})

	t.Run("or true unknown is true", func(t *testing.T) {
		node, err := Compile("OR(price(BTC/USD) > 1, RSI(14, BTC/USD) < 35)", nil)
		require.NoError(t, err)
		assert.Equal(t, True, node.Eval(env))
	})

	t.Run("or false unknown is unknown", func(t *testing.T) {
		node, err := Compile("OR(price(BTC/USD) < 1, RSI(14, BTC/USD) < 35)", nil)
		require.NoError(t, err)
		assert.Equal(t, Unknown, node.Eval(env))
	})

	t.Run("not unknown is unknown", func(t *testing.T) {
		node, err := Compile("NOT(RSI(14, BTC/USD) < 35)", nil)
		require.NoError(t, err)
		assert.Equal(t, Unknown, node.Eval(env))
	})
}

func TestCrossingDetection(t *testing.T) {
	node, err := Compile("crosses_above(RSI(14, BTC/USD), 70)", nil)
	require.NoError(t, err)

	tick := func(rsi float64) Value {
		return node.Eval(mapEnv{indicators: map[string]float64{"RSI_14|BTC/USD": rsi}})
	}

	// First observation cannot cross.
	assert.Equal(t, False, tick(72))
	ResetMemory(node)

	assert.Equal(t, False, tick(65))  // below, arming
	assert.Equal(t, True, tick(70.5)) // crosses
	assert.Equal(t, False, tick(71))  // already above, no re-fire
	assert.Equal(t, False, tick(69))  // back below
	assert.Equal(t, True, tick(75))   // crosses again
}

func TestCrossingBelow(t *testing.T) {
	node, err := Compile("crosses_below(price(BTC/USD), 45000)", nil)
	require.NoError(t, err)

	tick := func(px float64) Value {
		return node.Eval(mapEnv{prices: map[string]float64{"BTC/USD": px}})
	}
	assert.Equal(t, False, tick(45100))
	assert.Equal(t, True, tick(44900))
	assert.Equal(t, False, tick(44800))
}

func TestCrossingUnknownKeepsMemory(t *testing.T) {
	node, err := Compile("crosses_above(RSI(14, BTC/USD), 70)", nil)
	require.NoError(t, err)

	tick := func(env mapEnv) Value { return node.Eval(env) }

	assert.Equal(t, False, tick(mapEnv{indicators: map[string]float64{"RSI_14|BTC/USD": 65}}))
	assert.Equal(t, Unknown, tick(mapEnv{})) // indicator gap
	assert.Equal(t, True, tick(mapEnv{indicators: map[string]float64{"RSI_14|BTC/USD": 71}}))
}

func TestEqualityEpsilon(t *testing.T) {
	node, err := Compile("price(BTC/USD) == 45000", nil)
	require.NoError(t, err)

	eval := func(px float64) Value {
		return node.Eval(mapEnv{prices: map[string]float64{"BTC/USD": px}})
	}
	assert.Equal(t, True, eval(45000))
	assert.Equal(t, True, eval(45000+45000*1e-10))
	assert.Equal(t, False, eval(45000.1))
}

func TestIndicatorKeys(t *testing.T) {
	node, err := Compile("AND(RSI(14, BTC/USD) < 35, EMA(50, BTC/USD) > EMA(200, BTC/USD))", nil)
	require.NoError(t, err)
	keys := IndicatorKeys(node)
	assert.ElementsMatch(t, []string{"RSI_14", "EMA_50", "EMA_200"}, keys)
}
