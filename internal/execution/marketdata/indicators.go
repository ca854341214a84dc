package marketdata

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/markcheno/go-talib"
)

// SupportedIndicators is the recognized indicator set; the condition
// compiler rejects names outside it.
var SupportedIndicators = map[string]bool{
	"RSI":    true,
	"SMA":    true,
	"EMA":    true,
	"MACD":   true,
	"BBANDS": true,
	"ATR":    true,
}

// candleHistory is the minimum history needed even by the slowest
// indicator we compute (MACD with a doubled slow period plus warm-up).
const candleHistory = 300

// Engine computes indicator values from stored candles. An indicator
// whose warm-up window is not yet filled is simply absent from the
// result; evaluators treat absence as unknown.
//
// Multi-output indicators collapse to a single comparable value:
// MACD_N is the MACD line with fast=N, slow=2N, signal=9; BBANDS_N is
// %B, the close's position inside the bands (0 = lower, 1 = upper).
type Engine struct {
	store *CandleStore
}

// NewEngine creates an indicator engine over the candle store.
func NewEngine(store *CandleStore) *Engine {
	return &Engine{store: store}
}

// Compute evaluates the requested NAME_PERIOD keys for one asset.
func (e *Engine) Compute(asset string, keys []string) (map[string]float64, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	candles, err := e.store.Recent(asset, candleHistory)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, nil
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}

	out := make(map[string]float64, len(keys))
	for _, key := range keys {
		name, period, err := parseKey(key)
		if err != nil {
			return nil, err
		}
		if v, ok := compute(name, period, closes, highs, lows); ok {
			out[key] = v
		}
	}
	return out, nil
}

// parseKey splits "RSI_14" into ("RSI", 14).
func parseKey(key string) (string, int, error) {
	idx := strings.LastIndex(key, "_")
	if idx <= 0 {
		return "", 0, fmt.Errorf("malformed indicator key %q", key)
	}
	name := key[:idx]
	period, err := strconv.Atoi(key[idx+1:])
	if err != nil || period <= 0 {
		return "", 0, fmt.Errorf("malformed indicator period in %q", key)
	}
	if !SupportedIndicators[name] {
		return "", 0, fmt.Errorf("unsupported indicator %q", name)
	}
	return name, period, nil
}

func compute(name string, period int, closes, highs, lows []float64) (float64, bool) {
	switch name {
	case "RSI":
		if len(closes) <= period {
			return 0, false
		}
		return last(talib.Rsi(closes, period))
	case "SMA":
		if len(closes) < period {
			return 0, false
		}
		return last(talib.Sma(closes, period))
	case "EMA":
		if len(closes) < period {
			return 0, false
		}
		return last(talib.Ema(closes, period))
	case "MACD":
		slow := period * 2
		if len(closes) < slow+9 {
			return 0, false
		}
		macd, _, _ := talib.Macd(closes, period, slow, 9)
		return last(macd)
	case "BBANDS":
		if len(closes) < period {
			return 0, false
		}
		upper, _, lower := talib.BBands(closes, period, 2, 2, talib.SMA)
		u, okU := last(upper)
		l, okL := last(lower)
		if !okU || !okL || u == l {
			return 0, false
		}
		return (closes[len(closes)-1] - l) / (u - l), true
	case "ATR":
		if len(closes) <= period {
			return 0, false
		}
		return last(talib.Atr(highs, lows, closes, period))
	}
	return 0, false
}

// last returns the final element of a talib output series. Warm-up
// readiness is guarded by the length checks above; talib zero-pads the
// head of its outputs, not the tail.
func last(series []float64) (float64, bool) {
	if len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1], true
}
