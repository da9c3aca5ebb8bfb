package signal

import (
	"context"
	"fmt"
	"math"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"algotrader/internal/pnl"
	"algotrader/pkg/exchanges/common"
)

// KlineSource supplies candles, oldest first.
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]common.Kline, error)
}

// AnalyzerConfig holds indicator periods and the ATR multiples for SL/TP.
type AnalyzerConfig struct {
	Interval  string
	Limit     int
	FastEMA   int
	SlowEMA   int
	RSIPeriod int
	ATRPeriod int
	SLATR     float64
	TPATR     float64
}

func (c *AnalyzerConfig) applyDefaults() {
	if c.Interval == "" {
		c.Interval = "60"
	}
	if c.FastEMA <= 0 {
		c.FastEMA = 20
	}
	if c.SlowEMA <= 0 {
		c.SlowEMA = 50
	}
	if c.RSIPeriod <= 0 {
		c.RSIPeriod = 14
	}
	if c.ATRPeriod <= 0 {
		c.ATRPeriod = 14
	}
	if c.SLATR <= 0 {
		c.SLATR = 1.5
	}
	if c.TPATR <= 0 {
		c.TPATR = 3
	}
	if c.Limit < c.SlowEMA*2 {
		c.Limit = c.SlowEMA * 2
	}
}

// Analyzer is the built-in trend-following signal source.
type Analyzer struct {
	src KlineSource
	cfg AnalyzerConfig
}

func NewAnalyzer(src KlineSource, cfg AnalyzerConfig) *Analyzer {
	cfg.applyDefaults()
	return &Analyzer{src: src, cfg: cfg}
}

// Analyze returns a signal for symbol, or nil when the trend is unclear.
func (a *Analyzer) Analyze(ctx context.Context, symbol string) (*Signal, error) {
	candles, err := a.src.Klines(ctx, symbol, a.cfg.Interval, a.cfg.Limit)
	if err != nil {
		return nil, fmt.Errorf("klines %s: %w", symbol, err)
	}
	if len(candles) < a.cfg.SlowEMA+1 {
		return nil, nil
	}
	return Evaluate(symbol, candles, a.cfg), nil
}

// Evaluate runs the indicator rules over candles. Exported for backtests.
func Evaluate(symbol string, candles []common.Kline, cfg AnalyzerConfig) *Signal {
	cfg.applyDefaults()
	n := len(candles)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}

	fast := lastValid(talib.Ema(closes, cfg.FastEMA))
	slow := lastValid(talib.Ema(closes, cfg.SlowEMA))
	rsi := lastValid(talib.Rsi(closes, cfg.RSIPeriod))
	atr := lastValid(talib.Atr(highs, lows, closes, cfg.ATRPeriod))
	last := closes[n-1]
	if fast == 0 || slow == 0 || atr <= 0 || last <= 0 {
		return nil
	}

	var side, trend string
	switch {
	case fast > slow && last > fast && rsi >= 50 && rsi < 75:
		side, trend = pnl.SideBuy, "Up"
	case fast < slow && last < fast && rsi <= 50 && rsi > 25:
		side, trend = pnl.SideSell, "Down"
	default:
		return nil
	}

	regime := "Mean"
	if math.Abs(last-fast) > atr {
		regime = "Breakout"
	}

	sl, tp := last-cfg.SLATR*atr, last+cfg.TPATR*atr
	if side == pnl.SideSell {
		sl, tp = last+cfg.SLATR*atr, last-cfg.TPATR*atr
	}
	if sl <= 0 || tp <= 0 {
		return nil
	}

	// Base score grows with EMA separation and RSI momentum, capped at 100.
	spread := math.Abs(fast-slow) / slow * 100
	momentum := math.Abs(rsi - 50)
	score := math.Min(50+spread*10+momentum, 100)

	return &Signal{
		Symbol:     symbol,
		Side:       side,
		OrderType:  "Market",
		Entry:      decimal.NewFromFloat(last),
		StopLoss:   decimal.NewFromFloat(sl).Round(8),
		TakeProfit: decimal.NewFromFloat(tp).Round(8),
		Score:      round2(score),
		Strategy:   "ema_trend",
		Trend:      trend,
		Regime:     regime,
		Interval:   cfg.Interval,
		Indicators: map[string]float64{
			"ema_fast": round2(fast),
			"ema_slow": round2(slow),
			"rsi":      round2(rsi),
			"atr":      atr,
		},
	}
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		v := series[i]
		if !math.IsNaN(v) && !math.IsInf(v, 0) && v != 0 {
			return v
		}
	}
	return 0
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
