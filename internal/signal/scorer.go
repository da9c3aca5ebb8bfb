package signal

import (
	"context"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"algotrader/internal/logger"
	"algotrader/internal/pnl"
)

// Scorer assigns score and confidence to a signal.
type Scorer interface {
	Score(ctx context.Context, s Signal) (Signal, error)
}

// HeuristicScorer keeps the analyzer's score (60 when absent) and derives
// confidence from it.
type HeuristicScorer struct{}

func (HeuristicScorer) Score(_ context.Context, s Signal) (Signal, error) {
	if s.Score <= 0 {
		s.Score = 60
	}
	s.Score = round2(math.Min(s.Score, 100))
	s.Confidence = math.Min(math.Round(s.Score+10), 100)
	return s, nil
}

// Chain tries each scorer in order and falls back to the heuristic when all
// of them fail.
type Chain []Scorer

func (c Chain) Score(ctx context.Context, s Signal) (Signal, error) {
	for _, sc := range c {
		if sc == nil {
			continue
		}
		out, err := sc.Score(ctx, s)
		if err == nil {
			return out, nil
		}
		logger.Warnf("[signal] scorer %T failed for %s: %v", sc, s.Symbol, err)
	}
	return HeuristicScorer{}.Score(ctx, s)
}

// Features is the 9-value model input: entry, tp, sl, trail, score,
// confidence, side (long=1), trend (up=1, down=-1) and regime (breakout=1).
func Features(s Signal) []float32 {
	side := float32(0)
	if pnl.NormalizeSide(s.Side) == pnl.SideBuy {
		side = 1
	}
	trend := float32(0)
	switch strings.ToLower(s.Trend) {
	case "up":
		trend = 1
	case "down":
		trend = -1
	}
	regime := float32(0)
	if strings.EqualFold(s.Regime, "breakout") {
		regime = 1
	}
	return []float32{
		f32(s.Entry), f32(s.TakeProfit), f32(s.StopLoss), 0,
		float32(s.Score), float32(s.Confidence),
		side, trend, regime,
	}
}

func f32(d decimal.Decimal) float32 {
	v, _ := d.Float64()
	return float32(v)
}

// EnrichConfig holds the fallbacks Enrich applies.
type EnrichConfig struct {
	DefaultLeverage int
	DefaultMargin   decimal.Decimal
}

// Enrich fills leverage, margin and qty. With a positive entry and known
// capital the margin is capital/leverage; otherwise the default margin is
// used. A missing qty becomes margin*leverage/entry.
func Enrich(s Signal, capital decimal.Decimal, cfg EnrichConfig) Signal {
	if s.Leverage <= 0 {
		s.Leverage = cfg.DefaultLeverage
	}
	if s.Leverage <= 0 {
		s.Leverage = 20
	}
	lev := decimal.NewFromInt(int64(s.Leverage))
	if !s.MarginUSDT.IsPositive() {
		if s.Entry.IsPositive() && capital.IsPositive() {
			s.MarginUSDT = capital.Div(lev).Round(2)
		} else {
			s.MarginUSDT = cfg.DefaultMargin
		}
	}
	if !s.Qty.IsPositive() && s.Entry.IsPositive() && s.MarginUSDT.IsPositive() {
		s.Qty = s.MarginUSDT.Mul(lev).Div(s.Entry)
	}
	if s.OrderType == "" {
		s.OrderType = "Market"
	}
	s.Side = pnl.NormalizeSide(s.Side)
	return s
}
