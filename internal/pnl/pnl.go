// Package pnl holds the one profit-and-loss formula and the trade
// statistics built on top of it.
package pnl

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"algotrader/pkg/db"
)

// Canonical order sides.
const (
	SideBuy  = "Buy"
	SideSell = "Sell"
)

// NormalizeSide maps Buy/BUY/long and Sell/SELL/short onto SideBuy/SideSell.
// Unknown input yields "".
func NormalizeSide(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return SideBuy
	case "sell", "short":
		return SideSell
	}
	return ""
}

// Opposite returns the closing side for an entry side.
func Opposite(side string) string {
	if NormalizeSide(side) == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PnL is (last-entry)*qty for a buy and (entry-last)*qty for a sell.
func PnL(side string, entry, last, qty decimal.Decimal) decimal.Decimal {
	if NormalizeSide(side) == SideSell {
		return entry.Sub(last).Mul(qty)
	}
	return last.Sub(entry).Mul(qty)
}

// CapLoss floors a realized loss at the posted margin, as isolated margin
// does on liquidation. The flag reports whether the cap applied.
func CapLoss(realized, margin decimal.Decimal) (decimal.Decimal, bool) {
	if floor := margin.Neg(); realized.LessThan(floor) {
		return floor, true
	}
	return realized, false
}

// AverageEntry is the qty-weighted entry of two fills on the same side.
func AverageEntry(qtyA, entryA, qtyB, entryB decimal.Decimal) decimal.Decimal {
	total := qtyA.Add(qtyB)
	if !total.IsPositive() {
		return entryB
	}
	return qtyA.Mul(entryA).Add(qtyB.Mul(entryB)).Div(total)
}

// Margin is qty*price/leverage rounded to 2 decimals.
func Margin(qty, price decimal.Decimal, leverage int) decimal.Decimal {
	if leverage <= 0 {
		leverage = 1
	}
	return qty.Mul(price).Div(decimal.NewFromInt(int64(leverage))).Round(2)
}

// tradeTime is when a trade's result was realised.
func tradeTime(t db.Trade) time.Time {
	if t.ClosedAt != nil {
		return *t.ClosedAt
	}
	return t.OpenedAt
}

// DailyPnL sums the PnL of closed trades realised on day's UTC date.
func DailyPnL(trades []db.Trade, day time.Time) decimal.Decimal {
	y, m, dd := day.UTC().Date()
	total := decimal.Zero
	for _, t := range trades {
		if t.Status != db.StatusClosed || !t.PnL.Valid {
			continue
		}
		ty, tm, td := tradeTime(t).UTC().Date()
		if ty == y && tm == m && td == dd {
			total = total.Add(t.PnL.Decimal)
		}
	}
	return total
}

// WinRate is the percentage of trades with a PnL whose PnL is positive,
// rounded to 2 decimals. Trades without a PnL are ignored.
func WinRate(trades []db.Trade) float64 {
	var withPnL, wins int
	for _, t := range trades {
		if !t.PnL.Valid {
			continue
		}
		withPnL++
		if t.PnL.Decimal.IsPositive() {
			wins++
		}
	}
	if withPnL == 0 {
		return 0
	}
	return round2(float64(wins) / float64(withPnL) * 100)
}

// Stats summarises a set of trades.
type Stats struct {
	TotalTrades         int     `json:"total_trades"`
	WinningTrades       int     `json:"winning_trades"`
	LosingTrades        int     `json:"losing_trades"`
	WinRate             float64 `json:"win_rate"`
	AveragePnL          float64 `json:"average_pnl"`
	TotalPnL            float64 `json:"total_pnl"`
	AverageDurationMins float64 `json:"average_duration_minutes"`
}

// Summarize computes Stats. Averages are over every trade passed in; a
// zero PnL counts as a loss.
func Summarize(trades []db.Trade) Stats {
	if len(trades) == 0 {
		return Stats{}
	}
	var (
		st       Stats
		total    = decimal.Zero
		duration time.Duration
	)
	for _, t := range trades {
		if t.PnL.Valid {
			total = total.Add(t.PnL.Decimal)
			if t.PnL.Decimal.IsPositive() {
				st.WinningTrades++
			} else {
				st.LosingTrades++
			}
		}
		if t.ClosedAt != nil && t.ClosedAt.After(t.OpenedAt) {
			duration += t.ClosedAt.Sub(t.OpenedAt)
		}
	}
	n := len(trades)
	st.TotalTrades = n
	st.TotalPnL, _ = total.Round(2).Float64()
	st.AveragePnL, _ = total.Div(decimal.NewFromInt(int64(n))).Round(2).Float64()
	st.WinRate = round2(float64(st.WinningTrades) / float64(n) * 100)
	st.AverageDurationMins = round2(duration.Minutes() / float64(n))
	return st
}

func round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}
