// Package risk decides whether a cycle may open new exposure.
package risk

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"algotrader/internal/capital"
	"algotrader/internal/logger"
	"algotrader/pkg/db"
)

// Manager evaluates the loss guard and tracks realised-trade metrics.
type Manager struct {
	cfg Config

	checks     atomic.Uint64
	rejections atomic.Uint64
	warnings   atomic.Uint64
}

func NewManager(cfg Config) *Manager {
	if cfg.WarningThreshold <= 0 || cfg.WarningThreshold >= 1 {
		cfg.WarningThreshold = DefaultConfig().WarningThreshold
	}
	return &Manager{cfg: cfg}
}

// Check blocks execution once the mode's period PnL% (capital against
// start balance) is at or below maxLossPct. maxLossPct is negative, e.g. -5.
// A non-negative limit disables the guard. todayClosed feeds the optional
// daily trade cap.
func (m *Manager) Check(rec db.CapitalRecord, maxLossPct float64, todayClosed int) Decision {
	m.checks.Add(1)
	diff, pct := capital.PeriodPnL(rec)
	dec := Decision{Allowed: true, LimitLevel: LevelNormal, PeriodPnL: diff, PeriodPct: pct, MaxLossPct: maxLossPct}

	if maxLossPct < 0 {
		switch {
		case pct <= maxLossPct:
			dec.Allowed = false
			dec.LimitLevel = LevelLimit
			dec.Reason = fmt.Sprintf("period loss %.2f%% at or below limit %.2f%%", pct, maxLossPct)
		case pct <= maxLossPct*m.cfg.WarningThreshold:
			dec.LimitLevel = LevelWarning
			dec.Warning = fmt.Sprintf("period loss %.2f%% nearing limit %.2f%%", pct, maxLossPct)
		}
	}
	if dec.Allowed && m.cfg.MaxDailyTrades > 0 && todayClosed >= m.cfg.MaxDailyTrades {
		dec.Allowed = false
		dec.LimitLevel = LevelLimit
		dec.Reason = fmt.Sprintf("daily trade limit reached: %d/%d", todayClosed, m.cfg.MaxDailyTrades)
	}

	switch {
	case !dec.Allowed:
		m.rejections.Add(1)
		logger.Warnf("[risk] %s blocked: %s", rec.Mode, dec.Reason)
	case dec.Warning != "":
		m.warnings.Add(1)
		logger.Warnf("[risk] %s: %s", rec.Mode, dec.Warning)
	}
	return dec
}

// Metrics folds closed trades in close order into daily and running
// figures. Drawdown is measured from the running peak of realised PnL.
func (m *Manager) Metrics(trades []db.Trade, now time.Time) Metrics {
	closed := make([]db.Trade, 0, len(trades))
	for _, t := range trades {
		if t.Status == db.StatusClosed && t.PnL.Valid {
			closed = append(closed, t)
		}
	}
	sort.SliceStable(closed, func(i, j int) bool { return closedAt(closed[i]).Before(closedAt(closed[j])) })

	out := Metrics{
		DailyPnL:         decimal.Zero,
		DailyLosses:      decimal.Zero,
		TotalRealizedPnL: decimal.Zero,
		MaxDrawdown:      decimal.Zero,
		MaxProfit:        decimal.Zero,
		ChecksTotal:      m.checks.Load(),
		RejectionsTotal:  m.rejections.Load(),
		WarningsTotal:    m.warnings.Load(),
	}
	y, mo, d := now.UTC().Date()
	for _, t := range closed {
		net := t.PnL.Decimal
		if cy, cm, cd := closedAt(t).UTC().Date(); cy == y && cm == mo && cd == d {
			out.DailyTrades++
			out.DailyPnL = out.DailyPnL.Add(net)
			if net.IsNegative() {
				out.DailyLosses = out.DailyLosses.Sub(net)
			}
		}
		out.TotalRealizedPnL = out.TotalRealizedPnL.Add(net)
		if out.TotalRealizedPnL.GreaterThan(out.MaxProfit) {
			out.MaxProfit = out.TotalRealizedPnL
		}
		if dd := out.MaxProfit.Sub(out.TotalRealizedPnL); dd.GreaterThan(out.MaxDrawdown) {
			out.MaxDrawdown = dd
		}
	}
	return out
}

func closedAt(t db.Trade) time.Time {
	if t.ClosedAt != nil {
		return *t.ClosedAt
	}
	return t.OpenedAt
}
