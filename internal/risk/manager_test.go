package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"algotrader/pkg/config"
	"algotrader/pkg/db"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func record(capital, start string) db.CapitalRecord {
	return db.CapitalRecord{Mode: config.ModeVirtual, Capital: d(capital), StartBalance: d(start)}
}

func TestCheckLossLimit(t *testing.T) {
	tests := []struct {
		name    string
		capital string
		maxLoss float64
		allowed bool
		level   string
		wantPct float64
	}{
		{"profit", "110", -5, true, LevelNormal, 10},
		{"small loss", "97", -5, true, LevelNormal, -3},
		{"near limit", "95.5", -5, true, LevelWarning, -4.5},
		{"at limit", "95", -5, false, LevelLimit, -5},
		{"beyond limit", "80", -5, false, LevelLimit, -20},
		{"guard disabled", "50", 0, true, LevelNormal, -50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(DefaultConfig())
			dec := m.Check(record(tt.capital, "100"), tt.maxLoss, 0)
			assert.Equal(t, tt.allowed, dec.Allowed, dec.Reason)
			assert.Equal(t, tt.level, dec.LimitLevel)
			assert.Equal(t, tt.wantPct, dec.PeriodPct)
		})
	}
}

func TestCheckDailyTradeCap(t *testing.T) {
	m := NewManager(Config{MaxDailyTrades: 3})
	assert.True(t, m.Check(record("100", "100"), -5, 2).Allowed)
	dec := m.Check(record("100", "100"), -5, 3)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "3/3")

	got := m.Metrics(nil, time.Now())
	assert.EqualValues(t, 2, got.ChecksTotal)
	assert.EqualValues(t, 1, got.RejectionsTotal)
}

func closedTrade(pnl string, at time.Time) db.Trade {
	return db.Trade{Status: db.StatusClosed, PnL: decimal.NewNullDecimal(d(pnl)), ClosedAt: &at}
}

func TestMetricsDrawdown(t *testing.T) {
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	yesterday := now.Add(-24 * time.Hour)
	trades := []db.Trade{
		closedTrade("-4", now.Add(-time.Hour)),
		closedTrade("10", yesterday),
		closedTrade("3", now.Add(-2*time.Hour)),
		{Status: db.StatusOpen},
	}
	got := NewManager(DefaultConfig()).Metrics(trades, now)

	assert.Equal(t, 2, got.DailyTrades)
	assert.True(t, d("-1").Equal(got.DailyPnL))
	assert.True(t, d("4").Equal(got.DailyLosses))
	assert.True(t, d("9").Equal(got.TotalRealizedPnL))
	assert.True(t, d("13").Equal(got.MaxProfit))
	assert.True(t, d("4").Equal(got.MaxDrawdown))
}
