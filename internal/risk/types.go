package risk

import (
	"github.com/shopspring/decimal"
)

// Limit levels reported with every decision.
const (
	LevelNormal  = "NORMAL"
	LevelWarning = "WARNING"
	LevelLimit   = "LIMIT"
)

// Config defines the loss guard thresholds.
type Config struct {
	// WarningThreshold is the share of the loss limit at which a warning
	// is raised, e.g. 0.8 warns at -4% for a -5% limit.
	WarningThreshold float64 `json:"warning_threshold"`
	// MaxDailyTrades caps trades closed per UTC day; 0 disables it.
	MaxDailyTrades int `json:"max_daily_trades"`
}

// DefaultConfig returns default guard configuration
func DefaultConfig() Config {
	return Config{WarningThreshold: 0.8}
}

// Decision is the result of a pre-execution check.
type Decision struct {
	Allowed    bool            `json:"allowed"`
	Reason     string          `json:"reason,omitempty"`
	Warning    string          `json:"warning,omitempty"`
	LimitLevel string          `json:"limit_level"`
	PeriodPnL  decimal.Decimal `json:"period_pnl"`
	PeriodPct  float64         `json:"period_pct"`
	MaxLossPct float64         `json:"max_loss_pct"`
}

// Metrics summarises realised results for one mode.
type Metrics struct {
	DailyPnL    decimal.Decimal `json:"daily_pnl"`
	DailyTrades int             `json:"daily_trades"`
	DailyLosses decimal.Decimal `json:"daily_losses"`

	TotalRealizedPnL decimal.Decimal `json:"total_realized_pnl"`
	MaxDrawdown      decimal.Decimal `json:"max_drawdown"`
	MaxProfit        decimal.Decimal `json:"max_profit"`

	ChecksTotal     uint64 `json:"checks_total"`
	RejectionsTotal uint64 `json:"rejections_total"`
	WarningsTotal   uint64 `json:"warnings_total"`
}
