package engine

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"algotrader/internal/balance"
	"algotrader/internal/risk"
	"algotrader/pkg/config"
)

// State is the loop's position in the per-cycle state machine.
type State string

const (
	StateIdle      State = "idle"
	StateScanning  State = "scanning"
	StateScoring   State = "scoring"
	StateRanking   State = "ranking"
	StateExecuting State = "executing"
	StateReporting State = "reporting"
)

// ErrCycleInProgress is returned by RunOnce when another cycle is running.
var ErrCycleInProgress = errors.New("scan cycle already in progress")

// Outcome is what happened to one ranked signal.
type Outcome struct {
	Symbol  string  `json:"symbol"`
	Side    string  `json:"side"`
	Score   float64 `json:"score"`
	Success bool    `json:"success"`
	OrderID string  `json:"order_id,omitempty"`
	Status  string  `json:"status,omitempty"`
	Reason  string  `json:"reason,omitempty"`
	Message string  `json:"message,omitempty"`
}

// Report summarises one cycle.
type Report struct {
	ID          string         `json:"id"`
	Mode        config.Mode    `json:"mode"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Symbols     int            `json:"symbols"`
	ScanErrors  int            `json:"scan_errors"`
	Signals     int            `json:"signals"`
	Ranked      int            `json:"ranked"`
	Executed    int            `json:"executed"`
	Failed      int            `json:"failed"`
	Filled      int            `json:"filled"`
	Paused      bool           `json:"paused"`
	Risk        *risk.Decision `json:"risk,omitempty"`
	Interrupted bool           `json:"interrupted"`
	Outcomes    []Outcome      `json:"outcomes"`
	Error       string         `json:"error,omitempty"`
}

// Position is an open position of either mode marked to market.
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Margin        decimal.Decimal `json:"margin"`
	Leverage      int             `json:"leverage"`
	OrderID       string          `json:"order_id"`
	Virtual       bool            `json:"virtual"`
	Priced        bool            `json:"priced"`
	OpenedAt      time.Time       `json:"opened_at"`
}

// SystemStatus represents the process runtime status.
type SystemStatus struct {
	Mode       config.Mode     `json:"mode"`
	Venue      string          `json:"venue"`
	Version    string          `json:"version"`
	State      State           `json:"state"`
	NextRun    *time.Time      `json:"next_run,omitempty"`
	LastReport *Report         `json:"last_report,omitempty"`
	Balance    *balance.Status `json:"balance,omitempty"`
	ServerTime time.Time       `json:"server_time"`
}
