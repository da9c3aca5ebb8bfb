// Package reconciliation keeps real trade records in line with the
// positions the exchange actually holds.
package reconciliation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"algotrader/internal/logger"
	"algotrader/internal/order"
	"algotrader/pkg/db"
	"algotrader/pkg/exchanges/common"
)

// PositionSource lists live exchange positions. *bybit.Client satisfies it.
type PositionSource interface {
	Positions(ctx context.Context) ([]common.Position, error)
}

// TradeLister reads open real trade records.
type TradeLister interface {
	ListTrades(ctx context.Context, f db.TradeFilter) ([]db.Trade, error)
}

// Settler closes a trade record the exchange has already closed.
// *order.Router satisfies it.
type Settler interface {
	RecordExternalClose(ctx context.Context, symbol string) order.Result
}

// Diff kinds.
const (
	DiffClosedOnExchange = "closed_on_exchange"
	DiffUntracked        = "untracked"
	DiffSizeMismatch     = "size_mismatch"
)

// Diff is one symbol where the records and the exchange disagree.
type Diff struct {
	Symbol      string          `json:"symbol"`
	Kind        string          `json:"kind"`
	LocalQty    decimal.Decimal `json:"local_qty"`
	ExchangeQty decimal.Decimal `json:"exchange_qty"`
	Synced      bool            `json:"synced"`
}

// Report is the outcome of one pass.
type Report struct {
	Timestamp   time.Time `json:"timestamp"`
	Diffs       []Diff    `json:"diffs"`
	HasDiffs    bool      `json:"has_diffs"`
	SyncedCount int       `json:"synced_count"`
}

// Service handles periodic reconciliation.
type Service struct {
	exchange PositionSource
	trades   TradeLister
	settler  Settler
	interval time.Duration

	mu       sync.Mutex
	autoSync bool
	last     *Report
}

// NewService builds a reconciler. Auto-sync starts enabled.
func NewService(exchange PositionSource, trades TradeLister, settler Settler, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Service{
		exchange: exchange,
		trades:   trades,
		settler:  settler,
		interval: interval,
		autoSync: true,
	}
}

// SetAutoSync enables or disables closing records the exchange closed.
func (s *Service) SetAutoSync(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSync = enabled
	logger.Infof("[reconcile] auto-sync: %v", enabled)
}

// Run reconciles every interval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	logger.Infof("[reconcile] started (interval: %s)", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := s.Reconcile(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Errorf("[reconcile] %v", err)
				}
				continue
			}
			logReport(report)
		}
	}
}

// Last returns the most recent report, or nil before the first pass.
func (s *Service) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Reconcile compares open real trades with exchange positions. A record
// whose position is gone is closed when auto-sync is on; positions without
// a record and size differences are only reported.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{Timestamp: time.Now().UTC(), Diffs: []Diff{}}
	if s.exchange == nil {
		s.last = report
		return report, nil
	}

	positions, err := s.exchange.Positions(ctx)
	if err != nil {
		return nil, err
	}
	virtual := false
	open, err := s.trades.ListTrades(ctx, db.TradeFilter{Status: db.StatusOpen, Virtual: &virtual})
	if err != nil {
		return nil, err
	}

	local := make(map[string]decimal.Decimal, len(open))
	for _, t := range open {
		local[t.Symbol] = local[t.Symbol].Add(t.Qty)
	}
	remote := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		remote[p.Symbol] = remote[p.Symbol].Add(p.Size)
	}

	for symbol, qty := range local {
		exQty, ok := remote[symbol]
		switch {
		case !ok:
			diff := Diff{Symbol: symbol, Kind: DiffClosedOnExchange, LocalQty: qty, ExchangeQty: decimal.Zero}
			if s.autoSync && s.settler != nil {
				res := s.settler.RecordExternalClose(ctx, symbol)
				diff.Synced = res.Success
				if res.Success {
					report.SyncedCount++
				} else if res.Status != order.StatusNotFound {
					logger.Warnf("[reconcile] close record %s: %s", symbol, res.Message)
				}
			}
			report.Diffs = append(report.Diffs, diff)
		case !exQty.Equal(qty):
			report.Diffs = append(report.Diffs, Diff{Symbol: symbol, Kind: DiffSizeMismatch, LocalQty: qty, ExchangeQty: exQty})
		}
	}
	for symbol, exQty := range remote {
		if _, ok := local[symbol]; !ok {
			report.Diffs = append(report.Diffs, Diff{Symbol: symbol, Kind: DiffUntracked, LocalQty: decimal.Zero, ExchangeQty: exQty})
		}
	}
	sort.Slice(report.Diffs, func(i, j int) bool { return report.Diffs[i].Symbol < report.Diffs[j].Symbol })
	report.HasDiffs = len(report.Diffs) > 0
	s.last = report
	return report, nil
}

func logReport(report *Report) {
	if !report.HasDiffs {
		logger.Debugf("[reconcile] all positions match")
		return
	}
	for _, d := range report.Diffs {
		logger.Warnf("[reconcile] %s %s: local=%s exchange=%s synced=%v",
			d.Symbol, d.Kind, d.LocalQty, d.ExchangeQty, d.Synced)
	}
	if report.SyncedCount > 0 {
		logger.Infof("[reconcile] closed %d records", report.SyncedCount)
	}
}
