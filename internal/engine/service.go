package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"algotrader/internal/capital"
	"algotrader/internal/order"
	"algotrader/internal/pnl"
	"algotrader/internal/risk"
	"algotrader/pkg/config"
	"algotrader/pkg/db"
)

// Service is everything the API and CLI layers may ask of the trading
// core. Reads never wait on an order in flight.
type Service interface {
	// Orders
	PlaceOrder(ctx context.Context, req order.Request) order.Result
	ClosePosition(ctx context.Context, symbol string) order.Result

	// Capital and trades
	Capital(ctx context.Context, mode config.Mode) (db.CapitalRecord, error)
	CapitalAll(ctx context.Context) (capital.Snapshot, error)
	OpenTrades(ctx context.Context, mode config.Mode) ([]db.Trade, error)
	ClosedTrades(ctx context.Context, mode config.Mode) ([]db.Trade, error)
	DailyPnL(ctx context.Context, mode config.Mode) (decimal.Decimal, error)
	Stats(ctx context.Context, mode config.Mode) (pnl.Stats, error)
	RiskMetrics(ctx context.Context, mode config.Mode) (risk.Metrics, error)
	Positions(ctx context.Context) ([]Position, error)

	// System
	Status(ctx context.Context) SystemStatus
}
