package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"algotrader/internal/balance"
	"algotrader/internal/book"
	"algotrader/internal/capital"
	"algotrader/internal/logger"
	"algotrader/internal/order"
	"algotrader/internal/pnl"
	"algotrader/internal/risk"
	"algotrader/pkg/config"
	"algotrader/pkg/db"
)

// Impl implements Service by composing the core modules.
type Impl struct {
	router  *order.Router
	book    *book.Book
	ledger  *capital.Ledger
	prices  order.PriceSource
	loop    *Loop
	balance *balance.Manager
	risk    *risk.Manager

	meta SystemStatus
}

// Config holds what NewImpl composes. Book is nil in real mode; Balance is
// nil in virtual mode; Loop is nil for one-shot CLI commands.
type Config struct {
	Router  *order.Router
	Book    *book.Book
	Ledger  *capital.Ledger
	Prices  order.PriceSource
	Loop    *Loop
	Balance *balance.Manager
	Risk    *risk.Manager
	Meta    SystemStatus
}

func NewImpl(cfg Config) *Impl {
	if cfg.Risk == nil {
		cfg.Risk = risk.NewManager(risk.DefaultConfig())
	}
	cfg.Meta.Mode = cfg.Router.Mode()
	return &Impl{
		router:  cfg.Router,
		book:    cfg.Book,
		ledger:  cfg.Ledger,
		prices:  cfg.Prices,
		loop:    cfg.Loop,
		balance: cfg.Balance,
		risk:    cfg.Risk,
		meta:    cfg.Meta,
	}
}

// --- Orders ---

func (e *Impl) PlaceOrder(ctx context.Context, req order.Request) order.Result {
	return e.router.PlaceOrder(ctx, req)
}

func (e *Impl) ClosePosition(ctx context.Context, symbol string) order.Result {
	return e.router.ClosePosition(ctx, symbol)
}

// --- Capital & trades ---

func (e *Impl) Capital(ctx context.Context, mode config.Mode) (db.CapitalRecord, error) {
	return e.router.LoadCapital(ctx, mode)
}

func (e *Impl) CapitalAll(ctx context.Context) (capital.Snapshot, error) {
	if e.ledger == nil {
		return nil, fmt.Errorf("capital ledger not available")
	}
	return e.ledger.LoadAll(ctx)
}

func (e *Impl) OpenTrades(ctx context.Context, mode config.Mode) ([]db.Trade, error) {
	return e.router.OpenTrades(ctx, mode)
}

func (e *Impl) ClosedTrades(ctx context.Context, mode config.Mode) ([]db.Trade, error) {
	return e.router.ClosedTrades(ctx, mode)
}

func (e *Impl) DailyPnL(ctx context.Context, mode config.Mode) (decimal.Decimal, error) {
	return e.router.DailyPnL(ctx, mode)
}

func (e *Impl) Stats(ctx context.Context, mode config.Mode) (pnl.Stats, error) {
	trades, err := e.router.ClosedTrades(ctx, mode)
	if err != nil {
		return pnl.Stats{}, err
	}
	return pnl.Summarize(trades), nil
}

func (e *Impl) RiskMetrics(ctx context.Context, mode config.Mode) (risk.Metrics, error) {
	trades, err := e.router.ClosedTrades(ctx, mode)
	if err != nil {
		return risk.Metrics{}, err
	}
	return e.risk.Metrics(trades, time.Now()), nil
}

// Positions lists open positions of the process mode marked to market.
// Virtual positions come from the book; real ones from open trade records.
func (e *Impl) Positions(ctx context.Context) ([]Position, error) {
	if e.router.Mode() == config.ModeVirtual && e.book != nil {
		vals := e.book.Unrealized(ctx)
		out := make([]Position, 0, len(vals))
		for _, v := range vals {
			p := v.Position
			out = append(out, Position{
				Symbol:        p.Symbol,
				Side:          p.Side,
				Qty:           p.Qty,
				EntryPrice:    p.EntryPrice,
				MarkPrice:     v.MarkPrice,
				UnrealizedPnL: v.UnrealizedPnL,
				Margin:        p.Margin,
				Leverage:      p.Leverage,
				OrderID:       p.OrderID,
				Virtual:       true,
				Priced:        v.Priced,
				OpenedAt:      p.OpenedAt,
			})
		}
		return out, nil
	}

	trades, err := e.router.OpenTrades(ctx, config.ModeReal)
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(trades))
	for _, t := range trades {
		p := Position{
			Symbol:     t.Symbol,
			Side:       t.Side,
			Qty:        t.Qty,
			EntryPrice: t.EntryPrice,
			Margin:     t.MarginUSDT,
			Leverage:   t.Leverage,
			OrderID:    t.OrderID,
			OpenedAt:   t.OpenedAt,
		}
		if e.prices != nil {
			if last, err := e.prices.LastPrice(ctx, t.Symbol); err == nil && last.IsPositive() {
				p.MarkPrice = last
				p.UnrealizedPnL = pnl.PnL(t.Side, t.EntryPrice, last, t.Qty)
				p.Priced = true
			} else if err != nil {
				logger.Debugf("[engine] no mark price for %s: %v", t.Symbol, err)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// --- System ---

func (e *Impl) Status(ctx context.Context) SystemStatus {
	st := e.meta
	st.State = StateIdle
	st.ServerTime = time.Now().UTC()
	if e.loop != nil {
		st.State = e.loop.State()
		st.LastReport = e.loop.LastReport()
		if next := e.loop.NextRun(); !next.IsZero() {
			st.NextRun = &next
		}
	}
	if e.balance != nil {
		b := e.balance.Status()
		st.Balance = &b
	}
	return st
}
