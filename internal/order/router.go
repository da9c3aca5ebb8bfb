// Package order is the single entry point for placing and closing orders.
// The Router picks the virtual book or the live exchange once, from the
// configured trading mode.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"algotrader/internal/book"
	"algotrader/internal/capital"
	"algotrader/internal/events"
	"algotrader/internal/logger"
	"algotrader/internal/pnl"
	"algotrader/pkg/config"
	"algotrader/pkg/db"
	"algotrader/pkg/id"
)

// Book is the virtual-mode order book.
type Book interface {
	OpenOrModify(ctx context.Context, req book.OpenRequest) (book.OpenResult, error)
	Close(ctx context.Context, symbol string) (book.CloseResult, error)
	MarkFilled(ctx context.Context) (int, error)
}

// TradeStore records trades for both modes. *db.Database satisfies it.
type TradeStore interface {
	AddTrade(ctx context.Context, t db.Trade) error
	CloseTrade(ctx context.Context, orderID string, exitPrice, pnl decimal.Decimal, closedAt time.Time) error
	UpdateTradeEntry(ctx context.Context, orderID string, qty, entry, margin decimal.Decimal, leverage int) error
	OpenTrade(ctx context.Context, symbol string, virtual bool) (db.Trade, error)
	ListTrades(ctx context.Context, f db.TradeFilter) ([]db.Trade, error)
}

// CapitalReader is the read side of the capital ledger.
type CapitalReader interface {
	Load(ctx context.Context, mode config.Mode) (db.CapitalRecord, error)
}

// PriceSource supplies a fallback exit price for real closes.
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Deps are the Router's collaborators. Book is required in virtual mode,
// Live in real mode.
type Deps struct {
	Book    Book
	Live    *LiveExecutor
	Trades  TradeStore
	Capital CapitalReader
	Prices  PriceSource
	Bus     *events.Bus
}

// Router serializes every mutation behind one mutex.
type Router struct {
	mu              sync.Mutex
	mode            config.Mode
	deps            Deps
	defaultLeverage int
	now             func() time.Time
}

// NewRouter fixes the execution path for the life of the process.
func NewRouter(mode config.Mode, defaultLeverage int, deps Deps) (*Router, error) {
	switch mode {
	case config.ModeVirtual:
		if deps.Book == nil {
			return nil, errors.New("router: virtual mode needs a book")
		}
	case config.ModeReal:
		if deps.Live == nil {
			return nil, errors.New("router: real mode needs a live executor")
		}
	default:
		return nil, fmt.Errorf("router: %w: %q", config.ErrInvalidMode, mode)
	}
	if defaultLeverage <= 0 {
		defaultLeverage = 20
	}
	return &Router{mode: mode, deps: deps, defaultLeverage: defaultLeverage, now: time.Now}, nil
}

// Mode is the execution path this router was built for.
func (r *Router) Mode() config.Mode { return r.mode }

func (r *Router) normalize(req Request) (Request, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	req.Side = pnl.NormalizeSide(req.Side)
	if req.Leverage <= 0 {
		req.Leverage = r.defaultLeverage
	}
	switch strings.ToLower(req.Type) {
	case "limit":
		req.Type = "Limit"
	default:
		req.Type = "Market"
	}
	switch {
	case req.Symbol == "":
		return req, fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	case req.Side == "":
		return req, fmt.Errorf("%w: side must be Buy or Sell", ErrInvalidOrder)
	case !req.Qty.IsPositive():
		return req, fmt.Errorf("%w: qty must be positive", ErrInvalidOrder)
	case !req.Price.IsPositive():
		return req, fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	}
	return req, nil
}

// PlaceOrder executes req on the configured path and records the trade.
func (r *Router) PlaceOrder(ctx context.Context, req Request) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, err := r.normalize(req)
	if err != nil {
		return r.reject(req, failed(ReasonInvalidOrder, err.Error()))
	}

	var res Result
	if r.mode == config.ModeVirtual {
		res = r.placeVirtual(ctx, req)
	} else {
		res = r.placeReal(ctx, req)
	}
	if !res.Success {
		return r.reject(req, res)
	}
	logger.Infof("[router] %s %s %s qty=%s @ %s -> %s", r.mode, req.Side, req.Symbol, res.Qty, res.Price, res.OrderID)
	return res
}

func (r *Router) reject(req Request, res Result) Result {
	if res.Symbol == "" {
		res.Symbol, res.Side, res.Qty, res.Price = req.Symbol, req.Side, req.Qty, req.Price
	}
	logger.Warnf("[router] %s %s %s rejected: %s (%s)", r.mode, req.Side, req.Symbol, res.Reason, res.Message)
	r.deps.Bus.Publish(events.EventOrderRejected, res)
	return res
}

func (r *Router) placeVirtual(ctx context.Context, req Request) Result {
	out, err := r.deps.Book.OpenOrModify(ctx, book.OpenRequest{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Qty:      req.Qty,
		Price:    req.Price,
		Leverage: req.Leverage,
	})
	if err != nil {
		switch {
		case errors.Is(err, capital.ErrInsufficientCapital):
			return failed(ReasonInsufficientCapital, err.Error())
		case errors.Is(err, book.ErrInvalidOrder):
			return failed(ReasonInvalidOrder, err.Error())
		case errors.Is(err, book.ErrPriceUnavailable):
			return failed(ReasonTransportError, err.Error())
		default:
			return failed(ReasonInternal, err.Error())
		}
	}

	o := out.Order
	tp, sl := req.TakeProfit, req.StopLoss
	for _, po := range out.Protective {
		switch po.Kind {
		case db.KindTakeProfit:
			if !tp.IsPositive() {
				tp = po.Price
			}
		case db.KindStopLoss:
			if !sl.IsPositive() {
				sl = po.Price
			}
		}
	}

	if r.deps.Trades != nil {
		var terr error
		if out.Modified {
			terr = r.deps.Trades.UpdateTradeEntry(ctx, o.ID, o.Qty, o.Price, o.Margin, o.Leverage)
		} else {
			terr = r.deps.Trades.AddTrade(ctx, db.Trade{
				ID:         id.New(),
				OrderID:    o.ID,
				Symbol:     o.Symbol,
				Side:       o.Side,
				Qty:        o.Qty,
				EntryPrice: o.Price,
				StopLoss:   sl,
				TakeProfit: tp,
				Leverage:   o.Leverage,
				MarginUSDT: o.Margin,
				Status:     db.StatusOpen,
				Virtual:    true,
				Strategy:   req.Strategy,
				Score:      req.Score,
				OpenedAt:   o.CreatedAt,
			})
		}
		if terr != nil {
			logger.Warnf("[router] trade record for %s: %v", o.ID, terr)
		}
	}

	msg := "virtual order placed"
	if out.Modified {
		msg = "virtual order modified"
	}
	return Result{
		Success:  true,
		OrderID:  o.ID,
		Status:   o.Status,
		Message:  msg,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Qty:      o.Qty,
		Price:    o.Price,
		Modified: out.Modified,
	}
}

// placeReal keeps one open trade record per symbol. A same-side order adds
// to the exchange position and is merged into the open record; an
// opposite-side order flattens the open position first.
func (r *Router) placeReal(ctx context.Context, req Request) Result {
	var (
		existing db.Trade
		merge    bool
	)
	if r.deps.Trades != nil {
		open, err := r.deps.Trades.OpenTrade(ctx, req.Symbol, false)
		switch {
		case errors.Is(err, db.ErrNotFound):
		case err != nil:
			return failed(ReasonInternal, err.Error())
		case pnl.NormalizeSide(open.Side) == req.Side:
			existing, merge = open, true
		default:
			closed := r.closeReal(ctx, req.Symbol)
			if !closed.Success && closed.Status != StatusNotFound {
				closed.Message = fmt.Sprintf("close existing %s position: %s", req.Symbol, closed.Message)
				return closed
			}
		}
	}

	res := r.deps.Live.Place(ctx, req)
	if !res.Success {
		return res
	}
	if merge {
		return r.mergeReal(ctx, existing, req, res)
	}
	if r.deps.Trades != nil {
		if err := r.deps.Trades.AddTrade(ctx, db.Trade{
			ID:         id.New(),
			OrderID:    res.OrderID,
			Symbol:     res.Symbol,
			Side:       res.Side,
			Qty:        res.Qty,
			EntryPrice: res.Price,
			StopLoss:   req.StopLoss,
			TakeProfit: req.TakeProfit,
			Leverage:   req.Leverage,
			MarginUSDT: pnl.Margin(res.Qty, res.Price, req.Leverage),
			Status:     db.StatusOpen,
			Virtual:    false,
			Strategy:   req.Strategy,
			Score:      req.Score,
			OpenedAt:   r.now().UTC(),
		}); err != nil {
			logger.Warnf("[router] trade record for %s: %v", res.OrderID, err)
		}
	}
	r.deps.Bus.Publish(events.EventOrderPlaced, res)
	return res
}

// mergeReal folds a confirmed same-side fill into the open trade record so
// a later close flattens the whole exchange position.
func (r *Router) mergeReal(ctx context.Context, existing db.Trade, req Request, res Result) Result {
	qty := existing.Qty.Add(res.Qty)
	entry := pnl.AverageEntry(existing.Qty, existing.EntryPrice, res.Qty, res.Price)
	margin := pnl.Margin(qty, entry, req.Leverage)
	if err := r.deps.Trades.UpdateTradeEntry(ctx, existing.OrderID, qty, entry, margin, req.Leverage); err != nil {
		logger.Warnf("[router] merge %s into %s: %v", res.OrderID, existing.OrderID, err)
	}
	res.Modified = true
	res.Message = fmt.Sprintf("%s; merged into %s, qty now %s", res.Message, existing.OrderID, qty)
	r.deps.Bus.Publish(events.EventOrderPlaced, res)
	return res
}

// ClosePosition closes whatever is open on symbol. Nothing open yields
// Status=not_found and Success=false without a Reason.
func (r *Router) ClosePosition(ctx context.Context, symbol string) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	if r.mode == config.ModeVirtual {
		cr, err := r.deps.Book.Close(ctx, symbol)
		if err != nil {
			reason := ReasonInternal
			if errors.Is(err, book.ErrPriceUnavailable) {
				reason = ReasonTransportError
			}
			res := failed(reason, err.Error())
			res.Symbol = symbol
			return res
		}
		if !cr.Found {
			return Result{Status: StatusNotFound, Symbol: symbol, Message: "no open position"}
		}
		return Result{
			Success: true,
			OrderID: cr.Position.OrderID,
			Status:  db.StatusClosed,
			Message: fmt.Sprintf("closed with pnl %s", cr.PnL.StringFixed(2)),
			Symbol:  symbol,
			Side:    cr.Position.Side,
			Qty:     cr.Position.Qty,
			Price:   cr.ExitPrice,
			PnL:     cr.PnL,
		}
	}
	return r.closeReal(ctx, symbol)
}

func (r *Router) closeReal(ctx context.Context, symbol string) Result {
	if r.deps.Trades == nil {
		return failed(ReasonInternal, "no trade store configured")
	}
	trade, err := r.deps.Trades.OpenTrade(ctx, symbol, false)
	if errors.Is(err, db.ErrNotFound) {
		logger.Warnf("[router] close %s: no open real trade", symbol)
		return Result{Status: StatusNotFound, Symbol: symbol, Message: "no open position"}
	}
	if err != nil {
		return failed(ReasonInternal, err.Error())
	}

	res := r.deps.Live.Close(ctx, symbol, trade.Side, trade.Qty)
	if !res.Success {
		return res
	}
	exit := res.Price
	if !exit.IsPositive() && r.deps.Prices != nil {
		if last, perr := r.deps.Prices.LastPrice(ctx, symbol); perr == nil {
			exit = last
		}
	}
	if !exit.IsPositive() {
		exit = trade.EntryPrice
	}
	realized := pnl.PnL(trade.Side, trade.EntryPrice, exit, trade.Qty)
	if err := r.deps.Trades.CloseTrade(ctx, trade.OrderID, exit, realized, r.now().UTC()); err != nil {
		logger.Warnf("[router] trade record for %s not closed: %v", trade.OrderID, err)
	}

	res.Status = db.StatusClosed
	res.Price = exit
	res.PnL = realized
	res.Message = fmt.Sprintf("closed with pnl %s", realized.StringFixed(2))
	r.deps.Bus.Publish(events.EventPositionClosed, res)
	return res
}

// RecordExternalClose closes the open real trade of symbol without sending
// an order, for positions the exchange closed on its own (take-profit,
// stop-loss or liquidation). The exit is priced like a manual close.
func (r *Router) RecordExternalClose(ctx context.Context, symbol string) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if r.deps.Trades == nil {
		return failed(ReasonInternal, "no trade store configured")
	}
	trade, err := r.deps.Trades.OpenTrade(ctx, symbol, false)
	if errors.Is(err, db.ErrNotFound) {
		return Result{Status: StatusNotFound, Symbol: symbol, Message: "no open position"}
	}
	if err != nil {
		return failed(ReasonInternal, err.Error())
	}

	exit := trade.EntryPrice
	if r.deps.Prices != nil {
		if last, perr := r.deps.Prices.LastPrice(ctx, symbol); perr == nil && last.IsPositive() {
			exit = last
		}
	}
	realized := pnl.PnL(trade.Side, trade.EntryPrice, exit, trade.Qty)
	if err := r.deps.Trades.CloseTrade(ctx, trade.OrderID, exit, realized, r.now().UTC()); err != nil {
		return failed(ReasonInternal, err.Error())
	}
	res := Result{
		Success: true,
		OrderID: trade.OrderID,
		Status:  db.StatusClosed,
		Message: fmt.Sprintf("closed on exchange, pnl %s", realized.StringFixed(2)),
		Symbol:  symbol,
		Side:    trade.Side,
		Qty:     trade.Qty,
		Price:   exit,
		PnL:     realized,
	}
	logger.Infof("[router] %s %s closed on exchange @ %s pnl=%s", r.mode, symbol, exit, realized.StringFixed(2))
	r.deps.Bus.Publish(events.EventPositionClosed, res)
	return res
}

// MarkFilled settles resting virtual entry orders under the router mutex.
// Real orders are settled by the exchange, so real mode fills nothing.
func (r *Router) MarkFilled(ctx context.Context) (int, error) {
	if r.mode != config.ModeVirtual {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deps.Book.MarkFilled(ctx)
}

func isVirtual(mode config.Mode) *bool {
	v := mode == config.ModeVirtual
	return &v
}

// OpenTrades lists open trades of mode, newest first.
func (r *Router) OpenTrades(ctx context.Context, mode config.Mode) ([]db.Trade, error) {
	return r.deps.Trades.ListTrades(ctx, db.TradeFilter{Status: db.StatusOpen, Virtual: isVirtual(mode)})
}

// ClosedTrades lists closed trades of mode, newest first.
func (r *Router) ClosedTrades(ctx context.Context, mode config.Mode) ([]db.Trade, error) {
	return r.deps.Trades.ListTrades(ctx, db.TradeFilter{Status: db.StatusClosed, Virtual: isVirtual(mode)})
}

// LoadCapital returns mode's capital record.
func (r *Router) LoadCapital(ctx context.Context, mode config.Mode) (db.CapitalRecord, error) {
	return r.deps.Capital.Load(ctx, mode)
}

// DailyPnL sums today's realised PnL for mode.
func (r *Router) DailyPnL(ctx context.Context, mode config.Mode) (decimal.Decimal, error) {
	trades, err := r.ClosedTrades(ctx, mode)
	if err != nil {
		return decimal.Zero, err
	}
	return pnl.DailyPnL(trades, r.now()), nil
}
