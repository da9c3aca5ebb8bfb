// Package book is the simulated exchange used in virtual mode: it keeps
// orders and positions, charges margin against the capital ledger and
// realises PnL on close.
package book

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"algotrader/internal/capital"
	"algotrader/internal/events"
	"algotrader/internal/logger"
	"algotrader/internal/pnl"
	"algotrader/pkg/config"
	"algotrader/pkg/db"
	"algotrader/pkg/id"
)

var (
	ErrInvalidOrder      = errors.New("invalid order")
	ErrPriceUnavailable  = errors.New("mark price unavailable")
	ErrInconsistentState = errors.New("book state inconsistent")
)

// Ledger is the slice of *capital.Ledger the book needs.
type Ledger interface {
	Load(ctx context.Context, mode config.Mode) (db.CapitalRecord, error)
	Transact(ctx context.Context, mode config.Mode, fn func(tx *db.Tx, cur db.CapitalRecord) (db.CapitalRecord, error)) (db.CapitalRecord, error)
}

// Loader restores persisted book rows.
type Loader interface {
	ListVirtualOrders(ctx context.Context, mode config.Mode) ([]db.VirtualOrder, error)
	ListVirtualPositions(ctx context.Context, mode config.Mode) ([]db.VirtualPosition, error)
}

// PriceSource supplies mark prices for closes and valuations.
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// TradeCloser is told about every realised close.
type TradeCloser interface {
	CloseTrade(ctx context.Context, orderID string, exitPrice, pnl decimal.Decimal, closedAt time.Time) error
}

// Config tunes protective order offsets, as fractions of entry price.
type Config struct {
	Mode          config.Mode
	TakeProfitPct decimal.Decimal
	StopLossPct   decimal.Decimal
}

// OpenRequest is a new or replacement entry order.
type OpenRequest struct {
	Symbol   string
	Side     string
	Type     string
	Qty      decimal.Decimal
	Price    decimal.Decimal
	Leverage int
}

// OpenResult describes what OpenOrModify did.
type OpenResult struct {
	Order      db.VirtualOrder
	Position   db.VirtualPosition
	Protective []db.VirtualOrder
	Modified   bool
	Replaced   *CloseResult
	Capital    db.CapitalRecord
}

// CloseResult describes a close. Found is false when nothing was open.
type CloseResult struct {
	Found      bool               `json:"found"`
	Symbol     string             `json:"symbol"`
	Position   db.VirtualPosition `json:"position"`
	ExitPrice  decimal.Decimal    `json:"exit_price"`
	PnL        decimal.Decimal    `json:"pnl"`
	Liquidated bool               `json:"liquidated"`
	Capital    db.CapitalRecord   `json:"capital"`
}

// Valuation is an open position marked to market.
type Valuation struct {
	Position      db.VirtualPosition `json:"position"`
	MarkPrice     decimal.Decimal    `json:"mark_price"`
	UnrealizedPnL decimal.Decimal    `json:"unrealized_pnl"`
	Priced        bool               `json:"priced"`
}

// Book is safe for concurrent use; every mutation holds mu for its whole
// validate, charge and persist sequence.
type Book struct {
	mu        sync.RWMutex
	cfg       Config
	ledger    Ledger
	store     Loader
	prices    PriceSource
	trades    TradeCloser
	bus       *events.Bus
	now       func() time.Time
	orders    map[string]db.VirtualOrder
	positions map[string]db.VirtualPosition
}

// New builds an empty book. trades and bus may be nil.
func New(cfg Config, ledger Ledger, store Loader, prices PriceSource, trades TradeCloser, bus *events.Bus) *Book {
	if cfg.Mode == "" {
		cfg.Mode = config.ModeVirtual
	}
	return &Book{
		cfg:       cfg,
		ledger:    ledger,
		store:     store,
		prices:    prices,
		trades:    trades,
		bus:       bus,
		now:       time.Now,
		orders:    make(map[string]db.VirtualOrder),
		positions: make(map[string]db.VirtualPosition),
	}
}

// Load replaces in-memory state with the persisted rows for the book's mode.
func (b *Book) Load(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	orders, err := b.store.ListVirtualOrders(ctx, b.cfg.Mode)
	if err != nil {
		return err
	}
	positions, err := b.store.ListVirtualPositions(ctx, b.cfg.Mode)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = make(map[string]db.VirtualOrder, len(orders))
	for _, o := range orders {
		b.orders[o.ID] = o
	}
	b.positions = make(map[string]db.VirtualPosition, len(positions))
	open := 0
	for _, p := range positions {
		b.positions[p.ID] = p
		if p.Status == db.StatusOpen {
			open++
		}
	}
	logger.Infof("[book] restored %d orders, %d open positions (%s)", len(orders), open, b.cfg.Mode)
	return nil
}

func normalize(req OpenRequest) (OpenRequest, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	req.Side = pnl.NormalizeSide(req.Side)
	if req.Type == "" {
		req.Type = "Market"
	}
	switch {
	case req.Symbol == "":
		return req, fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	case req.Side == "":
		return req, fmt.Errorf("%w: side must be Buy or Sell", ErrInvalidOrder)
	case !req.Qty.IsPositive():
		return req, fmt.Errorf("%w: qty must be positive, got %s", ErrInvalidOrder, req.Qty)
	case !req.Price.IsPositive():
		return req, fmt.Errorf("%w: price must be positive, got %s", ErrInvalidOrder, req.Price)
	case req.Leverage <= 0:
		return req, fmt.Errorf("%w: leverage must be positive, got %d", ErrInvalidOrder, req.Leverage)
	}
	return req, nil
}

// OpenOrModify places an entry order. An open order on the same symbol and
// side is modified in place, charging only the margin difference. Otherwise
// any open position on the symbol is closed first, then margin is charged
// and the order, its position and its take-profit/stop-loss orders are
// recorded together.
func (b *Book) OpenOrModify(ctx context.Context, req OpenRequest) (OpenResult, error) {
	req, err := normalize(req)
	if err != nil {
		return OpenResult{}, err
	}
	margin := pnl.Margin(req.Qty, req.Price, req.Leverage)

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.openEntryLocked(req.Symbol, req.Side); ok {
		return b.modifyLocked(ctx, existing, req, margin)
	}

	var replaced *CloseResult
	if p, ok := b.openPositionLocked(req.Symbol); ok {
		res, err := b.closeLocked(ctx, p)
		if err != nil {
			return OpenResult{}, fmt.Errorf("close existing %s position: %w", req.Symbol, err)
		}
		replaced = &res
	}

	now := b.now().UTC()
	order := db.VirtualOrder{
		ID:        id.Virtual(),
		Mode:      b.cfg.Mode,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Kind:      db.KindEntry,
		Qty:       req.Qty,
		Price:     req.Price,
		Margin:    margin,
		Leverage:  req.Leverage,
		Status:    db.StatusOpen,
		CreatedAt: now,
	}
	pos := db.VirtualPosition{
		ID:         id.New(),
		Mode:       b.cfg.Mode,
		OrderID:    order.ID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Qty:        req.Qty,
		EntryPrice: req.Price,
		Margin:     margin,
		Leverage:   req.Leverage,
		Status:     db.StatusOpen,
		OpenedAt:   now,
	}
	protective := b.protectiveOrders(order, now)

	rec, err := b.ledger.Transact(ctx, b.cfg.Mode, func(tx *db.Tx, cur db.CapitalRecord) (db.CapitalRecord, error) {
		next, err := capital.Apply(cur, margin, decimal.Zero)
		if err != nil {
			return cur, err
		}
		if err := tx.SaveOrder(ctx, order); err != nil {
			return cur, fmt.Errorf("save order: %w", err)
		}
		if err := tx.SavePosition(ctx, pos); err != nil {
			return cur, fmt.Errorf("save position: %w", err)
		}
		for _, po := range protective {
			if err := tx.SaveOrder(ctx, po); err != nil {
				return cur, fmt.Errorf("save protective order: %w", err)
			}
		}
		return next, nil
	})
	if err != nil {
		return OpenResult{Replaced: replaced}, err
	}

	b.orders[order.ID] = order
	b.positions[pos.ID] = pos
	for _, po := range protective {
		b.orders[po.ID] = po
	}

	logger.Infof("[book] opened %s %s qty=%s @ %s margin=%s (available %s)",
		order.Side, order.Symbol, order.Qty, order.Price, margin.StringFixed(2), rec.Available.StringFixed(2))
	b.bus.Publish(events.EventOrderPlaced, order)
	b.bus.Publish(events.EventCapitalUpdated, rec)

	return OpenResult{
		Order:      order,
		Position:   pos,
		Protective: protective,
		Replaced:   replaced,
		Capital:    rec,
	}, nil
}

func (b *Book) modifyLocked(ctx context.Context, existing db.VirtualOrder, req OpenRequest, margin decimal.Decimal) (OpenResult, error) {
	pos, ok := b.positionForOrderLocked(existing.ID)
	if !ok {
		return OpenResult{}, fmt.Errorf("%w: order %s has no open position", ErrInconsistentState, existing.ID)
	}
	diff := margin.Sub(existing.Margin)

	order := existing
	order.Qty = req.Qty
	order.Price = req.Price
	order.Margin = margin
	order.Leverage = req.Leverage
	order.Type = req.Type

	pos.Qty = req.Qty
	pos.EntryPrice = req.Price
	pos.Margin = margin
	pos.Leverage = req.Leverage

	children := b.childrenLocked(existing.ID)
	targets := b.protectiveOrders(order, existing.CreatedAt)
	for i := range children {
		for _, tgt := range targets {
			if children[i].Kind == tgt.Kind {
				children[i].Qty = tgt.Qty
				children[i].Price = tgt.Price
				children[i].Leverage = tgt.Leverage
			}
		}
	}

	rec, err := b.ledger.Transact(ctx, b.cfg.Mode, func(tx *db.Tx, cur db.CapitalRecord) (db.CapitalRecord, error) {
		next, err := capital.Apply(cur, diff, decimal.Zero)
		if err != nil {
			return cur, err
		}
		if err := tx.SaveOrder(ctx, order); err != nil {
			return cur, fmt.Errorf("save order: %w", err)
		}
		if err := tx.SavePosition(ctx, pos); err != nil {
			return cur, fmt.Errorf("save position: %w", err)
		}
		for _, c := range children {
			if err := tx.SaveOrder(ctx, c); err != nil {
				return cur, fmt.Errorf("save protective order: %w", err)
			}
		}
		return next, nil
	})
	if err != nil {
		return OpenResult{}, err
	}

	b.orders[order.ID] = order
	b.positions[pos.ID] = pos
	for _, c := range children {
		b.orders[c.ID] = c
	}

	logger.Infof("[book] modified %s %s -> qty=%s @ %s (margin diff %s)",
		order.Side, order.Symbol, order.Qty, order.Price, diff.StringFixed(2))
	b.bus.Publish(events.EventOrderModified, order)
	b.bus.Publish(events.EventCapitalUpdated, rec)

	return OpenResult{Order: order, Position: pos, Protective: children, Modified: true, Capital: rec}, nil
}

// protectiveOrders builds the take-profit and stop-loss orders for an entry.
func (b *Book) protectiveOrders(parent db.VirtualOrder, now time.Time) []db.VirtualOrder {
	one := decimal.NewFromInt(1)
	var tp, sl decimal.Decimal
	if parent.Side == pnl.SideBuy {
		tp = parent.Price.Mul(one.Add(b.cfg.TakeProfitPct))
		sl = parent.Price.Mul(one.Sub(b.cfg.StopLossPct))
	} else {
		tp = parent.Price.Mul(one.Sub(b.cfg.TakeProfitPct))
		sl = parent.Price.Mul(one.Add(b.cfg.StopLossPct))
	}

	mk := func(kind string, price decimal.Decimal) db.VirtualOrder {
		return db.VirtualOrder{
			ID:         id.Virtual(),
			Mode:       parent.Mode,
			Symbol:     parent.Symbol,
			Side:       pnl.Opposite(parent.Side),
			Type:       "Limit",
			Kind:       kind,
			ParentID:   parent.ID,
			Qty:        parent.Qty,
			Price:      price,
			Margin:     decimal.Zero,
			Leverage:   parent.Leverage,
			ReduceOnly: true,
			Status:     db.StatusOpen,
			CreatedAt:  now,
		}
	}
	return []db.VirtualOrder{mk(db.KindTakeProfit, tp), mk(db.KindStopLoss, sl)}
}

// Close realises the open position on symbol at the current mark price.
// Nothing open is not an error: the result has Found=false.
func (b *Book) Close(ctx context.Context, symbol string) (CloseResult, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.openPositionLocked(symbol)
	if !ok {
		logger.Warnf("[book] close %s: no open position", symbol)
		return CloseResult{Symbol: symbol}, nil
	}
	return b.closeLocked(ctx, p)
}

func (b *Book) closeLocked(ctx context.Context, p db.VirtualPosition) (CloseResult, error) {
	last, err := b.prices.LastPrice(ctx, p.Symbol)
	if err != nil {
		return CloseResult{}, fmt.Errorf("%w for %s: %v", ErrPriceUnavailable, p.Symbol, err)
	}
	if !last.IsPositive() {
		return CloseResult{}, fmt.Errorf("%w for %s: got %s", ErrPriceUnavailable, p.Symbol, last)
	}

	realized, liquidated := pnl.CapLoss(pnl.PnL(p.Side, p.EntryPrice, last, p.Qty), p.Margin)
	realized = realized.Round(8)

	now := b.now().UTC()
	closed := p
	closed.Status = db.StatusClosed
	closed.ExitPrice = decimal.NewNullDecimal(last)
	closed.PnL = decimal.NewNullDecimal(realized)
	closed.Liquidated = liquidated
	closed.ClosedAt = &now

	var touched []db.VirtualOrder
	if entry, ok := b.orders[p.OrderID]; ok && entry.Status != db.StatusClosed {
		entry.Status = db.StatusClosed
		touched = append(touched, entry)
	}
	for _, c := range b.childrenLocked(p.OrderID) {
		c.Status = db.StatusCancelled
		touched = append(touched, c)
	}

	rec, err := b.ledger.Transact(ctx, b.cfg.Mode, func(tx *db.Tx, cur db.CapitalRecord) (db.CapitalRecord, error) {
		next, err := capital.Apply(cur, p.Margin.Neg(), realized)
		if err != nil {
			return cur, err
		}
		if err := tx.SavePosition(ctx, closed); err != nil {
			return cur, fmt.Errorf("save position: %w", err)
		}
		for _, o := range touched {
			if err := tx.SaveOrder(ctx, o); err != nil {
				return cur, fmt.Errorf("save order: %w", err)
			}
		}
		return next, nil
	})
	if err != nil {
		return CloseResult{}, err
	}

	b.positions[closed.ID] = closed
	for _, o := range touched {
		b.orders[o.ID] = o
	}

	if b.trades != nil {
		if err := b.trades.CloseTrade(ctx, p.OrderID, last, realized, now); err != nil {
			logger.Warnf("[book] trade record for %s not closed: %v", p.OrderID, err)
		}
	}

	logger.Infof("[book] closed %s %s @ %s pnl=%s liquidated=%t",
		p.Side, p.Symbol, last, realized.StringFixed(2), liquidated)

	res := CloseResult{
		Found:      true,
		Symbol:     p.Symbol,
		Position:   closed,
		ExitPrice:  last,
		PnL:        realized,
		Liquidated: liquidated,
		Capital:    rec,
	}
	b.bus.Publish(events.EventPositionClosed, res)
	b.bus.Publish(events.EventCapitalUpdated, rec)
	return res, nil
}

// MarkFilled moves every open entry order to filled. Repeated calls are no-ops.
func (b *Book) MarkFilled(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UTC()
	var filled []db.VirtualOrder
	for _, o := range b.orders {
		if o.Kind == db.KindEntry && o.Status == db.StatusOpen {
			o.Status = db.StatusFilled
			o.FilledAt = &now
			filled = append(filled, o)
		}
	}
	if len(filled) == 0 {
		return 0, nil
	}

	_, err := b.ledger.Transact(ctx, b.cfg.Mode, func(tx *db.Tx, cur db.CapitalRecord) (db.CapitalRecord, error) {
		for _, o := range filled {
			if err := tx.SaveOrder(ctx, o); err != nil {
				return cur, fmt.Errorf("save order: %w", err)
			}
		}
		return cur, nil
	})
	if err != nil {
		return 0, err
	}
	for _, o := range filled {
		b.orders[o.ID] = o
		b.bus.Publish(events.EventOrderFilled, o)
	}
	logger.Infof("[book] marked %d orders filled", len(filled))
	return len(filled), nil
}

// ListOpen returns open positions, oldest first.
func (b *Book) ListOpen() []db.VirtualPosition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []db.VirtualPosition
	for _, p := range b.positions {
		if p.Status == db.StatusOpen {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// ListClosed returns closed positions, most recently closed first.
func (b *Book) ListClosed() []db.VirtualPosition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []db.VirtualPosition
	for _, p := range b.positions {
		if p.Status == db.StatusClosed {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return closedAt(out[i]).After(closedAt(out[j])) })
	return out
}

func closedAt(p db.VirtualPosition) time.Time {
	if p.ClosedAt == nil {
		return time.Time{}
	}
	return *p.ClosedAt
}

// Orders returns every order with the given status ("" for all), oldest first.
func (b *Book) Orders(status string) []db.VirtualOrder {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []db.VirtualOrder
	for _, o := range b.orders {
		if status == "" || o.Status == status {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// OpenMargin is the margin held by open positions.
func (b *Book) OpenMargin() decimal.Decimal {
	total := decimal.Zero
	for _, p := range b.ListOpen() {
		total = total.Add(p.Margin)
	}
	return total
}

// Unrealized marks every open position to the current price.
func (b *Book) Unrealized(ctx context.Context) []Valuation {
	open := b.ListOpen()
	out := make([]Valuation, 0, len(open))
	for _, p := range open {
		v := Valuation{Position: p}
		last, err := b.prices.LastPrice(ctx, p.Symbol)
		if err == nil && last.IsPositive() {
			v.MarkPrice = last
			v.UnrealizedPnL = pnl.PnL(p.Side, p.EntryPrice, last, p.Qty)
			v.Priced = true
		} else if err != nil {
			logger.Debugf("[book] no mark price for %s: %v", p.Symbol, err)
		}
		out = append(out, v)
	}
	return out
}

func (b *Book) openEntryLocked(symbol, side string) (db.VirtualOrder, bool) {
	for _, o := range b.orders {
		if o.Kind == db.KindEntry && o.Status == db.StatusOpen && o.Symbol == symbol && o.Side == side {
			return o, true
		}
	}
	return db.VirtualOrder{}, false
}

func (b *Book) openPositionLocked(symbol string) (db.VirtualPosition, bool) {
	for _, p := range b.positions {
		if p.Status == db.StatusOpen && p.Symbol == symbol {
			return p, true
		}
	}
	return db.VirtualPosition{}, false
}

func (b *Book) positionForOrderLocked(orderID string) (db.VirtualPosition, bool) {
	for _, p := range b.positions {
		if p.Status == db.StatusOpen && p.OrderID == orderID {
			return p, true
		}
	}
	return db.VirtualPosition{}, false
}

func (b *Book) childrenLocked(parentID string) []db.VirtualOrder {
	var out []db.VirtualOrder
	for _, o := range b.orders {
		if o.ParentID == parentID && o.Status == db.StatusOpen {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
