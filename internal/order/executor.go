package order

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"algotrader/internal/events"
	"algotrader/internal/logger"
	"algotrader/pkg/exchanges/common"
)

// LiveConfig tunes the real-exchange path.
type LiveConfig struct {
	ConfirmDelay  time.Duration
	TakeProfitPct decimal.Decimal
	StopLossPct   decimal.Decimal
}

// LiveExecutor drives place, confirm, protect against a Gateway.
type LiveExecutor struct {
	gw    common.Gateway
	bus   *events.Bus
	cfg   LiveConfig
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLiveExecutor builds the real-mode executor. bus may be nil.
func NewLiveExecutor(gw common.Gateway, bus *events.Bus, cfg LiveConfig) *LiveExecutor {
	if cfg.ConfirmDelay <= 0 {
		cfg.ConfirmDelay = 2 * time.Second
	}
	return &LiveExecutor{gw: gw, bus: bus, cfg: cfg, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// fromFailure maps a gateway error onto a failed Result.
func fromFailure(what string, err error) Result {
	f, ok := common.AsFailure(err)
	if !ok {
		return failed(ReasonTransportError, fmt.Sprintf("%s: %v", what, err))
	}
	if f.Kind == common.FailureRejected {
		r := failed(ReasonExchangeRejected, fmt.Sprintf("%s rejected: %s", what, f.Msg))
		r.Raw = fmt.Sprintf(`{"retCode":%d,"retMsg":%q}`, f.Code, f.Msg)
		return r
	}
	return failed(ReasonTransportError, fmt.Sprintf("%s: %v", what, f))
}

// Place submits an entry order, confirms it and attaches TP/SL. req is
// already validated and normalized by the Router.
func (e *LiveExecutor) Place(ctx context.Context, req Request) Result {
	inst, err := e.gw.Instrument(ctx, req.Symbol)
	if err != nil {
		return fromFailure("instrument", err)
	}
	qty := common.Quantize(req.Qty, inst.QtyStep)
	price := common.Quantize(req.Price, inst.TickSize)
	if !qty.IsPositive() || (inst.MinOrderQty.IsPositive() && qty.LessThan(inst.MinOrderQty)) {
		return failed(ReasonInvalidOrder, fmt.Sprintf("qty %s below minimum %s for %s", req.Qty, inst.MinOrderQty, req.Symbol))
	}

	if req.Leverage > 0 {
		if err := e.gw.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			logger.Warnf("[live] set leverage %dx on %s: %v", req.Leverage, req.Symbol, err)
		}
	}

	typ := common.OrderType(req.Type)
	if typ != common.OrderTypeLimit {
		typ = common.OrderTypeMarket
	}
	side := common.Side(req.Side)
	ack, err := e.gw.PlaceOrder(ctx, common.OrderRequest{
		Symbol: req.Symbol,
		Side:   side,
		Type:   typ,
		Qty:    qty,
		Price:  price,
	})
	if err != nil {
		return fromFailure("place", err)
	}
	if ack.OrderID == "" {
		r := failed(ReasonNoOrderIDReturned, "exchange returned no order id")
		r.Raw = ack.Raw
		return r
	}

	info, res := e.confirm(ctx, req.Symbol, ack.OrderID)
	res.Raw = ack.Raw
	res.Symbol, res.Side, res.Qty, res.Price = req.Symbol, req.Side, qty, price
	if !res.Success {
		return res
	}

	entry := price
	if info.AvgPrice.IsPositive() {
		entry = info.AvgPrice
	}
	res.Price = entry
	e.attachProtective(ctx, inst, side, entry, qty)
	res.Message = fmt.Sprintf("order %s confirmed (%s)", ack.OrderID, info.Status)
	return res
}

// confirm waits the confirm delay and reads the order status, retrying once
// when the answer is inconclusive.
func (e *LiveExecutor) confirm(ctx context.Context, symbol, orderID string) (common.OrderInfo, Result) {
	var (
		info    common.OrderInfo
		lastErr error
	)
	for attempt := 0; attempt < 2; attempt++ {
		if err := e.sleep(ctx, e.cfg.ConfirmDelay); err != nil {
			lastErr = err
			break
		}
		info, lastErr = e.gw.QueryOrder(ctx, symbol, orderID)
		if lastErr != nil || info.Status == common.StatusUnknown || info.Status == "" {
			continue
		}
		if info.Status.Confirmed() {
			return info, Result{Success: true, OrderID: orderID, Status: string(info.Status)}
		}
		r := failed(ReasonOrderNotActive, fmt.Sprintf("order %s is %s", orderID, info.Status))
		r.OrderID = orderID
		r.Status = string(info.Status)
		return info, r
	}

	msg := fmt.Sprintf("order %s status inconclusive", orderID)
	if lastErr != nil {
		msg += ": " + lastErr.Error()
	}
	r := failed(ReasonUnconfirmed, msg)
	r.OrderID = orderID
	r.Status = "unconfirmed"
	return info, r
}

// attachProtective places reduce-only take-profit and stop-loss limits.
// Failures are logged; the entry stands regardless.
func (e *LiveExecutor) attachProtective(ctx context.Context, inst common.Instrument, side common.Side, entry, qty decimal.Decimal) {
	one := decimal.NewFromInt(1)
	tp := entry.Mul(one.Add(e.cfg.TakeProfitPct))
	sl := entry.Mul(one.Sub(e.cfg.StopLossPct))
	if side == common.SideSell {
		tp = entry.Mul(one.Sub(e.cfg.TakeProfitPct))
		sl = entry.Mul(one.Add(e.cfg.StopLossPct))
	}
	for _, leg := range []struct {
		name  string
		price decimal.Decimal
	}{{"take-profit", tp}, {"stop-loss", sl}} {
		ack, err := e.gw.PlaceOrder(ctx, common.OrderRequest{
			Symbol:     inst.Symbol,
			Side:       side.Opposite(),
			Type:       common.OrderTypeLimit,
			Qty:        qty,
			Price:      common.Quantize(leg.price, inst.TickSize),
			ReduceOnly: true,
		})
		if err != nil {
			logger.Warnf("[live] %s for %s not placed: %v", leg.name, inst.Symbol, err)
			continue
		}
		logger.Infof("[live] %s %s @ %s placed (%s)", inst.Symbol, leg.name, leg.price.StringFixed(4), ack.OrderID)
	}
}

// Close flattens a position with a reduce-only market order on the
// opposite side and returns the confirmed fill.
func (e *LiveExecutor) Close(ctx context.Context, symbol, entrySide string, qty decimal.Decimal) Result {
	inst, err := e.gw.Instrument(ctx, symbol)
	if err != nil {
		return fromFailure("instrument", err)
	}
	q := common.Quantize(qty, inst.QtyStep)
	side := common.Side(entrySide).Opposite()
	ack, err := e.gw.PlaceOrder(ctx, common.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       common.OrderTypeMarket,
		Qty:        q,
		ReduceOnly: true,
	})
	if err != nil {
		return fromFailure("close", err)
	}
	if ack.OrderID == "" {
		r := failed(ReasonNoOrderIDReturned, "exchange returned no order id")
		r.Raw = ack.Raw
		return r
	}
	info, res := e.confirm(ctx, symbol, ack.OrderID)
	res.Raw = ack.Raw
	res.Symbol, res.Side, res.Qty, res.Price = symbol, string(side), q, info.AvgPrice
	return res
}
