package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"algotrader/pkg/exchanges/common"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeGateway records orders and answers status queries from a script.
type fakeGateway struct {
	mu        sync.Mutex
	inst      common.Instrument
	placed    []common.OrderRequest
	placeErr  error
	noID      bool
	statuses  []common.OrderStatus
	avgPrice  decimal.Decimal
	queries   int
	leverages map[string]int
	seq       int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		inst: common.Instrument{
			Symbol:      "BTCUSDT",
			Status:      "Trading",
			QtyStep:     d("0.001"),
			MinOrderQty: d("0.001"),
			TickSize:    d("0.1"),
		},
		statuses:  []common.OrderStatus{common.StatusFilled},
		leverages: map[string]int{},
	}
}

func (f *fakeGateway) PlaceOrder(_ context.Context, req common.OrderRequest) (common.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return common.OrderAck{}, f.placeErr
	}
	f.placed = append(f.placed, req)
	if f.noID {
		return common.OrderAck{Raw: `{"retCode":0,"result":{}}`}, nil
	}
	f.seq++
	return common.OrderAck{OrderID: fmt.Sprintf("ex-%d", f.seq)}, nil
}

func (f *fakeGateway) AmendOrder(context.Context, common.AmendRequest) (common.OrderAck, error) {
	return common.OrderAck{}, nil
}

func (f *fakeGateway) CancelOrder(context.Context, string, string) error { return nil }

func (f *fakeGateway) QueryOrder(_ context.Context, symbol, orderID string) (common.OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := common.StatusUnknown
	if f.queries < len(f.statuses) {
		st = f.statuses[f.queries]
	}
	f.queries++
	return common.OrderInfo{OrderID: orderID, Symbol: symbol, Status: st, AvgPrice: f.avgPrice}, nil
}

func (f *fakeGateway) WalletBalance(context.Context, string) (common.Balance, error) {
	return common.Balance{Coin: "USDT", Equity: d("1000"), Available: d("1000")}, nil
}

func (f *fakeGateway) Instrument(_ context.Context, symbol string) (common.Instrument, error) {
	inst := f.inst
	inst.Symbol = symbol
	return inst, nil
}

func (f *fakeGateway) SetLeverage(_ context.Context, symbol string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverages[symbol] = leverage
	return nil
}

func (f *fakeGateway) orders() []common.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]common.OrderRequest(nil), f.placed...)
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestExecutor(gw common.Gateway) *LiveExecutor {
	e := NewLiveExecutor(gw, nil, LiveConfig{TakeProfitPct: d("0.30"), StopLossPct: d("0.15")})
	e.sleep = noSleep
	return e
}
