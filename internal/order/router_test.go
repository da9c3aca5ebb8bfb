package order

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"algotrader/internal/book"
	"algotrader/internal/capital"
	"algotrader/internal/events"
	"algotrader/pkg/config"
	"algotrader/pkg/db"
	"algotrader/pkg/exchanges/common"
)

type staticPrices map[string]decimal.Decimal

func (s staticPrices) LastPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	p, ok := s[symbol]
	if !ok {
		return decimal.Zero, errors.New("no price")
	}
	return p, nil
}

func newStore(t *testing.T) (*db.Database, *capital.Ledger) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	t.Cleanup(func() { _ = database.Close() })
	ledger := capital.NewLedger(database, capital.Defaults{VirtualStartBalance: d("100"), Currency: "USDT"})
	return database, ledger
}

func newVirtualRouter(t *testing.T, prices staticPrices) (*Router, *db.Database, *capital.Ledger, *events.Bus) {
	t.Helper()
	database, ledger := newStore(t)
	bus := events.NewBus()
	b := book.New(book.Config{Mode: config.ModeVirtual, TakeProfitPct: d("0.30"), StopLossPct: d("0.15")},
		ledger, database, prices, database, bus)
	r, err := NewRouter(config.ModeVirtual, 20, Deps{Book: b, Trades: database, Capital: ledger, Prices: prices, Bus: bus})
	require.NoError(t, err)
	return r, database, ledger, bus
}

func TestNewRouterRequiresPath(t *testing.T) {
	_, err := NewRouter(config.ModeVirtual, 20, Deps{})
	assert.Error(t, err)
	_, err = NewRouter(config.ModeReal, 20, Deps{})
	assert.Error(t, err)
	_, err = NewRouter(config.Mode("paper"), 20, Deps{})
	assert.ErrorIs(t, err, config.ErrInvalidMode)
}

func TestVirtualPlaceAndClose(t *testing.T) {
	prices := staticPrices{"BTCUSDT": d("110")}
	r, database, ledger, _ := newVirtualRouter(t, prices)
	ctx := context.Background()

	res := r.PlaceOrder(ctx, Request{Symbol: "btcusdt", Side: "buy", Qty: d("1"), Price: d("100"), Strategy: "ma_cross"})
	require.True(t, res.Success, res.Message)
	assert.Contains(t, res.OrderID, "virtual_")
	assert.Equal(t, "BTCUSDT", res.Symbol)

	open, err := r.OpenTrades(ctx, config.ModeVirtual)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 20, open[0].Leverage)
	assert.True(t, d("5").Equal(open[0].MarginUSDT))
	assert.True(t, d("130").Equal(open[0].TakeProfit))
	assert.True(t, d("85").Equal(open[0].StopLoss))
	assert.Equal(t, "ma_cross", open[0].Strategy)

	rec, err := ledger.Load(ctx, config.ModeVirtual)
	require.NoError(t, err)
	assert.True(t, d("95").Equal(rec.Available))

	closed := r.ClosePosition(ctx, "BTCUSDT")
	require.True(t, closed.Success, closed.Message)
	assert.True(t, d("10").Equal(closed.PnL))
	assert.True(t, d("110").Equal(closed.Price))

	trades, err := database.ListTrades(ctx, db.TradeFilter{Status: db.StatusClosed})
	require.NoError(t, err)
	require.Len(t, trades, 1)

	daily, err := r.DailyPnL(ctx, config.ModeVirtual)
	require.NoError(t, err)
	assert.True(t, d("10").Equal(daily), daily.String())

	rec, err = r.LoadCapital(ctx, config.ModeVirtual)
	require.NoError(t, err)
	assert.True(t, d("110").Equal(rec.Available))
}

func TestVirtualModifyUpdatesTrade(t *testing.T) {
	r, _, _, _ := newVirtualRouter(t, staticPrices{})
	ctx := context.Background()

	first := r.PlaceOrder(ctx, Request{Symbol: "ETHUSDT", Side: "Buy", Qty: d("1"), Price: d("100")})
	require.True(t, first.Success)
	second := r.PlaceOrder(ctx, Request{Symbol: "ETHUSDT", Side: "Buy", Qty: d("2"), Price: d("100")})
	require.True(t, second.Success, second.Message)
	assert.True(t, second.Modified)
	assert.Equal(t, first.OrderID, second.OrderID)

	open, err := r.OpenTrades(ctx, config.ModeVirtual)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, d("2").Equal(open[0].Qty))
	assert.True(t, d("10").Equal(open[0].MarginUSDT))
}

func TestMarkFilledGoesThroughBook(t *testing.T) {
	r, _, _, _ := newVirtualRouter(t, staticPrices{})
	ctx := context.Background()

	require.True(t, r.PlaceOrder(ctx, Request{Symbol: "BTCUSDT", Side: "Buy", Qty: d("1"), Price: d("100")}).Success)
	n, err := r.MarkFilled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = r.MarkFilled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	live, _ := newRealRouter(t, newFakeGateway(), staticPrices{})
	n, err = live.MarkFilled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestVirtualRejections(t *testing.T) {
	r, _, _, bus := newVirtualRouter(t, staticPrices{})
	rejected, cancel := bus.Subscribe(4, events.EventOrderRejected)
	defer cancel()
	ctx := context.Background()

	res := r.PlaceOrder(ctx, Request{Symbol: "BTCUSDT", Side: "Buy", Qty: d("100"), Price: d("100")})
	assert.False(t, res.Success)
	assert.Equal(t, ReasonInsufficientCapital, res.Reason)

	res = r.PlaceOrder(ctx, Request{Symbol: "BTCUSDT", Side: "hold", Qty: d("1"), Price: d("100")})
	assert.Equal(t, ReasonInvalidOrder, res.Reason)

	res = r.PlaceOrder(ctx, Request{Symbol: "BTCUSDT", Side: "Buy", Qty: d("1"), Price: decimal.Zero})
	assert.Equal(t, ReasonInvalidOrder, res.Reason)

	for i := 0; i < 3; i++ {
		msg := <-rejected
		assert.Equal(t, events.EventOrderRejected, msg.Event)
	}
}

func TestCloseNothingOpen(t *testing.T) {
	r, _, _, _ := newVirtualRouter(t, staticPrices{})
	res := r.ClosePosition(context.Background(), "BTCUSDT")
	assert.False(t, res.Success)
	assert.Equal(t, StatusNotFound, res.Status)
	assert.Empty(t, res.Reason)
}

func newRealRouter(t *testing.T, gw *fakeGateway, prices staticPrices) (*Router, *db.Database) {
	t.Helper()
	database, ledger := newStore(t)
	r, err := NewRouter(config.ModeReal, 10, Deps{
		Live:    newTestExecutor(gw),
		Trades:  database,
		Capital: ledger,
		Prices:  prices,
		Bus:     events.NewBus(),
	})
	require.NoError(t, err)
	return r, database
}

func TestRealPlaceRecordsTrade(t *testing.T) {
	gw := newFakeGateway()
	gw.avgPrice = d("100")
	r, database := newRealRouter(t, gw, staticPrices{})
	ctx := context.Background()

	res := r.PlaceOrder(ctx, Request{Symbol: "BTCUSDT", Side: "Buy", Qty: d("1"), Price: d("100")})
	require.True(t, res.Success, res.Message)

	tr, err := database.OpenTrade(ctx, "BTCUSDT", false)
	require.NoError(t, err)
	assert.Equal(t, res.OrderID, tr.OrderID)
	assert.False(t, tr.Virtual)
	assert.Equal(t, 10, tr.Leverage)
	assert.True(t, d("10").Equal(tr.MarginUSDT), tr.MarginUSDT.String())
}

func TestRealRejectionRecordsNothing(t *testing.T) {
	gw := newFakeGateway()
	gw.statuses = []common.OrderStatus{common.StatusRejected}
	r, database := newRealRouter(t, gw, staticPrices{})
	ctx := context.Background()

	res := r.PlaceOrder(ctx, Request{Symbol: "BTCUSDT", Side: "Buy", Qty: d("1"), Price: d("100")})
	assert.False(t, res.Success)
	assert.Equal(t, ReasonOrderNotActive, res.Reason)

	_, err := database.OpenTrade(ctx, "BTCUSDT", false)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRealClose(t *testing.T) {
	gw := newFakeGateway()
	gw.avgPrice = d("100")
	gw.statuses = []common.OrderStatus{common.StatusFilled, common.StatusFilled}
	r, database := newRealRouter(t, gw, staticPrices{"BTCUSDT": d("120")})
	ctx := context.Background()

	require.True(t, r.PlaceOrder(ctx, Request{Symbol: "BTCUSDT", Side: "Sell", Qty: d("1"), Price: d("100")}).Success)

	gw.mu.Lock()
	gw.avgPrice = decimal.Zero
	gw.mu.Unlock()

	res := r.ClosePosition(ctx, "BTCUSDT")
	require.True(t, res.Success, res.Message)
	// No fill price reported, so the last traded price is used.
	assert.True(t, d("120").Equal(res.Price))
	assert.True(t, d("-20").Equal(res.PnL), res.PnL.String())

	closed, err := r.ClosedTrades(ctx, config.ModeReal)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Empty(t, mustOpen(t, database))

	again := r.ClosePosition(ctx, "BTCUSDT")
	assert.Equal(t, StatusNotFound, again.Status)
}

func TestRealSameSideMergesIntoOneTrade(t *testing.T) {
	gw := newFakeGateway()
	gw.avgPrice = d("100")
	gw.statuses = []common.OrderStatus{common.StatusFilled, common.StatusFilled, common.StatusFilled}
	r, database := newRealRouter(t, gw, staticPrices{})
	ctx := context.Background()

	first := r.PlaceOrder(ctx, Request{Symbol: "BTCUSDT", Side: "Buy", Qty: d("1"), Price: d("100")})
	require.True(t, first.Success, first.Message)

	gw.mu.Lock()
	gw.avgPrice = d("130")
	gw.mu.Unlock()
	second := r.PlaceOrder(ctx, Request{Symbol: "BTCUSDT", Side: "Buy", Qty: d("2"), Price: d("130")})
	require.True(t, second.Success, second.Message)
	assert.True(t, second.Modified)

	open := mustOpen(t, database)
	require.Len(t, open, 1)
	assert.Equal(t, first.OrderID, open[0].OrderID)
	assert.True(t, d("3").Equal(open[0].Qty), open[0].Qty.String())
	assert.True(t, d("120").Equal(open[0].EntryPrice), open[0].EntryPrice.String())

	gw.mu.Lock()
	gw.avgPrice = d("140")
	gw.mu.Unlock()
	closed := r.ClosePosition(ctx, "BTCUSDT")
	require.True(t, closed.Success, closed.Message)
	assert.True(t, d("60").Equal(closed.PnL), closed.PnL.String())

	sent := gw.orders()
	last := sent[len(sent)-1]
	assert.True(t, last.ReduceOnly)
	assert.Equal(t, common.SideSell, last.Side)
	assert.True(t, d("3").Equal(last.Qty), "close qty %s", last.Qty)
	assert.Empty(t, mustOpen(t, database))
}

func TestRealOppositeSideClosesFirst(t *testing.T) {
	gw := newFakeGateway()
	gw.avgPrice = d("100")
	gw.statuses = []common.OrderStatus{common.StatusFilled, common.StatusFilled, common.StatusFilled}
	r, database := newRealRouter(t, gw, staticPrices{})
	ctx := context.Background()

	require.True(t, r.PlaceOrder(ctx, Request{Symbol: "BTCUSDT", Side: "Buy", Qty: d("1"), Price: d("100")}).Success)
	before := len(gw.orders())

	gw.mu.Lock()
	gw.avgPrice = d("110")
	gw.mu.Unlock()
	res := r.PlaceOrder(ctx, Request{Symbol: "BTCUSDT", Side: "Sell", Qty: d("2"), Price: d("110")})
	require.True(t, res.Success, res.Message)
	assert.False(t, res.Modified)

	flatten := gw.orders()[before]
	assert.True(t, flatten.ReduceOnly)
	assert.Equal(t, common.SideSell, flatten.Side)
	assert.True(t, d("1").Equal(flatten.Qty))

	closed, err := r.ClosedTrades(ctx, config.ModeReal)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.True(t, d("10").Equal(closed[0].PnL.Decimal), closed[0].PnL.Decimal.String())

	open := mustOpen(t, database)
	require.Len(t, open, 1)
	assert.Equal(t, "Sell", open[0].Side)
	assert.True(t, d("2").Equal(open[0].Qty))
}

func TestRecordExternalCloseSendsNoOrder(t *testing.T) {
	gw := newFakeGateway()
	gw.avgPrice = d("100")
	r, database := newRealRouter(t, gw, staticPrices{"BTCUSDT": d("90")})
	ctx := context.Background()

	require.True(t, r.PlaceOrder(ctx, Request{Symbol: "BTCUSDT", Side: "Buy", Qty: d("2"), Price: d("100")}).Success)
	sent := len(gw.orders())

	res := r.RecordExternalClose(ctx, "btcusdt")
	require.True(t, res.Success, res.Message)
	assert.True(t, d("90").Equal(res.Price))
	assert.True(t, d("-20").Equal(res.PnL), res.PnL.String())
	assert.Len(t, gw.orders(), sent)
	assert.Empty(t, mustOpen(t, database))

	assert.Equal(t, StatusNotFound, r.RecordExternalClose(ctx, "BTCUSDT").Status)
}

func mustOpen(t *testing.T, database *db.Database) []db.Trade {
	t.Helper()
	open, err := database.ListTrades(context.Background(), db.TradeFilter{Status: db.StatusOpen})
	require.NoError(t, err)
	return open
}
