package bybit

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"algotrader/pkg/exchanges/common"
)

const (
	testKey    = "key"
	testSecret = "secret"
)

type fakeExchange struct {
	t        *testing.T
	mu       sync.Mutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request, body string)
	hits     map[string]*atomic.Int32
	lastBody string
}

func newFakeExchange(t *testing.T) (*fakeExchange, *Client) {
	t.Helper()
	fx := &fakeExchange{
		t:        t,
		handlers: map[string]func(http.ResponseWriter, *http.Request, string){},
		hits:     map[string]*atomic.Int32{},
	}
	for _, rt := range routes {
		fx.hits[rt.path] = &atomic.Int32{}
	}
	srv := httptest.NewServer(http.HandlerFunc(fx.serve))
	t.Cleanup(srv.Close)
	c := New(Config{APIKey: testKey, APISecret: testSecret, BaseURL: srv.URL, RequestsPerSecond: 1000})
	return fx, c
}

func (fx *fakeExchange) handle(path string, fn func(w http.ResponseWriter, r *http.Request, body string)) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.handlers[path] = fn
}

func (fx *fakeExchange) reply(path, payload string) {
	fx.handle(path, func(w http.ResponseWriter, _ *http.Request, _ string) {
		_, _ = io.WriteString(w, payload)
	})
}

func (fx *fakeExchange) serve(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	body := string(raw)
	if h, ok := fx.hits[r.URL.Path]; ok {
		h.Add(1)
	}
	if key := r.Header.Get("X-BAPI-API-KEY"); key != "" {
		ts, _ := strconv.ParseInt(r.Header.Get("X-BAPI-TIMESTAMP"), 10, 64)
		recv, _ := strconv.ParseInt(r.Header.Get("X-BAPI-RECV-WINDOW"), 10, 64)
		payload := body
		if r.Method == http.MethodGet {
			payload = r.URL.RawQuery
		}
		assert.Equal(fx.t, sign(testSecret, ts, key, recv, payload), r.Header.Get("X-BAPI-SIGN"), "signature for %s", r.URL.Path)
	}
	fx.mu.Lock()
	fx.lastBody = body
	h, ok := fx.handlers[r.URL.Path]
	fx.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	h(w, r, body)
}

func TestSignIsDeterministic(t *testing.T) {
	a := sign("s", 1700000000000, "k", 5000, `{"a":1}`)
	b := sign("s", 1700000000000, "k", 5000, `{"a":1}`)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, sign("s", 1700000000001, "k", 5000, `{"a":1}`))
}

func TestPlaceOrderSignsAndParsesAck(t *testing.T) {
	fx, c := newFakeExchange(t)
	fx.reply("/v5/order/create", `{"retCode":0,"retMsg":"OK","result":{"orderId":"abc-1","orderLinkId":"link"}}`)

	ack, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeLimit,
		Qty: decimal.RequireFromString("0.010"), Price: decimal.RequireFromString("65000.5"),
		ReduceOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "abc-1", ack.OrderID)
	assert.Equal(t, "link", ack.ClientID)

	sent := gjson.Parse(fx.lastBody)
	assert.Equal(t, "linear", sent.Get("category").String())
	assert.Equal(t, "Buy", sent.Get("side").String())
	assert.Equal(t, "Limit", sent.Get("orderType").String())
	assert.Equal(t, "0.01", sent.Get("qty").String())
	assert.Equal(t, "65000.5", sent.Get("price").String())
	assert.Equal(t, "GTC", sent.Get("timeInForce").String())
	assert.True(t, sent.Get("reduceOnly").Bool())
}

func TestNonZeroRetCodeIsRejectedFailure(t *testing.T) {
	fx, c := newFakeExchange(t)
	fx.reply("/v5/order/create", `{"retCode":110007,"retMsg":"ab not enough for new order","result":{}}`)

	ack, err := c.PlaceOrder(context.Background(), common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Qty: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.Empty(t, ack.OrderID)
	f, ok := common.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, common.FailureRejected, f.Kind)
	assert.Equal(t, 110007, f.Code)
	assert.Equal(t, "ab not enough for new order", f.Msg)
}

func TestFailureKinds(t *testing.T) {
	fx, c := newFakeExchange(t)
	ctx := context.Background()

	fx.handle("/v5/market/tickers", func(w http.ResponseWriter, _ *http.Request, _ string) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down")
	})
	_, err := c.Ticker(ctx, "BTCUSDT")
	assert.True(t, common.IsKind(err, common.FailureTransport), "5xx: %v", err)

	fx.reply("/v5/market/tickers", `<html>maintenance</html>`)
	_, err = c.Ticker(ctx, "BTCUSDT")
	assert.True(t, common.IsKind(err, common.FailureProtocol), "non-JSON: %v", err)

	fx.reply("/v5/market/tickers", `{"result":{}}`)
	_, err = c.Ticker(ctx, "BTCUSDT")
	assert.True(t, common.IsKind(err, common.FailureProtocol), "missing retCode: %v", err)

	unsigned := New(Config{BaseURL: "http://127.0.0.1:1"})
	_, err = unsigned.WalletBalance(ctx, "USDT")
	assert.True(t, common.IsKind(err, common.FailureRejected), "no credentials: %v", err)

	down := New(Config{BaseURL: "http://127.0.0.1:1", HTTPClient: &http.Client{Timeout: time.Second}})
	_, err = down.Ticker(ctx, "BTCUSDT")
	assert.True(t, common.IsKind(err, common.FailureTransport), "refused: %v", err)
}

func TestQueryOrder(t *testing.T) {
	fx, c := newFakeExchange(t)
	fx.handle("/v5/order/realtime", func(w http.ResponseWriter, r *http.Request, _ string) {
		assert.Equal(t, "ord-9", r.URL.Query().Get("orderId"))
		_, _ = io.WriteString(w, `{"retCode":0,"result":{"list":[{"orderId":"ord-9","symbol":"ETHUSDT","side":"Sell","orderStatus":"PartiallyFilled","qty":"2","price":"3000","avgPrice":"2999.5","cumExecQty":"1"}]}}`)
	})

	info, err := c.QueryOrder(context.Background(), "ETHUSDT", "ord-9")
	require.NoError(t, err)
	assert.Equal(t, common.StatusPartiallyFilled, info.Status)
	assert.True(t, info.Status.Confirmed())
	assert.Equal(t, common.SideSell, info.Side)
	assert.True(t, info.AvgPrice.Equal(decimal.RequireFromString("2999.5")))

	fx.reply("/v5/order/realtime", `{"retCode":0,"result":{"list":[]}}`)
	info, err = c.QueryOrder(context.Background(), "ETHUSDT", "gone")
	require.NoError(t, err)
	assert.Equal(t, common.StatusUnknown, info.Status)
}

func TestWalletBalance(t *testing.T) {
	fx, c := newFakeExchange(t)
	fx.handle("/v5/account/wallet-balance", func(w http.ResponseWriter, r *http.Request, _ string) {
		assert.Equal(t, "UNIFIED", r.URL.Query().Get("accountType"))
		_, _ = io.WriteString(w, `{"retCode":0,"result":{"list":[{"totalAvailableBalance":"80.5","coin":[
			{"coin":"BTC","equity":"0.1"},
			{"coin":"USDT","equity":"120.25","walletBalance":"118","availableToWithdraw":""}]}]}}`)
	})

	bal, err := c.WalletBalance(context.Background(), "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Equity.Equal(decimal.RequireFromString("120.25")))
	assert.True(t, bal.Available.Equal(decimal.RequireFromString("80.5")))

	_, err = c.WalletBalance(context.Background(), "DOGE")
	assert.True(t, common.IsKind(err, common.FailureProtocol))
}

func TestInstrumentIsCachedAndDeduplicated(t *testing.T) {
	fx, c := newFakeExchange(t)
	fx.handle("/v5/market/instruments-info", func(w http.ResponseWriter, _ *http.Request, _ string) {
		time.Sleep(20 * time.Millisecond)
		_, _ = io.WriteString(w, `{"retCode":0,"result":{"list":[{"symbol":"BTCUSDT","status":"Trading",
			"lotSizeFilter":{"qtyStep":"0.001","minOrderQty":"0.001","maxOrderQty":"100"},
			"priceFilter":{"tickSize":"0.10"}}]}}`)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := c.Instrument(context.Background(), "btcusdt")
			assert.NoError(t, err)
			assert.Equal(t, "0.013", inst.QuantizeQty(decimal.RequireFromString("0.0125")))
		}()
	}
	wg.Wait()
	_, err := c.Instrument(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int32(1), fx.hits["/v5/market/instruments-info"].Load())
}

func TestInstrumentsFollowsCursor(t *testing.T) {
	fx, c := newFakeExchange(t)
	fx.handle("/v5/market/instruments-info", func(w http.ResponseWriter, r *http.Request, _ string) {
		if r.URL.Query().Get("cursor") == "" {
			_, _ = io.WriteString(w, `{"retCode":0,"result":{"nextPageCursor":"p2","list":[{"symbol":"BTCUSDT","status":"Trading"}]}}`)
			return
		}
		_, _ = io.WriteString(w, `{"retCode":0,"result":{"nextPageCursor":"","list":[{"symbol":"ETHUSDT","status":"Trading"}]}}`)
	})

	insts, err := c.Instruments(context.Background())
	require.NoError(t, err)
	require.Len(t, insts, 2)
	assert.Equal(t, "ETHUSDT", insts[1].Symbol)
}

func TestKlinesAreOldestFirst(t *testing.T) {
	fx, c := newFakeExchange(t)
	fx.reply("/v5/market/kline", `{"retCode":0,"result":{"list":[
		["1700000120000","3","4","2","3.5","10","35"],
		["1700000060000","2","3","1","3","10","30"],
		["1700000000000","1","2","0.5","2","10","20"]]}}`)

	ks, err := c.Klines(context.Background(), "BTCUSDT", "1", 3)
	require.NoError(t, err)
	require.Len(t, ks, 3)
	assert.Equal(t, 2.0, ks[0].Close)
	assert.Equal(t, 3.5, ks[2].Close)
	assert.True(t, ks[0].Start.Before(ks[2].Start))
}

func TestServerTime(t *testing.T) {
	fx, c := newFakeExchange(t)
	fx.reply("/v5/market/time", `{"retCode":0,"result":{"timeSecond":"1700000000","timeNano":"1700000000123456789"}}`)
	ms, err := c.ServerTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), ms)
}

func TestSetLeverageToleratesUnchanged(t *testing.T) {
	fx, c := newFakeExchange(t)
	fx.reply("/v5/position/set-leverage", `{"retCode":110043,"retMsg":"leverage not modified","result":{}}`)
	require.NoError(t, c.SetLeverage(context.Background(), "BTCUSDT", 20))
	sent := gjson.Parse(fx.lastBody)
	assert.Equal(t, "20", sent.Get("buyLeverage").String())

	fx.reply("/v5/position/set-leverage", `{"retCode":10001,"retMsg":"params error","result":{}}`)
	assert.True(t, common.IsKind(c.SetLeverage(context.Background(), "BTCUSDT", 500), common.FailureRejected))
}

func TestPositionsSkipsFlatRows(t *testing.T) {
	fx, c := newFakeExchange(t)
	fx.handle("/v5/position/list", func(w http.ResponseWriter, r *http.Request, _ string) {
		assert.Equal(t, "linear", r.URL.Query().Get("category"))
		assert.Equal(t, "USDT", r.URL.Query().Get("settleCoin"))
		_, _ = io.WriteString(w, `{"retCode":0,"result":{"list":[
			{"symbol":"BTCUSDT","side":"Buy","size":"0.01","avgPrice":"50000","markPrice":"50500","leverage":"10"},
			{"symbol":"ETHUSDT","side":"","size":"0","avgPrice":"0","markPrice":"3000","leverage":"5"}]}}`)
	})

	positions, err := c.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "BTCUSDT", positions[0].Symbol)
	assert.Equal(t, common.SideBuy, positions[0].Side)
	assert.True(t, positions[0].Size.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, 10, positions[0].Leverage)
}
