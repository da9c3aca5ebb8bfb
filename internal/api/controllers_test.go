package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"algotrader/internal/book"
	"algotrader/internal/capital"
	"algotrader/internal/engine"
	"algotrader/internal/events"
	"algotrader/internal/monitor"
	"algotrader/internal/order"
	"algotrader/internal/settings"
	"algotrader/pkg/config"
	"algotrader/pkg/db"
)

const (
	testSecret   = "test-secret"
	testPassword = "hunter2"
)

type staticPrices map[string]decimal.Decimal

func (s staticPrices) LastPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	p, ok := s[symbol]
	if !ok {
		return decimal.Zero, errors.New("no price")
	}
	return p, nil
}

type testServer struct {
	*httptest.Server
	token string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	t.Cleanup(func() { _ = database.Close() })

	bus := events.NewBus()
	prices := staticPrices{"BTCUSDT": decimal.NewFromInt(110)}
	ledger := capital.NewLedger(database, capital.Defaults{VirtualStartBalance: decimal.NewFromInt(100), Currency: "USDT"})
	b := book.New(book.Config{Mode: config.ModeVirtual, TakeProfitPct: decimal.RequireFromString("0.3"), StopLossPct: decimal.RequireFromString("0.15")},
		ledger, database, prices, database, bus)
	router, err := order.NewRouter(config.ModeVirtual, 20, order.Deps{Book: b, Trades: database, Capital: ledger, Prices: prices, Bus: bus})
	require.NoError(t, err)

	cfg := &config.Config{ScanInterval: time.Hour, TopNSignals: 5, MaxLossPct: -5, DefaultLeverage: 20, DefaultMarginUSDT: 5}
	hash, err := HashPassword(testPassword)
	require.NoError(t, err)

	srv := NewServer(Config{
		Engine:            engine.NewImpl(engine.Config{Router: router, Book: b, Ledger: ledger, Prices: prices, Meta: engine.SystemStatus{Version: "test"}}),
		Settings:          settings.New(database, cfg, bus),
		Bus:               bus,
		Metrics:           monitor.NewMetrics(),
		JWTSecret:         testSecret,
		AdminPasswordHash: hash,
	})
	ts := &testServer{Server: httptest.NewServer(srv.Router)}
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if ts.token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (ts *testServer) login(t *testing.T) {
	t.Helper()
	code, body := ts.do(t, http.MethodPost, "/api/auth/login", map[string]string{"username": "admin", "password": testPassword})
	require.Equal(t, http.StatusOK, code, body)
	ts.token = body["token"].(string)
}

func TestHealthAndAuth(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, body = ts.do(t, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "MISSING_TOKEN", body["code"])

	code, _ = ts.do(t, http.MethodPost, "/api/auth/login", map[string]string{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)

	ts.token = "garbage"
	code, body = ts.do(t, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "INVALID_TOKEN", body["code"])

	ts.login(t)
	code, body = ts.do(t, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "virtual", body["mode"])
	assert.Equal(t, "test", body["version"])
}

func TestOrderLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)

	code, body := ts.do(t, http.MethodPost, "/api/orders", map[string]any{
		"symbol": "btcusdt", "side": "buy", "qty": "1", "price": "100",
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["success"])

	code, body = ts.do(t, http.MethodGet, "/api/trades/open?mode=virtual", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["trades"], 1)

	code, body = ts.do(t, http.MethodGet, "/api/capital?mode=virtual", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "95", body["capital"].(map[string]any)["available"])

	code, body = ts.do(t, http.MethodGet, "/api/positions", nil)
	require.Equal(t, http.StatusOK, code)
	positions := body["positions"].([]any)
	require.Len(t, positions, 1)
	assert.Equal(t, "10", positions[0].(map[string]any)["unrealized_pnl"])

	code, body = ts.do(t, http.MethodPost, "/api/positions/btcusdt/close", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "10", body["pnl"])

	code, body = ts.do(t, http.MethodPost, "/api/positions/BTCUSDT/close", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, order.StatusNotFound, body["status"])

	code, body = ts.do(t, http.MethodGet, "/api/pnl/daily", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "10", body["daily_pnl"])

	code, body = ts.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["stats"].(map[string]any)["total_trades"])

	code, body = ts.do(t, http.MethodGet, "/api/capital?mode=all", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "virtual")
}

func TestOrderRejections(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)

	code, _ := ts.do(t, http.MethodPost, "/api/orders", map[string]any{"side": "buy"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := ts.do(t, http.MethodPost, "/api/orders", map[string]any{
		"symbol": "BTCUSDT", "side": "buy", "qty": "100", "price": "100",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, string(order.ReasonInsufficientCapital), body["reason"])

	code, body = ts.do(t, http.MethodGet, "/api/capital?mode=paper", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_MODE", body["code"])
}

func TestSettingsEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)

	code, body := ts.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "5", body[settings.KeyTopNSignals])

	code, body = ts.do(t, http.MethodPut, "/api/settings", map[string]any{"top_n_signals": 3, "MAX_LOSS_PCT": "-7.5"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "3", body[settings.KeyTopNSignals])
	assert.Equal(t, "-7.5", body[settings.KeyMaxLossPct])

	code, _ = ts.do(t, http.MethodPut, "/api/settings", map[string]any{"NOPE": 1})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = ts.do(t, http.MethodPost, "/api/settings/reset", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "5", body[settings.KeyTopNSignals])
}

func TestMetricsCountRequests(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)

	code, body := ts.do(t, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	assert.GreaterOrEqual(t, body["api_requests"].(float64), 1.0)
}
