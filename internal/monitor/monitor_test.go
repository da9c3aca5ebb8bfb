package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"algotrader/internal/events"
	"algotrader/internal/notify"
	"algotrader/pkg/exchanges/common"
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{100, 1, 2, 3} {
		h.Record(v)
	}
	st := h.Stats()
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, 1.0, st.Min)
	assert.Equal(t, 3.0, st.Max)
	assert.Equal(t, 2.0, st.Avg)

	var nilHist *LatencyHistogram
	nilHist.Record(5)
	assert.Zero(t, nilHist.Stats().Count)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncCycles()
	m.IncOrders(true)
	m.AddSignals(3)
	assert.Zero(t, m.Snapshot().Cycles)
}

func TestEvaluateRules(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	msg, ok := evaluate(events.Message{
		Event:   events.EventOrderRejected,
		Payload: map[string]any{"symbol": "BTCUSDT", "side": "Buy", "reason": "InsufficientCapital", "message": "need 5"},
		At:      at,
	})
	require.True(t, ok)
	assert.Equal(t, "Order rejected", msg.Title)
	assert.Equal(t, []string{"BTCUSDT Buy", "InsufficientCapital: need 5"}, msg.Lines)
	assert.Equal(t, "2024-01-02 03:04:05 UTC", msg.Footer)

	_, ok = evaluate(events.Message{Event: events.EventPositionClosed, Payload: map[string]any{"liquidated": false}})
	assert.False(t, ok)
	_, ok = evaluate(events.Message{Event: events.EventPriceTick, Payload: "x"})
	assert.False(t, ok)
}

func TestMonitorForwardsAlertsAndCounts(t *testing.T) {
	bus := events.NewBus()
	metrics := NewMetrics()
	sink := &recordingNotifier{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	(&Monitor{Bus: bus, Metrics: metrics, Alerts: sink}).Start(ctx)

	bus.Publish(events.EventRiskPaused, map[string]any{"reason": "period loss -6%"})
	bus.Publish(events.EventPositionClosed, map[string]any{"symbol": "ETHUSDT", "liquidated": true, "pnl": "-5"})

	assert.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 10*time.Millisecond)
	snap := metrics.Snapshot()
	assert.EqualValues(t, 1, snap.RiskPauses)
	assert.EqualValues(t, 1, snap.PositionsClosed)
}

type failingGateway struct{ common.Gateway }

func (failingGateway) WalletBalance(context.Context, string) (common.Balance, error) {
	return common.Balance{}, errors.New("down")
}

func (failingGateway) Instrument(_ context.Context, symbol string) (common.Instrument, error) {
	return common.Instrument{Symbol: symbol, TickSize: decimal.RequireFromString("0.1")}, nil
}

func TestTimedGatewayRecords(t *testing.T) {
	m := NewMetrics()
	gw := NewTimedGateway(failingGateway{}, m)

	_, err := gw.WalletBalance(context.Background(), "USDT")
	assert.Error(t, err)
	inst, err := gw.Instrument(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", inst.Symbol)

	snap := m.Snapshot()
	assert.Equal(t, 2, snap.GatewayLatency.Count)
	assert.EqualValues(t, 1, snap.Errors)
}
