package monitor

import (
	"context"

	"algotrader/pkg/exchanges/common"
)

// TimedGateway records the latency of every call on the wrapped gateway and
// counts failures.
type TimedGateway struct {
	common.Gateway
	m *Metrics
}

func NewTimedGateway(gw common.Gateway, m *Metrics) *TimedGateway {
	return &TimedGateway{Gateway: gw, m: m}
}

func (g *TimedGateway) observe(start *Timer, err error) {
	start.Stop()
	if err != nil {
		g.m.IncErrors()
	}
}

func (g *TimedGateway) timer() *Timer {
	var h *LatencyHistogram
	if g.m != nil {
		h = g.m.GatewayLatency
	}
	return NewTimer(h)
}

func (g *TimedGateway) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderAck, error) {
	t := g.timer()
	ack, err := g.Gateway.PlaceOrder(ctx, req)
	g.observe(t, err)
	return ack, err
}

func (g *TimedGateway) AmendOrder(ctx context.Context, req common.AmendRequest) (common.OrderAck, error) {
	t := g.timer()
	ack, err := g.Gateway.AmendOrder(ctx, req)
	g.observe(t, err)
	return ack, err
}

func (g *TimedGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	t := g.timer()
	err := g.Gateway.CancelOrder(ctx, symbol, orderID)
	g.observe(t, err)
	return err
}

func (g *TimedGateway) QueryOrder(ctx context.Context, symbol, orderID string) (common.OrderInfo, error) {
	t := g.timer()
	info, err := g.Gateway.QueryOrder(ctx, symbol, orderID)
	g.observe(t, err)
	return info, err
}

func (g *TimedGateway) WalletBalance(ctx context.Context, coin string) (common.Balance, error) {
	t := g.timer()
	bal, err := g.Gateway.WalletBalance(ctx, coin)
	g.observe(t, err)
	return bal, err
}

func (g *TimedGateway) Instrument(ctx context.Context, symbol string) (common.Instrument, error) {
	t := g.timer()
	inst, err := g.Gateway.Instrument(ctx, symbol)
	g.observe(t, err)
	return inst, err
}

func (g *TimedGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	t := g.timer()
	err := g.Gateway.SetLeverage(ctx, symbol, leverage)
	g.observe(t, err)
	return err
}
