package common

import "context"

// Gateway is the trading surface of a venue. Every error it returns is a
// *Failure.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	AmendOrder(ctx context.Context, req AmendRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	QueryOrder(ctx context.Context, symbol, orderID string) (OrderInfo, error)
	WalletBalance(ctx context.Context, coin string) (Balance, error)
	Instrument(ctx context.Context, symbol string) (Instrument, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// MarketData is the public, unsigned side of a venue.
type MarketData interface {
	Ticker(ctx context.Context, symbol string) (Ticker, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	Instruments(ctx context.Context) ([]Instrument, error)
}
