package common

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Category is the Bybit v5 product line. Only USDT perpetuals are traded.
type Category string

const CategoryLinear Category = "linear"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC      TimeInForce = "GTC"
	TIFIOC      TimeInForce = "IOC"
	TIFFOK      TimeInForce = "FOK"
	TIFPostOnly TimeInForce = "PostOnly"
)

// OrderStatus is the exchange's order state.
type OrderStatus string

const (
	StatusNew             OrderStatus = "New"
	StatusPartiallyFilled OrderStatus = "PartiallyFilled"
	StatusFilled          OrderStatus = "Filled"
	StatusCancelled       OrderStatus = "Cancelled"
	StatusRejected        OrderStatus = "Rejected"
	StatusDeactivated     OrderStatus = "Deactivated"
	StatusUntriggered     OrderStatus = "Untriggered"
	StatusUnknown         OrderStatus = "Unknown"
)

// ParseStatus maps a wire status onto OrderStatus, case-insensitively.
func ParseStatus(raw string) OrderStatus {
	for _, s := range []OrderStatus{
		StatusNew, StatusPartiallyFilled, StatusFilled, StatusCancelled,
		StatusRejected, StatusDeactivated, StatusUntriggered,
	} {
		if strings.EqualFold(raw, string(s)) {
			return s
		}
	}
	if strings.EqualFold(raw, "PartiallyFilledCanceled") {
		return StatusCancelled
	}
	return StatusUnknown
}

// Confirmed reports whether an order is live or done on the book.
func (s OrderStatus) Confirmed() bool {
	return s == StatusNew || s == StatusPartiallyFilled || s == StatusFilled
}

// OrderRequest captures an order intent. Qty and Price are sent as-is, so
// callers quantize them against the instrument first.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         decimal.Decimal
	Price       decimal.Decimal // required for Limit
	TimeInForce TimeInForce
	ReduceOnly  bool
	ClientID    string
	TakeProfit  decimal.Decimal // optional position TP attached to the entry
	StopLoss    decimal.Decimal // optional position SL attached to the entry
}

// AmendRequest changes qty and/or price of a resting order.
type AmendRequest struct {
	Symbol  string
	OrderID string
	Qty     decimal.Decimal
	Price   decimal.Decimal
}

// OrderAck is the exchange's acknowledgement of a create or amend.
type OrderAck struct {
	OrderID  string
	ClientID string
	Raw      string
}

// OrderInfo is one row of the realtime order query.
type OrderInfo struct {
	OrderID    string
	Symbol     string
	Side       Side
	Status     OrderStatus
	Qty        decimal.Decimal
	Price      decimal.Decimal
	AvgPrice   decimal.Decimal
	CumExecQty decimal.Decimal
	Raw        string
}

// Position is an open exchange position. Side is the entry side.
type Position struct {
	Symbol     string
	Side       Side
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
	Leverage   int
}

// Balance is a wallet balance for one coin.
type Balance struct {
	Coin      string
	Equity    decimal.Decimal
	Available decimal.Decimal
}

// Ticker is a 24h market snapshot.
type Ticker struct {
	Symbol      string
	LastPrice   decimal.Decimal
	MarkPrice   decimal.Decimal
	Bid         decimal.Decimal
	Ask         decimal.Decimal
	Turnover24h decimal.Decimal
}

// Kline is one candle. Floats because indicator math consumes them directly.
type Kline struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}
