package order

import (
	"github.com/shopspring/decimal"

	"algotrader/internal/book"
	"algotrader/internal/capital"
)

// Re-exported so callers can match router errors without importing book
// and capital.
var (
	ErrInvalidOrder        = book.ErrInvalidOrder
	ErrInsufficientCapital = capital.ErrInsufficientCapital
)

// Request is an order intent, identical for both modes.
type Request struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Type       string          `json:"order_type,omitempty"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	Leverage   int             `json:"leverage"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	Strategy   string          `json:"strategy,omitempty"`
	Score      float64         `json:"score,omitempty"`
}

// Reason classifies a failed Result.
type Reason string

const (
	ReasonInsufficientCapital Reason = "InsufficientCapital"
	ReasonExchangeRejected    Reason = "ExchangeRejected"
	ReasonNoOrderIDReturned   Reason = "NoOrderIdReturned"
	ReasonOrderNotActive      Reason = "OrderNotActive"
	ReasonTransportError      Reason = "TransportError"
	ReasonInvalidOrder        Reason = "InvalidOrder"
	ReasonUnconfirmed         Reason = "Unconfirmed"
	ReasonInternal            Reason = "Internal"
)

// Result is what both execution paths return. Failures are values, never
// errors, so callers need no mode-specific handling.
type Result struct {
	Success  bool            `json:"success"`
	OrderID  string          `json:"order_id"`
	Status   string          `json:"status"`
	Message  string          `json:"message"`
	Reason   Reason          `json:"reason,omitempty"`
	Raw      string          `json:"raw,omitempty"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Qty      decimal.Decimal `json:"qty"`
	Price    decimal.Decimal `json:"price"`
	Modified bool            `json:"modified,omitempty"`
	PnL      decimal.Decimal `json:"pnl"`
}

// StatusNotFound marks a close that had nothing to close.
const StatusNotFound = "not_found"

func failed(reason Reason, msg string) Result {
	return Result{Success: false, Status: "failed", Reason: reason, Message: msg}
}
