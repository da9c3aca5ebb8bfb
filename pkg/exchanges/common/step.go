package common

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Instrument is the trading metadata of one symbol.
type Instrument struct {
	Symbol      string
	Status      string
	BaseCoin    string
	QuoteCoin   string
	QtyStep     decimal.Decimal
	MinOrderQty decimal.Decimal
	MaxOrderQty decimal.Decimal
	TickSize    decimal.Decimal
}

// Trading reports whether the instrument currently accepts orders.
func (i Instrument) Trading() bool { return strings.EqualFold(i.Status, "Trading") }

// QuantizeQty snaps qty to the lot step and formats it with the step's precision.
func (i Instrument) QuantizeQty(qty decimal.Decimal) string { return FormatStep(qty, i.QtyStep) }

// QuantizePrice snaps price to the tick size and formats it likewise.
func (i Instrument) QuantizePrice(price decimal.Decimal) string {
	return FormatStep(price, i.TickSize)
}

// Quantize returns round(v/step)*step. A non-positive step leaves v unchanged.
func Quantize(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Round(0).Mul(step)
}

// StepDecimals is the number of fractional digits in step: 0.001 -> 3, 0.5 -> 1, 1 -> 0.
func StepDecimals(step decimal.Decimal) int32 {
	s := step.String()
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return int32(len(s) - i - 1)
	}
	return 0
}

// FormatStep quantizes v and renders it with exactly StepDecimals(step) places.
func FormatStep(v, step decimal.Decimal) string {
	if !step.IsPositive() {
		return v.String()
	}
	return Quantize(v, step).StringFixed(StepDecimals(step))
}
