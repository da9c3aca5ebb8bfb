// Package signal produces and scores trade candidates: a built-in
// indicator analyzer plus pluggable scorers (heuristic, remote gRPC worker,
// local ONNX model).
package signal

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"

	"algotrader/internal/pnl"
)

// Signal is one trade candidate for a symbol.
type Signal struct {
	Symbol     string             `json:"symbol" mapstructure:"symbol"`
	Side       string             `json:"side" mapstructure:"side"`
	OrderType  string             `json:"order_type" mapstructure:"order_type"`
	Entry      decimal.Decimal    `json:"entry" mapstructure:"entry"`
	StopLoss   decimal.Decimal    `json:"sl" mapstructure:"sl"`
	TakeProfit decimal.Decimal    `json:"tp" mapstructure:"tp"`
	Qty        decimal.Decimal    `json:"qty" mapstructure:"qty"`
	Leverage   int                `json:"leverage" mapstructure:"leverage"`
	MarginUSDT decimal.Decimal    `json:"margin_usdt" mapstructure:"margin_usdt"`
	Score      float64            `json:"score" mapstructure:"score"`
	Confidence float64            `json:"confidence" mapstructure:"confidence"`
	Strategy   string             `json:"strategy" mapstructure:"strategy"`
	Trend      string             `json:"trend" mapstructure:"trend"`
	Regime     string             `json:"regime" mapstructure:"regime"`
	Interval   string             `json:"interval" mapstructure:"interval"`
	Indicators map[string]float64 `json:"indicators,omitempty" mapstructure:"indicators"`
}

// ErrMissingField is wrapped by Validate for every absent required field.
var ErrMissingField = errors.New("signal missing required field")

// Validate checks the fields an order needs. All missing names are reported.
func (s Signal) Validate() error {
	var missing []string
	if s.Symbol == "" {
		missing = append(missing, "symbol")
	}
	if pnl.NormalizeSide(s.Side) == "" {
		missing = append(missing, "side")
	}
	if !s.Entry.IsPositive() {
		missing = append(missing, "entry")
	}
	if !s.StopLoss.IsPositive() {
		missing = append(missing, "sl")
	}
	if !s.TakeProfit.IsPositive() {
		missing = append(missing, "tp")
	}
	if s.Leverage <= 0 {
		missing = append(missing, "leverage")
	}
	if !s.MarginUSDT.IsPositive() {
		missing = append(missing, "margin_usdt")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}
	return nil
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook lets numbers and numeric strings decode into decimal fields.
func decimalHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case nil:
		return decimal.Zero, nil
	case decimal.Decimal:
		return v, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(strings.TrimSpace(v))
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	}
	return nil, fmt.Errorf("cannot decode %s into decimal", from)
}

// FromMap decodes a loosely typed map (a scorer reply, a JSON body) into a
// Signal. Keys are matched case-insensitively, so "Symbol" and "symbol"
// both work.
func FromMap(m map[string]any) (Signal, error) {
	var s Signal
	if err := mergeMap(&s, m); err != nil {
		return Signal{}, err
	}
	return s, nil
}

// mergeMap overlays m onto an existing signal.
func mergeMap(s *Signal, m map[string]any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       decimalHook,
		WeaklyTypedInput: true,
		Result:           s,
	})
	if err != nil {
		return err
	}
	return dec.Decode(m)
}
