package bybit

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"algotrader/pkg/exchanges/common"
)

func parseInstrument(r gjson.Result) common.Instrument {
	return common.Instrument{
		Symbol:      r.Get("symbol").String(),
		Status:      r.Get("status").String(),
		BaseCoin:    r.Get("baseCoin").String(),
		QuoteCoin:   r.Get("quoteCoin").String(),
		QtyStep:     dec(r.Get("lotSizeFilter.qtyStep")),
		MinOrderQty: dec(r.Get("lotSizeFilter.minOrderQty")),
		MaxOrderQty: dec(r.Get("lotSizeFilter.maxOrderQty")),
		TickSize:    dec(r.Get("priceFilter.tickSize")),
	}
}

func (c *Client) cachedInstrument(symbol string) (common.Instrument, bool) {
	c.instMu.RLock()
	defer c.instMu.RUnlock()
	inst, ok := c.instruments[symbol]
	return inst, ok
}

func (c *Client) storeInstruments(insts ...common.Instrument) {
	c.instMu.Lock()
	defer c.instMu.Unlock()
	for _, inst := range insts {
		c.instruments[inst.Symbol] = inst
	}
}

// Instrument returns lot and tick metadata for symbol, fetched once and
// cached. Concurrent first lookups share one request.
func (c *Client) Instrument(ctx context.Context, symbol string) (common.Instrument, error) {
	symbol = strings.ToUpper(symbol)
	if inst, ok := c.cachedInstrument(symbol); ok {
		return inst, nil
	}
	v, err, _ := c.group.Do("instrument:"+symbol, func() (any, error) {
		if inst, ok := c.cachedInstrument(symbol); ok {
			return inst, nil
		}
		res, err := c.send(ctx, OpQueryInstrument, map[string]any{
			"category": string(common.CategoryLinear),
			"symbol":   symbol,
		})
		if err != nil {
			return common.Instrument{}, err
		}
		row := res.Get("list.0")
		if !row.Exists() {
			return common.Instrument{}, &common.Failure{Kind: common.FailureRejected, Op: OpQueryInstrument.String(), Msg: "unknown symbol " + symbol}
		}
		inst := parseInstrument(row)
		c.storeInstruments(inst)
		return inst, nil
	})
	if err != nil {
		return common.Instrument{}, err
	}
	return v.(common.Instrument), nil
}

// Instruments lists every linear instrument, following pagination.
func (c *Client) Instruments(ctx context.Context) ([]common.Instrument, error) {
	var (
		out    []common.Instrument
		cursor string
	)
	for page := 0; page < 20; page++ {
		params := map[string]any{"category": string(common.CategoryLinear), "limit": 1000}
		if cursor != "" {
			params["cursor"] = cursor
		}
		res, err := c.send(ctx, OpListInstruments, params)
		if err != nil {
			return nil, err
		}
		res.Get("list").ForEach(func(_, row gjson.Result) bool {
			out = append(out, parseInstrument(row))
			return true
		})
		cursor = res.Get("nextPageCursor").String()
		if cursor == "" {
			break
		}
	}
	c.storeInstruments(out...)
	return out, nil
}

func parseTicker(r gjson.Result) common.Ticker {
	return common.Ticker{
		Symbol:      r.Get("symbol").String(),
		LastPrice:   dec(r.Get("lastPrice")),
		MarkPrice:   dec(r.Get("markPrice")),
		Bid:         dec(r.Get("bid1Price")),
		Ask:         dec(r.Get("ask1Price")),
		Turnover24h: dec(r.Get("turnover24h")),
	}
}

// Ticker returns the current ticker of symbol.
func (c *Client) Ticker(ctx context.Context, symbol string) (common.Ticker, error) {
	res, err := c.send(ctx, OpQueryTicker, map[string]any{
		"category": string(common.CategoryLinear),
		"symbol":   strings.ToUpper(symbol),
	})
	if err != nil {
		return common.Ticker{}, err
	}
	row := res.Get("list.0")
	if !row.Exists() {
		return common.Ticker{}, &common.Failure{Kind: common.FailureRejected, Op: OpQueryTicker.String(), Msg: "no ticker for " + symbol}
	}
	return parseTicker(row), nil
}

// Tickers returns every linear ticker in one call.
func (c *Client) Tickers(ctx context.Context) ([]common.Ticker, error) {
	res, err := c.send(ctx, OpQueryTicker, map[string]any{"category": string(common.CategoryLinear)})
	if err != nil {
		return nil, err
	}
	var out []common.Ticker
	res.Get("list").ForEach(func(_, row gjson.Result) bool {
		out = append(out, parseTicker(row))
		return true
	})
	return out, nil
}

// Klines returns up to limit candles, oldest first. interval uses Bybit
// notation: "1", "5", "60", "D".
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]common.Kline, error) {
	if limit <= 0 {
		limit = 200
	}
	res, err := c.send(ctx, OpQueryKline, map[string]any{
		"category": string(common.CategoryLinear),
		"symbol":   strings.ToUpper(symbol),
		"interval": interval,
		"limit":    limit,
	})
	if err != nil {
		return nil, err
	}
	var out []common.Kline
	res.Get("list").ForEach(func(_, row gjson.Result) bool {
		out = append(out, common.Kline{
			Start:  time.UnixMilli(row.Get("0").Int()).UTC(),
			Open:   row.Get("1").Float(),
			High:   row.Get("2").Float(),
			Low:    row.Get("3").Float(),
			Close:  row.Get("4").Float(),
			Volume: row.Get("5").Float(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}
