package bybit

import (
	"context"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"algotrader/pkg/exchanges/common"
)

func dec(r gjson.Result) decimal.Decimal {
	v, err := decimal.NewFromString(strings.TrimSpace(r.String()))
	if err != nil {
		return decimal.Zero
	}
	return v
}

// PlaceOrder submits a linear order. An ack with an empty OrderID and a nil
// error means the exchange accepted the call but returned no id.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderAck, error) {
	typ := req.Type
	if typ == "" {
		typ = common.OrderTypeMarket
	}
	params := map[string]any{
		"category":  string(common.CategoryLinear),
		"symbol":    req.Symbol,
		"side":      string(req.Side),
		"orderType": string(typ),
		"qty":       req.Qty.String(),
	}
	if typ == common.OrderTypeLimit {
		params["price"] = req.Price.String()
		tif := req.TimeInForce
		if tif == "" {
			tif = common.TIFGTC
		}
		params["timeInForce"] = string(tif)
	}
	if req.ReduceOnly {
		params["reduceOnly"] = true
	}
	if req.ClientID != "" {
		params["orderLinkId"] = req.ClientID
	}
	if req.TakeProfit.IsPositive() {
		params["takeProfit"] = req.TakeProfit.String()
	}
	if req.StopLoss.IsPositive() {
		params["stopLoss"] = req.StopLoss.String()
	}

	res, err := c.send(ctx, OpPlace, params)
	if err != nil {
		return common.OrderAck{}, err
	}
	return common.OrderAck{
		OrderID:  res.Get("orderId").String(),
		ClientID: res.Get("orderLinkId").String(),
		Raw:      res.Raw,
	}, nil
}

// AmendOrder changes qty and/or price of a resting order. Zero values are left unchanged.
func (c *Client) AmendOrder(ctx context.Context, req common.AmendRequest) (common.OrderAck, error) {
	params := map[string]any{
		"category": string(common.CategoryLinear),
		"symbol":   req.Symbol,
		"orderId":  req.OrderID,
	}
	if req.Qty.IsPositive() {
		params["qty"] = req.Qty.String()
	}
	if req.Price.IsPositive() {
		params["price"] = req.Price.String()
	}
	res, err := c.send(ctx, OpAmend, params)
	if err != nil {
		return common.OrderAck{}, err
	}
	return common.OrderAck{OrderID: res.Get("orderId").String(), ClientID: res.Get("orderLinkId").String(), Raw: res.Raw}, nil
}

// CancelOrder cancels an order by symbol and ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := c.send(ctx, OpCancel, map[string]any{
		"category": string(common.CategoryLinear),
		"symbol":   symbol,
		"orderId":  orderID,
	})
	return err
}

// QueryOrder reads an order from the realtime list. An order the exchange
// does not return comes back with StatusUnknown and no error.
func (c *Client) QueryOrder(ctx context.Context, symbol, orderID string) (common.OrderInfo, error) {
	res, err := c.send(ctx, OpQueryStatus, map[string]any{
		"category": string(common.CategoryLinear),
		"symbol":   symbol,
		"orderId":  orderID,
	})
	if err != nil {
		return common.OrderInfo{}, err
	}
	row := res.Get("list.0")
	if !row.Exists() {
		return common.OrderInfo{OrderID: orderID, Symbol: symbol, Status: common.StatusUnknown, Raw: res.Raw}, nil
	}
	return common.OrderInfo{
		OrderID:    row.Get("orderId").String(),
		Symbol:     row.Get("symbol").String(),
		Side:       common.Side(row.Get("side").String()),
		Status:     common.ParseStatus(row.Get("orderStatus").String()),
		Qty:        dec(row.Get("qty")),
		Price:      dec(row.Get("price")),
		AvgPrice:   dec(row.Get("avgPrice")),
		CumExecQty: dec(row.Get("cumExecQty")),
		Raw:        row.Raw,
	}, nil
}

// WalletBalance reads the unified account balance of coin.
func (c *Client) WalletBalance(ctx context.Context, coin string) (common.Balance, error) {
	if coin == "" {
		coin = "USDT"
	}
	res, err := c.send(ctx, OpQueryBalance, map[string]any{"accountType": "UNIFIED", "coin": coin})
	if err != nil {
		return common.Balance{}, err
	}
	account := res.Get("list.0")
	entry := account.Get(`coin.#(coin=="` + coin + `")`)
	if !entry.Exists() {
		return common.Balance{}, &common.Failure{Kind: common.FailureProtocol, Op: OpQueryBalance.String(), Msg: "coin " + coin + " missing from wallet"}
	}

	equity := dec(entry.Get("equity"))
	if equity.IsZero() {
		equity = dec(entry.Get("walletBalance"))
	}
	available := dec(entry.Get("availableToWithdraw"))
	if available.IsZero() {
		// Unified accounts may leave the per-coin field empty.
		available = dec(account.Get("totalAvailableBalance"))
	}
	return common.Balance{Coin: coin, Equity: equity, Available: available}, nil
}

// codeLeverageNotModified is returned when the requested leverage is already set.
const codeLeverageNotModified = 110043

// SetLeverage sets both sides of symbol to leverage.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	_, err := c.send(ctx, OpSetLeverage, map[string]any{
		"category":     string(common.CategoryLinear),
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	})
	if f, ok := common.AsFailure(err); ok && f.Kind == common.FailureRejected && f.Code == codeLeverageNotModified {
		return nil
	}
	return err
}

// Positions lists open linear positions settled in USDT. Flat rows are
// skipped.
func (c *Client) Positions(ctx context.Context) ([]common.Position, error) {
	res, err := c.send(ctx, OpListPositions, map[string]any{
		"category":   string(common.CategoryLinear),
		"settleCoin": "USDT",
	})
	if err != nil {
		return nil, err
	}
	var out []common.Position
	res.Get("list").ForEach(func(_, row gjson.Result) bool {
		size := dec(row.Get("size"))
		if !size.IsPositive() {
			return true
		}
		out = append(out, common.Position{
			Symbol:     row.Get("symbol").String(),
			Side:       common.Side(row.Get("side").String()),
			Size:       size,
			EntryPrice: dec(row.Get("avgPrice")),
			MarkPrice:  dec(row.Get("markPrice")),
			Leverage:   int(row.Get("leverage").Int()),
		})
		return true
	})
	return out, nil
}
