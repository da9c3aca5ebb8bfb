package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"algotrader/internal/events"
	"algotrader/internal/logger"
)

const PublicLinearURL = "wss://stream.bybit.com/v5/public/linear"

// Tick is published on events.EventPriceTick.
type Tick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	At     time.Time       `json:"at"`
}

// Feed streams public tickers into Prices and onto the bus.
type Feed struct {
	URL          string
	Symbols      []string
	Prices       *Prices
	Bus          *events.Bus
	PingInterval time.Duration
	dialer       *websocket.Dialer
}

// Run streams until ctx is cancelled, reconnecting with backoff.
func (f *Feed) Run(ctx context.Context) error {
	if f.Prices == nil || len(f.Symbols) == 0 {
		logger.Warnf("[feed] not configured; skipping")
		return nil
	}
	backoff := time.Second
	for {
		err := f.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		logger.Warnf("[feed] stream ended: %v; reconnecting in %s", err, backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (f *Feed) runOnce(ctx context.Context) error {
	url := f.URL
	if url == "" {
		url = PublicLinearURL
	}
	dialer := f.dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial bybit ws: %w", err)
	}
	defer conn.Close()

	// Bybit accepts at most 10 args per subscribe request.
	for i := 0; i < len(f.Symbols); i += 10 {
		end := min(i+10, len(f.Symbols))
		args := make([]string, 0, end-i)
		for _, s := range f.Symbols[i:end] {
			args = append(args, "tickers."+strings.ToUpper(s))
		}
		if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": args}); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	logger.Infof("[feed] streaming %d symbols", len(f.Symbols))

	done := make(chan struct{})
	defer close(done)
	go func() {
		interval := f.PingInterval
		if interval <= 0 {
			interval = 20 * time.Second
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = conn.Close()
				return
			case <-t.C:
				if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		f.handle(msg)
	}
}

func (f *Feed) handle(msg []byte) {
	if !gjson.ValidBytes(msg) {
		return
	}
	doc := gjson.ParseBytes(msg)
	if !strings.HasPrefix(doc.Get("topic").String(), "tickers.") {
		return
	}
	data := doc.Get("data")
	raw := data.Get("lastPrice").String()
	if raw == "" {
		return // deltas omit unchanged fields
	}
	price, err := decimal.NewFromString(raw)
	if err != nil || !price.IsPositive() {
		return
	}
	tick := Tick{Symbol: data.Get("symbol").String(), Price: price, At: time.UnixMilli(doc.Get("ts").Int()).UTC()}
	f.Prices.Set(tick.Symbol, tick.Price)
	f.Bus.Publish(events.EventPriceTick, tick)
}
