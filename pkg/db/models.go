package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"algotrader/pkg/config"
)

func init() {
	// Capital and trade payloads are served as plain JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// Order and position lifecycle states shared by the book and the trade store.
const (
	StatusOpen      = "open"
	StatusFilled    = "filled"
	StatusClosed    = "closed"
	StatusCancelled = "cancelled"
)

// Order kinds in the simulated book.
const (
	KindEntry      = "entry"
	KindTakeProfit = "take_profit"
	KindStopLoss   = "stop_loss"
)

// CapitalRecord is one mode's capital bucket. The JSON form is the
// persisted capital document shape.
type CapitalRecord struct {
	Mode         config.Mode     `json:"-"`
	Capital      decimal.Decimal `json:"capital"`
	Available    decimal.Decimal `json:"available"`
	Used         decimal.Decimal `json:"used"`
	StartBalance decimal.Decimal `json:"start_balance"`
	Currency     string          `json:"currency"`
	UpdatedAt    time.Time       `json:"-"`
}

// VirtualOrder is an order resting in the simulated book.
type VirtualOrder struct {
	ID         string          `json:"order_id"`
	Mode       config.Mode     `json:"mode"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Type       string          `json:"order_type"`
	Kind       string          `json:"kind"`
	ParentID   string          `json:"parent_id,omitempty"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	Margin     decimal.Decimal `json:"margin"`
	Leverage   int             `json:"leverage"`
	ReduceOnly bool            `json:"reduce_only"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	FilledAt   *time.Time      `json:"filled_at,omitempty"`
}

// VirtualPosition is the exposure backing a filled or resting entry order.
type VirtualPosition struct {
	ID         string              `json:"id"`
	Mode       config.Mode         `json:"mode"`
	OrderID    string              `json:"order_id"`
	Symbol     string              `json:"symbol"`
	Side       string              `json:"side"`
	Qty        decimal.Decimal     `json:"qty"`
	EntryPrice decimal.Decimal     `json:"entry_price"`
	Margin     decimal.Decimal     `json:"margin"`
	Leverage   int                 `json:"leverage"`
	Status     string              `json:"status"`
	ExitPrice  decimal.NullDecimal `json:"exit_price"`
	PnL        decimal.NullDecimal `json:"pnl"`
	Liquidated bool                `json:"liquidated"`
	OpenedAt   time.Time           `json:"opened_at"`
	ClosedAt   *time.Time          `json:"closed_at,omitempty"`
}

// Trade is the reporting record of one executed entry, real or virtual.
type Trade struct {
	ID         string              `json:"id"`
	OrderID    string              `json:"order_id"`
	Symbol     string              `json:"symbol"`
	Side       string              `json:"side"`
	Qty        decimal.Decimal     `json:"qty"`
	EntryPrice decimal.Decimal     `json:"entry_price"`
	ExitPrice  decimal.NullDecimal `json:"exit_price"`
	StopLoss   decimal.Decimal     `json:"stop_loss"`
	TakeProfit decimal.Decimal     `json:"take_profit"`
	Leverage   int                 `json:"leverage"`
	MarginUSDT decimal.Decimal     `json:"margin_usdt"`
	PnL        decimal.NullDecimal `json:"pnl"`
	Status     string              `json:"status"`
	Virtual    bool                `json:"virtual"`
	Strategy   string              `json:"strategy"`
	Score      float64             `json:"score"`
	OpenedAt   time.Time           `json:"timestamp"`
	ClosedAt   *time.Time          `json:"closed_at,omitempty"`
}

// Signal is a scored trading suggestion as persisted after each scan.
type Signal struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Interval   string          `json:"interval"`
	Side       string          `json:"side"`
	Strategy   string          `json:"strategy"`
	Score      float64         `json:"score"`
	Confidence float64         `json:"confidence"`
	Entry      decimal.Decimal `json:"entry"`
	StopLoss   decimal.Decimal `json:"sl"`
	TakeProfit decimal.Decimal `json:"tp"`
	Leverage   int             `json:"leverage"`
	MarginUSDT decimal.Decimal `json:"margin_usdt"`
	Indicators string          `json:"indicators"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Report summarises one scan cycle.
type Report struct {
	ID         string      `json:"id"`
	Mode       config.Mode `json:"mode"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Signals    int         `json:"signals"`
	Executed   int         `json:"executed"`
	Failed     int         `json:"failed"`
	Paused     bool        `json:"paused"`
	Payload    string      `json:"payload"`
}

// Setting is one key/value pair of the tunable settings table.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func saveCapital(ctx context.Context, ex execer, r CapitalRecord) error {
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO capital (mode, capital, available, used, start_balance, currency, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mode) DO UPDATE SET
			capital = excluded.capital,
			available = excluded.available,
			used = excluded.used,
			start_balance = excluded.start_balance,
			currency = excluded.currency,
			updated_at = excluded.updated_at
	`, string(r.Mode), r.Capital, r.Available, r.Used, r.StartBalance, r.Currency, updated)
	return err
}

func saveOrder(ctx context.Context, ex execer, o VirtualOrder) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO virtual_orders (
			id, mode, symbol, side, order_type, kind, parent_id, qty, price, margin,
			leverage, reduce_only, status, created_at, filled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			qty = excluded.qty,
			price = excluded.price,
			margin = excluded.margin,
			leverage = excluded.leverage,
			status = excluded.status,
			filled_at = excluded.filled_at
	`,
		o.ID, string(o.Mode), o.Symbol, o.Side, o.Type, o.Kind, o.ParentID, o.Qty, o.Price, o.Margin,
		o.Leverage, o.ReduceOnly, o.Status, o.CreatedAt.UTC(), nullTime(o.FilledAt),
	)
	return err
}

func savePosition(ctx context.Context, ex execer, p VirtualPosition) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO virtual_positions (
			id, mode, order_id, symbol, side, qty, entry_price, margin, leverage,
			status, exit_price, pnl, liquidated, opened_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			qty = excluded.qty,
			entry_price = excluded.entry_price,
			margin = excluded.margin,
			leverage = excluded.leverage,
			status = excluded.status,
			exit_price = excluded.exit_price,
			pnl = excluded.pnl,
			liquidated = excluded.liquidated,
			closed_at = excluded.closed_at
	`,
		p.ID, string(p.Mode), p.OrderID, p.Symbol, p.Side, p.Qty, p.EntryPrice, p.Margin, p.Leverage,
		p.Status, p.ExitPrice, p.PnL, p.Liquidated, p.OpenedAt.UTC(), nullTime(p.ClosedAt),
	)
	return err
}

// SaveCapital upserts one capital record.
func (d *Database) SaveCapital(ctx context.Context, r CapitalRecord) error {
	return saveCapital(ctx, d.DB, r)
}

// SaveCapital upserts one capital record inside the transaction.
func (t *Tx) SaveCapital(ctx context.Context, r CapitalRecord) error {
	return saveCapital(ctx, t.tx, r)
}

// SaveOrder upserts a simulated order inside the transaction.
func (t *Tx) SaveOrder(ctx context.Context, o VirtualOrder) error {
	return saveOrder(ctx, t.tx, o)
}

// SavePosition upserts a simulated position inside the transaction.
func (t *Tx) SavePosition(ctx context.Context, p VirtualPosition) error {
	return savePosition(ctx, t.tx, p)
}

// AddTrade inserts a new trade record.
func (d *Database) AddTrade(ctx context.Context, tr Trade) error {
	opened := tr.OpenedAt
	if opened.IsZero() {
		opened = time.Now()
	}
	status := tr.Status
	if status == "" {
		status = StatusOpen
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (
			id, order_id, symbol, side, qty, entry_price, exit_price, stop_loss, take_profit,
			leverage, margin_usdt, pnl, status, is_virtual, strategy, score, opened_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tr.ID, tr.OrderID, tr.Symbol, tr.Side, tr.Qty, tr.EntryPrice, tr.ExitPrice, tr.StopLoss, tr.TakeProfit,
		tr.Leverage, tr.MarginUSDT, tr.PnL, status, tr.Virtual, tr.Strategy, tr.Score, opened.UTC(), nullTime(tr.ClosedAt),
	)
	return err
}

// CloseTrade marks the open trade for orderID closed with its exit price and PnL.
func (d *Database) CloseTrade(ctx context.Context, orderID string, exitPrice, pnl decimal.Decimal, closedAt time.Time) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE trades
		SET status = ?, exit_price = ?, pnl = ?, closed_at = ?
		WHERE order_id = ? AND status = ?
	`, StatusClosed, exitPrice, pnl, closedAt.UTC(), orderID, StatusOpen)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTradeEntry rewrites qty and entry price of an open trade after an order modification.
func (d *Database) UpdateTradeEntry(ctx context.Context, orderID string, qty, entry, margin decimal.Decimal, leverage int) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE trades SET qty = ?, entry_price = ?, margin_usdt = ?, leverage = ?
		WHERE order_id = ? AND status = ?
	`, qty, entry, margin, leverage, orderID, StatusOpen)
	return err
}

// AddSignal stores a scored signal.
func (d *Database) AddSignal(ctx context.Context, s Signal) error {
	created := s.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	indicators := s.Indicators
	if indicators == "" {
		indicators = "{}"
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO signals (
			id, symbol, interval, side, strategy, score, confidence, entry, stop_loss,
			take_profit, leverage, margin_usdt, indicators, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.ID, s.Symbol, s.Interval, s.Side, s.Strategy, s.Score, s.Confidence, s.Entry, s.StopLoss,
		s.TakeProfit, s.Leverage, s.MarginUSDT, indicators, created.UTC(),
	)
	return err
}

// AddReport stores one cycle report.
func (d *Database) AddReport(ctx context.Context, r Report) error {
	payload := r.Payload
	if payload == "" {
		payload = "{}"
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO reports (id, mode, started_at, finished_at, signals, executed, failed, paused, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, string(r.Mode), r.StartedAt.UTC(), r.FinishedAt.UTC(), r.Signals, r.Executed, r.Failed, r.Paused, payload)
	return err
}

// SetSetting upserts a setting value.
func (d *Database) SetSetting(ctx context.Context, key, value string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	return err
}

// DeleteSettings removes every stored setting so defaults apply again.
func (d *Database) DeleteSettings(ctx context.Context) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM settings`)
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
