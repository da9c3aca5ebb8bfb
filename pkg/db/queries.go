package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"algotrader/pkg/config"
)

var ErrNotFound = errors.New("record not found")

// LoadCapital returns every stored capital record keyed by mode.
func (d *Database) LoadCapital(ctx context.Context) (map[config.Mode]CapitalRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT mode, capital, available, used, start_balance, currency, updated_at
		FROM capital
	`)
	if err != nil {
		return nil, fmt.Errorf("query capital: %w", err)
	}
	defer rows.Close()

	out := make(map[config.Mode]CapitalRecord)
	for rows.Next() {
		var (
			r       CapitalRecord
			mode    string
			updated sql.NullTime
		)
		if err := rows.Scan(&mode, &r.Capital, &r.Available, &r.Used, &r.StartBalance, &r.Currency, &updated); err != nil {
			return nil, fmt.Errorf("scan capital: %w", err)
		}
		r.Mode = config.Mode(mode)
		r.UpdatedAt = updated.Time
		out[r.Mode] = r
	}
	return out, rows.Err()
}

// ListVirtualOrders returns every simulated order for mode, oldest first.
func (d *Database) ListVirtualOrders(ctx context.Context, mode config.Mode) ([]VirtualOrder, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, mode, symbol, side, order_type, kind, parent_id, qty, price, margin,
		       leverage, reduce_only, status, created_at, filled_at
		FROM virtual_orders
		WHERE mode = ?
		ORDER BY created_at ASC, id ASC
	`, string(mode))
	if err != nil {
		return nil, fmt.Errorf("query virtual orders: %w", err)
	}
	defer rows.Close()

	var orders []VirtualOrder
	for rows.Next() {
		var (
			o      VirtualOrder
			m      string
			filled sql.NullTime
		)
		if err := rows.Scan(&o.ID, &m, &o.Symbol, &o.Side, &o.Type, &o.Kind, &o.ParentID, &o.Qty, &o.Price, &o.Margin,
			&o.Leverage, &o.ReduceOnly, &o.Status, &o.CreatedAt, &filled); err != nil {
			return nil, fmt.Errorf("scan virtual order: %w", err)
		}
		o.Mode = config.Mode(m)
		o.FilledAt = timePtr(filled)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListVirtualPositions returns every simulated position for mode, oldest first.
func (d *Database) ListVirtualPositions(ctx context.Context, mode config.Mode) ([]VirtualPosition, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, mode, order_id, symbol, side, qty, entry_price, margin, leverage,
		       status, exit_price, pnl, liquidated, opened_at, closed_at
		FROM virtual_positions
		WHERE mode = ?
		ORDER BY opened_at ASC, id ASC
	`, string(mode))
	if err != nil {
		return nil, fmt.Errorf("query virtual positions: %w", err)
	}
	defer rows.Close()

	var positions []VirtualPosition
	for rows.Next() {
		var (
			p      VirtualPosition
			m      string
			closed sql.NullTime
		)
		if err := rows.Scan(&p.ID, &m, &p.OrderID, &p.Symbol, &p.Side, &p.Qty, &p.EntryPrice, &p.Margin, &p.Leverage,
			&p.Status, &p.ExitPrice, &p.PnL, &p.Liquidated, &p.OpenedAt, &closed); err != nil {
			return nil, fmt.Errorf("scan virtual position: %w", err)
		}
		p.Mode = config.Mode(m)
		p.ClosedAt = timePtr(closed)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// TradeFilter narrows ListTrades. Zero values mean "any".
type TradeFilter struct {
	Status  string
	Virtual *bool
	Symbol  string
	Limit   int
}

const tradeColumns = `
	id, order_id, symbol, side, qty, entry_price, exit_price, stop_loss, take_profit,
	leverage, margin_usdt, pnl, status, is_virtual, strategy, score, opened_at, closed_at
`

// ListTrades returns trade records, newest first.
func (d *Database) ListTrades(ctx context.Context, f TradeFilter) ([]Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Virtual != nil {
		query += ` AND is_virtual = ?`
		args = append(args, *f.Virtual)
	}
	if f.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, f.Symbol)
	}
	query += ` ORDER BY opened_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// OpenTrade returns the newest open trade for symbol in the given mode.
func (d *Database) OpenTrade(ctx context.Context, symbol string, virtual bool) (Trade, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+tradeColumns+`
		FROM trades
		WHERE symbol = ? AND is_virtual = ? AND status = ?
		ORDER BY opened_at DESC
		LIMIT 1
	`, symbol, virtual, StatusOpen)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Trade{}, ErrNotFound
	}
	return t, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(s scanner) (Trade, error) {
	var (
		t      Trade
		closed sql.NullTime
	)
	err := s.Scan(&t.ID, &t.OrderID, &t.Symbol, &t.Side, &t.Qty, &t.EntryPrice, &t.ExitPrice, &t.StopLoss, &t.TakeProfit,
		&t.Leverage, &t.MarginUSDT, &t.PnL, &t.Status, &t.Virtual, &t.Strategy, &t.Score, &t.OpenedAt, &closed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Trade{}, err
		}
		return Trade{}, fmt.Errorf("scan trade: %w", err)
	}
	t.ClosedAt = timePtr(closed)
	return t, nil
}

// ListSignals returns the latest persisted signals.
func (d *Database) ListSignals(ctx context.Context, limit int) ([]Signal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, interval, side, strategy, score, confidence, entry, stop_loss,
		       take_profit, leverage, margin_usdt, indicators, created_at
		FROM signals
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []Signal
	for rows.Next() {
		var s Signal
		if err := rows.Scan(&s.ID, &s.Symbol, &s.Interval, &s.Side, &s.Strategy, &s.Score, &s.Confidence, &s.Entry,
			&s.StopLoss, &s.TakeProfit, &s.Leverage, &s.MarginUSDT, &s.Indicators, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListReports returns the latest cycle reports.
func (d *Database) ListReports(ctx context.Context, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, mode, started_at, finished_at, signals, executed, failed, paused, payload
		FROM reports
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var (
			r    Report
			mode string
		)
		if err := rows.Scan(&r.ID, &mode, &r.StartedAt, &r.FinishedAt, &r.Signals, &r.Executed, &r.Failed, &r.Paused, &r.Payload); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r.Mode = config.Mode(mode)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetSetting returns the stored value for key or ErrNotFound.
func (d *Database) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := d.DB.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query setting %s: %w", key, err)
	}
	return v, nil
}

// ListSettings returns every stored setting ordered by key.
func (d *Database) ListSettings(ctx context.Context) ([]Setting, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	var out []Setting
	for rows.Next() {
		var (
			s       Setting
			updated sql.NullTime
		)
		if err := rows.Scan(&s.Key, &s.Value, &updated); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		s.UpdatedAt = updated.Time
		out = append(out, s)
	}
	return out, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
