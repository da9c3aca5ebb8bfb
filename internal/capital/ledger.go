// Package capital keeps the per-mode capital buckets that every order pays
// margin from and every close refunds into.
package capital

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"algotrader/internal/logger"
	"algotrader/pkg/config"
	"algotrader/pkg/db"
)

var (
	ErrInsufficientCapital = errors.New("insufficient capital")
	ErrBrokenInvariant     = errors.New("capital invariant violated")
)

// Store persists capital records. *db.Database satisfies it.
type Store interface {
	LoadCapital(ctx context.Context) (map[config.Mode]db.CapitalRecord, error)
	SaveCapital(ctx context.Context, r db.CapitalRecord) error
	WithTx(ctx context.Context, fn func(*db.Tx) error) error
}

// Defaults seed a mode's record the first time it is read.
type Defaults struct {
	VirtualStartBalance decimal.Decimal
	Currency            string
}

// Balance is an exchange-reported wallet balance.
type Balance struct {
	Capital   decimal.Decimal
	Available decimal.Decimal
	Currency  string
}

// Snapshot is every mode's record; it marshals to {"real":{...},"virtual":{...}}.
type Snapshot map[config.Mode]db.CapitalRecord

// Ledger is the in-memory, write-through view of the capital table.
type Ledger struct {
	mu       sync.RWMutex
	store    Store
	defaults Defaults
	records  map[config.Mode]db.CapitalRecord
	loaded   bool
	now      func() time.Time
}

// NewLedger builds a ledger over store. Nothing is read until first use.
func NewLedger(store Store, defaults Defaults) *Ledger {
	if defaults.Currency == "" {
		defaults.Currency = "USDT"
	}
	return &Ledger{
		store:    store,
		defaults: defaults,
		records:  make(map[config.Mode]db.CapitalRecord),
		now:      time.Now,
	}
}

func (l *Ledger) initial(mode config.Mode) db.CapitalRecord {
	r := db.CapitalRecord{Mode: mode, Currency: l.defaults.Currency}
	if mode == config.ModeVirtual {
		r.Capital = l.defaults.VirtualStartBalance
		r.Available = l.defaults.VirtualStartBalance
		r.StartBalance = l.defaults.VirtualStartBalance
	}
	return r
}

// ensureLoaded reads the store once and persists defaults for missing modes.
// Caller must hold l.mu for writing.
func (l *Ledger) ensureLoaded(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	stored, err := l.store.LoadCapital(ctx)
	if err != nil {
		return fmt.Errorf("load capital: %w", err)
	}
	for _, mode := range config.Modes {
		rec, ok := stored[mode]
		if !ok {
			rec = l.initial(mode)
			rec.UpdatedAt = l.now().UTC()
			if err := l.store.SaveCapital(ctx, rec); err != nil {
				return fmt.Errorf("init %s capital: %w", mode, err)
			}
			logger.Infof("[capital] initialised %s bucket with %s %s", mode, rec.Capital, rec.Currency)
		}
		l.records[mode] = rec
	}
	l.loaded = true
	return nil
}

func (l *Ledger) snapshotLocked(mode config.Mode) (db.CapitalRecord, error) {
	rec, ok := l.records[mode]
	if !ok {
		return db.CapitalRecord{}, fmt.Errorf("%w: %q", config.ErrInvalidMode, mode)
	}
	return rec, nil
}

// Load returns a copy of mode's record, creating it with defaults if absent.
func (l *Ledger) Load(ctx context.Context, mode config.Mode) (db.CapitalRecord, error) {
	l.mu.RLock()
	if l.loaded {
		defer l.mu.RUnlock()
		return l.snapshotLocked(mode)
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureLoaded(ctx); err != nil {
		return db.CapitalRecord{}, err
	}
	return l.snapshotLocked(mode)
}

// LoadAll returns a copy of every mode's record.
func (l *Ledger) LoadAll(ctx context.Context) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	out := make(Snapshot, len(l.records))
	for m, r := range l.records {
		out[m] = r
	}
	return out, nil
}

// Adjust moves marginDelta between available and used and books pnlDelta.
// The record is persisted before Adjust returns.
func (l *Ledger) Adjust(ctx context.Context, mode config.Mode, marginDelta, pnlDelta decimal.Decimal) (db.CapitalRecord, error) {
	return l.Transact(ctx, mode, func(_ *db.Tx, cur db.CapitalRecord) (db.CapitalRecord, error) {
		return Apply(cur, marginDelta, pnlDelta)
	})
}

// Transact runs fn against mode's current record inside one store
// transaction. Rows fn writes through tx commit together with the record it
// returns; the in-memory copy changes only after the commit succeeds.
func (l *Ledger) Transact(ctx context.Context, mode config.Mode, fn func(tx *db.Tx, cur db.CapitalRecord) (db.CapitalRecord, error)) (db.CapitalRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureLoaded(ctx); err != nil {
		return db.CapitalRecord{}, err
	}
	cur, err := l.snapshotLocked(mode)
	if err != nil {
		return db.CapitalRecord{}, err
	}

	var next db.CapitalRecord
	err = l.store.WithTx(ctx, func(tx *db.Tx) error {
		n, err := fn(tx, cur)
		if err != nil {
			return err
		}
		if err := Validate(n); err != nil {
			return err
		}
		n.Mode = mode
		n.UpdatedAt = l.now().UTC()
		if err := tx.SaveCapital(ctx, n); err != nil {
			return fmt.Errorf("save %s capital: %w", mode, err)
		}
		next = n
		return nil
	})
	if err != nil {
		return db.CapitalRecord{}, err
	}
	l.records[mode] = next
	return next, nil
}

// SyncReal overwrites the real bucket with an exchange balance. The start
// balance is kept unless this is the first sync.
func (l *Ledger) SyncReal(ctx context.Context, b Balance) (db.CapitalRecord, error) {
	return l.Transact(ctx, config.ModeReal, func(_ *db.Tx, cur db.CapitalRecord) (db.CapitalRecord, error) {
		available := decimal.Max(b.Available, decimal.Zero)
		used := decimal.Max(b.Capital.Sub(available), decimal.Zero)
		next := db.CapitalRecord{
			Capital:      available.Add(used),
			Available:    available,
			Used:         used,
			StartBalance: cur.StartBalance,
			Currency:     cur.Currency,
		}
		if b.Currency != "" {
			next.Currency = b.Currency
		}
		if next.StartBalance.IsZero() {
			next.StartBalance = next.Capital
		}
		return next, nil
	})
}

// Reset puts mode back to its initial record.
func (l *Ledger) Reset(ctx context.Context, mode config.Mode) (db.CapitalRecord, error) {
	return l.Transact(ctx, mode, func(_ *db.Tx, _ db.CapitalRecord) (db.CapitalRecord, error) {
		return l.initial(mode), nil
	})
}

// Import replaces the records named in snap, e.g. from a legacy capital file.
func (l *Ledger) Import(ctx context.Context, snap Snapshot) error {
	for mode, rec := range snap {
		if _, err := config.ParseMode(string(mode)); err != nil {
			return err
		}
		if rec.Currency == "" {
			rec.Currency = l.defaults.Currency
		}
		r := rec
		if _, err := l.Transact(ctx, mode, func(_ *db.Tx, _ db.CapitalRecord) (db.CapitalRecord, error) {
			return r, nil
		}); err != nil {
			return fmt.Errorf("import %s: %w", mode, err)
		}
	}
	return nil
}

// Apply is the arithmetic of a capital adjustment. Positive marginDelta
// reserves margin, negative releases it; pnlDelta changes capital.
func Apply(cur db.CapitalRecord, marginDelta, pnlDelta decimal.Decimal) (db.CapitalRecord, error) {
	next := cur
	next.Available = cur.Available.Sub(marginDelta).Add(pnlDelta)
	next.Used = decimal.Max(cur.Used.Add(marginDelta), decimal.Zero)
	next.Capital = next.Available.Add(next.Used)
	if next.Available.IsNegative() {
		return cur, fmt.Errorf("%w: need %s, available %s", ErrInsufficientCapital,
			marginDelta.Sub(pnlDelta).StringFixed(2), cur.Available.StringFixed(2))
	}
	return next, nil
}

// Validate checks available + used == capital with both parts non-negative.
func Validate(r db.CapitalRecord) error {
	switch {
	case r.Available.IsNegative():
		return fmt.Errorf("%w: available %s < 0", ErrBrokenInvariant, r.Available)
	case r.Used.IsNegative():
		return fmt.Errorf("%w: used %s < 0", ErrBrokenInvariant, r.Used)
	case !r.Available.Add(r.Used).Equal(r.Capital):
		return fmt.Errorf("%w: available %s + used %s != capital %s", ErrBrokenInvariant, r.Available, r.Used, r.Capital)
	}
	return nil
}

// PeriodPnL is capital minus start balance, absolute and as a percentage
// of the start balance (0 when there is no baseline).
func PeriodPnL(r db.CapitalRecord) (decimal.Decimal, float64) {
	diff := r.Capital.Sub(r.StartBalance)
	if r.StartBalance.IsZero() {
		return diff, 0
	}
	pct, _ := diff.Div(r.StartBalance).Mul(decimal.NewFromInt(100)).Round(2).Float64()
	return diff, pct
}
