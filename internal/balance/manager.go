// Package balance keeps the real capital bucket in step with the exchange
// wallet.
package balance

import (
	"context"
	"sync"
	"time"

	"algotrader/internal/capital"
	"algotrader/internal/events"
	"algotrader/internal/logger"
	"algotrader/pkg/db"
	"algotrader/pkg/exchanges/common"
)

// WalletSource reads the exchange wallet.
type WalletSource interface {
	WalletBalance(ctx context.Context, coin string) (common.Balance, error)
}

// RealLedger is the slice of *capital.Ledger a sync writes to.
type RealLedger interface {
	SyncReal(ctx context.Context, b capital.Balance) (db.CapitalRecord, error)
}

// Manager periodically copies the wallet balance into the real ledger.
type Manager struct {
	wallet       WalletSource
	ledger       RealLedger
	bus          *events.Bus
	coin         string
	syncInterval time.Duration

	mu       sync.RWMutex
	last     db.CapitalRecord
	lastSync time.Time
	lastErr  error
}

func NewManager(wallet WalletSource, ledger RealLedger, bus *events.Bus, coin string, syncInterval time.Duration) *Manager {
	if coin == "" {
		coin = "USDT"
	}
	if syncInterval <= 0 {
		syncInterval = time.Minute
	}
	return &Manager{wallet: wallet, ledger: ledger, bus: bus, coin: coin, syncInterval: syncInterval}
}

// Run syncs immediately and then every interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Sync(ctx); err != nil {
		logger.Errorf("[balance] initial sync: %v", err)
	}
	ticker := time.NewTicker(m.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Sync(ctx); err != nil {
				logger.Errorf("[balance] sync: %v", err)
			}
		}
	}
}

// Sync fetches the wallet and overwrites the real bucket.
func (m *Manager) Sync(ctx context.Context) error {
	if m.wallet == nil {
		return nil
	}
	bal, err := m.wallet.WalletBalance(ctx, m.coin)
	if err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		return err
	}
	rec, err := m.ledger.SyncReal(ctx, capital.Balance{Capital: bal.Equity, Available: bal.Available, Currency: m.coin})
	m.mu.Lock()
	m.lastErr = err
	if err == nil {
		m.last = rec
		m.lastSync = time.Now()
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	logger.Debugf("[balance] synced: capital=%s available=%s used=%s",
		rec.Capital.StringFixed(2), rec.Available.StringFixed(2), rec.Used.StringFixed(2))
	m.bus.Publish(events.EventCapitalUpdated, rec)
	return nil
}

// Status is the last successful sync and the latest error, if any.
type Status struct {
	Record   db.CapitalRecord `json:"record"`
	LastSync time.Time        `json:"last_sync"`
	Error    string           `json:"error,omitempty"`
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{Record: m.last, LastSync: m.lastSync}
	if m.lastErr != nil {
		st.Error = m.lastErr.Error()
	}
	return st
}
