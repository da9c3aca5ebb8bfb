package common

import (
	"context"
	"sync"
	"time"

	"algotrader/internal/logger"
)

// TimeSync keeps the offset between local and venue clocks so signed
// requests stay inside the receive window.
type TimeSync struct {
	getServerTime func(ctx context.Context) (int64, error)
	mu            sync.RWMutex
	offset        int64 // ms, server - local
	lastSync      time.Time
	syncInterval  time.Duration
}

// NewTimeSync creates a time synchronization manager.
func NewTimeSync(getServerTime func(ctx context.Context) (int64, error)) *TimeSync {
	return &TimeSync{
		getServerTime: getServerTime,
		syncInterval:  30 * time.Minute,
	}
}

// Start syncs once, then every sync interval until ctx is done.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		logger.Warnf("[timesync] initial sync failed: %v", err)
	}
	go func() {
		ticker := time.NewTicker(ts.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil {
					logger.Warnf("[timesync] sync failed: %v", err)
				}
			}
		}
	}()
}

// Sync measures the offset, assuming symmetric latency.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()
	localTime := localBefore + (localAfter-localBefore)/2

	ts.mu.Lock()
	ts.offset = serverTime - localTime
	ts.lastSync = time.Now()
	offset := ts.offset
	ts.mu.Unlock()

	logger.Debugf("[timesync] offset=%dms", offset)
	return nil
}

// Now returns the current venue time in ms.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the current time offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}

// Stale reports whether the last sync is older than the sync interval.
func (ts *TimeSync) Stale() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.lastSync.IsZero() || time.Since(ts.lastSync) > ts.syncInterval
}
