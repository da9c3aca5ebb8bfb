package common

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"algotrader/internal/logger"
)

// Bybit reports per-endpoint quota on every signed response.
const (
	HeaderLimit       = "X-Bapi-Limit"
	HeaderLimitStatus = "X-Bapi-Limit-Status"
	HeaderLimitReset  = "X-Bapi-Limit-Reset-Timestamp"
)

// RateLimiter tracks API quota usage as reported by the venue.
type RateLimiter struct {
	mu        sync.RWMutex
	limit     int
	remaining int
	resetAt   time.Time
	now       func() time.Time
}

// NewRateLimiter creates a tracker assuming limit requests per window until
// the venue says otherwise.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{limit: limit, remaining: limit, now: time.Now}
}

// UpdateFromHeader records the quota headers of a response. Missing or
// malformed headers are ignored.
func (rl *RateLimiter) UpdateFromHeader(h http.Header) {
	limit, err1 := strconv.Atoi(h.Get(HeaderLimit))
	remaining, err2 := strconv.Atoi(h.Get(HeaderLimitStatus))
	if err1 != nil || err2 != nil || limit <= 0 {
		return
	}
	var resetAt time.Time
	if ms, err := strconv.ParseInt(h.Get(HeaderLimitReset), 10, 64); err == nil {
		resetAt = time.UnixMilli(ms)
	}

	rl.mu.Lock()
	rl.limit, rl.remaining, rl.resetAt = limit, remaining, resetAt
	rl.mu.Unlock()

	used := limit - remaining
	percentage := float64(used) / float64(limit) * 100
	if percentage >= 95 {
		logger.Warnf("[ratelimit] critical: %d/%d (%.1f%%)", used, limit, percentage)
	} else if percentage >= 80 {
		logger.Debugf("[ratelimit] high: %d/%d (%.1f%%)", used, limit, percentage)
	}
}

// GetUsage returns current usage. A passed reset time clears it.
func (rl *RateLimiter) GetUsage() (used int, limit int, percentage float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if rl.limit <= 0 || (!rl.resetAt.IsZero() && rl.now().After(rl.resetAt)) {
		return 0, rl.limit, 0
	}
	used = rl.limit - rl.remaining
	return used, rl.limit, float64(used) / float64(rl.limit) * 100
}

// ShouldDelay reports whether the next call should wait for the window to reset.
func (rl *RateLimiter) ShouldDelay() (bool, time.Duration) {
	_, _, pct := rl.GetUsage()
	if pct < 90 {
		return false, 0
	}
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	wait := rl.resetAt.Sub(rl.now())
	if wait < 0 {
		wait = 0
	}
	return true, wait
}
