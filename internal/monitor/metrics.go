package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks process-wide counters and latency windows. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	CycleLatency   *LatencyHistogram
	GatewayLatency *LatencyHistogram
	APILatency     *LatencyHistogram

	cycles         atomic.Uint64
	signals        atomic.Uint64
	ordersPlaced   atomic.Uint64
	ordersFailed   atomic.Uint64
	positionsClose atomic.Uint64
	riskPauses     atomic.Uint64
	apiRequests    atomic.Uint64
	errors         atomic.Uint64

	started time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		CycleLatency:   NewLatencyHistogram(200),
		GatewayLatency: NewLatencyHistogram(1000),
		APILatency:     NewLatencyHistogram(1000),
		started:        time.Now(),
	}
}

// LatencyHistogram keeps a sliding window of samples in milliseconds.
// Stats are recomputed lazily.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{samples: make([]float64, 0, size), maxSize: size, dirty: true}
}

func (h *LatencyHistogram) Record(latencyMs float64) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg and the 50/95/99 percentiles.
func (h *LatencyHistogram) Stats() LatencyStats {
	if h == nil {
		return LatencyStats{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *Metrics) IncCycles() {
	if m != nil {
		m.cycles.Add(1)
	}
}

func (m *Metrics) AddSignals(n int) {
	if m != nil && n > 0 {
		m.signals.Add(uint64(n))
	}
}

// IncOrders counts one PlaceOrder outcome.
func (m *Metrics) IncOrders(success bool) {
	if m == nil {
		return
	}
	if success {
		m.ordersPlaced.Add(1)
	} else {
		m.ordersFailed.Add(1)
	}
}

func (m *Metrics) IncPositionsClosed() {
	if m != nil {
		m.positionsClose.Add(1)
	}
}

func (m *Metrics) IncRiskPauses() {
	if m != nil {
		m.riskPauses.Add(1)
	}
}

func (m *Metrics) IncAPIRequests() {
	if m != nil {
		m.apiRequests.Add(1)
	}
}

func (m *Metrics) IncErrors() {
	if m != nil {
		m.errors.Add(1)
	}
}

// Snapshot is a point-in-time copy for the metrics endpoint.
type Snapshot struct {
	CycleLatency    LatencyStats `json:"cycle_latency"`
	GatewayLatency  LatencyStats `json:"gateway_latency"`
	APILatency      LatencyStats `json:"api_latency"`
	Cycles          uint64       `json:"cycles"`
	Signals         uint64       `json:"signals"`
	OrdersPlaced    uint64       `json:"orders_placed"`
	OrdersFailed    uint64       `json:"orders_failed"`
	PositionsClosed uint64       `json:"positions_closed"`
	RiskPauses      uint64       `json:"risk_pauses"`
	APIRequests     uint64       `json:"api_requests"`
	Errors          uint64       `json:"errors"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	Uptime          string       `json:"uptime"`
	Timestamp       time.Time    `json:"timestamp"`
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{Timestamp: time.Now()}
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return Snapshot{
		CycleLatency:    m.CycleLatency.Stats(),
		GatewayLatency:  m.GatewayLatency.Stats(),
		APILatency:      m.APILatency.Stats(),
		Cycles:          m.cycles.Load(),
		Signals:         m.signals.Load(),
		OrdersPlaced:    m.ordersPlaced.Load(),
		OrdersFailed:    m.ordersFailed.Load(),
		PositionsClosed: m.positionsClose.Load(),
		RiskPauses:      m.riskPauses.Load(),
		APIRequests:     m.apiRequests.Load(),
		Errors:          m.errors.Load(),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       mem.HeapAlloc,
		Uptime:          time.Since(m.started).Round(time.Second).String(),
		Timestamp:       time.Now(),
	}
}

// Timer measures one operation into a histogram.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.histogram.RecordDuration(elapsed)
	return elapsed
}
