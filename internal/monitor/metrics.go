package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks overall engine performance.
type SystemMetrics struct {
	// Latency histograms
	ExchangeLatency *LatencyHistogram
	CommandLatency  *LatencyHistogram
	DBLatency       *LatencyHistogram
	APILatency      *LatencyHistogram

	// Counters
	commandsProcessed uint64
	ticksProcessed    uint64
	tpslTriggered     uint64
	exchangeErrors    uint64
	cacheHits         uint64
	cacheRefreshes    uint64
	cacheErrors       uint64
	errorsCount       uint64
	apiRequests       uint64
	apiErrors         uint64
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		ExchangeLatency: NewLatencyHistogram(1000),
		CommandLatency:  NewLatencyHistogram(1000),
		DBLatency:       NewLatencyHistogram(1000),
		APILatency:      NewLatencyHistogram(1000),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
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

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// ObserveExchange records one exchange call. Safe on a nil receiver.
func (m *SystemMetrics) ObserveExchange(start time.Time, err error) {
	if m == nil {
		return
	}
	m.ExchangeLatency.RecordDuration(time.Since(start))
	if err != nil {
		atomic.AddUint64(&m.exchangeErrors, 1)
	}
}

// ObserveCommand records one finished async command. Safe on a nil receiver.
func (m *SystemMetrics) ObserveCommand(latency time.Duration, success bool) {
	if m == nil {
		return
	}
	m.CommandLatency.RecordDuration(latency)
	atomic.AddUint64(&m.commandsProcessed, 1)
	if !success {
		atomic.AddUint64(&m.errorsCount, 1)
	}
}

// CacheHit counts a read served from a fresh snapshot. Safe on a nil receiver.
func (m *SystemMetrics) CacheHit() {
	if m != nil {
		atomic.AddUint64(&m.cacheHits, 1)
	}
}

// CacheRefresh counts a snapshot fetch and whether it failed. Safe on a nil receiver.
func (m *SystemMetrics) CacheRefresh(err error) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.cacheRefreshes, 1)
	if err != nil {
		atomic.AddUint64(&m.cacheErrors, 1)
	}
}

// IncrementTicks increments processed ticks counter.
func (m *SystemMetrics) IncrementTicks() {
	if m != nil {
		atomic.AddUint64(&m.ticksProcessed, 1)
	}
}

// AddTPSLTriggered counts positions closed by TP/SL checks.
func (m *SystemMetrics) AddTPSLTriggered(n int) {
	if m != nil {
		atomic.AddUint64(&m.tpslTriggered, uint64(n))
	}
}

// IncrementErrors increments error counter.
func (m *SystemMetrics) IncrementErrors() {
	if m != nil {
		atomic.AddUint64(&m.errorsCount, 1)
	}
}

// ObserveAPI records one HTTP request. Safe on a nil receiver.
func (m *SystemMetrics) ObserveAPI(latency time.Duration, status int) {
	if m == nil {
		return
	}
	m.APILatency.RecordDuration(latency)
	atomic.AddUint64(&m.apiRequests, 1)
	if status >= 400 {
		atomic.AddUint64(&m.apiErrors, 1)
	}
}

// ObserveDB records one database write batch. Safe on a nil receiver.
func (m *SystemMetrics) ObserveDB(start time.Time) {
	if m != nil {
		m.DBLatency.RecordDuration(time.Since(start))
	}
}

// MetricsSnapshot is a point-in-time copy of all metrics.
type MetricsSnapshot struct {
	ExchangeLatency   LatencyStats `json:"exchange_latency"`
	CommandLatency    LatencyStats `json:"command_latency"`
	DBLatency         LatencyStats `json:"db_latency"`
	APILatency        LatencyStats `json:"api_latency"`
	CommandsProcessed uint64       `json:"commands_processed"`
	TicksProcessed    uint64       `json:"ticks_processed"`
	TPSLTriggered     uint64       `json:"tpsl_triggered"`
	ExchangeErrors    uint64       `json:"exchange_errors"`
	CacheHits         uint64       `json:"cache_hits"`
	CacheRefreshes    uint64       `json:"cache_refreshes"`
	CacheErrors       uint64       `json:"cache_errors"`
	ErrorsCount       uint64       `json:"errors_count"`
	APIRequests       uint64       `json:"api_requests"`
	APIErrors         uint64       `json:"api_errors"`
	GoroutineCount    int          `json:"goroutine_count"`
	HeapAlloc         uint64       `json:"heap_alloc_bytes"`
	HeapSys           uint64       `json:"heap_sys_bytes"`
	Timestamp         time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		ExchangeLatency:   m.ExchangeLatency.Stats(),
		CommandLatency:    m.CommandLatency.Stats(),
		DBLatency:         m.DBLatency.Stats(),
		APILatency:        m.APILatency.Stats(),
		CommandsProcessed: atomic.LoadUint64(&m.commandsProcessed),
		TicksProcessed:    atomic.LoadUint64(&m.ticksProcessed),
		TPSLTriggered:     atomic.LoadUint64(&m.tpslTriggered),
		ExchangeErrors:    atomic.LoadUint64(&m.exchangeErrors),
		CacheHits:         atomic.LoadUint64(&m.cacheHits),
		CacheRefreshes:    atomic.LoadUint64(&m.cacheRefreshes),
		CacheErrors:       atomic.LoadUint64(&m.cacheErrors),
		ErrorsCount:       atomic.LoadUint64(&m.errorsCount),
		APIRequests:       atomic.LoadUint64(&m.apiRequests),
		APIErrors:         atomic.LoadUint64(&m.apiErrors),
		GoroutineCount:    runtime.NumGoroutine(),
		HeapAlloc:         memStats.HeapAlloc,
		HeapSys:           memStats.HeapSys,
		Timestamp:         time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
