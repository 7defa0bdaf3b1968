// Package metrics aggregates in-process counters and rolling latency
// samples into a point-in-time snapshot, and exposes the same counters
// through a Prometheus registry for scraping.
package metrics

import (
	"math"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	maxArkoseSamples  = 100
	maxRequestSamples = 1000
)

// Metrics is the process-wide metrics aggregator.
// All counters are mutated under a single mutex; critical sections are
// O(1) except the bounded-sample trims, which are O(cap).
type Metrics struct {
	mu sync.Mutex

	cacheHits       uint64
	cacheMisses     uint64
	wafBlocks       uint64
	arkoseSolves    uint64
	totalRequests   uint64
	failedRequests  uint64
	arkoseSolveTime []float64 // milliseconds, FIFO-capped at maxArkoseSamples
	requestDuration []float64 // milliseconds, FIFO-capped at maxRequestSamples

	reg             *prometheus.Registry
	promCacheHits   prometheus.Counter
	promCacheMisses prometheus.Counter
	promWAFBlocks   prometheus.Counter
	promArkose      prometheus.Counter
	promTotal       prometheus.Counter
	promFailed      prometheus.Counter
	promLatency     prometheus.Histogram
}

// New creates an empty Metrics aggregator with its own Prometheus registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
	}

	m.promCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "llmrouter_cache_hits_total",
		Help: "Number of response cache hits.",
	})
	m.promCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "llmrouter_cache_misses_total",
		Help: "Number of response cache misses.",
	})
	m.promWAFBlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "llmrouter_waf_blocks_total",
		Help: "Number of requests rejected by an upstream WAF (HTTP 403 from the OpenAI backend).",
	})
	m.promArkose = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "llmrouter_arkose_solves_total",
		Help: "Number of Arkose anti-bot tokens solved via the harvester.",
	})
	m.promTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "llmrouter_requests_total",
		Help: "Total chat completion requests handled.",
	})
	m.promFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "llmrouter_requests_failed_total",
		Help: "Total chat completion requests that failed.",
	})
	m.promLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "llmrouter_request_duration_ms",
		Help:    "Request duration in milliseconds.",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	})

	m.reg.MustRegister(
		m.promCacheHits, m.promCacheMisses, m.promWAFBlocks,
		m.promArkose, m.promTotal, m.promFailed, m.promLatency,
	)

	return m
}

// Registry returns the Prometheus registry backing /metrics/prometheus.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// RecordCacheHit records a response-cache hit.
func (m *Metrics) RecordCacheHit() {
	m.mu.Lock()
	m.cacheHits++
	m.mu.Unlock()
	m.promCacheHits.Inc()
}

// RecordCacheMiss records a response-cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.mu.Lock()
	m.cacheMisses++
	m.mu.Unlock()
	m.promCacheMisses.Inc()
}

// RecordWAFBlock records an upstream WAF rejection (HTTP 403 from the
// OpenAI backend). Callers invoke this fire-and-forget — it never blocks
// the error path that triggered it.
func (m *Metrics) RecordWAFBlock() {
	m.mu.Lock()
	m.wafBlocks++
	m.mu.Unlock()
	m.promWAFBlocks.Inc()
}

// RecordArkoseSolve records one Arkose token solve and its duration.
func (m *Metrics) RecordArkoseSolve(durationMS float64) {
	m.mu.Lock()
	m.arkoseSolves++
	m.arkoseSolveTime = pushCapped(m.arkoseSolveTime, durationMS, maxArkoseSamples)
	m.mu.Unlock()
	m.promArkose.Inc()
}

// RecordRequest records the completion of one request, success or not.
func (m *Metrics) RecordRequest(success bool) {
	m.mu.Lock()
	m.totalRequests++
	if !success {
		m.failedRequests++
	}
	m.mu.Unlock()

	m.promTotal.Inc()
	if !success {
		m.promFailed.Inc()
	}
}

// RecordRequestDuration records one request's total duration.
func (m *Metrics) RecordRequestDuration(durationMS float64) {
	m.mu.Lock()
	m.requestDuration = pushCapped(m.requestDuration, durationMS, maxRequestSamples)
	m.mu.Unlock()
	m.promLatency.Observe(durationMS)
}

// pushCapped appends v to samples, dropping the oldest entry (FIFO) once
// the slice would exceed cap. It is a plain helper, not a method, so it
// can be unit tested without constructing a Metrics.
func pushCapped(samples []float64, v float64, cap int) []float64 {
	samples = append(samples, v)
	if len(samples) > cap {
		samples = samples[len(samples)-cap:]
	}
	return samples
}

// Snapshot is the point-in-time metrics view served at GET /metrics.
type Snapshot struct {
	CacheHits            uint64  `json:"cache_hits"`
	CacheMisses          uint64  `json:"cache_misses"`
	CacheHitRate         float64 `json:"cache_hit_rate"`
	WAFBlocks            uint64  `json:"waf_blocks"`
	WAFBlockRate         float64 `json:"waf_block_rate"`
	ArkoseSolves         uint64  `json:"arkose_solves"`
	AvgArkoseSolveTimeMS float64 `json:"avg_arkose_solve_time_ms"`
	TotalRequests        uint64  `json:"total_requests"`
	FailedRequests       uint64  `json:"failed_requests"`
	SuccessRate          float64 `json:"success_rate"`
	AvgLatencyMS         float64 `json:"avg_latency_ms"`
	P50LatencyMS         float64 `json:"p50_latency_ms"`
	P95LatencyMS         float64 `json:"p95_latency_ms"`
	P99LatencyMS         float64 `json:"p99_latency_ms"`
}

// Snapshot computes the current Snapshot from a sorted copy of the
// bounded samples. Percentile index = ceil((n-1)*p/100), clamped to n-1.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	cacheHits := m.cacheHits
	cacheMisses := m.cacheMisses
	wafBlocks := m.wafBlocks
	arkoseSolves := m.arkoseSolves
	totalRequests := m.totalRequests
	failedRequests := m.failedRequests
	arkoseTimes := append([]float64(nil), m.arkoseSolveTime...)
	durations := append([]float64(nil), m.requestDuration...)
	m.mu.Unlock()

	totalCache := cacheHits + cacheMisses
	cacheHitRate := 0.0
	if totalCache > 0 {
		cacheHitRate = 100 * float64(cacheHits) / float64(totalCache)
	}

	wafBlockRate := 0.0
	successRate := 100.0
	if totalRequests > 0 {
		wafBlockRate = 100 * float64(wafBlocks) / float64(totalRequests)
		successRate = 100 * float64(totalRequests-failedRequests) / float64(totalRequests)
	}

	avgArkose := mean(arkoseTimes)

	sorted := append([]float64(nil), durations...)
	sort.Float64s(sorted)

	return Snapshot{
		CacheHits:            cacheHits,
		CacheMisses:          cacheMisses,
		CacheHitRate:         cacheHitRate,
		WAFBlocks:            wafBlocks,
		WAFBlockRate:         wafBlockRate,
		ArkoseSolves:         arkoseSolves,
		AvgArkoseSolveTimeMS: avgArkose,
		TotalRequests:        totalRequests,
		FailedRequests:       failedRequests,
		SuccessRate:          successRate,
		AvgLatencyMS:         mean(sorted),
		P50LatencyMS:         percentile(sorted, 50),
		P95LatencyMS:         percentile(sorted, 95),
		P99LatencyMS:         percentile(sorted, 99),
	}
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

// percentile returns the p-th percentile of a slice already sorted
// ascending, using index = ceil((n-1)*p/100) clamped to n-1.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(n-1) * p / 100))
	if idx > n-1 {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
