package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records metadata cache reads.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records metadata cache writes.
	CacheOperationStore CacheOperation = "store"
	// CacheOperationDelete records explicit removals.
	CacheOperationDelete CacheOperation = "delete"
	// CacheOperationClear records namespace-wide clears.
	CacheOperationClear CacheOperation = "clear"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the lookup returned a live entry.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no live entry was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupError indicates the lookup failed and was treated as a miss.
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache write.
type CacheStoreOutcome string

const (
	// CacheStoreStored indicates the entry was persisted.
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreError indicates the write failed and was swallowed.
	CacheStoreError CacheStoreOutcome = "error"
)

// Recorder publishes Prometheus metrics for extraction traffic.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	extractRequests *prometheus.CounterVec
	extractLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	rateLimitDecisions *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	extractRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wishmeta",
		Subsystem: "extract",
		Name:      "requests_total",
		Help:      "Metadata extraction requests handled, by method and outcome.",
	}, []string{"method", "outcome", "code", "cached"})

	extractLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wishmeta",
		Subsystem: "extract",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed metadata requests.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method", "outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wishmeta",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Metadata cache operations executed.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wishmeta",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for metadata cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	rateLimitDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wishmeta",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limiter admission decisions.",
	}, []string{"decision"})

	reg.MustRegister(extractRequests, extractLatency, cacheOperations, cacheLatency, rateLimitDecisions)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:           reg,
		handler:            handler,
		extractRequests:    extractRequests,
		extractLatency:     extractLatency,
		cacheOperations:    cacheOperations,
		cacheLatency:       cacheLatency,
		rateLimitDecisions: rateLimitDecisions,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveExtract records the outcome and latency of a completed metadata request.
// code is the error code for failures and empty on success.
func (r *Recorder) ObserveExtract(method, outcome, code string, cached bool, duration time.Duration) {
	if r == nil {
		return
	}
	methodLabel := normalizeLabel(method)
	outcomeLabel := normalizeLabel(outcome)
	codeLabel := strings.TrimSpace(code)
	if codeLabel == "" {
		codeLabel = "none"
	}
	cacheLabel := "false"
	if cached {
		cacheLabel = "true"
	}
	r.extractRequests.WithLabelValues(methodLabel, outcomeLabel, codeLabel, cacheLabel).Inc()
	r.extractLatency.WithLabelValues(methodLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a cache write.
func (r *Recorder) ObserveCacheStore(result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(CacheOperationStore, resultLabel, duration)
}

// ObserveCacheMaintenance records delete and clear calls. ok reports whether
// the backing store accepted the operation.
func (r *Recorder) ObserveCacheMaintenance(operation CacheOperation, ok bool, duration time.Duration) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	r.observeCache(operation, result, duration)
}

// ObserveRateLimit counts a single admission decision.
func (r *Recorder) ObserveRateLimit(allowed bool) {
	if r == nil {
		return
	}
	decision := "rejected"
	if allowed {
		decision = "allowed"
	}
	r.rateLimitDecisions.WithLabelValues(decision).Inc()
}

func (r *Recorder) observeCache(operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
