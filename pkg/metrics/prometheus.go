// Package metrics provides Prometheus metrics for the verdict scoring service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultRefreshInterval = 10 * time.Second

// latency buckets in milliseconds.
var msBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500}

// Manager owns every collector exported by the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	refreshInterval  time.Duration
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// ledger
	submissions       *prometheus.CounterVec
	submissionLatency prometheus.Histogram

	// aggregation and reports
	aggregateCache       *prometheus.CounterVec
	recomputeLatency     prometheus.Histogram
	reportCompileLatency prometheus.Histogram
	reportCompileErrors  prometheus.Counter

	// automation and integrations
	ruleEvaluations     *prometheus.CounterVec
	ruleFirings         *prometheus.CounterVec
	ruleFailures        *prometheus.CounterVec
	integrationCalls    *prometheus.CounterVec
	integrationTimeouts prometheus.Counter
	ingressEvents       *prometheus.CounterVec

	// broadcast
	broadcastPublishes  prometheus.Counter
	broadcastDrops      prometheus.Counter
	broadcastSubscribed prometheus.Gauge

	// pipeline
	queueSize        prometheus.Gauge
	queueCapacity    prometheus.Gauge
	queueUtilization prometheus.Gauge
	queueEnqueued    prometheus.Counter
	queueCoalesced   prometheus.Counter
	queueRejected    prometheus.Counter
	workerCount      prometheus.Gauge
	workerLatency    prometheus.Histogram
	workerErrors     prometheus.Counter

	storeLatency *prometheus.HistogramVec
	storeRecords *prometheus.GaugeVec

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "verdict",
		subsystem:        "core",
		histogramBuckets: msBuckets,
		enabled:          true,
		refreshInterval:  defaultRefreshInterval,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

// Enabled reports whether recording is active.
func (m *Manager) Enabled() bool { return m.enabled }

// RefreshInterval is how often gauge updaters should sample.
func (m *Manager) RefreshInterval() time.Duration { return m.refreshInterval }

func (m *Manager) name(n string) string { return m.metricPrefix + n }

func (m *Manager) counter(auto promauto.Factory, name, help string) prometheus.Counter {
	return auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) counterVec(auto promauto.Factory, name, help string, labels ...string) *prometheus.CounterVec {
	return auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help,
		ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) gauge(auto promauto.Factory, name, help string) prometheus.Gauge {
	return auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) histogram(auto promauto.Factory, name, help string) prometheus.Histogram {
	return auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help,
		ConstLabels: m.customLabels, Buckets: m.histogramBuckets,
	})
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.submissions = m.counterVec(auto, "submissions_total", "Score submissions by outcome", "outcome")
	m.submissionLatency = m.histogram(auto, "submission_latency_milliseconds", "Ledger submit latency")

	m.aggregateCache = m.counterVec(auto, "aggregate_cache_total", "Aggregate cache lookups by result", "result")
	m.recomputeLatency = m.histogram(auto, "aggregate_recompute_latency_milliseconds", "Aggregate recompute latency")
	m.reportCompileLatency = m.histogram(auto, "report_compile_latency_milliseconds", "Report compilation latency")
	m.reportCompileErrors = m.counter(auto, "report_compile_errors_total", "Failed report compilations")

	m.ruleEvaluations = m.counterVec(auto, "rule_evaluations_total", "Automation rule evaluations by trigger", "trigger")
	m.ruleFirings = m.counterVec(auto, "rule_firings_total", "Automation rule firings by action", "action")
	m.ruleFailures = m.counterVec(auto, "rule_failures_total", "Automation rule action failures by action", "action")
	m.integrationCalls = m.counterVec(auto, "integration_calls_total", "Third-party integration calls", "source", "outcome")
	m.integrationTimeouts = m.counter(auto, "integration_timeouts_total", "Integration calls that hit their timeout")
	m.ingressEvents = m.counterVec(auto, "ingress_events_total", "External automation events by outcome", "outcome")

	m.broadcastPublishes = m.counter(auto, "broadcast_publishes_total", "Snapshots published to subscribers")
	m.broadcastDrops = m.counter(auto, "broadcast_drops_total", "Snapshots dropped for slow subscribers")
	m.broadcastSubscribed = m.gauge(auto, "broadcast_subscribers", "Currently connected subscribers")

	m.queueSize = m.gauge(auto, "queue_size", "Pending recompute jobs")
	m.queueCapacity = m.gauge(auto, "queue_capacity", "Recompute queue capacity")
	m.queueUtilization = m.gauge(auto, "queue_utilization_ratio", "Recompute queue utilization (0-1)")
	m.queueEnqueued = m.counter(auto, "queue_enqueued_total", "Recompute jobs enqueued")
	m.queueCoalesced = m.counter(auto, "queue_coalesced_total", "Recompute jobs merged into a pending job")
	m.queueRejected = m.counter(auto, "queue_rejected_total", "Recompute jobs refused by a full queue")
	m.workerCount = m.gauge(auto, "worker_count", "Recompute workers")
	m.workerLatency = m.histogram(auto, "worker_latency_milliseconds", "Recompute job processing latency")
	m.workerErrors = m.counter(auto, "worker_errors_total", "Recompute jobs that failed")

	m.storeLatency = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name("store_latency_milliseconds"),
		Help: "Store operation latency", ConstLabels: m.customLabels, Buckets: m.histogramBuckets,
	}, []string{"op"})
	m.storeRecords = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name("store_records"),
		Help: "Records held by the store", ConstLabels: m.customLabels,
	}, []string{"kind"})

	m.httpRequests = m.counterVec(auto, "http_requests_total", "HTTP requests", "endpoint", "method", "status_code")
	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name("http_request_duration_seconds"),
		Help: "HTTP request duration", ConstLabels: m.customLabels, Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "method", "status_code"})

	m.systemMemoryUsage = m.gauge(auto, "system_memory_bytes", "Heap memory in use")
	m.systemGoroutineCount = m.gauge(auto, "system_goroutines", "Number of goroutines")
}

func record(fn func(m *Manager)) {
	if globalManager != nil && globalManager.enabled {
		fn(globalManager)
	}
}

// RecordSubmission counts a ledger submission with its outcome (accepted, updated, denied, ...).
func RecordSubmission(outcome string, latencyMs float64) {
	record(func(m *Manager) {
		m.submissions.WithLabelValues(outcome).Inc()
		m.submissionLatency.Observe(latencyMs)
	})
}

// RecordAggregateCache counts a cache lookup result: hit, miss or shared.
func RecordAggregateCache(result string) {
	record(func(m *Manager) { m.aggregateCache.WithLabelValues(result).Inc() })
}

// RecordRecomputeLatency observes one aggregate computation.
func RecordRecomputeLatency(latencyMs float64) {
	record(func(m *Manager) { m.recomputeLatency.Observe(latencyMs) })
}

// RecordReportCompile observes a compilation; failed compilations are also counted.
func RecordReportCompile(latencyMs float64, failed bool) {
	record(func(m *Manager) {
		m.reportCompileLatency.Observe(latencyMs)
		if failed {
			m.reportCompileErrors.Inc()
		}
	})
}

// RecordRuleEvaluation counts a rule evaluation for the given trigger type.
func RecordRuleEvaluation(trigger string) {
	record(func(m *Manager) { m.ruleEvaluations.WithLabelValues(trigger).Inc() })
}

// RecordRuleFired counts a successful rule action.
func RecordRuleFired(action string) {
	record(func(m *Manager) { m.ruleFirings.WithLabelValues(action).Inc() })
}

// RecordRuleFailure counts a failed rule action.
func RecordRuleFailure(action string) {
	record(func(m *Manager) { m.ruleFailures.WithLabelValues(action).Inc() })
}

// RecordIntegrationCall counts a call to an external system.
func RecordIntegrationCall(source, outcome string) {
	record(func(m *Manager) { m.integrationCalls.WithLabelValues(source, outcome).Inc() })
}

// RecordIntegrationTimeout counts an integration call that timed out.
func RecordIntegrationTimeout() {
	record(func(m *Manager) { m.integrationTimeouts.Inc() })
}

// RecordIngressEvent counts an external event by outcome (accepted, duplicate, rejected).
func RecordIngressEvent(outcome string) {
	record(func(m *Manager) { m.ingressEvents.WithLabelValues(outcome).Inc() })
}

// RecordBroadcastPublish counts a published snapshot and how many subscribers dropped it.
func RecordBroadcastPublish(dropped int) {
	record(func(m *Manager) {
		m.broadcastPublishes.Inc()
		m.broadcastDrops.Add(float64(dropped))
	})
}

// UpdateBroadcastSubscribers sets the connected subscriber gauge.
func UpdateBroadcastSubscribers(count int) {
	record(func(m *Manager) { m.broadcastSubscribed.Set(float64(count)) })
}

// UpdateQueueSize sets the pending job gauge and derived utilization.
func UpdateQueueSize(size, capacity int) {
	record(func(m *Manager) {
		m.queueSize.Set(float64(size))
		m.queueCapacity.Set(float64(capacity))
		if capacity > 0 {
			m.queueUtilization.Set(float64(size) / float64(capacity))
		}
	})
}

// RecordQueueEnqueue counts an enqueue; coalesced jobs merged into an already pending one.
func RecordQueueEnqueue(coalesced bool) {
	record(func(m *Manager) {
		if coalesced {
			m.queueCoalesced.Inc()
			return
		}
		m.queueEnqueued.Inc()
	})
}

// RecordQueueRejected counts a job refused because the queue was full.
func RecordQueueRejected() {
	record(func(m *Manager) { m.queueRejected.Inc() })
}

// UpdateWorkerCount sets the worker gauge.
func UpdateWorkerCount(count int) {
	record(func(m *Manager) { m.workerCount.Set(float64(count)) })
}

// RecordWorkerJob observes a processed job.
func RecordWorkerJob(latencyMs float64, failed bool) {
	record(func(m *Manager) {
		m.workerLatency.Observe(latencyMs)
		if failed {
			m.workerErrors.Inc()
		}
	})
}

// RecordStoreLatency observes a store operation.
func RecordStoreLatency(op string, latencyMs float64) {
	record(func(m *Manager) { m.storeLatency.WithLabelValues(op).Observe(latencyMs) })
}

// UpdateStoreRecords sets the number of records of a kind held by the store.
func UpdateStoreRecords(kind string, count int) {
	record(func(m *Manager) { m.storeRecords.WithLabelValues(kind).Set(float64(count)) })
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	record(func(m *Manager) { m.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc() })
}

// RecordHTTPRequestDuration records HTTP request duration in seconds.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	record(func(m *Manager) { m.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration) })
}

// UpdateSystemMemoryUsage sets the memory gauge in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	record(func(m *Manager) { m.systemMemoryUsage.Set(float64(bytes)) })
}

// UpdateSystemGoroutineCount sets the goroutine gauge.
func UpdateSystemGoroutineCount(count int) {
	record(func(m *Manager) { m.systemGoroutineCount.Set(float64(count)) })
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
