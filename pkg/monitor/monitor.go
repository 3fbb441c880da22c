// Package monitor implements the performance monitor (C13): Prometheus
// counters and gauges for cross-cutting operational state, an
// exponentially-weighted moving average per named operation for quick
// latency trending, and Health/Readiness/Stats views for an embedding
// host to expose however it serves HTTP.
package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Monitor is the performance monitor (C13). Every counter method is
// safe for concurrent use; a single Monitor is meant to be shared
// across the collection engine, transaction manager, subscription
// engine, and dispatcher of one docstore instance.
type Monitor struct {
	startTime time.Time
	log       zerolog.Logger

	reg     *prometheus.Registry
	metrics *metricSet

	mu              sync.RWMutex
	components      map[string]ComponentHealth
	collectionSizes map[string]int64
	latencies       map[string]ewma.MovingAverage

	subscriptionsActive     atomic.Int64
	subscriptionErrors      atomic.Int64
	notificationsDispatched atomic.Int64
	notificationsFailed     atomic.Int64
	walSequence             atomic.Uint64
	transactionsCommitted   atomic.Int64
	transactionsAborted     atomic.Int64
}

// New constructs a Monitor with its own Prometheus registry.
func New(log zerolog.Logger) *Monitor {
	reg := prometheus.NewRegistry()
	return &Monitor{
		startTime:       time.Now(),
		log:             log,
		reg:             reg,
		metrics:         newMetricSet(reg),
		components:      make(map[string]ComponentHealth),
		collectionSizes: make(map[string]int64),
		latencies:       make(map[string]ewma.MovingAverage),
	}
}

// SetCollectionSize records collection's current record count.
func (m *Monitor) SetCollectionSize(collection string, size int64) {
	m.mu.Lock()
	m.collectionSizes[collection] = size
	m.mu.Unlock()
	m.metrics.collectionSize.WithLabelValues(collection).Set(float64(size))
}

// SetSubscriptionsActive records the current subscription count.
func (m *Monitor) SetSubscriptionsActive(n int64) {
	m.subscriptionsActive.Store(n)
	m.metrics.subscriptionsActive.Set(float64(n))
}

// IncSubscriptionErrors counts one subscription delivery or
// filter-evaluation error.
func (m *Monitor) IncSubscriptionErrors() {
	m.subscriptionErrors.Add(1)
	m.metrics.subscriptionErrors.Inc()
}

// IncNotificationsDispatched counts n notifications successfully handed
// to a Transport.
func (m *Monitor) IncNotificationsDispatched(n int64) {
	m.notificationsDispatched.Add(n)
	m.metrics.notificationsDispatched.Add(float64(n))
}

// IncNotificationsFailed counts one batch dropped after exhausting retries.
func (m *Monitor) IncNotificationsFailed() {
	m.notificationsFailed.Add(1)
	m.metrics.notificationsFailed.Inc()
}

// SetWALSequence records the highest WAL sequence number appended.
func (m *Monitor) SetWALSequence(seq uint64) {
	m.walSequence.Store(seq)
	m.metrics.walSequence.Set(float64(seq))
}

// IncTransactionsCommitted counts one transaction reaching TxCommitted.
func (m *Monitor) IncTransactionsCommitted() {
	m.transactionsCommitted.Add(1)
	m.metrics.transactionsCommitted.Inc()
}

// IncTransactionsAborted counts one transaction rolled back, vetoed at
// prepare, or timed out.
func (m *Monitor) IncTransactionsAborted() {
	m.transactionsAborted.Add(1)
	m.metrics.transactionsAborted.Inc()
}

// ObserveLatency records a latency sample for a named operation, both
// into the Prometheus histogram (for percentile queries) and into a
// per-operation EWMA (for a cheap, always-current trend reading via
// AverageLatencyMs without a Prometheus query engine).
func (m *Monitor) ObserveLatency(op string, d time.Duration) {
	m.metrics.operationLatency.WithLabelValues(op).Observe(d.Seconds())

	ms := float64(d.Microseconds()) / 1000.0
	m.mu.Lock()
	avg, ok := m.latencies[op]
	if !ok {
		avg = ewma.NewMovingAverage()
		m.latencies[op] = avg
	}
	avg.Add(ms)
	m.mu.Unlock()
}

// AverageLatencyMs returns the current EWMA latency trend for op, in
// milliseconds. Zero if op has no samples yet.
func (m *Monitor) AverageLatencyMs(op string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	avg, ok := m.latencies[op]
	if !ok {
		return 0
	}
	return avg.Value()
}

// Stats is a point-in-time snapshot of every counter this monitor
// tracks, suitable for a JSON status endpoint.
type Stats struct {
	Uptime                  time.Duration      `json:"uptime"`
	Collections             map[string]int64   `json:"collections"`
	SubscriptionsActive     int64              `json:"subscriptions_active"`
	SubscriptionErrors      int64              `json:"subscription_errors"`
	NotificationsDispatched int64              `json:"notifications_dispatched"`
	NotificationsFailed     int64              `json:"notifications_failed"`
	WALSequence             uint64             `json:"wal_sequence"`
	TransactionsCommitted   int64              `json:"transactions_committed"`
	TransactionsAborted     int64              `json:"transactions_aborted"`
	LatenciesMs             map[string]float64 `json:"latencies_ms"`
}

// Stats snapshots every tracked counter and latency trend.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	collections := make(map[string]int64, len(m.collectionSizes))
	for k, v := range m.collectionSizes {
		collections[k] = v
	}
	latencies := make(map[string]float64, len(m.latencies))
	for k, v := range m.latencies {
		latencies[k] = v.Value()
	}

	return Stats{
		Uptime:                  time.Since(m.startTime),
		Collections:             collections,
		SubscriptionsActive:     m.subscriptionsActive.Load(),
		SubscriptionErrors:      m.subscriptionErrors.Load(),
		NotificationsDispatched: m.notificationsDispatched.Load(),
		NotificationsFailed:     m.notificationsFailed.Load(),
		WALSequence:             m.walSequence.Load(),
		TransactionsCommitted:   m.transactionsCommitted.Load(),
		TransactionsAborted:     m.transactionsAborted.Load(),
		LatenciesMs:             latencies,
	}
}

// StatsHandler serves Stats as JSON.
func (m *Monitor) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Stats())
	}
}

// MetricsHandler serves the Prometheus text exposition format over
// this Monitor's own registry.
func (m *Monitor) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
