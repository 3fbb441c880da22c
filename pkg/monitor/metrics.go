package monitor

import "github.com/prometheus/client_golang/prometheus"

// metricSet holds every Prometheus collector the monitor exposes,
// registered against a dedicated, per-Monitor registry rather than the
// global prometheus.DefaultRegistry — an embedded store may have more
// than one instance running in the same process, and the default
// registry panics on a second MustRegister of the same metric name.
type metricSet struct {
	collectionSize           *prometheus.GaugeVec
	subscriptionsActive      prometheus.Gauge
	subscriptionErrors       prometheus.Counter
	notificationsDispatched  prometheus.Counter
	notificationsFailed      prometheus.Counter
	walSequence              prometheus.Gauge
	transactionsCommitted    prometheus.Counter
	transactionsAborted      prometheus.Counter
	operationLatency         *prometheus.HistogramVec
}

func newMetricSet(reg *prometheus.Registry) *metricSet {
	ms := &metricSet{
		collectionSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docstore_collection_size",
			Help: "Current record count per collection.",
		}, []string{"collection"}),
		subscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docstore_subscriptions_active",
			Help: "Currently indexed subscriptions.",
		}),
		subscriptionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docstore_subscription_errors_total",
			Help: "Per-subscription delivery or filter-evaluation errors.",
		}),
		notificationsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docstore_notifications_dispatched_total",
			Help: "Notifications handed to a Transport successfully.",
		}),
		notificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docstore_notifications_failed_total",
			Help: "Notification batches dropped after exhausting retries.",
		}),
		walSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docstore_wal_sequence",
			Help: "Highest write-ahead log sequence number appended.",
		}),
		transactionsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docstore_transactions_committed_total",
			Help: "Transactions that reached TxCommitted.",
		}),
		transactionsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docstore_transactions_aborted_total",
			Help: "Transactions rolled back, vetoed at prepare, or timed out.",
		}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docstore_operation_latency_seconds",
			Help:    "Latency of named operations (insert, commit, publish, ...).",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}

	reg.MustRegister(
		ms.collectionSize,
		ms.subscriptionsActive,
		ms.subscriptionErrors,
		ms.notificationsDispatched,
		ms.notificationsFailed,
		ms.walSequence,
		ms.transactionsCommitted,
		ms.transactionsAborted,
		ms.operationLatency,
	)
	return ms
}
