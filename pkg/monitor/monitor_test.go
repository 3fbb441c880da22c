package monitor

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthReportsUnhealthyWhenAComponentIsUnhealthy(t *testing.T) {
	m := New(zerolog.Nop())
	m.RegisterComponent("wal", true, "")
	m.RegisterComponent("txn", false, "recovery in progress")

	h := m.Health()
	assert.Equal(t, "unhealthy", h.Status)
	assert.Contains(t, h.Components["txn"], "recovery in progress")
}

func TestReadinessNotReadyUntilCriticalComponentsRegistered(t *testing.T) {
	m := New(zerolog.Nop())
	r := m.Readiness([]string{"wal", "txn"})
	assert.Equal(t, "not_ready", r.Status)

	m.RegisterComponent("wal", true, "")
	m.RegisterComponent("txn", true, "")
	r = m.Readiness([]string{"wal", "txn"})
	assert.Equal(t, "ready", r.Status)
}

func TestHealthHandlerSetsServiceUnavailableWhenUnhealthy(t *testing.T) {
	m := New(zerolog.Nop())
	m.RegisterComponent("wal", false, "disk full")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	m.HealthHandler()(rec, req)
	assert.Equal(t, 503, rec.Code)
}

func TestObserveLatencyTracksMovingAverage(t *testing.T) {
	m := New(zerolog.Nop())
	m.ObserveLatency("commit", 10*time.Millisecond)
	m.ObserveLatency("commit", 20*time.Millisecond)

	avg := m.AverageLatencyMs("commit")
	assert.Greater(t, avg, 0.0)
}

func TestAverageLatencyMsZeroForUnknownOp(t *testing.T) {
	m := New(zerolog.Nop())
	assert.Equal(t, 0.0, m.AverageLatencyMs("never-observed"))
}

func TestStatsSnapshotsCountersAndCollections(t *testing.T) {
	m := New(zerolog.Nop())
	m.SetCollectionSize("people", 42)
	m.SetSubscriptionsActive(3)
	m.IncNotificationsDispatched(5)
	m.IncNotificationsFailed()
	m.SetWALSequence(99)
	m.IncTransactionsCommitted()
	m.IncTransactionsAborted()

	stats := m.Stats()
	assert.Equal(t, int64(42), stats.Collections["people"])
	assert.Equal(t, int64(3), stats.SubscriptionsActive)
	assert.Equal(t, int64(5), stats.NotificationsDispatched)
	assert.Equal(t, int64(1), stats.NotificationsFailed)
	assert.Equal(t, uint64(99), stats.WALSequence)
	assert.Equal(t, int64(1), stats.TransactionsCommitted)
	assert.Equal(t, int64(1), stats.TransactionsAborted)
}

func TestMetricsHandlerServesPrometheusText(t *testing.T) {
	m := New(zerolog.Nop())
	m.SetWALSequence(7)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.MetricsHandler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "docstore_wal_sequence")
}

func TestTwoMonitorsDoNotCollideOnTheDefaultRegistry(t *testing.T) {
	require.NotPanics(t, func() {
		New(zerolog.Nop())
		New(zerolog.Nop())
	})
}
