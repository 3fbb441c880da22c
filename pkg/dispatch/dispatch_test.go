package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docstore/pkg/subscription"
)

type recordingTransport struct {
	mu      sync.Mutex
	batches map[string][][]subscription.Notification
	failN   int
	calls   int
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{batches: make(map[string][][]subscription.Notification)}
}

func (r *recordingTransport) Send(connID string, batch []subscription.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failN > 0 {
		r.failN--
		return assert.AnError
	}
	r.batches[connID] = append(r.batches[connID], batch)
	return nil
}

func (r *recordingTransport) deliveredCount(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches[connID] {
		n += len(b)
	}
	return n
}

func notif(id string) subscription.Notification {
	return subscription.Notification{SubscriptionID: id, Priority: subscription.PriorityNormal}
}

func TestEnqueueFlushesOnBatchSize(t *testing.T) {
	tr := newRecordingTransport()
	d := New(Config{BatchSize: 2, BatchTimeout: time.Hour}, tr, zerolog.Nop())

	require.NoError(t, d.Enqueue("c1", notif("s1")))
	assert.Equal(t, 0, tr.deliveredCount("c1"))
	require.NoError(t, d.Enqueue("c1", notif("s2")))
	assert.Equal(t, 2, tr.deliveredCount("c1"))
}

func TestEnqueueHighPrioritySendsImmediately(t *testing.T) {
	tr := newRecordingTransport()
	d := New(Config{BatchSize: 10, BatchTimeout: time.Hour}, tr, zerolog.Nop())

	n := notif("s1")
	n.Priority = subscription.PriorityHigh
	require.NoError(t, d.Enqueue("c1", n))
	assert.Equal(t, 1, tr.deliveredCount("c1"))
}

func TestFlushDueOnBatchAge(t *testing.T) {
	tr := newRecordingTransport()
	d := New(Config{BatchSize: 100, BatchTimeout: 15 * time.Millisecond}, tr, zerolog.Nop())
	d.Start()
	defer d.Stop()

	require.NoError(t, d.Enqueue("c1", notif("s1")))
	require.Eventually(t, func() bool {
		return tr.deliveredCount("c1") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStopFlushesPendingBatches(t *testing.T) {
	tr := newRecordingTransport()
	d := New(Config{BatchSize: 100, BatchTimeout: time.Hour}, tr, zerolog.Nop())
	d.Start()

	require.NoError(t, d.Enqueue("c1", notif("s1")))
	assert.Equal(t, 0, tr.deliveredCount("c1"))
	d.Stop()
	assert.Equal(t, 1, tr.deliveredCount("c1"))
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	tr := newRecordingTransport()
	tr.failN = 1
	d := New(Config{BatchSize: 1, BatchTimeout: time.Hour, MaxRetries: 2, RetryDelay: time.Millisecond}, tr, zerolog.Nop())

	require.NoError(t, d.Enqueue("c1", notif("s1")))
	assert.Equal(t, 1, tr.deliveredCount("c1"))
	assert.Equal(t, int64(0), d.DeliveryFailures())
}

func TestRetryExhaustionDropsBatchAndRecordsFailure(t *testing.T) {
	tr := newRecordingTransport()
	tr.failN = 100
	d := New(Config{BatchSize: 1, BatchTimeout: time.Hour, MaxRetries: 2, RetryDelay: time.Millisecond}, tr, zerolog.Nop())

	err := d.Enqueue("c1", notif("s1"))
	require.Error(t, err)
	assert.Equal(t, int64(1), d.DeliveryFailures())
	assert.Equal(t, 3, tr.calls)
}

func TestPendingCountReflectsBufferedNotifications(t *testing.T) {
	tr := newRecordingTransport()
	d := New(Config{BatchSize: 100, BatchTimeout: time.Hour}, tr, zerolog.Nop())

	require.NoError(t, d.Enqueue("c1", notif("s1")))
	require.NoError(t, d.Enqueue("c1", notif("s2")))
	assert.Equal(t, 2, d.PendingCount("c1"))
}

func TestForgetDropsConnectionState(t *testing.T) {
	tr := newRecordingTransport()
	d := New(Config{BatchSize: 100, BatchTimeout: time.Hour}, tr, zerolog.Nop())

	require.NoError(t, d.Enqueue("c1", notif("s1")))
	d.Forget("c1")
	assert.Equal(t, 0, d.PendingCount("c1"))
}
