// Package dispatch implements the notification dispatcher (C12):
// per-connection priority delivery and batching, timed flush, and
// bounded linear-backoff retry with no dead-letter store.
package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/docstore/pkg/subscription"
)

// Transport delivers one ordered batch of notifications to a
// connection. Implementations own the wire protocol (websocket, SSE,
// whatever the host process speaks); this package never frames a
// message itself.
type Transport interface {
	Send(connectionID string, batch []subscription.Notification) error
}

// Config paces batching and retry.
type Config struct {
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
}

type connState struct {
	mu        sync.Mutex
	pending   []subscription.Notification
	lastFlush time.Time
}

// Dispatcher is the notification dispatcher (C12). It satisfies
// pkg/subscription's Dispatcher interface.
type Dispatcher struct {
	cfg       Config
	transport Transport
	log       zerolog.Logger

	mu    sync.Mutex
	conns map[string]*connState

	running bool
	stopCh  chan struct{}

	deliveryFailures int64
}

// New constructs a Dispatcher. Call Start to begin the timed-flush loop.
func New(cfg Config, transport Transport, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		transport: transport,
		log:       log,
		conns:     make(map[string]*connState),
	}
}

// Start launches the background flush-on-age loop.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	go d.run(d.stopCh)
}

// Stop halts the flush loop after flushing every pending batch
// (spec §4.5 C12: batches flush on "explicit flush on shutdown").
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()
	d.flushAll()
}

func (d *Dispatcher) run(stop chan struct{}) {
	interval := d.cfg.BatchTimeout / 4
	if interval <= 0 {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.flushDue()
		case <-stop:
			return
		}
	}
}

// Enqueue is the subscription.Dispatcher entry point. High-priority
// notifications bypass batching and are sent (with retry) immediately;
// normal-priority notifications join the connection's pending batch,
// flushing it in place once it reaches cfg.BatchSize.
func (d *Dispatcher) Enqueue(connectionID string, n subscription.Notification) error {
	if n.Priority == subscription.PriorityHigh {
		return d.sendWithRetry(connectionID, []subscription.Notification{n})
	}

	cs := d.connFor(connectionID)
	cs.mu.Lock()
	cs.pending = append(cs.pending, n)
	var batch []subscription.Notification
	if d.cfg.BatchSize > 0 && len(cs.pending) >= d.cfg.BatchSize {
		batch = cs.pending
		cs.pending = nil
		cs.lastFlush = time.Now()
	}
	cs.mu.Unlock()

	if batch == nil {
		return nil
	}
	return d.sendWithRetry(connectionID, batch)
}

func (d *Dispatcher) connFor(connectionID string) *connState {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs, ok := d.conns[connectionID]
	if !ok {
		cs = &connState{lastFlush: time.Now()}
		d.conns[connectionID] = cs
	}
	return cs
}

// Forget drops a connection's dispatcher-side state, discarding any
// still-pending (undelivered) batch. Callers wire this to connection
// close so a dead connection's buffer doesn't leak.
func (d *Dispatcher) Forget(connectionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conns, connectionID)
}

func (d *Dispatcher) flushDue() {
	now := time.Now()
	d.mu.Lock()
	ids := make([]string, 0, len(d.conns))
	for id := range d.conns {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		cs := d.connFor(id)
		cs.mu.Lock()
		var batch []subscription.Notification
		if len(cs.pending) > 0 && now.Sub(cs.lastFlush) >= d.cfg.BatchTimeout {
			batch = cs.pending
			cs.pending = nil
			cs.lastFlush = now
		}
		cs.mu.Unlock()
		if batch == nil {
			continue
		}
		if err := d.sendWithRetry(id, batch); err != nil {
			d.log.Warn().Err(err).Str("connection_id", id).Msg("batch flush failed after retries")
		}
	}
}

func (d *Dispatcher) flushAll() {
	d.mu.Lock()
	ids := make([]string, 0, len(d.conns))
	for id := range d.conns {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		cs := d.connFor(id)
		cs.mu.Lock()
		batch := cs.pending
		cs.pending = nil
		cs.mu.Unlock()
		if len(batch) == 0 {
			continue
		}
		if err := d.sendWithRetry(id, batch); err != nil {
			d.log.Warn().Err(err).Str("connection_id", id).Msg("shutdown flush failed after retries")
		}
	}
}

// sendWithRetry sends batch, retrying up to cfg.MaxRetries times with
// linear backoff (cfg.RetryDelay * attempt). A batch that still fails
// after every retry is counted as a delivery failure and dropped; the
// spec names no dead-letter store.
func (d *Dispatcher) sendWithRetry(connectionID string, batch []subscription.Notification) error {
	var err error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		err = d.transport.Send(connectionID, batch)
		if err == nil {
			return nil
		}
		if attempt < d.cfg.MaxRetries && d.cfg.RetryDelay > 0 {
			time.Sleep(d.cfg.RetryDelay * time.Duration(attempt+1))
		}
	}
	atomic.AddInt64(&d.deliveryFailures, 1)
	d.log.Error().Err(err).Str("connection_id", connectionID).Int("batch_size", len(batch)).
		Msg("notification delivery failed after retries; dropping batch")
	return err
}

// DeliveryFailures returns the count of batches dropped after
// exhausting retries.
func (d *Dispatcher) DeliveryFailures() int64 {
	return atomic.LoadInt64(&d.deliveryFailures)
}

// PendingCount reports how many notifications are buffered for
// connectionID awaiting the next flush.
func (d *Dispatcher) PendingCount(connectionID string) int {
	d.mu.Lock()
	cs, ok := d.conns[connectionID]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.pending)
}
