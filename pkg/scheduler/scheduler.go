package scheduler

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/docstore/pkg/log"
	"github.com/cuemby/docstore/pkg/monitor"
	"github.com/cuemby/docstore/pkg/txn"
)

// Checkpointer periodically checks whether the transaction manager's WAL
// has accumulated enough entries to warrant a checkpoint, and if so,
// snapshots every participant and truncates the WAL prefix the
// checkpoint makes redundant.
type Checkpointer struct {
	mgr      *txn.Manager
	registry *txn.CheckpointRegistry
	interval time.Duration
	mon      *monitor.Monitor
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// New constructs a Checkpointer. registry may be nil if checkpoint
// provenance doesn't need to be recorded (e.g. in tests). mon may be nil.
func New(mgr *txn.Manager, registry *txn.CheckpointRegistry, interval time.Duration, mon *monitor.Monitor) *Checkpointer {
	return &Checkpointer{
		mgr:      mgr,
		registry: registry,
		interval: interval,
		mon:      mon,
		logger:   log.WithComponent("checkpointer"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the checkpoint loop.
func (c *Checkpointer) Start() {
	go c.run()
}

// Stop stops the checkpoint loop.
func (c *Checkpointer) Stop() {
	close(c.stopCh)
}

func (c *Checkpointer) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.cycle(); err != nil {
				c.logger.Error().Err(err).Msg("checkpoint cycle failed")
			}
		case <-c.stopCh:
			return
		}
	}
}

// cycle runs one checkpoint-and-truncate pass if the WAL says it's due.
// RunOnce exposes it to tests and tooling that drive a cycle without
// waiting on the ticker.
func (c *Checkpointer) cycle() error {
	if !c.mgr.ShouldCheckpoint() {
		return nil
	}

	started := time.Now()
	watermark := c.mgr.LastSequence()

	id, err := c.mgr.CreateCheckpoint(c.registry)
	if err != nil {
		return err
	}

	if err := c.mgr.TruncateAfterCheckpoint(watermark); err != nil {
		c.logger.Error().Err(err).Str("checkpoint_id", id).Msg("checkpoint created but truncation failed")
		return err
	}

	if c.mon != nil {
		c.mon.ObserveLatency("checkpoint", time.Since(started))
		c.mon.SetWALSequence(watermark)
	}

	c.logger.Info().
		Str("checkpoint_id", id).
		Uint64("watermark", watermark).
		Dur("took", time.Since(started)).
		Msg("checkpoint complete")
	return nil
}

// RunOnce runs a single checkpoint cycle immediately, regardless of the
// ticker schedule. Used by administrative tooling (e.g. a "checkpoint
// now" CLI command) and by tests.
func (c *Checkpointer) RunOnce() error {
	return c.cycle()
}
