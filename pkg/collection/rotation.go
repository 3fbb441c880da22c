package collection

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cuemby/docstore/pkg/dberr"
)

// ActiveChecker reports how many in-flight transactions have touched a
// named collection. Narrow and optional so pkg/collection never depends
// on pkg/txn: cmd/docstore wires the transaction manager in as one.
type ActiveChecker interface {
	ActiveCount(collection string) int
}

// RotationScheduler parses a collection's cron-like Rotate expression
// (spec §6 "rotate?") and calls Collection.Rotate on schedule. One
// scheduler can drive several collections since cron.Cron itself
// multiplexes jobs on a single goroutine.
type RotationScheduler struct {
	cron    *cron.Cron
	checker ActiveChecker
	log     zerolog.Logger
}

// NewRotationScheduler constructs an empty scheduler. checker may be nil,
// in which case rotation never defers for in-flight transactions (only
// Collection.Rotate's own mutex still serializes it against writes).
// Callers register collections with Register before calling Start.
func NewRotationScheduler(checker ActiveChecker, log zerolog.Logger) *RotationScheduler {
	return &RotationScheduler{
		cron:    cron.New(),
		checker: checker,
		log:     log.With().Str("component", "rotation").Logger(),
	}
}

// Register schedules c's rotation per its Config.Rotate cron expression.
// A no-op if Rotate is empty or OnRotate is nil. Each tick that finds a
// transaction still active against c (per the injected ActiveChecker,
// spec §9 open question) skips rotation and waits for the next tick
// rather than blocking on Collection.Rotate's mutex.
func (s *RotationScheduler) Register(c *Collection) error {
	if c.cfg.Rotate == "" || c.cfg.OnRotate == nil {
		return nil
	}
	name := c.cfg.Name
	_, err := s.cron.AddFunc(c.cfg.Rotate, func() {
		if s.checker != nil && s.checker.ActiveCount(name) > 0 {
			s.log.Debug().Str("collection", name).Msg("rotation skipped: transaction active")
			return
		}
		if err := c.Rotate(); err != nil {
			s.log.Error().Err(err).Str("collection", name).Msg("rotation failed")
		}
	})
	if err != nil {
		return dberr.Wrap(dberr.KindValidation, "collection.RotationScheduler.Register", name, err)
	}
	return nil
}

// Start begins dispatching scheduled rotations.
func (s *RotationScheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler, waiting for any in-flight rotation to finish.
func (s *RotationScheduler) Stop() {
	<-s.cron.Stop().Done()
}
