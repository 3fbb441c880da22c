/*
Package log provides structured logging for docstore using zerolog.

The log package wraps zerolog to provide JSON or console-formatted logging
with component-specific child loggers, a configurable level, and helper
functions for the common cases. Every subsystem (collection engine, WAL,
transaction manager, subscription engine, dispatcher) takes a scoped logger
built from this package rather than writing to the global instance directly.

	┌────────────── LOGGING ──────────────┐
	│ log.Init(Config) → global Logger     │
	│   WithComponent("wal")                │
	│   WithCollection("users")             │
	│   WithTxID(id) / WithSubscriptionID(id)│
	└───────────────────────────────────────┘

Component loggers are created once at construction and stored on the owning
struct (the same pattern as the Manager/Scheduler in the teacher repo this
was adapted from), not recreated per call.
*/
package log
