/*
Package scheduler drives periodic WAL checkpointing (spec §4.4): on a
fixed interval it asks the transaction manager whether enough entries
have accumulated since the last checkpoint, and if so snapshots every
registered collection and truncates the WAL prefix the checkpoint makes
redundant.

It runs as a single background goroutine started and stopped like any
other long-lived component in this module (Start/Stop around an internal
ticker loop), and every cycle can also be triggered on demand via
RunOnce for an administrative "checkpoint now" command.
*/
package scheduler
