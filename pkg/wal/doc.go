// Package wal provides the write-ahead log (C7) the transaction manager
// appends staged operations to before acknowledging a commit, and
// replays on restart to recover anything a checkpoint hadn't yet
// absorbed.
package wal
