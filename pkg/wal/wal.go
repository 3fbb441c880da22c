package wal

// Entry framing: len(4B) | crc32(payload)(4B) | payload. payload is the
// gob-encoded WALEntry, optionally wrapped in a compression envelope.

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/docstore/pkg/dberr"
	"github.com/cuemby/docstore/pkg/types"
)

const frameHeaderLen = 8 // 4B length + 4B crc32

// CompressionAlgorithm names the optional per-entry compression codec.
type CompressionAlgorithm string

const (
	CompressionNone CompressionAlgorithm = "none"
	CompressionGzip CompressionAlgorithm = "gzip"
	CompressionLZ4  CompressionAlgorithm = "lz4"
)

// CompressionConfig controls when the codec attempts compression (spec §6).
type CompressionConfig struct {
	Algorithm     CompressionAlgorithm
	ThresholdBytes int
}

// Config is the WAL's construction contract (spec §6).
type Config struct {
	Path                     string
	Compression              CompressionConfig
	CheckpointIntervalEntries int
}

// WAL is the append-only log (C7). It owns the log file and the
// sequence-number counter exclusively; it holds no reference to the
// adapters it coordinates for — those are passed per call by the
// transaction manager.
type WAL struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *bufio.Writer
	lastSeq  uint64
	codec    *codec
	log      zerolog.Logger
	entriesSinceCheckpoint int
	checkpointEvery        int
}

// Open opens (creating if absent) the WAL file at cfg.Path and recovers
// the last sequence number from the tail, truncating a torn frame if
// one is found at the very end (spec §4.3 torn-tail recovery).
func Open(cfg Config, log zerolog.Logger) (*WAL, error) {
	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindWalIoError, "wal.Open", cfg.Path, err)
	}
	w := &WAL{
		path:            cfg.Path,
		file:            f,
		codec:           newCodec(cfg.Compression),
		log:             log.With().Str("component", "wal").Logger(),
		checkpointEvery: cfg.CheckpointIntervalEntries,
	}

	lastSeq, truncateAt, err := w.scanTail()
	if err != nil {
		f.Close()
		return nil, err
	}
	w.lastSeq = lastSeq
	if truncateAt >= 0 {
		if err := f.Truncate(truncateAt); err != nil {
			f.Close()
			return nil, dberr.Wrap(dberr.KindWalIoError, "wal.Open", cfg.Path, err)
		}
		w.log.Warn().Int64("truncate_at", truncateAt).Msg("wal: torn tail truncated during recovery")
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, dberr.Wrap(dberr.KindWalIoError, "wal.Open", cfg.Path, err)
	}
	w.writer = bufio.NewWriter(f)
	return w, nil
}

// scanTail reads every frame from the start, validating its CRC, and
// returns the highest sequence number seen and (if the final frame is
// corrupt or truncated) the byte offset to truncate to; -1 means no
// truncation needed.
func (w *WAL) scanTail() (lastSeq uint64, truncateAt int64, err error) {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return 0, -1, dberr.Wrap(dberr.KindWalIoError, "wal.scanTail", w.path, err)
	}
	r := bufio.NewReader(w.file)
	var offset int64
	truncateAt = -1

	for {
		header := make([]byte, frameHeaderLen)
		n, rerr := io.ReadFull(r, header)
		if rerr == io.EOF {
			break
		}
		if rerr != nil || n < frameHeaderLen {
			truncateAt = offset
			break
		}
		length := binary.BigEndian.Uint32(header[0:4])
		wantCRC := binary.BigEndian.Uint32(header[4:8])

		payload := make([]byte, length)
		n, rerr = io.ReadFull(r, payload)
		if rerr != nil || uint32(n) != length {
			truncateAt = offset
			break
		}
		if crc32.ChecksumIEEE(payload) != wantCRC {
			truncateAt = offset
			break
		}

		entry, derr := w.codec.decode(payload)
		if derr != nil {
			// Unknown/corrupt entry type: skip with a warning, forward
			// compatible per spec §6, but do not advance truncateAt —
			// this frame is structurally intact, just unrecognized.
			w.log.Warn().Err(derr).Msg("wal: skipping unrecognized entry during recovery scan")
		} else if entry.SequenceNumber > lastSeq {
			lastSeq = entry.SequenceNumber
		}
		offset += frameHeaderLen + int64(length)
	}
	return lastSeq, truncateAt, nil
}

// Append assigns the next sequence number to entry, encodes and writes
// it, flushing before returning so the write is durable (spec §4.3).
func (w *WAL) Append(entry types.WALEntry) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastSeq++
	entry.SequenceNumber = w.lastSeq

	payload, err := w.codec.encode(entry)
	if err != nil {
		return 0, dberr.Wrap(dberr.KindWalIoError, "wal.Append", "", err)
	}

	header := make([]byte, frameHeaderLen)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := w.writer.Write(header); err != nil {
		return 0, dberr.Wrap(dberr.KindWalIoError, "wal.Append", "", err)
	}
	if _, err := w.writer.Write(payload); err != nil {
		return 0, dberr.Wrap(dberr.KindWalIoError, "wal.Append", "", err)
	}
	if err := w.writer.Flush(); err != nil {
		return 0, dberr.Wrap(dberr.KindWalIoError, "wal.Append", "", err)
	}
	if err := w.file.Sync(); err != nil {
		return 0, dberr.Wrap(dberr.KindWalIoError, "wal.Append", "", err)
	}

	if entry.Type == types.WALCheckpoint {
		w.entriesSinceCheckpoint = 0
	} else {
		w.entriesSinceCheckpoint++
	}
	return entry.SequenceNumber, nil
}

// EntriesFrom returns every entry with sequence number >= from, in
// order, as a finite slice. It is not restartable from a point before
// the last Truncate (spec §4.3) — callers needing another pass call it
// again from an available sequence.
func (w *WAL) EntriesFrom(from uint64) ([]types.WALEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return nil, dberr.Wrap(dberr.KindWalIoError, "wal.EntriesFrom", "", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, dberr.Wrap(dberr.KindWalIoError, "wal.EntriesFrom", "", err)
	}
	defer w.file.Seek(0, io.SeekEnd)

	r := bufio.NewReader(w.file)
	var out []types.WALEntry
	for {
		header := make([]byte, frameHeaderLen)
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				break
			}
			break // torn tail already truncated at Open; stop here too
		}
		length := binary.BigEndian.Uint32(header[0:4])
		wantCRC := binary.BigEndian.Uint32(header[4:8])
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}
		if crc32.ChecksumIEEE(payload) != wantCRC {
			break
		}
		entry, err := w.codec.decode(payload)
		if err != nil {
			continue
		}
		if entry.SequenceNumber >= from {
			out = append(out, *entry)
		}
	}
	return out, nil
}

// LastSequence reports the highest sequence number assigned so far.
func (w *WAL) LastSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// ShouldCheckpoint reports whether enough entries have accumulated
// since the last checkpoint to warrant another one.
func (w *WAL) ShouldCheckpoint() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpointEvery > 0 && w.entriesSinceCheckpoint >= w.checkpointEvery
}

// Truncate discards the on-disk prefix up to and including watermark,
// rewriting the file to contain only entries with sequence > watermark
// (spec §4.3: "entries with sequence <= W may be discarded").
func (w *WAL) Truncate(watermark uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return dberr.Wrap(dberr.KindWalIoError, "wal.Truncate", "", err)
	}
	remaining, err := w.readAllLocked()
	if err != nil {
		return err
	}

	tmpPath := w.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return dberr.Wrap(dberr.KindWalIoError, "wal.Truncate", tmpPath, err)
	}
	bw := bufio.NewWriter(tmp)
	for _, e := range remaining {
		if e.SequenceNumber <= watermark {
			continue
		}
		payload, err := w.codec.encode(e)
		if err != nil {
			tmp.Close()
			return dberr.Wrap(dberr.KindWalIoError, "wal.Truncate", "", err)
		}
		header := make([]byte, frameHeaderLen)
		binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
		binary.BigEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))
		if _, err := bw.Write(header); err != nil {
			tmp.Close()
			return dberr.Wrap(dberr.KindWalIoError, "wal.Truncate", "", err)
		}
		if _, err := bw.Write(payload); err != nil {
			tmp.Close()
			return dberr.Wrap(dberr.KindWalIoError, "wal.Truncate", "", err)
		}
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return dberr.Wrap(dberr.KindWalIoError, "wal.Truncate", "", err)
	}
	tmp.Close()

	w.file.Close()
	if err := os.Rename(tmpPath, w.path); err != nil {
		return dberr.Wrap(dberr.KindWalIoError, "wal.Truncate", w.path, err)
	}
	f, err := os.OpenFile(w.path, os.O_RDWR, 0o644)
	if err != nil {
		return dberr.Wrap(dberr.KindWalIoError, "wal.Truncate", w.path, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return dberr.Wrap(dberr.KindWalIoError, "wal.Truncate", w.path, err)
	}
	w.file = f
	w.writer = bufio.NewWriter(f)
	return nil
}

func (w *WAL) readAllLocked() ([]types.WALEntry, error) {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, dberr.Wrap(dberr.KindWalIoError, "wal.readAllLocked", "", err)
	}
	defer w.file.Seek(0, io.SeekEnd)

	r := bufio.NewReader(w.file)
	var out []types.WALEntry
	for {
		header := make([]byte, frameHeaderLen)
		if _, err := io.ReadFull(r, header); err != nil {
			break
		}
		length := binary.BigEndian.Uint32(header[0:4])
		wantCRC := binary.BigEndian.Uint32(header[4:8])
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}
		if crc32.ChecksumIEEE(payload) != wantCRC {
			break
		}
		entry, err := w.codec.decode(payload)
		if err != nil {
			continue
		}
		out = append(out, *entry)
	}
	return out, nil
}

// Close flushes and closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return dberr.Wrap(dberr.KindWalIoError, "wal.Close", "", err)
	}
	return w.file.Close()
}
