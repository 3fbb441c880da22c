package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docstore/pkg/types"
)

func openTestWAL(t *testing.T, cfg Config) *WAL {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "test.wal")
	}
	w, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestWALAppendAssignsMonotonicSequence(t *testing.T) {
	w := openTestWAL(t, Config{})

	seq1, err := w.Append(types.WALEntry{Type: types.WALData, CollectionName: "people"})
	require.NoError(t, err)
	seq2, err := w.Append(types.WALEntry{Type: types.WALData, CollectionName: "people"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), seq1)
	assert.Equal(t, uint64(2), seq2)
}

func TestWALEntriesFromReturnsAllWrittenEntries(t *testing.T) {
	w := openTestWAL(t, Config{})

	for i := 0; i < 5; i++ {
		_, err := w.Append(types.WALEntry{Type: types.WALData, CollectionName: "people"})
		require.NoError(t, err)
	}

	entries, err := w.EntriesFrom(0)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.SequenceNumber)
	}

	fromMiddle, err := w.EntriesFrom(3)
	require.NoError(t, err)
	assert.Len(t, fromMiddle, 3)
}

// S4 from spec §8: WAL recovery picks up the last sequence number
// across a reopen and tolerates a torn tail.
func TestWALRecoversLastSequenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recover.wal")

	w := openTestWAL(t, Config{Path: path})
	for i := 0; i < 3; i++ {
		_, err := w.Append(types.WALEntry{Type: types.WALData})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	w2 := openTestWAL(t, Config{Path: path})
	assert.Equal(t, uint64(3), w2.LastSequence())

	seq, err := w2.Append(types.WALEntry{Type: types.WALData})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestWALTornTailIsTruncatedOnRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.wal")

	w := openTestWAL(t, Config{Path: path})
	_, err := w.Append(types.WALEntry{Type: types.WALData})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Append a partial, torn frame header with no matching payload.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 99, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2 := openTestWAL(t, Config{Path: path})
	assert.Equal(t, uint64(1), w2.LastSequence(), "torn tail must not contribute a sequence number")

	entries, err := w2.EntriesFrom(0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	seq, err := w2.Append(types.WALEntry{Type: types.WALData})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq, "recovery must have truncated the torn frame before appending")
}

// S6 from spec §8: compression that would not shrink the payload is a
// no-op — the entry is still stored and decodes correctly.
func TestWALCompressionNoOpWhenNotBeneficial(t *testing.T) {
	w := openTestWAL(t, Config{Compression: CompressionConfig{Algorithm: CompressionGzip, ThresholdBytes: 1}})

	_, err := w.Append(types.WALEntry{Type: types.WALData, Data: []byte("x")})
	require.NoError(t, err)

	entries, err := w.EntriesFrom(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("x"), entries[0].Data)
}

func TestWALCompressionRoundTripsLargePayload(t *testing.T) {
	w := openTestWAL(t, Config{Compression: CompressionConfig{Algorithm: CompressionGzip, ThresholdBytes: 16}})

	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte('a' + i%26)
	}
	_, err := w.Append(types.WALEntry{Type: types.WALData, Data: big})
	require.NoError(t, err)

	entries, err := w.EntriesFrom(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, big, entries[0].Data)
}

func TestWALLZ4CompressionRoundTrip(t *testing.T) {
	w := openTestWAL(t, Config{Compression: CompressionConfig{Algorithm: CompressionLZ4, ThresholdBytes: 16}})

	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte('z')
	}
	_, err := w.Append(types.WALEntry{Type: types.WALData, Data: big})
	require.NoError(t, err)

	entries, err := w.EntriesFrom(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, big, entries[0].Data)
}

func TestWALTruncateDiscardsEntriesAtOrBelowWatermark(t *testing.T) {
	w := openTestWAL(t, Config{})

	var seqs []uint64
	for i := 0; i < 5; i++ {
		seq, err := w.Append(types.WALEntry{Type: types.WALData})
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}

	require.NoError(t, w.Truncate(seqs[2]))

	entries, err := w.EntriesFrom(0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, seqs[3], entries[0].SequenceNumber)
	assert.Equal(t, seqs[4], entries[1].SequenceNumber)
}

func TestWALShouldCheckpointTriggersAfterInterval(t *testing.T) {
	w := openTestWAL(t, Config{CheckpointIntervalEntries: 3})

	for i := 0; i < 2; i++ {
		_, err := w.Append(types.WALEntry{Type: types.WALData})
		require.NoError(t, err)
	}
	assert.False(t, w.ShouldCheckpoint())

	_, err := w.Append(types.WALEntry{Type: types.WALData})
	require.NoError(t, err)
	assert.True(t, w.ShouldCheckpoint())

	_, err = w.Append(types.WALEntry{Type: types.WALCheckpoint})
	require.NoError(t, err)
	assert.False(t, w.ShouldCheckpoint(), "a checkpoint entry resets the counter")
}
