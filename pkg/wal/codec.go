package wal

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"fmt"

	"github.com/pierrec/lz4/v4"

	"github.com/cuemby/docstore/pkg/dberr"
	"github.com/cuemby/docstore/pkg/types"
)

func init() {
	// Record.ID and Record.Data values are interface{}; gob requires
	// every concrete type that can flow through one to be registered,
	// even builtin ones.
	gob.Register("")
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(false)
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
}

// envelopeTag prefixes every encoded payload so the decoder knows
// whether (and how) it was compressed, independent of per-entry
// decisions made at encode time (spec §6: compression is attempted
// only above a threshold and only kept if it actually shrinks the
// payload).
type envelopeTag byte

const (
	envelopeRaw  envelopeTag = 0
	envelopeGzip envelopeTag = 1
	envelopeLZ4  envelopeTag = 2
)

// codec converts between types.WALEntry and the bytes written to disk.
type codec struct {
	cfg CompressionConfig
}

func newCodec(cfg CompressionConfig) *codec {
	if cfg.Algorithm == "" {
		cfg.Algorithm = CompressionNone
	}
	return &codec{cfg: cfg}
}

func (c *codec) encode(entry types.WALEntry) ([]byte, error) {
	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(entry); err != nil {
		return nil, fmt.Errorf("wal: gob encode: %w", err)
	}
	body := raw.Bytes()

	if c.cfg.Algorithm == CompressionNone || len(body) < c.cfg.ThresholdBytes {
		return append([]byte{byte(envelopeRaw)}, body...), nil
	}

	compressed, tag, err := c.compress(body)
	if err != nil {
		return nil, err
	}
	// Only keep the compressed form if it actually shrank the payload
	// (spec §6: "only applied when it would yield a ratio > 1").
	if len(compressed) >= len(body) {
		return append([]byte{byte(envelopeRaw)}, body...), nil
	}
	return append([]byte{byte(tag)}, compressed...), nil
}

func (c *codec) compress(body []byte) ([]byte, envelopeTag, error) {
	switch c.cfg.Algorithm {
	case CompressionGzip:
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(body); err != nil {
			return nil, envelopeRaw, fmt.Errorf("wal: gzip compress: %w", err)
		}
		if err := gw.Close(); err != nil {
			return nil, envelopeRaw, fmt.Errorf("wal: gzip compress: %w", err)
		}
		return buf.Bytes(), envelopeGzip, nil
	case CompressionLZ4:
		var buf bytes.Buffer
		lw := lz4.NewWriter(&buf)
		if _, err := lw.Write(body); err != nil {
			return nil, envelopeRaw, fmt.Errorf("wal: lz4 compress: %w", err)
		}
		if err := lw.Close(); err != nil {
			return nil, envelopeRaw, fmt.Errorf("wal: lz4 compress: %w", err)
		}
		return buf.Bytes(), envelopeLZ4, nil
	default:
		return body, envelopeRaw, nil
	}
}

func (c *codec) decode(frame []byte) (*types.WALEntry, error) {
	if len(frame) == 0 {
		return nil, dberr.New(dberr.KindWalCorruption, "wal.decode", "empty frame")
	}
	tag := envelopeTag(frame[0])
	body := frame[1:]

	var raw []byte
	switch tag {
	case envelopeRaw:
		raw = body
	case envelopeGzip:
		gr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, dberr.Wrap(dberr.KindWalCorruption, "wal.decode", "gzip", err)
		}
		defer gr.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(gr); err != nil {
			return nil, dberr.Wrap(dberr.KindWalCorruption, "wal.decode", "gzip", err)
		}
		raw = buf.Bytes()
	case envelopeLZ4:
		lr := lz4.NewReader(bytes.NewReader(body))
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(lr); err != nil {
			return nil, dberr.Wrap(dberr.KindWalCorruption, "wal.decode", "lz4", err)
		}
		raw = buf.Bytes()
	default:
		return nil, dberr.New(dberr.KindWalCorruption, "wal.decode", fmt.Sprintf("unknown envelope tag %d", tag))
	}

	var entry types.WALEntry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&entry); err != nil {
		return nil, dberr.Wrap(dberr.KindWalCorruption, "wal.decode", "gob", err)
	}
	return &entry, nil
}
