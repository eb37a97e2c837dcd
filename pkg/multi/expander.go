// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package multi unpacks Multi container messages into their sub-messages.
//
// A Multi is a protobuf-enveloped message whose body carries an optional
// uncompressed size and a message body. A non-zero size means the body is
// raw DEFLATE. The (inflated) body is a run of little-endian u32 length
// prefixed records, each a complete logical message that may itself be a
// Multi.
package multi

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"go.uber.org/zap"

	"github.com/SteamRE/SteamKit-sub000/pkg/wire"
)

// Defaults applied when Limits fields are zero.
const (
	DefaultMaxDepth = 8
	DefaultMaxBytes = 32 << 20 // 32MB
)

var (
	ErrDepthExceeded   = errors.New("multi nesting too deep")
	ErrBudgetExceeded  = errors.New("multi byte budget exceeded")
	ErrInflate         = errors.New("multi inflate failed")
	ErrTruncatedRecord = errors.New("multi record truncated")
)

// Limits bound the work one top-level message may cause.
type Limits struct {
	// MaxDepth is the deepest nesting level Expand accepts. The top-level
	// Multi is depth 0.
	MaxDepth int

	// MaxBytes caps the bytes inflated by all expansions that share one
	// Budget. Uncompressed bodies are slices of bytes already held and are
	// not charged, so nesting depth does not change what a payload costs.
	MaxBytes int
}

// Budget is the remaining byte allowance of one top-level message. It is
// shared by every nested expansion of that message.
type Budget struct {
	remaining int
}

// Remaining returns the bytes still available.
func (b *Budget) Remaining() int {
	return b.remaining
}

func (b *Budget) take(n int) error {
	if n > b.remaining {
		return fmt.Errorf("%w: need %d bytes, %d left", ErrBudgetExceeded, n, b.remaining)
	}
	b.remaining -= n
	return nil
}

// Stats describes one expansion.
type Stats struct {
	Records      int
	Compressed   bool
	PayloadBytes int
}

// Expander unpacks Multi messages.
type Expander struct {
	limits Limits
	logger *zap.Logger
}

// NewExpander creates an expander with the given limits.
func NewExpander(limits Limits, logger *zap.Logger) *Expander {
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = DefaultMaxDepth
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Expander{limits: limits, logger: logger}
}

// NewBudget returns a fresh budget for one top-level message.
func (e *Expander) NewBudget() *Budget {
	return &Budget{remaining: e.limits.MaxBytes}
}

// Expand decodes the Multi message msg found at nesting depth and calls emit
// for each record, in order. Records emitted before an error stay emitted; a
// truncated record stops the walk because the following offsets are unknown.
func (e *Expander) Expand(msg []byte, depth int, budget *Budget, emit func(record []byte)) (Stats, error) {
	var st Stats

	if depth > e.limits.MaxDepth {
		return st, fmt.Errorf("%w: depth %d > %d", ErrDepthExceeded, depth, e.limits.MaxDepth)
	}

	_, body, err := wire.ParseEnvelope(wire.LayoutProtobuf, msg)
	if err != nil {
		return st, fmt.Errorf("multi envelope: %w", err)
	}
	mb, err := wire.ParseMultiBody(body)
	if err != nil {
		return st, err
	}

	payload := mb.MessageBody
	if mb.UncompressedSize > 0 {
		st.Compressed = true
		if err := budget.take(int(mb.UncompressedSize)); err != nil {
			return st, err
		}
		if payload, err = inflate(mb.MessageBody, int(mb.UncompressedSize)); err != nil {
			return st, err
		}
	}
	st.PayloadBytes = len(payload)

	r := wire.NewReader(payload)
	for r.Len() > 0 {
		n, err := r.Uint32()
		if err != nil {
			return st, fmt.Errorf("%w: record %d length: %v", ErrTruncatedRecord, st.Records, err)
		}
		rec, err := r.Bytes(int(n))
		if err != nil {
			return st, fmt.Errorf("%w: record %d: %v", ErrTruncatedRecord, st.Records, err)
		}
		emit(rec)
		st.Records++
	}

	e.logger.Debug("multi expanded",
		zap.Int("depth", depth),
		zap.Int("records", st.Records),
		zap.Bool("compressed", st.Compressed),
		zap.Int("bytes", st.PayloadBytes),
	)
	return st, nil
}

// inflate decompresses raw DEFLATE data that must produce exactly size bytes.
func inflate(compressed []byte, size int) ([]byte, error) {
	zr := flate.NewReader(bytes.NewReader(compressed))
	defer zr.Close()

	out := make([]byte, size)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInflate, err)
	}

	var extra [1]byte
	switch n, err := zr.Read(extra[:]); {
	case n > 0:
		return nil, fmt.Errorf("%w: stream longer than declared %d bytes", ErrInflate, size)
	case err != nil && err != io.EOF:
		return nil, fmt.Errorf("%w: %v", ErrInflate, err)
	}
	return out, nil
}
