// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrOutOfRange means a fragment's sequence falls outside its group, or
	// the declared fragment count is zero or above the configured maximum.
	ErrOutOfRange = errors.New("fragment out of range")

	// ErrCountMismatch means a fragment declared a different fragment count
	// than the first fragment of its group.
	ErrCountMismatch = errors.New("fragment count mismatch")
)

// Group collects the datagram fragments of one logical message.
// It is identified by its start sequence within one direction.
type Group struct {
	Start    uint32
	Expected uint32

	frags    map[uint32][]byte
	size     int
	complete bool

	lastSeen time.Time
}

// NewGroup creates an empty group expecting count fragments starting at
// sequence start.
func NewGroup(start, count uint32) *Group {
	return &Group{
		Start:    start,
		Expected: count,
		frags:    make(map[uint32][]byte, count),
	}
}

// Add stores a fragment. A sequence already present is a no-op and reports
// false. The payload is copied; callers may reuse data afterwards.
func (g *Group) Add(seq uint32, data []byte) (bool, error) {
	off := seq - g.Start
	if off >= g.Expected {
		return false, fmt.Errorf("%w: seq %d not in [%d, %d+%d)", ErrOutOfRange, seq, g.Start, g.Start, g.Expected)
	}
	if _, dup := g.frags[seq]; dup {
		return false, nil
	}

	g.frags[seq] = append([]byte(nil), data...)
	g.size += len(data)
	if uint32(len(g.frags)) == g.Expected {
		g.complete = true
	}
	return true, nil
}

// IsComplete reports whether every expected fragment has arrived.
func (g *Group) IsComplete() bool {
	return g.complete
}

// Received returns the number of distinct fragments stored.
func (g *Group) Received() int {
	return len(g.frags)
}

// Size returns the total payload bytes stored.
func (g *Group) Size() int {
	return g.size
}

// Assemble concatenates the fragments in sequence order. Calling it on an
// incomplete group is a programming error and panics.
func (g *Group) Assemble() []byte {
	if !g.complete {
		panic(fmt.Sprintf("reassembly: Assemble on incomplete group start=%d (%d/%d fragments)",
			g.Start, len(g.frags), g.Expected))
	}

	out := make([]byte, 0, g.size)
	for i := uint32(0); i < g.Expected; i++ {
		out = append(out, g.frags[g.Start+i]...)
	}
	return out
}
