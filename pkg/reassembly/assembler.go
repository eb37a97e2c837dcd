// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import (
	"fmt"
	"sync"
	"time"
)

// Default bounds used when an Assembler is created with zero values.
const (
	DefaultMaxGroups    = 1024
	DefaultMaxFragments = 4096
)

// Result describes what happened to one offered fragment.
type Result struct {
	// Message is the assembled logical message when the fragment completed
	// its group, nil otherwise.
	Message []byte

	// Duplicate is set when the fragment's sequence was already stored.
	Duplicate bool

	// Evicted is set when the oldest pending group was dropped to make room
	// for a new one.
	Evicted bool
}

// Assembler owns the pending fragment groups of one direction.
// Groups are removed the moment they are assembled.
type Assembler struct {
	mu           sync.Mutex
	groups       map[uint32]*Group
	maxGroups    int
	maxFragments uint32

	now func() time.Time
}

// NewAssembler creates an assembler holding at most maxGroups pending groups
// of at most maxFragments fragments each.
func NewAssembler(maxGroups int, maxFragments uint32) *Assembler {
	if maxGroups <= 0 {
		maxGroups = DefaultMaxGroups
	}
	if maxFragments == 0 {
		maxFragments = DefaultMaxFragments
	}
	return &Assembler{
		groups:       make(map[uint32]*Group),
		maxGroups:    maxGroups,
		maxFragments: maxFragments,
		now:          time.Now,
	}
}

// Add offers fragment seq of the group starting at start with count
// fragments. When the group completes, the assembled bytes are returned in
// Result.Message and the group is forgotten.
func (a *Assembler) Add(start, count, seq uint32, data []byte) (Result, error) {
	var res Result

	if count == 0 || count > a.maxFragments {
		return res, fmt.Errorf("%w: fragment count %d (max %d)", ErrOutOfRange, count, a.maxFragments)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	g, ok := a.groups[start]
	if ok && g.Expected != count {
		return res, fmt.Errorf("%w: group %d expects %d, fragment says %d", ErrCountMismatch, start, g.Expected, count)
	}
	if !ok {
		// Validate before allocating so a stray fragment cannot evict a
		// legitimate group.
		if seq-start >= count {
			return res, fmt.Errorf("%w: seq %d not in [%d, %d+%d)", ErrOutOfRange, seq, start, start, count)
		}
		if len(a.groups) >= a.maxGroups {
			a.evictOldestLocked()
			res.Evicted = true
		}
		g = NewGroup(start, count)
		a.groups[start] = g
	}

	added, err := g.Add(seq, data)
	if err != nil {
		return res, err
	}
	g.lastSeen = now
	res.Duplicate = !added

	if g.IsComplete() {
		res.Message = g.Assemble()
		delete(a.groups, start)
	}
	return res, nil
}

// Pending returns the number of incomplete groups.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	n := len(a.groups)
	a.mu.Unlock()
	return n
}

// CleanStale removes groups that have not received a fragment for longer
// than maxIdle and returns how many were removed.
func (a *Assembler) CleanStale(maxIdle time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-maxIdle)
	removed := 0
	for start, g := range a.groups {
		if g.lastSeen.Before(cutoff) {
			delete(a.groups, start)
			removed++
		}
	}
	return removed
}

// Reset drops every pending group.
func (a *Assembler) Reset() {
	a.mu.Lock()
	a.groups = make(map[uint32]*Group)
	a.mu.Unlock()
}

// evictOldestLocked removes the least recently touched group. Must be called
// under a.mu.
func (a *Assembler) evictOldestLocked() {
	var oldest uint32
	var oldestTime time.Time
	first := true
	for start, g := range a.groups {
		if first || g.lastSeen.Before(oldestTime) {
			oldest = start
			oldestTime = g.lastSeen
			first = false
		}
	}
	if !first {
		delete(a.groups, oldest)
	}
}
