// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"sync"
	"time"

	"github.com/SteamRE/SteamKit-sub000/pkg/config"
)

// CircuitState is the position of an exporter's circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // batches flow
	CircuitOpen                         // batches dropped
	CircuitHalfOpen                     // one trial batch in flight
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Transition describes a breaker state change.
type Transition struct {
	Exporter string
	From     CircuitState
	To       CircuitState
	Failures int
}

// CircuitBreaker guards a single exporter. After FailureThreshold
// consecutive failed sends it opens and the manager drops that exporter's
// batches until ResetTimeout has passed. It then admits exactly one trial
// batch: success closes the circuit, failure reopens it.
type CircuitBreaker struct {
	name         string
	threshold    int
	resetTimeout time.Duration
	onChange     func(Transition)
	now          func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	trial    bool
}

// NewCircuitBreaker creates a closed breaker for the named exporter.
// onChange, if set, is called outside the breaker lock on every transition.
func NewCircuitBreaker(name string, cfg config.CircuitConfig, onChange func(Transition)) *CircuitBreaker {
	threshold := cfg.FailureThreshold
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: cfg.ResetTimeout,
		onChange:     onChange,
		now:          time.Now,
	}
}

// Name returns the exporter the breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Allow reports whether a batch may be sent now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	var tr *Transition
	allowed := true

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			allowed = false
			break
		}
		tr = cb.setLocked(CircuitHalfOpen)
		cb.trial = true
	case CircuitHalfOpen:
		allowed = !cb.trial
		cb.trial = true
	}
	cb.mu.Unlock()

	cb.notify(tr)
	return allowed
}

// RecordSuccess records a delivered batch.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var tr *Transition
	cb.failures = 0
	cb.trial = false
	if cb.state != CircuitClosed {
		tr = cb.setLocked(CircuitClosed)
	}
	cb.mu.Unlock()

	cb.notify(tr)
}

// RecordFailure records a failed send.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var tr *Transition
	cb.failures++
	cb.trial = false

	switch {
	case cb.state == CircuitHalfOpen,
		cb.state == CircuitClosed && cb.failures >= cb.threshold:
		tr = cb.setLocked(CircuitOpen)
		cb.openedAt = cb.now()
	case cb.state == CircuitOpen:
		cb.openedAt = cb.now()
	}
	cb.mu.Unlock()

	cb.notify(tr)
}

// State returns the current state without advancing it.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureCount returns the consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) setLocked(to CircuitState) *Transition {
	tr := &Transition{Exporter: cb.name, From: cb.state, To: to, Failures: cb.failures}
	cb.state = to
	return tr
}

func (cb *CircuitBreaker) notify(tr *Transition) {
	if tr != nil && cb.onChange != nil {
		cb.onChange(*tr)
	}
}
