// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package dispatch

import (
	"sort"
	"sync"

	"github.com/SteamRE/SteamKit-sub000/pkg/wire"
)

// Message is one logical message handed to a Handler.
type Message struct {
	Direction wire.Direction
	EMsg      wire.EMsg
	Header    *wire.Envelope

	// Body is the handler's fixed-size message struct, BodySize bytes.
	Body []byte

	// Payload is everything after Body.
	Payload []byte
}

// Handler decodes one message type.
type Handler interface {
	// Layout selects the envelope in front of the message.
	Layout() wire.Layout

	// BodySize is the size of the fixed message struct after the envelope.
	BodySize() int

	// Format renders the message for the transcript and debug log.
	Format(msg *Message) string

	// Handle processes the message. Returning false marks it rejected.
	Handle(dir wire.Direction, msg *Message) bool
}

// Registration binds a handler to a message type.
type Registration struct {
	EMsg    wire.EMsg
	Handler Handler
}

// Registry maps message types to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[wire.EMsg]Handler
}

// NewRegistry builds a registry from regs. Later entries for a type already
// present are ignored.
func NewRegistry(regs ...Registration) *Registry {
	r := &Registry{handlers: make(map[wire.EMsg]Handler, len(regs))}
	for _, reg := range regs {
		r.Register(reg.EMsg, reg.Handler)
	}
	return r
}

// Register adds h for code unless code already has a handler. It reports
// whether h was added.
func (r *Registry) Register(code wire.EMsg, h Handler) bool {
	if h == nil {
		return false
	}
	code = wire.MaskEMsg(uint32(code))

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[code]; ok {
		return false
	}
	r.handlers[code] = h
	return true
}

// Lookup returns the handler for code, ignoring the protobuf flag bit.
func (r *Registry) Lookup(code wire.EMsg) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[wire.MaskEMsg(uint32(code))]
	r.mu.RUnlock()
	return h, ok
}

// Types returns the registered codes in ascending order.
func (r *Registry) Types() []wire.EMsg {
	r.mu.RLock()
	out := make([]wire.EMsg, 0, len(r.handlers))
	for code := range r.handlers {
		out = append(out, code)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
