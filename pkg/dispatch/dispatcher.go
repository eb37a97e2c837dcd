// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package dispatch

import (
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"github.com/SteamRE/SteamKit-sub000/pkg/wire"
)

// previewLen caps the header bytes included in the log record.
const previewLen = 32

// NameResolver maps a message type to a display name.
type NameResolver func(wire.EMsg) string

// DefaultResolver uses the built-in EMsg table and returns wire.UnknownName
// for anything else.
func DefaultResolver(e wire.EMsg) string {
	return e.Name()
}

// Record is the outcome of dispatching one message.
type Record struct {
	Time      time.Time
	Direction wire.Direction
	EMsg      wire.EMsg
	Name      string
	Size      int
	Layout    wire.Layout
	Header    []byte
	Detail    string

	// Handled is set when a registered handler ran.
	Handled bool

	// Accepted is false only when a handler rejected the message.
	Accepted bool
}

// Dispatcher routes logical messages to their handlers and logs every one.
type Dispatcher struct {
	registry *Registry
	resolve  NameResolver
	logger   *zap.Logger
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. A nil resolver uses DefaultResolver.
func NewDispatcher(registry *Registry, resolve NameResolver, logger *zap.Logger) *Dispatcher {
	if resolve == nil {
		resolve = DefaultResolver
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry: registry,
		resolve:  resolve,
		logger:   logger,
		now:      time.Now,
	}
}

// Registry returns the handler registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch logs msg and runs its handler, if any. Malformed messages are
// logged and reported as accepted.
func (d *Dispatcher) Dispatch(dir wire.Direction, msg []byte) Record {
	rec := Record{
		Time:      d.now(),
		Direction: dir,
		Size:      len(msg),
		Accepted:  true,
	}

	raw, err := wire.NewReader(msg).Uint32()
	if err != nil {
		// The low 16 bits alone still name the type.
		low, err := wire.NewReader(msg).Uint16()
		if err != nil {
			d.logger.Warn("message too short for type code",
				zap.Stringer("direction", dir),
				zap.Int("size", len(msg)),
				zap.Error(err))
			return rec
		}
		raw = uint32(low)
	}
	rec.EMsg = wire.MaskEMsg(raw)
	rec.Name = d.resolve(rec.EMsg)

	h, registered := d.registry.Lookup(rec.EMsg)
	rec.Layout = wire.LayoutExtended
	if registered {
		rec.Layout = h.Layout()
	}
	rec.Header = wire.HeaderPreview(msg, headerLen(rec.Layout))

	d.logger.Info("message",
		zap.Stringer("direction", dir),
		zap.Uint32("emsg", uint32(rec.EMsg)),
		zap.String("name", rec.Name),
		zap.Int("size", rec.Size),
		zap.String("header", hex.EncodeToString(rec.Header)),
	)

	env, rest, err := wire.ParseEnvelope(rec.Layout, msg)
	if err != nil {
		d.logger.Debug("envelope not decoded",
			zap.Uint32("emsg", uint32(rec.EMsg)),
			zap.Stringer("layout", rec.Layout),
			zap.Error(err))
		return rec
	}
	if !registered {
		return rec
	}

	n := h.BodySize()
	if len(rest) < n {
		d.logger.Warn("message body shorter than handler struct",
			zap.Uint32("emsg", uint32(rec.EMsg)),
			zap.String("name", rec.Name),
			zap.Int("want", n),
			zap.Int("have", len(rest)))
		return rec
	}

	m := &Message{
		Direction: dir,
		EMsg:      rec.EMsg,
		Header:    env,
		Body:      rest[:n:n],
		Payload:   rest[n:],
	}
	rec.Detail = h.Format(m)
	if rec.Detail != "" {
		d.logger.Debug("message detail",
			zap.Uint32("emsg", uint32(rec.EMsg)),
			zap.String("detail", rec.Detail))
	}

	rec.Handled = true
	rec.Accepted = h.Handle(dir, m)
	if !rec.Accepted {
		d.logger.Info("message rejected by handler",
			zap.Stringer("direction", dir),
			zap.Uint32("emsg", uint32(rec.EMsg)),
			zap.String("name", rec.Name))
	}
	return rec
}

func headerLen(l wire.Layout) int {
	switch l {
	case wire.LayoutStandard:
		return wire.StandardHeaderSize
	default:
		return previewLen
	}
}
