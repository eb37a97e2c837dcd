// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package engine is the entry point for intercepted traffic. It turns
// directional byte buffers into logical messages and dispatches each one
// exactly once, synchronously, on the calling goroutine.
package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/SteamRE/SteamKit-sub000/pkg/channelcrypto"
	"github.com/SteamRE/SteamKit-sub000/pkg/conntrack"
	"github.com/SteamRE/SteamKit-sub000/pkg/dispatch"
	"github.com/SteamRE/SteamKit-sub000/pkg/health"
	"github.com/SteamRE/SteamKit-sub000/pkg/multi"
	"github.com/SteamRE/SteamKit-sub000/pkg/wire"
)

// Sink persists dispatched messages. It reports whether msg was written.
type Sink interface {
	Write(rec *dispatch.Record, msg []byte) bool
}

// Exporter forwards dispatch records. Implementations must not block.
type Exporter interface {
	Export(rec *dispatch.Record)
}

// Config holds engine tunables.
type Config struct {
	Tracker             conntrack.Config
	Multi               multi.Limits
	FragmentIdleTimeout time.Duration
	JanitorInterval     time.Duration
}

// Deps are the collaborators of an Engine. Nil fields get defaults: the
// built-in handlers, a decrypter without a key, fresh stats, no sink and no
// exporter.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Decrypter  *channelcrypto.SymmetricDecrypter
	Sink       Sink
	Exporter   Exporter
	Stats      *health.Stats
	Logger     *zap.Logger
}

// Engine reconstructs and dispatches protocol messages.
type Engine struct {
	cfg        Config
	tracker    *conntrack.Tracker
	decrypter  *channelcrypto.SymmetricDecrypter
	expander   *multi.Expander
	dispatcher *dispatch.Dispatcher
	sink       Sink
	exporter   Exporter
	stats      *health.Stats
	logger     *zap.Logger
}

// New wires an engine.
func New(cfg Config, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FragmentIdleTimeout <= 0 {
		cfg.FragmentIdleTimeout = 30 * time.Second
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = 10 * time.Second
	}

	e := &Engine{
		cfg:        cfg,
		decrypter:  deps.Decrypter,
		dispatcher: deps.Dispatcher,
		sink:       deps.Sink,
		exporter:   deps.Exporter,
		stats:      deps.Stats,
		logger:     logger,
	}
	if e.decrypter == nil {
		e.decrypter = channelcrypto.NewSymmetricDecrypter(false)
	}
	if e.dispatcher == nil {
		e.dispatcher = dispatch.NewDispatcher(dispatch.NewRegistry(dispatch.DefaultHandlers()...), nil, logger.Named("dispatch"))
	}
	if e.stats == nil {
		e.stats = health.NewStats()
	}
	e.tracker = conntrack.NewTracker(cfg.Tracker, e.decrypter, logger.Named("conntrack"))
	e.expander = multi.NewExpander(cfg.Multi, logger.Named("multi"))
	return e
}

// Stats returns the engine counters.
func (e *Engine) Stats() *health.Stats {
	return e.stats
}

// Tracker returns the datagram tracker.
func (e *Engine) Tracker() *conntrack.Tracker {
	return e.tracker
}

// PendingGroups returns incomplete fragment groups across both directions.
func (e *Engine) PendingGroups() int {
	return e.tracker.PendingGroups(wire.Incoming) + e.tracker.PendingGroups(wire.Outgoing)
}

// OnPlaintext handles one complete logical message captured at the
// encrypt/decrypt boundary. It returns false only when a handler rejected
// the message.
func (e *Engine) OnPlaintext(dir wire.Direction, buf []byte) (accepted bool) {
	accepted = true
	defer e.recoverPanic("OnPlaintext", dir)

	e.stats.BuffersReceived.Add(1)
	return e.handle(dir, buf, 0, e.expander.NewBudget())
}

// OnDatagram handles one raw UDP datagram.
func (e *Engine) OnDatagram(dir wire.Direction, buf []byte) (accepted bool) {
	accepted = true
	defer e.recoverPanic("OnDatagram", dir)

	e.stats.DatagramsReceived.Add(1)
	out, err := e.tracker.Process(dir, buf)
	if out.Fragment {
		e.stats.Fragments.Add(1)
	}
	if out.Duplicate {
		e.stats.DuplicateFragments.Add(1)
	}
	if out.Evicted {
		e.stats.GroupsEvicted.Add(1)
	}

	if err != nil {
		if errors.Is(err, conntrack.ErrDecrypt) || errors.Is(err, conntrack.ErrNoDecrypter) {
			e.stats.DecryptFailures.Add(1)
			e.logger.Warn("message dropped, decrypt failed",
				zap.Stringer("direction", dir), zap.Error(err))
		} else {
			e.stats.Malformed.Add(1)
			e.logger.Warn("datagram rejected",
				zap.Stringer("direction", dir), zap.Int("size", len(buf)), zap.Error(err))
		}
		return true
	}
	if out.Message == nil {
		return true
	}

	e.stats.GroupsCompleted.Add(1)
	return e.handle(dir, out.Message, 0, e.expander.NewBudget())
}

// SetSessionKey installs the channel key used once the channel is encrypted.
func (e *Engine) SetSessionKey(key []byte) (err error) {
	defer e.recoverPanic("SetSessionKey", wire.Incoming)

	if err = e.decrypter.SetKey(key); err != nil {
		e.logger.Warn("session key rejected", zap.Error(err))
		return err
	}
	e.logger.Info("session key installed")
	return nil
}

// Janitor expires idle fragment groups until ctx is done.
func (e *Engine) Janitor(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.tracker.CleanStale(e.cfg.FragmentIdleTimeout); n > 0 {
				e.stats.GroupsEvicted.Add(int64(n))
				e.logger.Info("expired idle fragment groups",
					zap.Int("count", n),
					zap.Duration("idle_timeout", e.cfg.FragmentIdleTimeout))
			}
		}
	}
}

// handle runs the post-decrypt stage for one logical message. Multi
// containers re-enter it for every record they carry.
func (e *Engine) handle(dir wire.Direction, msg []byte, depth int, budget *multi.Budget) bool {
	if raw, err := wire.NewReader(msg).Uint32(); err == nil && wire.MaskEMsg(raw) == wire.EMsgMulti {
		st, err := e.expander.Expand(msg, depth, budget, func(rec []byte) {
			e.handle(dir, rec, depth+1, budget)
		})
		if err != nil {
			e.stats.MultiFailures.Add(1)
			e.logger.Warn("multi expansion aborted",
				zap.Stringer("direction", dir),
				zap.Int("depth", depth),
				zap.Int("records_dispatched", st.Records),
				zap.Error(err))
			return true
		}
		e.stats.MultiExpanded.Add(1)
		return true
	}

	rec := e.dispatcher.Dispatch(dir, msg)
	e.stats.MessagesDispatched.Add(1)
	if !rec.Handled {
		e.stats.MessagesUnhandled.Add(1)
	}
	if !rec.Accepted {
		e.stats.MessagesRejected.Add(1)
	}

	if e.sink != nil && e.sink.Write(&rec, msg) {
		e.stats.MessagesCaptured.Add(1)
	}
	if e.exporter != nil {
		e.exporter.Export(&rec)
	}
	return rec.Accepted
}

// recoverPanic keeps faults from reaching the intercepted caller.
func (e *Engine) recoverPanic(op string, dir wire.Direction) {
	if r := recover(); r != nil {
		e.stats.PanicsRecovered.Add(1)
		e.logger.Error("recovered panic",
			zap.String("op", op),
			zap.Stringer("direction", dir),
			zap.Any("panic", r),
			zap.Stack("stack"))
	}
}
