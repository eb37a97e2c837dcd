// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package conntrack

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SteamRE/SteamKit-sub000/pkg/reassembly"
	"github.com/SteamRE/SteamKit-sub000/pkg/wire"
)

var (
	// ErrNoDecrypter means a message completed on an encrypted channel but
	// no decrypter was configured.
	ErrNoDecrypter = errors.New("channel encrypted but no decrypter configured")

	// ErrDecrypt wraps every failure returned by the Decrypter.
	ErrDecrypt = errors.New("decrypt failed")
)

// ChannelState is the encryption state of one direction.
type ChannelState uint8

const (
	Unencrypted ChannelState = iota
	Encrypted
)

func (s ChannelState) String() string {
	if s == Encrypted {
		return "encrypted"
	}
	return "unencrypted"
}

// Decrypter turns an assembled encrypted message into plaintext.
type Decrypter interface {
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Config bounds the per-direction fragment state.
type Config struct {
	MaxGroups    int
	MaxFragments uint32
}

// Outcome reports what a datagram did to the tracker.
type Outcome struct {
	Packet wire.PacketType

	// Fragment is set for Data packets accepted by the assembler.
	Fragment  bool
	Duplicate bool
	Evicted   bool

	// Message is the complete, decrypted logical message, if any.
	Message []byte
}

// direction is the state owned by one flow. The two directions never share
// an assembler or a channel state.
type direction struct {
	asm   *reassembly.Assembler
	state ChannelState

	srcConnID uint32
	dstConnID uint32
}

// Tracker classifies UDP datagrams, reassembles Data fragments per
// direction and follows the channel encryption handshake.
type Tracker struct {
	mu        sync.RWMutex
	in        *direction
	out       *direction
	decrypter Decrypter
	logger    *zap.Logger
}

// NewTracker creates a tracker with both directions unencrypted.
// decrypter may be nil if encrypted traffic is never expected.
func NewTracker(cfg Config, decrypter Decrypter, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		in:        &direction{asm: reassembly.NewAssembler(cfg.MaxGroups, cfg.MaxFragments)},
		out:       &direction{asm: reassembly.NewAssembler(cfg.MaxGroups, cfg.MaxFragments)},
		decrypter: decrypter,
		logger:    logger,
	}
}

func (t *Tracker) dir(d wire.Direction) *direction {
	if d == wire.Outgoing {
		return t.out
	}
	return t.in
}

// Process handles one raw datagram travelling in direction d.
// Errors are per datagram; state for other fragment groups is unaffected.
func (t *Tracker) Process(d wire.Direction, buf []byte) (Outcome, error) {
	dg, err := wire.ParseDatagram(buf)
	if err != nil {
		return Outcome{}, err
	}
	h := &dg.Header
	out := Outcome{Packet: h.Type}
	ds := t.dir(d)

	if h.Type != wire.PacketData {
		t.noteAdmin(d, ds, h)
		return out, nil
	}

	res, err := ds.asm.Add(h.MsgStartSeq, h.FragCount, h.SeqThis, dg.Payload)
	if err != nil {
		return out, err
	}
	out.Fragment = true
	out.Duplicate = res.Duplicate
	out.Evicted = res.Evicted
	if res.Evicted {
		t.logger.Warn("fragment group table full, evicted oldest group",
			zap.Stringer("direction", d))
	}
	if res.Message == nil {
		return out, nil
	}

	msg := res.Message
	if h.MsgDataSize != 0 && int(h.MsgDataSize) != len(msg) {
		t.logger.Warn("assembled size differs from declared size",
			zap.Stringer("direction", d),
			zap.Uint32("start_seq", h.MsgStartSeq),
			zap.Uint32("declared", h.MsgDataSize),
			zap.Int("assembled", len(msg)))
	}

	if t.State(d) == Encrypted {
		if t.decrypter == nil {
			return out, ErrNoDecrypter
		}
		plain, err := t.decrypter.Decrypt(msg)
		if err != nil {
			return out, fmt.Errorf("%w: start_seq %d: %w", ErrDecrypt, h.MsgStartSeq, err)
		}
		msg = plain
	}

	t.Observe(d, msg)
	out.Message = msg
	return out, nil
}

// Observe inspects a decoded logical message for the channel encryption
// result. A successful result switches both directions to Encrypted, since
// the negotiated key protects the whole session.
func (t *Tracker) Observe(d wire.Direction, msg []byte) {
	if !IsEncryptSuccess(msg) {
		return
	}

	t.mu.Lock()
	changed := t.in.state != Encrypted || t.out.state != Encrypted
	t.in.state = Encrypted
	t.out.state = Encrypted
	t.mu.Unlock()

	if changed {
		t.logger.Info("channel encrypted", zap.Stringer("observed_on", d))
	}
}

// IsEncryptSuccess reports whether msg is a ChannelEncryptResult carrying
// EResult OK. The message uses the standard envelope.
func IsEncryptSuccess(msg []byte) bool {
	env, body, err := wire.ParseEnvelope(wire.LayoutStandard, msg)
	if err != nil || env.EMsg != wire.EMsgChannelEncryptResult {
		return false
	}
	eresult, err := wire.NewReader(body).Uint32()
	return err == nil && wire.EResult(eresult) == wire.EResultOK
}

// State returns the channel state of direction d.
func (t *Tracker) State(d wire.Direction) ChannelState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dir(d).state
}

// ConnIDs returns the last source and destination connection ids seen on
// direction d.
func (t *Tracker) ConnIDs(d wire.Direction) (src, dst uint32) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ds := t.dir(d)
	return ds.srcConnID, ds.dstConnID
}

// PendingGroups returns the number of incomplete fragment groups on d.
func (t *Tracker) PendingGroups(d wire.Direction) int {
	return t.dir(d).asm.Pending()
}

// CleanStale drops fragment groups idle for longer than maxIdle in both
// directions and returns the total removed.
func (t *Tracker) CleanStale(maxIdle time.Duration) int {
	return t.in.asm.CleanStale(maxIdle) + t.out.asm.CleanStale(maxIdle)
}

// Reset returns both directions to Unencrypted with no pending fragments.
// Called when the client reconnects.
func (t *Tracker) Reset() {
	t.mu.Lock()
	for _, ds := range []*direction{t.in, t.out} {
		ds.state = Unencrypted
		ds.srcConnID, ds.dstConnID = 0, 0
		ds.asm.Reset()
	}
	t.mu.Unlock()
}

func (t *Tracker) noteAdmin(d wire.Direction, ds *direction, h *wire.DatagramHeader) {
	switch h.Type {
	case wire.PacketConnect, wire.PacketAccept:
		t.mu.Lock()
		ds.srcConnID, ds.dstConnID = h.SrcConnID, h.DstConnID
		t.mu.Unlock()
	}

	t.logger.Debug("admin packet",
		zap.Stringer("direction", d),
		zap.Stringer("type", h.Type),
		zap.Uint32("src_conn", h.SrcConnID),
		zap.Uint32("dst_conn", h.DstConnID),
		zap.Uint32("seq", h.SeqThis),
		zap.Uint32("ack", h.SeqAcked),
		zap.Uint16("size", h.Size),
	)

	if h.Type == wire.PacketChallengeReq && d == wire.Outgoing {
		// A fresh handshake starts a new session.
		t.Reset()
		t.logger.Info("new session handshake, channel state reset")
	}
}
