// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package dispatch

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/SteamRE/SteamKit-sub000/pkg/wire"
)

type recordingHandler struct {
	layout wire.Layout
	body   int
	accept bool
	seen   []*Message
}

func (h *recordingHandler) Layout() wire.Layout        { return h.layout }
func (h *recordingHandler) BodySize() int              { return h.body }
func (h *recordingHandler) Format(msg *Message) string { return "recorded" }
func (h *recordingHandler) Handle(_ wire.Direction, msg *Message) bool {
	h.seen = append(h.seen, msg)
	return h.accept
}

func stdMsg(code uint32, body ...byte) []byte {
	msg := binary.LittleEndian.AppendUint32(nil, code)
	msg = append(msg, make([]byte, 16)...)
	return append(msg, body...)
}

func observed() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestDispatchStandardEmptyBody(t *testing.T) {
	h := &recordingHandler{layout: wire.LayoutStandard, accept: true}
	d := NewDispatcher(NewRegistry(Registration{EMsg: 2, Handler: h}), nil, zap.NewNop())

	rec := d.Dispatch(wire.Incoming, stdMsg(2))
	assert.Equal(t, wire.EMsg(2), rec.EMsg)
	assert.True(t, rec.Handled)
	assert.True(t, rec.Accepted)
	assert.Equal(t, "recorded", rec.Detail)

	require.Len(t, h.seen, 1)
	assert.Empty(t, h.seen[0].Payload)
	assert.Equal(t, wire.StandardHeaderSize, h.seen[0].Header.Size)
}

func TestDispatchMasksTopBit(t *testing.T) {
	h := &recordingHandler{layout: wire.LayoutStandard, body: 4, accept: true}
	logger, logs := observed()
	d := NewDispatcher(NewRegistry(Registration{EMsg: wire.EMsgChannelEncryptResult, Handler: h}), nil, logger)

	code := uint32(wire.EMsgChannelEncryptResult)
	plain := d.Dispatch(wire.Incoming, stdMsg(code, 1, 0, 0, 0))
	flagged := d.Dispatch(wire.Incoming, stdMsg(code|wire.ProtoMask, 1, 0, 0, 0))

	assert.Equal(t, plain.EMsg, flagged.EMsg)
	assert.Equal(t, plain.Name, flagged.Name)
	assert.True(t, flagged.Handled)
	assert.Len(t, h.seen, 2)

	entries := logs.FilterMessage("message").All()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, uint32(1305), e.ContextMap()["emsg"])
		assert.Equal(t, "ChannelEncryptResult", e.ContextMap()["name"])
	}
}

func TestDispatchUnregisteredStillLogged(t *testing.T) {
	logger, logs := observed()
	d := NewDispatcher(NewRegistry(), nil, logger)

	msg := binary.LittleEndian.AppendUint32(nil, 424242)
	msg = append(msg, wire.ExtendedHeaderSize)
	msg = append(msg, make([]byte, wire.ExtendedHeaderSize-5)...)

	rec := d.Dispatch(wire.Outgoing, msg)
	assert.False(t, rec.Handled)
	assert.True(t, rec.Accepted)
	assert.Equal(t, wire.LayoutExtended, rec.Layout)
	assert.Equal(t, wire.UnknownName, rec.Name)

	entries := logs.FilterMessage("message").All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "out", ctx["direction"])
	assert.Equal(t, uint32(424242), ctx["emsg"])
	assert.Equal(t, wire.UnknownName, ctx["name"])
	assert.Len(t, ctx["header"], 64, "32 header bytes rendered as hex")
}

func TestDispatchUndecodableEnvelopeIsLogged(t *testing.T) {
	logger, logs := observed()
	d := NewDispatcher(NewRegistry(), nil, logger)

	// Unregistered, so read as extended, but the size byte is wrong.
	rec := d.Dispatch(wire.Incoming, stdMsg(9999))
	assert.True(t, rec.Accepted)
	assert.False(t, rec.Handled)
	assert.Equal(t, 1, logs.FilterMessage("message").Len())
	assert.Equal(t, 1, logs.FilterMessage("envelope not decoded").Len())
}

func TestDispatchRejected(t *testing.T) {
	h := &recordingHandler{layout: wire.LayoutStandard}
	d := NewDispatcher(NewRegistry(Registration{EMsg: 7, Handler: h}), nil, zap.NewNop())

	rec := d.Dispatch(wire.Incoming, stdMsg(7, 'x'))
	assert.True(t, rec.Handled)
	assert.False(t, rec.Accepted)
	require.Len(t, h.seen, 1)
	assert.Equal(t, []byte("x"), h.seen[0].Payload)
}

func TestDispatchShortInputs(t *testing.T) {
	h := &recordingHandler{layout: wire.LayoutStandard, body: 8, accept: false}
	logger, logs := observed()
	d := NewDispatcher(NewRegistry(Registration{EMsg: 7, Handler: h}), nil, logger)

	rec := d.Dispatch(wire.Incoming, []byte{7})
	assert.True(t, rec.Accepted)
	assert.Zero(t, rec.EMsg)
	assert.Equal(t, 1, logs.FilterMessage("message too short for type code").Len())
	assert.Zero(t, logs.FilterMessage("message").Len())

	// Envelope fits but the 8-byte struct does not.
	rec = d.Dispatch(wire.Incoming, stdMsg(7, 1, 2, 3))
	assert.True(t, rec.Accepted)
	assert.False(t, rec.Handled)
	assert.Empty(t, h.seen)
	assert.Equal(t, 1, logs.FilterMessage("message body shorter than handler struct").Len())
}

func TestDispatchTwoAndThreeByteTypeCodes(t *testing.T) {
	tests := []struct {
		name string
		msg  []byte
	}{
		{"two bytes", []byte{0x17, 0x05}},
		{"three bytes", []byte{0x17, 0x05, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logs := observed()
			d := NewDispatcher(NewRegistry(DefaultHandlers()...), nil, logger)

			rec := d.Dispatch(wire.Incoming, tt.msg)
			assert.Equal(t, wire.EMsgChannelEncryptRequest, rec.EMsg)
			assert.Equal(t, "ChannelEncryptRequest", rec.Name)
			assert.True(t, rec.Accepted)
			assert.False(t, rec.Handled)

			entries := logs.FilterMessage("message").All()
			require.Len(t, entries, 1)
			assert.Equal(t, uint32(1303), entries[0].ContextMap()["emsg"])
			assert.Zero(t, logs.FilterMessage("message too short for type code").Len())
		})
	}
}

func TestDispatchCustomResolver(t *testing.T) {
	resolve := func(e wire.EMsg) string {
		if e == 42 {
			return "HostSideName"
		}
		return "unknown"
	}
	d := NewDispatcher(NewRegistry(), resolve, zap.NewNop())

	assert.Equal(t, "HostSideName", d.Dispatch(wire.Incoming, stdMsg(42)).Name)
	assert.Equal(t, "unknown", d.Dispatch(wire.Incoming, stdMsg(43)).Name)
}

func TestRegistryRegisterIsFirstWins(t *testing.T) {
	first := &recordingHandler{layout: wire.LayoutStandard, accept: true}
	second := &recordingHandler{layout: wire.LayoutStandard, accept: false}

	r := NewRegistry(
		Registration{EMsg: 5, Handler: first},
		Registration{EMsg: 5, Handler: second},
	)
	assert.False(t, r.Register(5|wire.EMsg(wire.ProtoMask), second))
	assert.False(t, r.Register(6, nil))
	assert.True(t, r.Register(6, second))

	h, ok := r.Lookup(5)
	require.True(t, ok)
	assert.Same(t, first, h)
	assert.Equal(t, 2, r.Len())
}

func TestRegistryTypesSorted(t *testing.T) {
	r := NewRegistry(DefaultHandlers()...)
	assert.Equal(t, []wire.EMsg{
		wire.EMsgClientHeartBeat,
		wire.EMsgClientLogOnResponse,
		wire.EMsgChannelEncryptRequest,
		wire.EMsgChannelEncryptResponse,
		wire.EMsgChannelEncryptResult,
		wire.EMsgClientLogon,
		wire.EMsgClientHello,
	}, r.Types())
}

func TestDefaultHandlerFormatting(t *testing.T) {
	d := NewDispatcher(NewRegistry(DefaultHandlers()...), nil, zap.NewNop())

	rec := d.Dispatch(wire.Incoming, stdMsg(uint32(wire.EMsgChannelEncryptRequest), 1, 0, 0, 0, 1, 0, 0, 0))
	assert.Equal(t, "protocol_version=1 universe=Public", rec.Detail)

	rec = d.Dispatch(wire.Incoming, stdMsg(uint32(wire.EMsgChannelEncryptResult), 1, 0, 0, 0))
	assert.Equal(t, "eresult=OK", rec.Detail)

	rec = d.Dispatch(wire.Outgoing, stdMsg(uint32(wire.EMsgChannelEncryptResponse), 1, 0, 0, 0, 128, 0, 0, 0, 0xaa, 0xbb))
	assert.Equal(t, "protocol_version=1 key_size=128 payload=2", rec.Detail)

	var hdr []byte
	hdr = protowire.AppendTag(hdr, 2, protowire.VarintType)
	hdr = protowire.AppendVarint(hdr, 77)
	var body []byte
	body = protowire.AppendTag(body, 1, protowire.VarintType)
	body = protowire.AppendVarint(body, 65580)
	body = protowire.AppendTag(body, 6, protowire.BytesType)
	body = protowire.AppendString(body, "english")

	msg := binary.LittleEndian.AppendUint32(nil, uint32(wire.EMsgClientLogon)|wire.ProtoMask)
	msg = binary.LittleEndian.AppendUint32(msg, uint32(len(hdr)))
	msg = append(append(msg, hdr...), body...)

	rec = d.Dispatch(wire.Outgoing, msg)
	assert.True(t, rec.Handled)
	assert.Equal(t, wire.LayoutProtobuf, rec.Layout)
	assert.Equal(t, `1:65580 6:"english"`, rec.Detail)
}
