// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestParseStandardEnvelope(t *testing.T) {
	// type=2, zero job ids, nothing after the envelope.
	buf := append([]byte{0x02, 0x00, 0x00, 0x00}, make([]byte, 16)...)

	env, rest, err := ParseEnvelope(LayoutStandard, buf)
	require.NoError(t, err)
	assert.Equal(t, EMsg(2), env.EMsg)
	assert.Equal(t, StandardHeaderSize, env.Size)
	assert.Empty(t, rest)
}

func TestParseStandardEnvelopeMasksTopBit(t *testing.T) {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(EMsgChannelEncryptResult)|ProtoMask)
	buf = binary.LittleEndian.AppendUint64(buf, 7)
	buf = binary.LittleEndian.AppendUint64(buf, 9)
	buf = append(buf, 0x01, 0x00, 0x00, 0x00)

	env, rest, err := ParseEnvelope(LayoutStandard, buf)
	require.NoError(t, err)
	assert.Equal(t, EMsgChannelEncryptResult, env.EMsg)
	assert.Equal(t, uint64(7), env.JobIDTarget)
	assert.Equal(t, uint64(9), env.JobIDSource)
	assert.Equal(t, []byte{1, 0, 0, 0}, rest)
}

func buildExtended(emsg EMsg, steamID uint64, session int32, body []byte) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(emsg))
	buf = append(buf, ExtendedHeaderSize)
	buf = binary.LittleEndian.AppendUint16(buf, 2)
	buf = binary.LittleEndian.AppendUint64(buf, NoJobID)
	buf = binary.LittleEndian.AppendUint64(buf, NoJobID)
	buf = append(buf, 0xef)
	buf = binary.LittleEndian.AppendUint64(buf, steamID)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(session))
	return append(buf, body...)
}

func TestParseExtendedEnvelope(t *testing.T) {
	buf := buildExtended(EMsgClientLogOnResponse, 76561197960287930, 42, []byte("body"))

	env, rest, err := ParseEnvelope(LayoutExtended, buf)
	require.NoError(t, err)
	assert.Equal(t, EMsgClientLogOnResponse, env.EMsg)
	assert.Equal(t, uint16(2), env.HeaderVersion)
	assert.Equal(t, uint8(0xef), env.Canary)
	assert.Equal(t, uint64(76561197960287930), env.SteamID)
	assert.Equal(t, int32(42), env.SessionID)
	assert.Equal(t, ExtendedHeaderSize, env.Size)
	assert.Equal(t, []byte("body"), rest)
}

func TestParseExtendedEnvelopeErrors(t *testing.T) {
	buf := buildExtended(EMsgClientLogOnResponse, 1, 1, nil)

	_, _, err := ParseEnvelope(LayoutExtended, buf[:ExtendedHeaderSize-1])
	assert.ErrorIs(t, err, ErrShortBuffer)

	bad := append([]byte(nil), buf...)
	bad[4] = 20
	_, _, err = ParseEnvelope(LayoutExtended, bad)
	assert.ErrorIs(t, err, ErrMalformed)

	_, _, err = ParseEnvelope(LayoutExtended, []byte{1, 0})
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestParseProtobufEnvelope(t *testing.T) {
	var hdr []byte
	hdr = protowire.AppendTag(hdr, 1, protowire.Fixed64Type)
	hdr = protowire.AppendFixed64(hdr, 76561197960287930)
	hdr = protowire.AppendTag(hdr, 2, protowire.VarintType)
	hdr = protowire.AppendVarint(hdr, 1234)
	hdr = protowire.AppendTag(hdr, 10, protowire.Fixed64Type)
	hdr = protowire.AppendFixed64(hdr, 55)
	hdr = protowire.AppendTag(hdr, 12, protowire.BytesType)
	hdr = protowire.AppendString(hdr, "Player.GetGameBadgeLevels#1")
	hdr = protowire.AppendTag(hdr, 99, protowire.VarintType) // unknown, skipped
	hdr = protowire.AppendVarint(hdr, 1)

	buf := binary.LittleEndian.AppendUint32(nil, uint32(EMsgClientLogon)|ProtoMask)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(hdr)))
	buf = append(buf, hdr...)
	buf = append(buf, 0xde, 0xad)

	env, rest, err := ParseEnvelope(LayoutProtobuf, buf)
	require.NoError(t, err)
	require.NotNil(t, env.Proto)
	assert.Equal(t, EMsgClientLogon, env.EMsg)
	assert.Equal(t, uint64(76561197960287930), env.SteamID)
	assert.Equal(t, int32(1234), env.SessionID)
	assert.Equal(t, uint64(55), env.JobIDSource)
	assert.Equal(t, NoJobID, env.JobIDTarget)
	assert.Equal(t, "Player.GetGameBadgeLevels#1", env.Proto.TargetJobName)
	assert.Equal(t, []byte{0xde, 0xad}, rest)
}

func TestParseProtobufEnvelopeTruncatedHeader(t *testing.T) {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(EMsgClientLogon)|ProtoMask)
	buf = binary.LittleEndian.AppendUint32(buf, 100)
	buf = append(buf, 1, 2, 3)

	_, _, err := ParseEnvelope(LayoutProtobuf, buf)
	assert.ErrorIs(t, err, ErrShortBuffer)

	buf = binary.LittleEndian.AppendUint32(nil, uint32(EMsgClientLogon)|ProtoMask)
	buf = binary.LittleEndian.AppendUint32(buf, 2)
	buf = append(buf, 0x0a, 0x05) // bytes field claiming 5 bytes, none present

	_, _, err = ParseEnvelope(LayoutProtobuf, buf)
	assert.ErrorIs(t, err, ErrMalformed)
}
