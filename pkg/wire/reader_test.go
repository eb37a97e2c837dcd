// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderFixedWidth(t *testing.T) {
	buf := []byte{
		0x01,
		0x02, 0x01,
		0x04, 0x03, 0x02, 0x01,
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
		0xaa, 0xbb,
	}
	r := NewReader(buf)

	u8, err := r.Uint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(1), u8)

	u16, err := r.Uint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0102), u16)

	u32, err := r.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), u32)

	u64, err := r.Uint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), u64)

	assert.Equal(t, 15, r.Offset())
	assert.Equal(t, []byte{0xaa, 0xbb}, r.Rest())
	assert.Equal(t, 0, r.Len())
}

func TestReaderShortBuffer(t *testing.T) {
	r := NewReader([]byte{1, 2, 3})

	_, err := r.Uint32()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShortBuffer))

	// A failed read does not move the cursor.
	assert.Equal(t, 0, r.Offset())

	_, err = r.Bytes(4)
	assert.ErrorIs(t, err, ErrShortBuffer)
	_, err = r.Bytes(-1)
	assert.ErrorIs(t, err, ErrShortBuffer)
	assert.ErrorIs(t, r.Skip(10), ErrShortBuffer)

	b, err := r.Bytes(3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)
}

func TestReaderBytesDoNotGrowIntoParent(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	r := NewReader(buf)
	b, err := r.Bytes(2)
	require.NoError(t, err)

	b = append(b, 9)
	assert.Equal(t, byte(3), buf[2], "append on a sliced field must not overwrite the next field")
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "in", Incoming.String())
	assert.Equal(t, "out", Outgoing.String())
}

func TestMaskEMsg(t *testing.T) {
	assert.Equal(t, EMsgChannelEncryptResult, MaskEMsg(uint32(EMsgChannelEncryptResult)|ProtoMask))
	assert.True(t, IsProto(uint32(EMsgClientLogon)|ProtoMask))
	assert.False(t, IsProto(uint32(EMsgClientLogon)))
	assert.Equal(t, "ClientLogon", EMsgClientLogon.Name())
	assert.Equal(t, UnknownName, EMsg(424242).Name())
	assert.Equal(t, "EMsg(424242)", EMsg(424242).String())
}
