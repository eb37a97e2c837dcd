// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildDatagram(h DatagramHeader, payload []byte) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, h.Magic)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, byte(h.Type), h.Flags)
	for _, v := range []uint32{h.SrcConnID, h.DstConnID, h.SeqThis, h.SeqAcked, h.FragCount, h.MsgStartSeq, h.MsgDataSize} {
		buf = binary.LittleEndian.AppendUint32(buf, v)
	}
	return append(buf, payload...)
}

func TestParseDatagram(t *testing.T) {
	h := DatagramHeader{
		Magic:       DatagramMagic,
		Type:        PacketData,
		Flags:       4,
		SrcConnID:   512,
		DstConnID:   200,
		SeqThis:     101,
		SeqAcked:    7,
		FragCount:   2,
		MsgStartSeq: 100,
		MsgDataSize: 4,
	}
	buf := buildDatagram(h, []byte("BB"))
	require.Len(t, buf, DatagramHeaderSize+2)

	dg, err := ParseDatagram(buf)
	require.NoError(t, err)
	assert.Equal(t, PacketData, dg.Header.Type)
	assert.Equal(t, uint16(2), dg.Header.Size)
	assert.Equal(t, uint32(512), dg.Header.SrcConnID)
	assert.Equal(t, uint32(200), dg.Header.DstConnID)
	assert.Equal(t, uint32(101), dg.Header.SeqThis)
	assert.Equal(t, uint32(2), dg.Header.FragCount)
	assert.Equal(t, uint32(100), dg.Header.MsgStartSeq)
	assert.Equal(t, []byte("BB"), dg.Payload)
}

func TestParseDatagramErrors(t *testing.T) {
	good := buildDatagram(DatagramHeader{Magic: DatagramMagic, Type: PacketData}, []byte("xyz"))

	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{"empty", nil, ErrShortBuffer},
		{"header truncated", good[:DatagramHeaderSize-1], ErrShortBuffer},
		{"payload truncated", good[:len(good)-1], ErrShortBuffer},
		{"bad magic", append([]byte{0, 0, 0, 0}, good[4:]...), ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDatagram(tt.buf)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPacketTypeString(t *testing.T) {
	assert.Equal(t, "Data", PacketData.String())
	assert.Equal(t, "Accept", PacketAccept.String())
	assert.Equal(t, "PacketType(99)", PacketType(99).String())
}
