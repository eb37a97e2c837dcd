// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"encoding/binary"
	"fmt"

	"github.com/SteamRE/SteamKit-sub000/pkg/wire"
)

// Frame types written by the injected library.
const (
	FramePlaintextOut = 1 // outgoing logical message, before encryption
	FramePlaintextIn  = 2 // incoming logical message, after decryption
	FrameDatagramOut  = 3 // raw UDP datagram sent
	FrameDatagramIn   = 4 // raw UDP datagram received
	FrameSessionKey   = 5 // negotiated channel key
	FrameAttach       = 6 // library loaded into a new process
)

// HeaderSize is the fixed size of the frame header.
const HeaderSize = 32

// MaxPayload is the largest payload accepted in one frame.
const MaxPayload = 128 * 1024

// Header is the fixed frame header:
// type:u8 @0, pid:u32 @4, tid:u32 @8, channel:i32 @12,
// payload_len:u32 @16, ts_ns:u64 @24.
type Header struct {
	Type        uint8
	PID         uint32
	TID         uint32
	Channel     int32
	PayloadLen  uint32
	TimestampNS uint64
}

// Frame is a header and its payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// FrameTypeName returns a human-readable name for a frame type.
func FrameTypeName(t uint8) string {
	switch t {
	case FramePlaintextOut:
		return "PLAINTEXT_OUT"
	case FramePlaintextIn:
		return "PLAINTEXT_IN"
	case FrameDatagramOut:
		return "DATAGRAM_OUT"
	case FrameDatagramIn:
		return "DATAGRAM_IN"
	case FrameSessionKey:
		return "SESSION_KEY"
	case FrameAttach:
		return "ATTACH"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", t)
	}
}

// Direction returns the traffic direction of a plaintext or datagram frame.
func (f *Frame) Direction() wire.Direction {
	switch f.Header.Type {
	case FramePlaintextOut, FrameDatagramOut:
		return wire.Outgoing
	default:
		return wire.Incoming
	}
}

// ParseHeader decodes a 32-byte frame header.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("buffer too small: %d < %d", len(buf), HeaderSize)
	}

	return Header{
		Type:        buf[0],
		PID:         binary.LittleEndian.Uint32(buf[4:8]),
		TID:         binary.LittleEndian.Uint32(buf[8:12]),
		Channel:     int32(binary.LittleEndian.Uint32(buf[12:16])),
		PayloadLen:  binary.LittleEndian.Uint32(buf[16:20]),
		TimestampNS: binary.LittleEndian.Uint64(buf[24:32]),
	}, nil
}

// ParseFrame decodes a complete frame. The payload is copied.
func ParseFrame(buf []byte) (*Frame, error) {
	hdr, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	if hdr.PayloadLen > MaxPayload {
		return nil, fmt.Errorf("payload too large: %d > %d", hdr.PayloadLen, MaxPayload)
	}

	f := &Frame{Header: hdr}
	if hdr.PayloadLen > 0 {
		if uint32(len(buf)-HeaderSize) < hdr.PayloadLen {
			return nil, fmt.Errorf("payload truncated: have %d, need %d",
				len(buf)-HeaderSize, hdr.PayloadLen)
		}
		f.Payload = make([]byte, hdr.PayloadLen)
		copy(f.Payload, buf[HeaderSize:HeaderSize+int(hdr.PayloadLen)])
	}
	return f, nil
}

// EncodeFrame builds the wire form of a frame. Used by tests and tools that
// feed the socket.
func EncodeFrame(typ uint8, pid, tid uint32, channel int32, ts uint64, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = typ
	binary.LittleEndian.PutUint32(buf[4:8], pid)
	binary.LittleEndian.PutUint32(buf[8:12], tid)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(channel))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(payload)))
	binary.LittleEndian.PutUint64(buf[24:32], ts)
	copy(buf[HeaderSize:], payload)
	return buf
}
