// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package wire

import "fmt"

// DatagramMagic is the first field of every UDP envelope ("VS01").
const DatagramMagic uint32 = 0x31305356

// DatagramHeaderSize is the fixed size of the UDP envelope.
const DatagramHeaderSize = 36

// PacketType is the wire packet type of a UDP envelope.
type PacketType uint8

const (
	PacketInvalid      PacketType = 0
	PacketChallengeReq PacketType = 1
	PacketChallenge    PacketType = 2
	PacketConnect      PacketType = 3
	PacketAccept       PacketType = 4
	PacketDisconnect   PacketType = 5
	PacketData         PacketType = 6
	PacketDatagram     PacketType = 7
)

func (t PacketType) String() string {
	switch t {
	case PacketChallengeReq:
		return "ChallengeReq"
	case PacketChallenge:
		return "Challenge"
	case PacketConnect:
		return "Connect"
	case PacketAccept:
		return "Accept"
	case PacketDisconnect:
		return "Disconnect"
	case PacketData:
		return "Data"
	case PacketDatagram:
		return "Datagram"
	case PacketInvalid:
		return "Invalid"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

// DatagramHeader is the fixed UDP envelope preceding every payload.
type DatagramHeader struct {
	Magic       uint32
	Size        uint16
	Type        PacketType
	Flags       uint8
	SrcConnID   uint32
	DstConnID   uint32
	SeqThis     uint32
	SeqAcked    uint32
	FragCount   uint32
	MsgStartSeq uint32
	MsgDataSize uint32
}

// Datagram is a parsed UDP envelope and its payload.
type Datagram struct {
	Header  DatagramHeader
	Payload []byte
}

// ParseDatagram decodes one UDP envelope. The payload aliases buf.
func ParseDatagram(buf []byte) (*Datagram, error) {
	r := NewReader(buf)
	var h DatagramHeader
	var err error

	if h.Magic, err = r.Uint32(); err != nil {
		return nil, err
	}
	if h.Magic != DatagramMagic {
		return nil, fmt.Errorf("%w: bad datagram magic %#08x", ErrMalformed, h.Magic)
	}
	if h.Size, err = r.Uint16(); err != nil {
		return nil, err
	}
	t, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	h.Type = PacketType(t)
	if h.Flags, err = r.Uint8(); err != nil {
		return nil, err
	}
	for _, f := range []*uint32{&h.SrcConnID, &h.DstConnID, &h.SeqThis, &h.SeqAcked, &h.FragCount, &h.MsgStartSeq, &h.MsgDataSize} {
		if *f, err = r.Uint32(); err != nil {
			return nil, err
		}
	}

	payload, err := r.Bytes(int(h.Size))
	if err != nil {
		return nil, fmt.Errorf("datagram payload: %w", err)
	}

	return &Datagram{Header: h, Payload: payload}, nil
}
