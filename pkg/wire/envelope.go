// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package wire

import "fmt"

// Layout selects how the envelope in front of a logical message is parsed.
type Layout uint8

const (
	LayoutExtended Layout = iota // default for unregistered types
	LayoutStandard
	LayoutProtobuf
)

func (l Layout) String() string {
	switch l {
	case LayoutStandard:
		return "standard"
	case LayoutProtobuf:
		return "protobuf"
	default:
		return "extended"
	}
}

const (
	// StandardHeaderSize is typeCode:i32 jobIdTarget:u64 jobIdSource:u64.
	StandardHeaderSize = 20

	// ExtendedHeaderSize is the fixed extended envelope, which also
	// declares its own size in the fifth byte.
	ExtendedHeaderSize = 36

	// MaxProtoHeaderSize bounds the declared protobuf header length.
	MaxProtoHeaderSize = 64 * 1024
)

// Envelope is the decoded header in front of a logical message body.
type Envelope struct {
	Layout  Layout
	RawType uint32
	EMsg    EMsg

	JobIDTarget uint64
	JobIDSource uint64

	// Extended layout only.
	HeaderVersion uint16
	Canary        uint8
	SteamID       uint64
	SessionID     int32

	// Protobuf layout only.
	Proto *ProtoHeader

	// Size is the number of bytes the envelope occupied.
	Size int
}

// ParseEnvelope decodes the envelope of buf using layout and returns it with
// the bytes that follow it.
func ParseEnvelope(layout Layout, buf []byte) (*Envelope, []byte, error) {
	r := NewReader(buf)
	raw, err := r.Uint32()
	if err != nil {
		return nil, nil, err
	}
	env := &Envelope{Layout: layout, RawType: raw, EMsg: MaskEMsg(raw)}

	switch layout {
	case LayoutStandard:
		if env.JobIDTarget, err = r.Uint64(); err != nil {
			return nil, nil, err
		}
		if env.JobIDSource, err = r.Uint64(); err != nil {
			return nil, nil, err
		}

	case LayoutExtended:
		size, err := r.Uint8()
		if err != nil {
			return nil, nil, err
		}
		if size != ExtendedHeaderSize {
			return nil, nil, fmt.Errorf("%w: extended header declares %d bytes", ErrMalformed, size)
		}
		if err := r.need(ExtendedHeaderSize - 5); err != nil {
			return nil, nil, err
		}
		env.HeaderVersion, _ = r.Uint16()
		env.JobIDTarget, _ = r.Uint64()
		env.JobIDSource, _ = r.Uint64()
		env.Canary, _ = r.Uint8()
		env.SteamID, _ = r.Uint64()
		env.SessionID, _ = r.Int32()

	case LayoutProtobuf:
		hdrLen, err := r.Uint32()
		if err != nil {
			return nil, nil, err
		}
		if hdrLen > MaxProtoHeaderSize {
			return nil, nil, fmt.Errorf("%w: protobuf header length %d", ErrMalformed, hdrLen)
		}
		hdr, err := r.Bytes(int(hdrLen))
		if err != nil {
			return nil, nil, err
		}
		if env.Proto, err = ParseProtoHeader(hdr); err != nil {
			return nil, nil, err
		}
		env.JobIDTarget = env.Proto.JobIDTarget
		env.JobIDSource = env.Proto.JobIDSource
		env.SteamID = env.Proto.SteamID
		env.SessionID = env.Proto.ClientSessionID

	default:
		return nil, nil, fmt.Errorf("%w: unknown layout %d", ErrMalformed, layout)
	}

	env.Size = r.Offset()
	return env, r.Rest(), nil
}

// HeaderPreview returns at most n leading bytes of buf for logging.
func HeaderPreview(buf []byte, n int) []byte {
	if len(buf) < n {
		return buf
	}
	return buf[:n]
}
