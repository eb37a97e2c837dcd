// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package wire

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// NoJobID is the protocol's "no job" sentinel.
const NoJobID = ^uint64(0)

// ProtoHeader is the subset of the protobuf message header that is useful
// for logging. Unknown fields are skipped.
type ProtoHeader struct {
	SteamID         uint64
	ClientSessionID int32
	RoutingAppID    uint32
	JobIDSource     uint64
	JobIDTarget     uint64
	TargetJobName   string
	EResult         EResult
	ErrorMessage    string
}

// ParseProtoHeader decodes a protobuf message header.
func ParseProtoHeader(b []byte) (*ProtoHeader, error) {
	h := &ProtoHeader{
		JobIDSource: NoJobID,
		JobIDTarget: NoJobID,
		EResult:     EResultFail,
	}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			h.SteamID = v
			return n
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			h.ClientSessionID = int32(v)
			return n
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			h.RoutingAppID = uint32(v)
			return n
		case num == 10 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			h.JobIDSource = v
			return n
		case num == 11 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			h.JobIDTarget = v
			return n
		case num == 12 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			h.TargetJobName = string(v)
			return n
		case num == 13 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			h.EResult = EResult(int32(v))
			return n
		case num == 14 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			h.ErrorMessage = string(v)
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return nil, fmt.Errorf("protobuf header: %w", err)
	}
	return h, nil
}

// MultiBody is the protobuf body of a Multi container.
type MultiBody struct {
	// UncompressedSize is zero when the field is absent.
	UncompressedSize uint32
	MessageBody      []byte
}

// ParseMultiBody decodes the protobuf body of a Multi container. The
// message body aliases b.
func ParseMultiBody(b []byte) (*MultiBody, error) {
	m := &MultiBody{}
	var oversize uint64
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 && v > math.MaxUint32 {
				oversize = v
			}
			m.UncompressedSize = uint32(v)
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			m.MessageBody = v
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return nil, fmt.Errorf("multi body: %w", err)
	}
	if oversize != 0 {
		return nil, fmt.Errorf("%w: multi body: uncompressed size %d exceeds 32 bits", ErrMalformed, oversize)
	}
	return m, nil
}

// DumpFields renders the top-level fields of a protobuf message as
// "num:value" pairs, at most limit of them.
func DumpFields(b []byte, limit int) (string, error) {
	var parts []string
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if len(parts) >= limit {
			if len(parts) == limit {
				parts = append(parts, "...")
			}
			return protowire.ConsumeFieldValue(num, typ, b)
		}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			parts = append(parts, fmt.Sprintf("%d:%d", num, v))
			return n
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			parts = append(parts, fmt.Sprintf("%d:%#x", num, v))
			return n
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			parts = append(parts, fmt.Sprintf("%d:%#x", num, v))
			return n
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if utf8.Valid(v) && len(v) <= 64 {
				parts = append(parts, fmt.Sprintf("%d:%q", num, v))
			} else {
				parts = append(parts, fmt.Sprintf("%d:<%d bytes>", num, len(v)))
			}
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return "", err
	}
	return strings.Join(parts, " "), nil
}

// walkFields iterates the top-level fields of b. fn receives the bytes after
// the tag and returns how many it consumed, negative on a protowire error.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		n = fn(num, typ, b)
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}
