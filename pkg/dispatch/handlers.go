// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package dispatch

import (
	"fmt"
	"strings"

	"github.com/SteamRE/SteamKit-sub000/pkg/wire"
)

// maxDumpFields caps the fields rendered for protobuf bodies.
const maxDumpFields = 16

// DefaultHandlers returns the built-in registrations.
func DefaultHandlers() []Registration {
	return []Registration{
		{wire.EMsgChannelEncryptRequest, NewStructHandler(wire.LayoutStandard,
			Field{Name: "protocol_version"},
			Field{Name: "universe", Format: universeName},
		)},
		{wire.EMsgChannelEncryptResponse, NewStructHandler(wire.LayoutStandard,
			Field{Name: "protocol_version"},
			Field{Name: "key_size"},
		)},
		{wire.EMsgChannelEncryptResult, NewStructHandler(wire.LayoutStandard,
			Field{Name: "eresult", Format: func(v uint32) string { return wire.EResult(int32(v)).String() }},
		)},
		{wire.EMsgClientLogon, ProtoHandler{}},
		{wire.EMsgClientLogOnResponse, ProtoHandler{}},
		{wire.EMsgClientHeartBeat, ProtoHandler{}},
		{wire.EMsgClientHello, ProtoHandler{}},
	}
}

// Field is one little-endian u32 member of a fixed message struct.
type Field struct {
	Name   string
	Format func(uint32) string
}

// StructHandler decodes messages whose body is a run of u32 fields.
type StructHandler struct {
	layout wire.Layout
	fields []Field
}

// NewStructHandler creates a handler for a body of the given fields.
func NewStructHandler(layout wire.Layout, fields ...Field) *StructHandler {
	return &StructHandler{layout: layout, fields: fields}
}

func (h *StructHandler) Layout() wire.Layout { return h.layout }

func (h *StructHandler) BodySize() int { return 4 * len(h.fields) }

func (h *StructHandler) Format(msg *Message) string {
	var sb strings.Builder
	r := wire.NewReader(msg.Body)
	for i, f := range h.fields {
		v, err := r.Uint32()
		if err != nil {
			break
		}
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(f.Name)
		sb.WriteByte('=')
		if f.Format != nil {
			sb.WriteString(f.Format(v))
		} else {
			fmt.Fprintf(&sb, "%d", v)
		}
	}
	if len(msg.Payload) > 0 {
		fmt.Fprintf(&sb, " payload=%d", len(msg.Payload))
	}
	return sb.String()
}

func (h *StructHandler) Handle(wire.Direction, *Message) bool { return true }

// ProtoHandler renders protobuf bodies field by field without a schema.
type ProtoHandler struct{}

func (ProtoHandler) Layout() wire.Layout { return wire.LayoutProtobuf }

func (ProtoHandler) BodySize() int { return 0 }

func (ProtoHandler) Format(msg *Message) string {
	s, err := wire.DumpFields(msg.Payload, maxDumpFields)
	if err != nil {
		return fmt.Sprintf("<undecodable %d bytes>", len(msg.Payload))
	}
	if p := msg.Header.Proto; p != nil && p.TargetJobName != "" {
		s = "job=" + p.TargetJobName + " " + s
	}
	return s
}

func (ProtoHandler) Handle(wire.Direction, *Message) bool { return true }

func universeName(v uint32) string {
	switch v {
	case 0:
		return "Invalid"
	case 1:
		return "Public"
	case 2:
		return "Beta"
	case 3:
		return "Internal"
	case 4:
		return "Dev"
	}
	return fmt.Sprintf("%d", v)
}
