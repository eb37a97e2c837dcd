// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package wire

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestParseMultiBody(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 300)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("payload"))

	m, err := ParseMultiBody(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(300), m.UncompressedSize)
	assert.Equal(t, []byte("payload"), m.MessageBody)
}

func TestParseMultiBodyWithoutSize(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte{3, 0, 0, 0, 'a', 'b', 'c'})

	m, err := ParseMultiBody(b)
	require.NoError(t, err)
	assert.Zero(t, m.UncompressedSize)
	assert.Len(t, m.MessageBody, 7)
}

func TestParseMultiBodyMalformed(t *testing.T) {
	_, err := ParseMultiBody([]byte{0x12, 0x10, 'x'})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParseMultiBody([]byte{0xff})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseMultiBodySizeRange(t *testing.T) {
	tests := []struct {
		name    string
		size    uint64
		wantErr bool
	}{
		{"max uint32", math.MaxUint32, false},
		{"2^32", 1 << 32, true},
		{"huge", math.MaxUint64, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b []byte
			b = protowire.AppendTag(b, 1, protowire.VarintType)
			b = protowire.AppendVarint(b, tt.size)
			b = protowire.AppendTag(b, 2, protowire.BytesType)
			b = protowire.AppendBytes(b, []byte("z"))

			m, err := ParseMultiBody(b)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint32(tt.size), m.UncompressedSize)
		})
	}
}

func TestDumpFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 65580)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, "english")
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte{0xff, 0xfe})
	b = protowire.AppendTag(b, 4, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 16)

	got, err := DumpFields(b, 10)
	require.NoError(t, err)
	assert.Equal(t, `1:65580 2:"english" 3:<2 bytes> 4:0x10`, got)

	got, err = DumpFields(b, 2)
	require.NoError(t, err)
	assert.Equal(t, `1:65580 2:"english" ...`, got)
}
