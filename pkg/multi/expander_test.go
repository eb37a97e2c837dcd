// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package multi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/SteamRE/SteamKit-sub000/pkg/wire"
)

func records(recs ...[]byte) []byte {
	var out []byte
	for _, r := range recs {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(r)))
		out = append(out, r...)
	}
	return out
}

func multiMsg(body []byte, size uint32) []byte {
	msg := binary.LittleEndian.AppendUint32(nil, uint32(wire.EMsgMulti)|wire.ProtoMask)
	msg = binary.LittleEndian.AppendUint32(msg, 0)
	if size > 0 {
		msg = protowire.AppendTag(msg, 1, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(size))
	}
	msg = protowire.AppendTag(msg, 2, protowire.BytesType)
	return protowire.AppendBytes(msg, body)
}

func deflate(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	require.NoError(t, err)
	_, err = w.Write(b)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func collect(t *testing.T, e *Expander, msg []byte) ([]string, Stats, error) {
	t.Helper()
	var got []string
	st, err := e.Expand(msg, 0, e.NewBudget(), func(rec []byte) {
		got = append(got, string(rec))
	})
	return got, st, err
}

func TestExpandUncompressed(t *testing.T) {
	e := NewExpander(Limits{}, zap.NewNop())

	got, st, err := collect(t, e, multiMsg(records([]byte("abc"), []byte("def")), 0))
	require.NoError(t, err)
	assert.Equal(t, []string{"abc", "def"}, got)
	assert.Equal(t, 2, st.Records)
	assert.False(t, st.Compressed)
}

func TestExpandTruncatedRecord(t *testing.T) {
	e := NewExpander(Limits{}, zap.NewNop())

	body := records([]byte("abc"))
	body = binary.LittleEndian.AppendUint32(body, 10)
	body = append(body, 'd', 'e')

	got, st, err := collect(t, e, multiMsg(body, 0))
	assert.ErrorIs(t, err, ErrTruncatedRecord)
	assert.Equal(t, []string{"abc"}, got)
	assert.Equal(t, 1, st.Records)

	// Fewer than four bytes left for the length prefix.
	got, _, err = collect(t, e, multiMsg(append(records([]byte("x")), 1, 0), 0))
	assert.ErrorIs(t, err, ErrTruncatedRecord)
	assert.Equal(t, []string{"x"}, got)
}

func TestExpandCompressedRoundTrip(t *testing.T) {
	e := NewExpander(Limits{}, zap.NewNop())

	x := records([]byte("ClientPersonaState"), bytes.Repeat([]byte("friend"), 200))
	got, st, err := collect(t, e, multiMsg(deflate(t, x), uint32(len(x))))
	require.NoError(t, err)
	assert.True(t, st.Compressed)
	assert.Equal(t, len(x), st.PayloadBytes)
	require.Len(t, got, 2)
	assert.Equal(t, "ClientPersonaState", got[0])
	assert.Equal(t, 1200, len(got[1]))

	// Same bytes without the size hint are read as-is.
	got, _, err = collect(t, e, multiMsg(x, 0))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestExpandInflateFailures(t *testing.T) {
	e := NewExpander(Limits{}, zap.NewNop())
	x := records([]byte("abcdef"))
	z := deflate(t, x)

	tests := []struct {
		name string
		body []byte
		size uint32
	}{
		{"declared too large", z, uint32(len(x) + 5)},
		{"declared too small", z, uint32(len(x) - 1)},
		{"not deflate", []byte{0xff, 0xff, 0xff, 0xff}, 8},
		{"empty body", nil, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := collect(t, e, multiMsg(tt.body, tt.size))
			assert.ErrorIs(t, err, ErrInflate)
			assert.Empty(t, got)
		})
	}
}

func TestExpandLimits(t *testing.T) {
	e := NewExpander(Limits{MaxDepth: 2, MaxBytes: 16}, zap.NewNop())
	msg := multiMsg(records([]byte("abc")), 0)

	_, err := e.Expand(msg, 3, e.NewBudget(), func([]byte) {})
	assert.ErrorIs(t, err, ErrDepthExceeded)

	x := records(bytes.Repeat([]byte{2}, 64))
	_, err = e.Expand(multiMsg(deflate(t, x), uint32(len(x))), 0, e.NewBudget(), func([]byte) {})
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	// Uncompressed bodies are not charged.
	big := multiMsg(records(bytes.Repeat([]byte{1}, 32)), 0)
	b := e.NewBudget()
	_, err = e.Expand(big, 0, b, func([]byte) {})
	require.NoError(t, err)
	assert.Equal(t, 16, b.Remaining())

	// The budget is shared across calls.
	small := records([]byte("abc"))
	packed := multiMsg(deflate(t, small), uint32(len(small)))
	_, err = e.Expand(packed, 0, b, func([]byte) {})
	require.NoError(t, err)
	assert.Equal(t, 16-7, b.Remaining())
	_, err = e.Expand(packed, 0, b, func([]byte) {})
	require.NoError(t, err)
	_, err = e.Expand(packed, 0, b, func([]byte) {})
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestExpandBudgetIndependentOfDepth(t *testing.T) {
	leaf := bytes.Repeat([]byte{7}, 40)
	inner := records(leaf)

	for depth := 0; depth <= 4; depth++ {
		t.Run(fmt.Sprintf("depth %d", depth), func(t *testing.T) {
			// Budget covers the single inflation, nothing more.
			e := NewExpander(Limits{MaxDepth: 8, MaxBytes: len(inner)}, zap.NewNop())

			msg := multiMsg(deflate(t, inner), uint32(len(inner)))
			for i := 0; i < depth; i++ {
				msg = multiMsg(records(msg), 0)
			}

			var got []string
			flatten(t, e, msg, 0, e.NewBudget(), &got)
			assert.Equal(t, []string{string(leaf)}, got)
		})
	}
}

func TestExpandMalformedEnvelope(t *testing.T) {
	e := NewExpander(Limits{}, zap.NewNop())

	_, _, err := collect(t, e, []byte{1, 0, 0, 0x80, 9})
	assert.ErrorIs(t, err, wire.ErrShortBuffer)
}

// flatten re-enters Expand for nested Multi records the way the engine does.
func flatten(t *testing.T, e *Expander, msg []byte, depth int, b *Budget, out *[]string) {
	t.Helper()
	_, err := e.Expand(msg, depth, b, func(rec []byte) {
		if len(rec) >= 4 && wire.MaskEMsg(binary.LittleEndian.Uint32(rec)) == wire.EMsgMulti {
			flatten(t, e, rec, depth+1, b, out)
			return
		}
		*out = append(*out, string(rec))
	})
	require.NoError(t, err)
}

func TestExpandNestingIsTransparent(t *testing.T) {
	e := NewExpander(Limits{MaxDepth: 6}, zap.NewNop())
	leaves := [][]byte{[]byte("\x02\x00\x00\x00leaf-one"), []byte("\x03\x00\x00\x00leaf-two")}

	var want []string
	for depth := 0; depth <= 5; depth++ {
		msg := multiMsg(records(leaves...), 0)
		for i := 0; i < depth; i++ {
			inner := msg
			if i%2 == 0 {
				msg = multiMsg(records(inner), 0)
			} else {
				flat := records(inner)
				msg = multiMsg(deflate(t, flat), uint32(len(flat)))
			}
		}

		var got []string
		flatten(t, e, msg, 0, e.NewBudget(), &got)
		if want == nil {
			want = got
			require.Len(t, want, 2)
			continue
		}
		assert.Equal(t, want, got, "depth %d", depth)
	}
}
