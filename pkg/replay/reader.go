// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package replay feeds recorded UDP connection-manager traffic from pcap or
// pcapng files into the engine.
package replay

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"

	"github.com/SteamRE/SteamKit-sub000/pkg/wire"
)

// DefaultServerPort is the UDP port connection managers listen on.
const DefaultServerPort = 27017

const pcapngMagic = 0x0A0D0D0A

// DatagramFunc receives one UDP payload with its direction relative to the
// client.
type DatagramFunc func(dir wire.Direction, ts time.Time, payload []byte)

// Stats summarizes a replay run.
type Stats struct {
	Packets int // packets read from the file
	Matched int // UDP packets on a server port, handed to the callback
	Skipped int // packets that were not UDP or not on a server port
}

// Reader replays capture files.
type Reader struct {
	ports  map[uint16]struct{}
	logger *zap.Logger
}

// NewReader creates a replay reader. Packets are matched against ports;
// an empty list selects DefaultServerPort.
func NewReader(ports []uint16, logger *zap.Logger) *Reader {
	if len(ports) == 0 {
		ports = []uint16{DefaultServerPort}
	}
	set := make(map[uint16]struct{}, len(ports))
	for _, p := range ports {
		set[p] = struct{}{}
	}
	return &Reader{ports: set, logger: logger}
}

// ReadFile replays the capture at path.
func (r *Reader) ReadFile(ctx context.Context, path string, fn DatagramFunc) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	st, err := r.Read(ctx, f, fn)
	r.logger.Info("replay finished",
		zap.String("file", path),
		zap.Int("packets", st.Packets),
		zap.Int("matched", st.Matched),
		zap.Int("skipped", st.Skipped),
	)
	return st, err
}

// Read replays a pcap or pcapng stream in file order. It stops early when
// ctx is cancelled and returns ctx.Err().
func (r *Reader) Read(ctx context.Context, in io.Reader, fn DatagramFunc) (Stats, error) {
	var st Stats

	br := bufio.NewReader(in)
	source, linkType, err := openSource(br)
	if err != nil {
		return st, err
	}

	packets := gopacket.NewPacketSource(source, linkType)
	packets.DecodeOptions = gopacket.DecodeOptions{Lazy: true}

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}

		pkt, err := packets.NextPacket()
		if err == io.EOF {
			return st, nil
		}
		if err != nil {
			// A torn trailing record is common in live captures.
			if errors.Is(err, io.ErrUnexpectedEOF) {
				r.logger.Warn("capture truncated", zap.Int("packets", st.Packets))
				return st, nil
			}
			return st, fmt.Errorf("read packet %d: %w", st.Packets+1, err)
		}
		st.Packets++

		dir, payload, ok := r.classify(pkt)
		if !ok {
			st.Skipped++
			continue
		}
		st.Matched++
		fn(dir, pkt.Metadata().Timestamp, payload)
	}
}

func (r *Reader) classify(pkt gopacket.Packet) (wire.Direction, []byte, bool) {
	l := pkt.Layer(layers.LayerTypeUDP)
	if l == nil {
		return 0, nil, false
	}
	udp, _ := l.(*layers.UDP)
	if len(udp.Payload) == 0 {
		return 0, nil, false
	}
	if _, ok := r.ports[uint16(udp.DstPort)]; ok {
		return wire.Outgoing, udp.Payload, true
	}
	if _, ok := r.ports[uint16(udp.SrcPort)]; ok {
		return wire.Incoming, udp.Payload, true
	}
	return 0, nil, false
}

func openSource(br *bufio.Reader) (gopacket.PacketDataSource, layers.LinkType, error) {
	magic, err := br.Peek(4)
	if err != nil {
		return nil, 0, fmt.Errorf("read capture magic: %w", err)
	}

	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, 0, fmt.Errorf("open pcapng: %w", err)
		}
		return ng, ng.LinkType(), nil
	}

	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, 0, fmt.Errorf("open pcap: %w", err)
	}
	return pr, pr.LinkType(), nil
}
