// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/SteamRE/SteamKit-sub000/pkg/config"
	"github.com/SteamRE/SteamKit-sub000/pkg/dispatch"
	"github.com/SteamRE/SteamKit-sub000/pkg/health"
	"github.com/SteamRE/SteamKit-sub000/pkg/wire"
)

var testCircuit = config.CircuitConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second}

type memExporter struct {
	name     string
	mu       sync.Mutex
	records  []*dispatch.Record
	fail     bool
	shutdown bool
}

func (e *memExporter) Name() string {
	if e.name == "" {
		return "mem"
	}
	return e.name
}

func (e *memExporter) setFail(fail bool) {
	e.mu.Lock()
	e.fail = fail
	e.mu.Unlock()
}

func (e *memExporter) ExportRecords(_ context.Context, recs []*dispatch.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail {
		return errors.New("collector down")
	}
	e.records = append(e.records, recs...)
	return nil
}

func (e *memExporter) Shutdown(context.Context) error {
	e.mu.Lock()
	e.shutdown = true
	e.mu.Unlock()
	return nil
}

func (e *memExporter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.records)
}

func TestManagerFlushesOnStop(t *testing.T) {
	exp := &memExporter{}
	m := newManager(zap.NewNop(), nil, testCircuit, exp)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		m.Export(&dispatch.Record{EMsg: wire.EMsg(i)})
	}
	m.Stop()

	if exp.count() != 3 {
		t.Errorf("exported %d records, want 3", exp.count())
	}
	if !exp.shutdown {
		t.Error("exporter not shut down")
	}
	if m.Exported() != 3 {
		t.Errorf("Exported() = %d, want 3", m.Exported())
	}
}

func TestManagerFlushesOnBatchSize(t *testing.T) {
	exp := &memExporter{}
	m := newManager(zap.NewNop(), nil, testCircuit, exp)
	m.batchSize = 2
	m.flushInterval = time.Hour
	m.Start(context.Background())
	defer m.Stop()

	m.Export(&dispatch.Record{})
	m.Export(&dispatch.Record{})

	deadline := time.Now().Add(2 * time.Second)
	for exp.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if exp.count() != 2 {
		t.Errorf("exported %d records, want 2", exp.count())
	}
}

func TestManagerExportNeverBlocks(t *testing.T) {
	stats := health.NewStats()
	m := newManager(zap.NewNop(), stats, testCircuit)
	m.recordCh = make(chan *dispatch.Record, 1)

	// Not started: the queue fills after one record.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			m.Export(&dispatch.Record{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Export blocked on a full queue")
	}
	if stats.ExportDropped.Load() != 4 || m.DropCount() != 4 {
		t.Errorf("dropped = %d/%d, want 4", stats.ExportDropped.Load(), m.DropCount())
	}
}

func TestManagerCircuitIsPerExporter(t *testing.T) {
	stats := health.NewStats()
	collector := &memExporter{name: "otlp", fail: true}
	console := &memExporter{name: "stdout"}
	m := newManager(zap.NewNop(), stats, config.CircuitConfig{FailureThreshold: 1, ResetTimeout: time.Minute}, collector, console)

	clock := &testClock{t: time.Unix(1700000000, 0)}
	for _, cb := range m.breakers {
		cb.now = clock.now
	}

	batch := []*dispatch.Record{{}, {}}
	m.flush(context.Background(), batch)
	m.flush(context.Background(), batch)

	if state, _ := m.Circuit("otlp"); state != CircuitOpen {
		t.Fatalf("otlp circuit = %v, want open", state)
	}
	if state, _ := m.Circuit("stdout"); state != CircuitClosed {
		t.Errorf("stdout circuit = %v, want closed", state)
	}
	if console.count() != 4 {
		t.Errorf("stdout received %d records, want 4 while otlp is down", console.count())
	}
	snap := stats.Snapshot()
	if snap.ExportDropped != 4 {
		t.Errorf("ExportDropped = %d, want 4", snap.ExportDropped)
	}
	if snap.ExportCircuitOpen != 1 || snap.ExportCircuitTrips != 1 {
		t.Errorf("circuit open/trips = %d/%d, want 1/1", snap.ExportCircuitOpen, snap.ExportCircuitTrips)
	}

	// The collector recovers; the trial batch after the timeout closes it.
	collector.setFail(false)
	clock.advance(time.Minute)
	m.flush(context.Background(), batch)

	if state, _ := m.Circuit("otlp"); state != CircuitClosed {
		t.Errorf("otlp circuit = %v after successful trial, want closed", state)
	}
	if collector.count() != 2 {
		t.Errorf("otlp received %d records, want 2", collector.count())
	}
	if got := stats.ExportCircuitOpen.Load(); got != 0 {
		t.Errorf("ExportCircuitOpen = %d after recovery, want 0", got)
	}
	if _, ok := m.Circuit("missing"); ok {
		t.Error("Circuit reported an unknown exporter")
	}
}

func TestNewManagerStdout(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Exporters.Stdout.Enabled = true

	m, err := NewManager(&ManagerConfig{Exporters: &cfg.Exporters, ServiceName: "nethook"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if !m.Enabled() {
		t.Error("manager with stdout exporter should be enabled")
	}

	cfg.Exporters.Stdout.Enabled = false
	m, _ = NewManager(&ManagerConfig{Exporters: &cfg.Exporters}, zap.NewNop())
	if m.Enabled() {
		t.Error("manager without exporters should be disabled")
	}
}

func TestStdoutExporterJSONLines(t *testing.T) {
	var buf bytes.Buffer
	e := NewStdoutExporter(&buf)

	err := e.ExportRecords(context.Background(), []*dispatch.Record{
		{Direction: wire.Outgoing, EMsg: wire.EMsgClientLogon, Name: "ClientLogon", Size: 40, Layout: wire.LayoutProtobuf, Handled: true, Accepted: true},
		{Direction: wire.Incoming, EMsg: 9999, Name: "Unknown", Size: 4, Header: []byte{0xab}, Accepted: true},
	})
	if err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var first map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first["direction"] != "out" || first["name"] != "ClientLogon" || first["emsg"] != float64(5514) {
		t.Errorf("first line = %v", first)
	}
	if _, ok := first["header"]; ok {
		t.Error("empty header should be omitted")
	}

	var second map[string]interface{}
	json.Unmarshal([]byte(lines[1]), &second)
	if second["header"] != "ab" {
		t.Errorf("header = %v, want ab", second["header"])
	}
}
