// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"os"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Stats tracks self-monitoring counters for the engine.
type Stats struct {
	startTime time.Time
	proc      *process.Process

	BuffersReceived    atomic.Int64
	DatagramsReceived  atomic.Int64
	Malformed          atomic.Int64
	Fragments          atomic.Int64
	DuplicateFragments atomic.Int64
	GroupsCompleted    atomic.Int64
	GroupsEvicted      atomic.Int64
	DecryptFailures    atomic.Int64
	MultiExpanded      atomic.Int64
	MultiFailures      atomic.Int64
	MessagesDispatched atomic.Int64
	MessagesUnhandled  atomic.Int64
	MessagesRejected   atomic.Int64
	MessagesCaptured   atomic.Int64
	PanicsRecovered    atomic.Int64
	ExportDropped      atomic.Int64
	ExportCircuitTrips atomic.Int64

	// exporters whose circuit is not closed
	ExportCircuitOpen atomic.Int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	s := &Stats{startTime: time.Now()}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	}
	return s
}

// Uptime returns time since NewStats.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds  float64
	Goroutines     int
	Threads        int32
	MemoryRSSBytes uint64

	BuffersReceived    int64
	DatagramsReceived  int64
	Malformed          int64
	Fragments          int64
	DuplicateFragments int64
	GroupsCompleted    int64
	GroupsEvicted      int64
	DecryptFailures    int64
	MultiExpanded      int64
	MultiFailures      int64
	MessagesDispatched int64
	MessagesUnhandled  int64
	MessagesRejected   int64
	MessagesCaptured   int64
	PanicsRecovered    int64
	ExportDropped      int64
	ExportCircuitTrips int64
	ExportCircuitOpen  int64
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds: s.Uptime().Seconds(),
		Goroutines:    runtime.NumGoroutine(),

		BuffersReceived:    s.BuffersReceived.Load(),
		DatagramsReceived:  s.DatagramsReceived.Load(),
		Malformed:          s.Malformed.Load(),
		Fragments:          s.Fragments.Load(),
		DuplicateFragments: s.DuplicateFragments.Load(),
		GroupsCompleted:    s.GroupsCompleted.Load(),
		GroupsEvicted:      s.GroupsEvicted.Load(),
		DecryptFailures:    s.DecryptFailures.Load(),
		MultiExpanded:      s.MultiExpanded.Load(),
		MultiFailures:      s.MultiFailures.Load(),
		MessagesDispatched: s.MessagesDispatched.Load(),
		MessagesUnhandled:  s.MessagesUnhandled.Load(),
		MessagesRejected:   s.MessagesRejected.Load(),
		MessagesCaptured:   s.MessagesCaptured.Load(),
		PanicsRecovered:    s.PanicsRecovered.Load(),
		ExportDropped:      s.ExportDropped.Load(),
		ExportCircuitTrips: s.ExportCircuitTrips.Load(),
		ExportCircuitOpen:  s.ExportCircuitOpen.Load(),
	}

	// Fall back to the Go runtime's view when the process table is
	// unavailable (restricted /proc, unsupported OS).
	if s.proc != nil {
		if mi, err := s.proc.MemoryInfo(); err == nil {
			snap.MemoryRSSBytes = mi.RSS
		}
		if n, err := s.proc.NumThreads(); err == nil {
			snap.Threads = n
		}
	}
	if snap.MemoryRSSBytes == 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		snap.MemoryRSSBytes = ms.Sys
	}
	return snap
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	return prometheusFormat(s.Snapshot())
}

func prometheusFormat(snap Snapshot) string {
	var b []byte
	b = appendMetric(b, "nethook_uptime_seconds", "gauge", "Engine uptime in seconds", snap.UptimeSeconds)
	b = appendMetric(b, "nethook_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines))
	b = appendMetric(b, "nethook_threads", "gauge", "Number of OS threads", float64(snap.Threads))
	b = appendMetric(b, "nethook_memory_rss_bytes", "gauge", "Resident set size in bytes", float64(snap.MemoryRSSBytes))
	b = appendMetric(b, "nethook_export_circuit_open", "gauge", "Exporters whose circuit breaker is open or half-open", float64(snap.ExportCircuitOpen))

	counters := []struct {
		name, help string
		v          int64
	}{
		{"nethook_buffers_received_total", "Plaintext buffers received", snap.BuffersReceived},
		{"nethook_datagrams_received_total", "Raw datagrams received", snap.DatagramsReceived},
		{"nethook_malformed_total", "Inputs rejected as malformed", snap.Malformed},
		{"nethook_fragments_total", "Data fragments accepted", snap.Fragments},
		{"nethook_duplicate_fragments_total", "Duplicate fragments ignored", snap.DuplicateFragments},
		{"nethook_groups_completed_total", "Fragment groups assembled", snap.GroupsCompleted},
		{"nethook_groups_evicted_total", "Fragment groups evicted or expired", snap.GroupsEvicted},
		{"nethook_decrypt_failures_total", "Messages dropped on decrypt failure", snap.DecryptFailures},
		{"nethook_multi_expanded_total", "Multi containers expanded", snap.MultiExpanded},
		{"nethook_multi_failures_total", "Multi containers that failed to expand", snap.MultiFailures},
		{"nethook_messages_dispatched_total", "Logical messages dispatched", snap.MessagesDispatched},
		{"nethook_messages_unhandled_total", "Dispatched messages without a handler", snap.MessagesUnhandled},
		{"nethook_messages_rejected_total", "Messages rejected by their handler", snap.MessagesRejected},
		{"nethook_messages_captured_total", "Messages written to the capture sink", snap.MessagesCaptured},
		{"nethook_panics_recovered_total", "Panics recovered at the engine boundary", snap.PanicsRecovered},
		{"nethook_export_dropped_total", "Records dropped by the export queue", snap.ExportDropped},
		{"nethook_export_circuit_trips_total", "Times an exporter circuit breaker opened", snap.ExportCircuitTrips},
	}
	for _, c := range counters {
		b = appendMetric(b, c.name, "counter", c.help, float64(c.v))
	}
	return string(b)
}

func appendMetric(b []byte, name, typ, help string, value float64) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, "\n# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'f', -1, 64)
	return append(b, '\n')
}
