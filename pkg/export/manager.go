// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/SteamRE/SteamKit-sub000/pkg/config"
	"github.com/SteamRE/SteamKit-sub000/pkg/dispatch"
	"github.com/SteamRE/SteamKit-sub000/pkg/health"
)

// Exporter is the interface for record exporters.
type Exporter interface {
	Name() string
	ExportRecords(ctx context.Context, records []*dispatch.Record) error
	Shutdown(ctx context.Context) error
}

const (
	defaultBatchSize     = 500
	defaultFlushInterval = 2 * time.Second
	defaultChannelSize   = 10000

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0
)

// Manager batches dispatch records and hands them to the exporters. Export
// never blocks the caller.
type Manager struct {
	logger    *zap.Logger
	exporters []Exporter
	breakers  []*CircuitBreaker // parallel to exporters
	circuit   config.CircuitConfig
	stats     *health.Stats

	recordCh chan *dispatch.Record

	recordCount atomic.Int64
	dropCount   atomic.Int64

	batchSize     int
	flushInterval time.Duration

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// ManagerConfig holds the configuration needed to create a Manager.
type ManagerConfig struct {
	Exporters      *config.ExportersConfig
	ServiceName    string
	ServiceVersion string

	// Stats, if set, receives drop counts and circuit breaker state.
	Stats *health.Stats
}

// NewManager creates a new export manager from configuration.
func NewManager(mc *ManagerConfig, logger *zap.Logger) (*Manager, error) {
	cfg := mc.Exporters
	m := newManager(logger, mc.Stats, cfg.Circuit)

	if cfg.OTLP.Enabled {
		exp, err := NewOTLPExporter(&cfg.OTLP, mc.ServiceName, mc.ServiceVersion, logger)
		if err != nil {
			logger.Warn("failed to create OTLP exporter", zap.Error(err))
		} else {
			m.add(exp)
		}
	}

	if cfg.Stdout.Enabled {
		m.add(NewStdoutExporter(nil))
	}

	return m, nil
}

func newManager(logger *zap.Logger, stats *health.Stats, circuit config.CircuitConfig, exporters ...Exporter) *Manager {
	m := &Manager{
		logger:        logger,
		circuit:       circuit,
		stats:         stats,
		recordCh:      make(chan *dispatch.Record, defaultChannelSize),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		stopCh:        make(chan struct{}),
	}
	for _, exp := range exporters {
		m.add(exp)
	}
	return m
}

func (m *Manager) add(exp Exporter) {
	m.exporters = append(m.exporters, exp)
	m.breakers = append(m.breakers, NewCircuitBreaker(exp.Name(), m.circuit, m.circuitChanged))
}

// circuitChanged keeps the health gauges in step with the breakers.
func (m *Manager) circuitChanged(tr Transition) {
	exporter := zap.String("exporter", tr.Exporter)

	switch tr.To {
	case CircuitOpen:
		m.logger.Warn("export circuit opened, dropping batches",
			exporter,
			zap.Int("failures", tr.Failures),
			zap.Duration("retry_after", m.circuit.ResetTimeout),
		)
		if m.stats != nil {
			m.stats.ExportCircuitTrips.Add(1)
			if tr.From == CircuitClosed {
				m.stats.ExportCircuitOpen.Add(1)
			}
		}
	case CircuitHalfOpen:
		m.logger.Info("export circuit half-open, sending trial batch", exporter)
	case CircuitClosed:
		m.logger.Info("export circuit closed", exporter)
		if m.stats != nil && tr.From != CircuitClosed {
			m.stats.ExportCircuitOpen.Add(-1)
		}
	}
}

// Circuit returns the breaker state of the named exporter.
func (m *Manager) Circuit(name string) (CircuitState, bool) {
	for _, cb := range m.breakers {
		if cb.Name() == name {
			return cb.State(), true
		}
	}
	return CircuitClosed, false
}

// Enabled reports whether any exporter is configured.
func (m *Manager) Enabled() bool {
	return len(m.exporters) > 0
}

// Start begins the batch export goroutine.
func (m *Manager) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.processRecords(ctx)

	m.logger.Info("export manager started",
		zap.Int("exporters", len(m.exporters)),
		zap.Int("batch_size", m.batchSize),
		zap.Duration("flush_interval", m.flushInterval),
	)
	return nil
}

// Stop flushes remaining records and shuts down exporters.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, exp := range m.exporters {
		if err := exp.Shutdown(ctx); err != nil {
			m.logger.Error("exporter shutdown error", zap.Error(err))
		}
	}

	m.logger.Info("export manager stopped",
		zap.Int64("records_exported", m.recordCount.Load()),
		zap.Int64("dropped", m.dropCount.Load()),
	)
	return nil
}

// Export queues a record. When the queue is full the record is dropped.
func (m *Manager) Export(rec *dispatch.Record) {
	select {
	case m.recordCh <- rec:
	default:
		m.drop(1)
		m.logger.Debug("export queue full, dropping record", zap.Uint32("emsg", uint32(rec.EMsg)))
	}
}

func (m *Manager) drop(n int64) {
	m.dropCount.Add(n)
	if m.stats != nil {
		m.stats.ExportDropped.Add(n)
	}
}

func (m *Manager) processRecords(ctx context.Context) {
	defer m.wg.Done()

	batch := make([]*dispatch.Record, 0, m.batchSize)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	drain := func(ctx context.Context) {
		for {
			select {
			case rec := <-m.recordCh:
				batch = append(batch, rec)
			default:
				if len(batch) > 0 {
					m.flush(ctx, batch)
				}
				return
			}
		}
	}

	for {
		select {
		case rec := <-m.recordCh:
			batch = append(batch, rec)
			if len(batch) >= m.batchSize {
				m.flush(ctx, batch)
				batch = make([]*dispatch.Record, 0, m.batchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				m.flush(ctx, batch)
				batch = make([]*dispatch.Record, 0, m.batchSize)
			}

		case <-m.stopCh:
			drain(context.Background())
			return

		case <-ctx.Done():
			drain(context.Background())
			return
		}
	}
}

func (m *Manager) flush(ctx context.Context, records []*dispatch.Record) {
	for i, exp := range m.exporters {
		m.retryExport(ctx, m.breakers[i], len(records), func(expCtx context.Context) error {
			return exp.ExportRecords(expCtx, records)
		})
	}
	m.recordCount.Add(int64(len(records)))
}

// retryExport sends one batch to one exporter with exponential backoff,
// gated by that exporter's breaker.
func (m *Manager) retryExport(ctx context.Context, cb *CircuitBreaker, n int, exportFn func(context.Context) error) {
	if !cb.Allow() {
		m.drop(int64(n))
		m.logger.Debug("export circuit open, dropping batch",
			zap.String("exporter", cb.Name()),
			zap.Int("records", n),
		)
		return
	}

	backoff := initialBackoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		exportCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := exportFn(exportCtx)
		cancel()

		if err == nil {
			cb.RecordSuccess()
			return
		}

		cb.RecordFailure()

		if attempt == maxRetries || cb.State() != CircuitClosed {
			m.logger.Error("export failed",
				zap.String("exporter", cb.Name()),
				zap.Int("attempts", attempt+1),
				zap.Int("records", n),
				zap.Error(err),
			)
			m.drop(int64(n))
			return
		}

		m.logger.Warn("export failed, retrying",
			zap.String("exporter", cb.Name()),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			m.drop(int64(n))
			return
		}

		backoff = time.Duration(math.Min(
			float64(backoff)*backoffFactor,
			float64(maxBackoff),
		))
	}
}

// Exported returns the number of records handed to exporters.
func (m *Manager) Exported() int64 {
	return m.recordCount.Load()
}

// DropCount returns the number of dropped records.
func (m *Manager) DropCount() int64 {
	return m.dropCount.Load()
}

// QueueDepth returns the current queue fill level.
func (m *Manager) QueueDepth() int {
	return len(m.recordCh)
}
