// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/SteamRE/SteamKit-sub000/pkg/capture"
	"github.com/SteamRE/SteamKit-sub000/pkg/channelcrypto"
	"github.com/SteamRE/SteamKit-sub000/pkg/config"
	"github.com/SteamRE/SteamKit-sub000/pkg/conntrack"
	"github.com/SteamRE/SteamKit-sub000/pkg/discovery"
	"github.com/SteamRE/SteamKit-sub000/pkg/dispatch"
	"github.com/SteamRE/SteamKit-sub000/pkg/engine"
	"github.com/SteamRE/SteamKit-sub000/pkg/export"
	"github.com/SteamRE/SteamKit-sub000/pkg/health"
	"github.com/SteamRE/SteamKit-sub000/pkg/hook"
	"github.com/SteamRE/SteamKit-sub000/pkg/multi"
	"github.com/SteamRE/SteamKit-sub000/pkg/replay"
	"github.com/SteamRE/SteamKit-sub000/pkg/wire"
)

// Agent wires the hook transport, the engine and its outputs together.
// Config is stored as an atomic pointer so reloads never race readers.
type Agent struct {
	cfg     atomic.Pointer[config.Config]
	logger  *zap.Logger
	level   zap.AtomicLevel
	version string

	stats        *health.Stats
	decrypter    *channelcrypto.SymmetricDecrypter
	engine       *engine.Engine
	sink         *capture.Sink
	exporter     *export.Manager
	hookProvider hook.Provider
	healthServer *health.Server
	discoverer   *discovery.Discoverer

	// pid of the process whose traffic is being reconstructed
	activePID atomic.Uint32

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an agent from cfg. level controls the logger's verbosity and
// is adjusted on reload.
func New(cfg *config.Config, logger *zap.Logger, level zap.AtomicLevel, version string) (*Agent, error) {
	a := &Agent{
		logger:  logger,
		level:   level,
		version: version,
		stats:   health.NewStats(),
	}
	a.discoverer = discovery.NewDiscoverer(logger.Named("discovery"))
	a.cfg.Store(cfg)

	a.decrypter = channelcrypto.NewSymmetricDecrypter(cfg.Crypto.HMACIV)

	var sink engine.Sink
	if cfg.Capture.Enabled {
		filter, err := capture.CompileFilter(cfg.Capture.Filter)
		if err != nil {
			return nil, fmt.Errorf("capture filter: %w", err)
		}
		s, err := capture.NewSink(capture.Config{
			Dir:        cfg.Capture.Dir,
			Transcript: cfg.Capture.Transcript,
			Console:    cfg.Capture.Console,
			Filter:     filter,
		}, time.Now(), logger.Named("capture"))
		if err != nil {
			return nil, err
		}
		a.sink = s
		sink = s
	}

	exp, err := export.NewManager(&export.ManagerConfig{
		Exporters:      &cfg.Exporters,
		ServiceName:    "nethook",
		ServiceVersion: version,
		Stats:          a.stats,
	}, logger.Named("export"))
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	var exporter engine.Exporter
	if exp.Enabled() {
		a.exporter = exp
		exporter = exp
	}

	registry := dispatch.NewRegistry(dispatch.DefaultHandlers()...)
	a.engine = engine.New(engineConfig(cfg), engine.Deps{
		Dispatcher: dispatch.NewDispatcher(registry, dispatch.DefaultResolver, logger.Named("dispatch")),
		Decrypter:  a.decrypter,
		Sink:       sink,
		Exporter:   exporter,
		Stats:      a.stats,
		Logger:     logger.Named("engine"),
	})

	key, err := cfg.Crypto.SessionKey()
	if err != nil {
		return nil, err
	}
	if key != nil {
		if err := a.engine.SetSessionKey(key); err != nil {
			return nil, fmt.Errorf("session key: %w", err)
		}
	}

	if cfg.Hook.Enabled {
		a.hookProvider = hook.NewManager(cfg.Hook.SocketPath, cfg.Hook.Workers, cfg.Hook.StartPaused, logger.Named("hook"))
	}

	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(cfg.Health.Addr, version, a.stats, logger.Named("health"))
		a.healthServer.SetPendingFunc(a.engine.PendingGroups)
	}

	return a, nil
}

func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Tracker: conntrack.Config{
			MaxGroups:    cfg.Engine.MaxFragmentGroups,
			MaxFragments: cfg.Engine.MaxFragmentsPerGroup,
		},
		Multi: multi.Limits{
			MaxDepth: cfg.Engine.MaxMultiDepth,
			MaxBytes: cfg.Engine.MaxMultiBytes,
		},
		FragmentIdleTimeout: cfg.Engine.FragmentIdleTimeout,
		JanitorInterval:     cfg.Engine.JanitorInterval,
	}
}

// Engine returns the reconstruction engine.
func (a *Agent) Engine() *engine.Engine {
	return a.engine
}

// Stats returns the shared counters.
func (a *Agent) Stats() *health.Stats {
	return a.stats
}

// Start launches the exporter, the health server, the janitor and, when
// enabled, the hook transport.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, a.cancel = context.WithCancel(ctx)

	if a.exporter != nil {
		if err := a.exporter.Start(ctx); err != nil {
			return fmt.Errorf("start exporter: %w", err)
		}
	}

	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.engine.Janitor(ctx)
	}()

	if a.hookProvider != nil {
		a.wg.Add(1)
		go a.processCleanupLoop(ctx)

		if err := a.hookProvider.Start(ctx, a.callbacks()); err != nil {
			return fmt.Errorf("start hook provider: %w", err)
		}
		a.logger.Info("hook provider started", zap.String("provider", a.hookProvider.Name()))
	}

	if a.healthServer != nil {
		a.healthServer.SetReady(true)
	}
	return nil
}

// Replay feeds a capture file through the datagram path.
func (a *Agent) Replay(ctx context.Context, path string) (replay.Stats, error) {
	cfg := a.cfg.Load()
	r := replay.NewReader(cfg.Replay.Ports(), a.logger.Named("replay"))
	return r.ReadFile(ctx, path, func(dir wire.Direction, _ time.Time, payload []byte) {
		a.engine.OnDatagram(dir, payload)
	})
}

func (a *Agent) callbacks() hook.Callbacks {
	return hook.Callbacks{
		OnPlaintext: func(pid uint32, dir wire.Direction, data []byte) {
			a.notePID(pid)
			a.engine.OnPlaintext(dir, data)
		},
		OnDatagram: func(pid uint32, dir wire.Direction, data []byte) {
			a.notePID(pid)
			a.engine.OnDatagram(dir, data)
		},
		OnSessionKey: func(pid uint32, key []byte) {
			a.notePID(pid)
			a.engine.SetSessionKey(key)
		},
		OnAttach: func(pid uint32, _ uint64) {
			a.notePID(pid)
		},
	}
}

// notePID resets per-connection state when traffic starts arriving from a
// different client process.
func (a *Agent) notePID(pid uint32) {
	old := a.activePID.Swap(pid)
	if old == pid {
		return
	}
	info := a.discoverer.Describe(pid)
	if old == 0 {
		a.logger.Info("client process attached", info.Fields()...)
		return
	}
	a.discoverer.Forget(old)
	a.engine.Tracker().Reset()
	a.logger.Info("client process changed, connection state reset",
		append(info.Fields(), zap.Uint32("old_pid", old))...)
}

func (a *Agent) processCleanupLoop(ctx context.Context) {
	defer a.wg.Done()

	interval := a.cfg.Load().Engine.JanitorInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.discoverer.CleanDeadProcesses(); n > 0 {
				a.logger.Debug("forgot exited client processes", zap.Int("count", n))
			}
		}
	}
}

// SetCapture pauses or resumes forwarding in the hooked client.
func (a *Agent) SetCapture(enabled bool) error {
	if a.hookProvider == nil {
		return fmt.Errorf("hook transport disabled")
	}
	if enabled {
		return a.hookProvider.EnableCapture()
	}
	return a.hookProvider.DisableCapture()
}

// Stop shuts everything down and logs final counters.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.healthServer != nil {
		a.healthServer.SetReady(false)
		a.healthServer.Stop()
	}

	if a.hookProvider != nil {
		a.hookProvider.Stop()
	}

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.exporter != nil {
		a.exporter.Stop()
	}

	if a.sink != nil {
		a.sink.Close()
	}

	snap := a.stats.Snapshot()
	a.logger.Info("nethook stopped",
		zap.Int64("buffers", snap.BuffersReceived),
		zap.Int64("dispatched", snap.MessagesDispatched),
		zap.Int64("captured", snap.MessagesCaptured),
		zap.Int64("malformed", snap.Malformed),
		zap.Int64("decrypt_failures", snap.DecryptFailures),
		zap.Int64("panics", snap.PanicsRecovered),
	)
	return nil
}

// Reload applies the settings that can change at runtime: log level and
// capture filter. Other changes need a restart.
func (a *Agent) Reload(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	filter, err := capture.CompileFilter(cfg.Capture.Filter)
	if err != nil {
		return fmt.Errorf("capture filter: %w", err)
	}

	old := a.cfg.Swap(cfg)
	a.level.SetLevel(lvl)
	if a.sink != nil {
		a.sink.SetFilter(filter)
	}

	if old.Capture.Enabled != cfg.Capture.Enabled || old.Hook.SocketPath != cfg.Hook.SocketPath {
		a.logger.Warn("capture and hook settings apply on restart")
	}

	a.logger.Info("configuration reloaded",
		zap.String("log_level", lvl.String()),
		zap.String("capture_filter", filter.String()),
	)
	return nil
}
