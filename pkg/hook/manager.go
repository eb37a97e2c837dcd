// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/SteamRE/SteamKit-sub000/pkg/wire"
)

// Callbacks for hook frames. Nil callbacks are skipped.
type Callbacks struct {
	OnPlaintext  func(pid uint32, dir wire.Direction, data []byte)
	OnDatagram   func(pid uint32, dir wire.Direction, data []byte)
	OnSessionKey func(pid uint32, key []byte)
	OnAttach     func(pid uint32, ts uint64)
}

// Manager listens on a Unix DGRAM socket for frames from the injected
// library. With one worker, frames are handled in arrival order.
type Manager struct {
	socketPath  string
	logger      *zap.Logger
	callbacks   Callbacks
	numWorkers  int
	startPaused bool

	conn    *net.UnixConn
	control *ControlFile
	wg      sync.WaitGroup
	stopCh  chan struct{}

	received atomic.Int64
	dropped  atomic.Int64
}

// NewManager creates a hook manager reading with workers goroutines.
func NewManager(socketPath string, workers int, startPaused bool, logger *zap.Logger) *Manager {
	if workers < 1 {
		workers = 1
	}
	if workers > 8 {
		workers = 8
	}
	return &Manager{
		socketPath:  socketPath,
		logger:      logger,
		numWorkers:  workers,
		startPaused: startPaused,
		stopCh:      make(chan struct{}),
	}
}

// Name implements Provider.
func (m *Manager) Name() string { return "socket" }

// Start begins listening for frames.
func (m *Manager) Start(ctx context.Context, callbacks Callbacks) error {
	m.callbacks = callbacks

	dir := filepath.Dir(m.socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	// Remove stale socket
	os.Remove(m.socketPath)

	addr := &net.UnixAddr{Name: m.socketPath, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return fmt.Errorf("listen unix: %w", err)
	}
	m.conn = conn

	conn.SetReadBuffer(4 * 1024 * 1024) // 4MB
	os.Chmod(m.socketPath, 0777)

	if err := enablePassCred(conn); err != nil {
		m.logger.Warn("SO_PASSCRED unavailable, sender pid not verified", zap.Error(err))
	}

	ctrl, err := CreateControlFile(dir, !m.startPaused)
	if err != nil {
		m.logger.Warn("failed to create control file (pause/resume unavailable)", zap.Error(err))
	} else {
		m.control = ctrl
		m.logger.Info("control file created",
			zap.String("path", ctrl.Path()),
			zap.Bool("active", !m.startPaused))
	}

	m.logger.Info("hook manager listening",
		zap.String("socket", m.socketPath),
		zap.Int("workers", m.numWorkers),
	)

	for i := 0; i < m.numWorkers; i++ {
		m.wg.Add(1)
		go m.readLoop(ctx, i)
	}
	return nil
}

// Stop shuts down the hook manager.
func (m *Manager) Stop() error {
	close(m.stopCh)
	if m.conn != nil {
		m.conn.Close()
	}
	m.wg.Wait()
	if m.control != nil {
		m.control.Close()
		m.control.Remove()
	}
	os.Remove(m.socketPath)
	return nil
}

// EnableCapture resumes forwarding in all hooked processes.
func (m *Manager) EnableCapture() error {
	if m.control == nil {
		return fmt.Errorf("control file not available")
	}
	m.logger.Info("capture resumed")
	return m.control.Enable()
}

// DisableCapture pauses forwarding. Hooks become pass-through.
func (m *Manager) DisableCapture() error {
	if m.control == nil {
		return fmt.Errorf("control file not available")
	}
	m.logger.Info("capture paused")
	return m.control.Disable()
}

// IsCaptureEnabled returns the current capture state.
func (m *Manager) IsCaptureEnabled() bool {
	if m.control == nil {
		return true // no control file, library forwards unconditionally
	}
	enabled, _ := m.control.IsEnabled()
	return enabled
}

// Received returns the number of frames handed to callbacks.
func (m *Manager) Received() int64 { return m.received.Load() }

// Dropped returns the number of frames discarded as invalid.
func (m *Manager) Dropped() int64 { return m.dropped.Load() }

func (m *Manager) readLoop(ctx context.Context, workerID int) {
	defer m.wg.Done()

	// Each worker gets its own buffers to avoid contention
	buf := make([]byte, HeaderSize+MaxPayload)
	oob := make([]byte, oobSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		n, oobn, _, _, err := m.conn.ReadMsgUnix(buf, oob)
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
				m.logger.Debug("read error", zap.Int("worker", workerID), zap.Error(err))
				continue
			}
		}

		f, err := ParseFrame(buf[:n])
		if err != nil {
			m.dropped.Add(1)
			m.logger.Debug("parse error", zap.Int("size", n), zap.Error(err))
			continue
		}

		if credSupported {
			pid, ok := peerPID(oob[:oobn])
			if ok && uint32(pid) != f.Header.PID {
				m.dropped.Add(1)
				m.logger.Warn("frame pid does not match sender, dropped",
					zap.Uint32("header_pid", f.Header.PID),
					zap.Int32("peer_pid", pid))
				continue
			}
		}

		m.dispatch(f)
	}
}

func (m *Manager) dispatch(f *Frame) {
	h := f.Header
	m.received.Add(1)

	switch h.Type {
	case FramePlaintextOut, FramePlaintextIn:
		if m.callbacks.OnPlaintext != nil && len(f.Payload) > 0 {
			m.callbacks.OnPlaintext(h.PID, f.Direction(), f.Payload)
		}

	case FrameDatagramOut, FrameDatagramIn:
		if m.callbacks.OnDatagram != nil && len(f.Payload) > 0 {
			m.callbacks.OnDatagram(h.PID, f.Direction(), f.Payload)
		}

	case FrameSessionKey:
		if m.callbacks.OnSessionKey != nil && len(f.Payload) > 0 {
			m.callbacks.OnSessionKey(h.PID, f.Payload)
		}

	case FrameAttach:
		m.logger.Info("library attached", zap.Uint32("pid", h.PID))
		if m.callbacks.OnAttach != nil {
			m.callbacks.OnAttach(h.PID, h.TimestampNS)
		}

	default:
		m.dropped.Add(1)
		m.logger.Debug("unknown frame type", zap.String("type", FrameTypeName(h.Type)))
	}
}
