// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package capture persists dispatched messages: one file per message plus a
// session transcript, under a directory named after the process start time.
package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/SteamRE/SteamKit-sub000/pkg/dispatch"
)

const (
	sessionLayout  = "2006-01-02_15-04-05"
	transcriptName = "transcript.log"
)

// Config controls what the sink writes.
type Config struct {
	Dir        string
	Transcript bool
	Console    bool
	Filter     *Filter
}

// Sink writes captured messages. Writes are best effort: failures are
// logged and never returned to the caller.
type Sink struct {
	cfg        Config
	sessionDir string
	logger     *zap.Logger

	counter atomic.Uint64
	filter  atomic.Pointer[Filter]

	mu         sync.Mutex
	transcript *os.File
}

// NewSink creates the session directory for a run that started at start.
func NewSink(cfg Config, start time.Time, logger *zap.Logger) (*Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(cfg.Dir, start.Format(sessionLayout))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	s := &Sink{
		cfg:        cfg,
		sessionDir: dir,
		logger:     logger,
	}
	s.filter.Store(cfg.Filter)

	if cfg.Transcript {
		f, err := os.OpenFile(filepath.Join(dir, transcriptName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open transcript: %w", err)
		}
		s.transcript = f
	}

	logger.Info("capture session started", zap.String("dir", dir))
	return s, nil
}

// SessionDir returns the directory of this run.
func (s *Sink) SessionDir() string {
	return s.sessionDir
}

// SetFilter swaps the active filter. nil captures everything.
func (s *Sink) SetFilter(f *Filter) {
	s.filter.Store(f)
	s.logger.Info("capture filter updated", zap.String("filter", f.String()))
}

// Count returns the number of messages captured so far.
func (s *Sink) Count() uint64 {
	return s.counter.Load()
}

// Write persists msg and appends it to the transcript. It reports whether
// the message passed the filter and was assigned a counter value.
func (s *Sink) Write(rec *dispatch.Record, msg []byte) bool {
	ok, err := s.filter.Load().Match(rec)
	if err != nil {
		s.logger.Debug("capture filter failed, capturing anyway", zap.Error(err))
		ok = true
	}
	if !ok {
		return false
	}

	n := s.counter.Add(1)
	name := ArtifactName(n, rec)
	path := filepath.Join(s.sessionDir, name)

	if err := os.WriteFile(path, msg, 0o644); err != nil {
		s.logger.Warn("persist message failed", zap.String("path", path), zap.Error(err))
	}

	if err := s.appendTranscript(TranscriptLine(n, rec)); err != nil {
		s.logger.Warn("transcript write failed", zap.Error(err))
	}

	if s.cfg.Console {
		s.logger.Info("captured",
			zap.Uint64("n", n),
			zap.Stringer("direction", rec.Direction),
			zap.Uint32("emsg", uint32(rec.EMsg)),
			zap.String("name", rec.Name),
			zap.Int("size", rec.Size),
			zap.String("detail", rec.Detail),
		)
	}
	return true
}

func (s *Sink) appendTranscript(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcript == nil {
		return nil
	}
	_, err := s.transcript.WriteString(line)
	return err
}

// Close closes the transcript.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcript == nil {
		return nil
	}
	err := s.transcript.Close()
	s.transcript = nil
	return err
}

// ArtifactName is the file name of the n-th captured message.
func ArtifactName(n uint64, rec *dispatch.Record) string {
	return fmt.Sprintf("%03d_%s_%d_k_EMsg%s.bin", n, rec.Direction, uint32(rec.EMsg), safeName(rec.Name))
}

// TranscriptLine renders one transcript entry, newline terminated.
func TranscriptLine(n uint64, rec *dispatch.Record) string {
	line := fmt.Sprintf("%s %03d %s %d %s %d",
		rec.Time.Format(time.RFC3339), n, rec.Direction, uint32(rec.EMsg), rec.Name, rec.Size)
	if rec.Detail != "" {
		line += " " + rec.Detail
	}
	return line + "\n"
}

func safeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ', 0:
			return '_'
		}
		return r
	}, name)
}
