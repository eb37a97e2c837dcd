// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package discovery identifies the client processes that load the hook
// library.
package discovery

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// ProcessInfo describes a hooked client process.
type ProcessInfo struct {
	PID          uint32
	Name         string
	Exe          string
	Cmdline      string
	StartedAt    time.Time
	DiscoveredAt time.Time
}

// Fields returns the info as zap fields.
func (p *ProcessInfo) Fields() []zap.Field {
	return []zap.Field{
		zap.Uint32("pid", p.PID),
		zap.String("process", p.Name),
		zap.String("exe", p.Exe),
		zap.Time("process_started", p.StartedAt),
	}
}

// Discoverer looks up and caches process details by pid.
type Discoverer struct {
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[uint32]*ProcessInfo
}

// NewDiscoverer creates a new process discoverer.
func NewDiscoverer(logger *zap.Logger) *Discoverer {
	return &Discoverer{
		logger: logger,
		cache:  make(map[uint32]*ProcessInfo),
	}
}

// Describe returns details for pid, or a stub carrying only the pid and a
// "pid-N" name when the process cannot be inspected.
func (d *Discoverer) Describe(pid uint32) *ProcessInfo {
	d.mu.RLock()
	info, ok := d.cache[pid]
	d.mu.RUnlock()
	if ok {
		return info
	}

	info = d.discover(pid)
	d.mu.Lock()
	d.cache[pid] = info
	d.mu.Unlock()
	return info
}

func (d *Discoverer) discover(pid uint32) *ProcessInfo {
	info := &ProcessInfo{
		PID:          pid,
		Name:         "pid-" + strconv.Itoa(int(pid)),
		DiscoveredAt: time.Now(),
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		d.logger.Debug("process lookup failed", zap.Uint32("pid", pid), zap.Error(err))
		return info
	}

	if name, err := proc.Name(); err == nil && name != "" {
		info.Name = cleanExeName(name)
	}
	if exe, err := proc.Exe(); err == nil {
		info.Exe = exe
	}
	if cmdline, err := proc.Cmdline(); err == nil {
		info.Cmdline = cmdline
	}
	if ms, err := proc.CreateTime(); err == nil {
		info.StartedAt = time.UnixMilli(ms)
	}
	return info
}

func cleanExeName(name string) string {
	name = strings.TrimSuffix(name, ".exe")
	name = strings.TrimSuffix(name, ".bin")
	return name
}

// Forget removes a PID from the cache.
func (d *Discoverer) Forget(pid uint32) {
	d.mu.Lock()
	delete(d.cache, pid)
	d.mu.Unlock()
}

// Len returns the number of cached processes.
func (d *Discoverer) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.cache)
}

// CleanDeadProcesses removes cached entries for processes that no longer exist.
func (d *Discoverer) CleanDeadProcesses() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for pid := range d.cache {
		if !processExists(pid) {
			delete(d.cache, pid)
			removed++
		}
	}
	return removed
}

func processExists(pid uint32) bool {
	if runtime.GOOS == "linux" {
		_, err := os.Stat("/proc/" + strconv.Itoa(int(pid)))
		return err == nil
	}
	// Cross-platform fallback
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, _ := p.IsRunning()
	return running
}
