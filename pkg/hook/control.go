// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	controlFileName = "control"
	controlFileSize = 4096
)

// ControlFile is a one-page file the injected library maps read-only.
// Byte 0 selects the capture state:
//   - 0 = paused (hooks pass through)
//   - 1 = active (traffic is forwarded to the socket)
//
// Writes are visible to every hooked process through the page cache.
type ControlFile struct {
	path string
	file *os.File
}

// CreateControlFile creates a control file in dir, initially active or
// paused.
func CreateControlFile(dir string, active bool) (*ControlFile, error) {
	path := filepath.Join(dir, controlFileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("create control file: %w", err)
	}

	// Ensure file is exactly one page (for clean mmap on the C side)
	if err := f.Truncate(controlFileSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate control file: %w", err)
	}

	var state byte
	if active {
		state = 1
	}
	if _, err := f.WriteAt([]byte{state}, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("init control file: %w", err)
	}

	os.Chmod(path, 0666)

	return &ControlFile{path: path, file: f}, nil
}

// OpenControlFile opens an existing control file for read-write access.
// Used by "nethook capture pause|resume|status".
func OpenControlFile(dir string) (*ControlFile, error) {
	path := filepath.Join(dir, controlFileName)

	f, err := os.OpenFile(path, os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("open control file %s: %w", path, err)
	}

	return &ControlFile{path: path, file: f}, nil
}

// Enable resumes capture in every hooked process.
func (c *ControlFile) Enable() error {
	_, err := c.file.WriteAt([]byte{1}, 0)
	return err
}

// Disable pauses capture.
func (c *ControlFile) Disable() error {
	_, err := c.file.WriteAt([]byte{0}, 0)
	return err
}

// IsEnabled reports whether capture is active.
func (c *ControlFile) IsEnabled() (bool, error) {
	buf := make([]byte, 1)
	_, err := c.file.ReadAt(buf, 0)
	if err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}

// Close closes the file handle without removing the file.
func (c *ControlFile) Close() error {
	if c.file != nil {
		return c.file.Close()
	}
	return nil
}

// Remove removes the control file from disk.
func (c *ControlFile) Remove() {
	os.Remove(c.path)
}

// Path returns the control file path.
func (c *ControlFile) Path() string {
	return c.path
}
