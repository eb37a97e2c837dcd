// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/SteamRE/SteamKit-sub000/pkg/dispatch"
)

// StdoutExporter writes one JSON line per record.
type StdoutExporter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdoutExporter creates a JSON-lines exporter writing to w, or stdout
// when w is nil.
func NewStdoutExporter(w io.Writer) *StdoutExporter {
	if w == nil {
		w = os.Stdout
	}
	return &StdoutExporter{enc: json.NewEncoder(w)}
}

// Name implements Exporter.
func (e *StdoutExporter) Name() string { return "stdout" }

type recordJSON struct {
	Time      string `json:"time"`
	Direction string `json:"direction"`
	EMsg      uint32 `json:"emsg"`
	Name      string `json:"name"`
	Size      int    `json:"size"`
	Layout    string `json:"layout"`
	Header    string `json:"header,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Handled   bool   `json:"handled"`
	Accepted  bool   `json:"accepted"`
}

// ExportRecords prints records to the writer.
func (e *StdoutExporter) ExportRecords(ctx context.Context, records []*dispatch.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range records {
		line := recordJSON{
			Time:      r.Time.Format(time.RFC3339Nano),
			Direction: r.Direction.String(),
			EMsg:      uint32(r.EMsg),
			Name:      r.Name,
			Size:      r.Size,
			Layout:    r.Layout.String(),
			Detail:    r.Detail,
			Handled:   r.Handled,
			Accepted:  r.Accepted,
		}
		if len(r.Header) > 0 {
			line.Header = hex.EncodeToString(r.Header)
		}
		if err := e.enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown is a no-op.
func (e *StdoutExporter) Shutdown(ctx context.Context) error {
	return nil
}
