// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import "context"

// Provider is a source of intercepted traffic.
type Provider interface {
	// Start begins receiving frames and invoking callbacks.
	Start(ctx context.Context, callbacks Callbacks) error

	// Stop shuts down the provider and releases resources.
	Stop() error

	// EnableCapture tells the injected library to forward traffic.
	EnableCapture() error

	// DisableCapture makes the injected hooks pass-through.
	DisableCapture() error

	// IsCaptureEnabled returns the current capture state.
	IsCaptureEnabled() bool

	// Name returns the provider name.
	Name() string
}
