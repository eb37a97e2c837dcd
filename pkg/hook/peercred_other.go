// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux

package hook

import "net"

const credSupported = false

var oobSize = 0

func enablePassCred(*net.UnixConn) error { return nil }

func peerPID([]byte) (int32, bool) { return 0, false }
