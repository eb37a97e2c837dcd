// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package hook

import (
	"net"

	"golang.org/x/sys/unix"
)

const credSupported = true

var oobSize = unix.CmsgSpace(unix.SizeofUcred)

// enablePassCred asks the kernel to attach SCM_CREDENTIALS to every
// datagram received on conn.
func enablePassCred(conn *net.UnixConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	if err := raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
	}); err != nil {
		return err
	}
	return serr
}

// peerPID returns the sender pid reported by the kernel.
func peerPID(oob []byte) (int32, bool) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, false
	}
	for i := range msgs {
		if cred, err := unix.ParseUnixCredentials(&msgs[i]); err == nil {
			return cred.Pid, true
		}
	}
	return 0, false
}
