// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"io"
	"syscall"
)

// IsTransient reports whether err is a connection failure worth one
// retry: a body cut short, a reset connection, or a broken pipe.
// Servers that recycle keep-alive connections produce these on the
// first request over a stale connection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
