// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP I/O utilities for the streaming
// transport.
//
// Response helpers (ReadLimited, ErrorBody) bound every body read so
// a misbehaving server cannot exhaust memory. Dataset blobs are read whole: a framed block or a
// tile payload is decoded in one piece, so the bound is a size limit
// on a single blob rather than a streaming concern.
//
// Connection error helpers (IsTransient) classify failures that are
// worth one retry.
package netutil

import (
	"errors"
	"fmt"
	"io"
)

// MaxResponseSize is the default bound on response body reads: 2 GiB
// plus one frame header, the largest framed block a dataset may hold.
const MaxResponseSize int64 = 2<<30 + 16

// MaxErrorBodySize bounds the body quoted in error messages.
const MaxErrorBodySize int64 = 4 << 10

// ErrResponseTooLarge reports a body longer than the read limit.
var ErrResponseTooLarge = errors.New("netutil: response body exceeds limit")

// ReadLimited reads body and fails with ErrResponseTooLarge when it
// holds more than limit bytes.
func ReadLimited(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, limit)
	}
	return data, nil
}

// ErrorBody reads the start of an HTTP error response body for
// diagnostic error messages. Read errors are silently ignored; a
// partial or empty body is still useful in an error message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxErrorBodySize))
	return string(data)
}
