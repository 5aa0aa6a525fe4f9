// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for meshstore packages.
//
// [RequireReceive] and [RequireClosed] encapsulate the timeout safety
// valve pattern (select with time.After fallback) so that concurrency
// tests of the stores do not need direct time.After calls.
//
// [WriteTree] lays out a directory of files, the shape of a streamed
// dataset served by the file transport or an httptest server.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no meshstore-internal dependencies.
package testutil
