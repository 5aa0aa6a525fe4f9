// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool and scoped
// transaction guard behind the local store and its sister files.
//
// It wraps zombiezen.com/go/sqlite with production defaults: WAL
// journal mode, NORMAL synchronous, memory-mapped reads, and a busy
// timeout so concurrent writers wait instead of failing.
//
// # Scopes
//
// Store operations run inside [Pool.Write] or [Pool.Read]. A scope
// owns one connection and one transaction, commits when its body
// returns nil, and rolls back on error or panic. The context passed to
// the body carries the scope: a nested Write or Read on the same pool
// runs on the outer connection instead of opening a second
// transaction.
//
// In Shared mode the database file is written by several processes.
// No connection is held between scopes; every outermost scope opens
// a fresh connection and closes it on exit.
//
//	err := pool.Write(ctx, func(ctx context.Context, conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "INSERT INTO blocks ...", &sqlitex.ExecOptions{
//	        Args: []any{id, kind, data},
//	    })
//	})
//
// # Pragmas
//
//   - journal_mode=WAL: concurrent readers and a single writer.
//   - synchronous=NORMAL: transactions survive process crashes.
//   - busy_timeout=5000: wait up to 5 seconds for a write lock.
//   - foreign_keys=OFF, cache_size=-8192, mmap_size=256MB,
//     temp_store=MEMORY.
//
// Read-only pools skip the two pragmas that write the file header.
package sqlitepool
