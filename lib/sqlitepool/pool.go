// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrReadOnly is returned by [Pool.Write] on a pool opened read-only.
var ErrReadOnly = errors.New("sqlitepool: database opened read-only")

// Config holds the parameters for opening a SQLite connection pool.
// Path is required; all other fields have sensible defaults.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist. Unless ReadOnly is set, the file is
	// created if it does not exist. Use ":memory:" only with
	// PoolSize 1 and Shared false.
	Path string

	// PoolSize is the number of connections in the pool. If zero or
	// negative, defaults to max(runtime.NumCPU(), 4). Ignored when
	// Shared is set.
	PoolSize int

	// ReadOnly opens every connection with SQLITE_OPEN_READONLY. The
	// file must exist. Write scopes fail with ErrReadOnly.
	ReadOnly bool

	// Shared marks a database file that other processes write too. No
	// connection is held between scopes: every outermost scope opens a
	// fresh connection, runs inside one transaction, and closes the
	// connection on exit so other processes see a consistent file.
	Shared bool

	// Logger receives operational messages (pool open/close, pragma
	// errors). If nil, a no-op logger is used.
	Logger *slog.Logger

	// OnConnect is called once per connection after standard pragmas
	// are applied. In Shared mode that is once per outermost scope.
	// If OnConnect returns an error, the connection is discarded and
	// the error is returned to the caller.
	OnConnect func(conn *sqlite.Conn) error
}

// Pool is a fixed-size pool of SQLite connections with standard
// pragmas, plus the scoped transaction guard ([Pool.Write],
// [Pool.Read]) used by every store operation.
//
// Pool is safe for concurrent use. Individual connections are not;
// each goroutine must hold its own connection for its work.
type Pool struct {
	inner     *sqlitex.Pool
	logger    *slog.Logger
	path      string
	readOnly  bool
	shared    bool
	onConnect func(*sqlite.Conn) error
}

// Open creates a new connection pool. Connections are initialized
// lazily on first use.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool := &Pool{
		logger:    logger,
		path:      cfg.Path,
		readOnly:  cfg.ReadOnly,
		shared:    cfg.Shared,
		onConnect: cfg.OnConnect,
	}

	if cfg.Shared {
		// Open and discard one connection so configuration errors
		// surface at Open rather than on first use.
		conn, err := pool.openConn()
		if err != nil {
			return nil, err
		}
		conn.Close()
		logger.Info("sqlite database opened", "path", cfg.Path, "shared", true, "read_only", cfg.ReadOnly)
		return pool, nil
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		Flags:    pool.openFlags(),
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return pool.prepareConnection(conn)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}
	pool.inner = inner

	logger.Info("sqlite pool opened",
		"path", cfg.Path,
		"pool_size", poolSize,
		"read_only", cfg.ReadOnly,
	)
	return pool, nil
}

// Path returns the database file path.
func (p *Pool) Path() string { return p.path }

// ReadOnly reports whether the pool was opened read-only.
func (p *Pool) ReadOnly() bool { return p.readOnly }

// Shared reports whether the pool runs in multi-process mode.
func (p *Pool) Shared() bool { return p.shared }

// Take borrows a connection. In Shared mode it opens a fresh
// connection instead. The caller MUST call Put when done:
//
//	conn, err := pool.Take(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Put(conn)
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	if p.shared {
		conn, err := p.openConn()
		if err != nil {
			return nil, err
		}
		conn.SetInterrupt(ctx.Done())
		return conn, nil
	}
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection taken with Take. Safe to call with nil.
func (p *Pool) Put(conn *sqlite.Conn) {
	if conn == nil {
		return
	}
	if p.shared {
		if err := conn.Close(); err != nil {
			p.logger.Warn("closing shared connection failed", "path", p.path, "error", err)
		}
		return
	}
	p.inner.Put(conn)
}

// Close closes all connections in the pool. Blocks until all borrowed
// connections are returned.
func (p *Pool) Close() error {
	if p.inner == nil {
		p.logger.Info("sqlite database closed", "path", p.path)
		return nil
	}
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close error",
			"path", p.path,
			"error", err,
		)
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", "path", p.path)
	return nil
}

// scopeKey identifies the active scope of one pool in a context.
type scopeKey struct{ pool *Pool }

type scope struct {
	conn     *sqlite.Conn
	writable bool
}

// Func is the body of a scope. ctx carries the scope so that nested
// Read or Write calls on the same pool reuse conn.
type Func func(ctx context.Context, conn *sqlite.Conn) error

// Write runs fn inside an IMMEDIATE transaction. The transaction is
// committed when fn returns nil and rolled back otherwise, including
// on panic. A Write nested in another Write of the same pool runs on
// the outer connection without a new transaction.
func (p *Pool) Write(ctx context.Context, fn Func) error {
	if p.readOnly {
		return ErrReadOnly
	}
	if active, ok := ctx.Value(scopeKey{p}).(*scope); ok {
		if !active.writable {
			return fmt.Errorf("sqlitepool: write scope nested in a read scope on %s", p.path)
		}
		return fn(ctx, active.conn)
	}
	return p.run(ctx, true, fn)
}

// Read runs fn inside a deferred transaction, giving it a consistent
// snapshot. Nested in a Read or Write of the same pool, it reuses the
// outer connection.
func (p *Pool) Read(ctx context.Context, fn Func) error {
	if active, ok := ctx.Value(scopeKey{p}).(*scope); ok {
		return fn(ctx, active.conn)
	}
	return p.run(ctx, false, fn)
}

func (p *Pool) run(ctx context.Context, writable bool, fn Func) (err error) {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)

	var endTransaction func(*error)
	if writable {
		endTransaction, err = sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("sqlitepool: begin transaction on %s: %w", p.path, err)
		}
	} else {
		endTransaction = sqlitex.Transaction(conn)
	}
	defer endTransaction(&err)

	return fn(context.WithValue(ctx, scopeKey{p}, &scope{conn: conn, writable: writable}), conn)
}

// Exec runs fn on a connection outside any transaction. Statements
// such as VACUUM that cannot run in a transaction use this.
func (p *Pool) Exec(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	if _, ok := ctx.Value(scopeKey{p}).(*scope); ok {
		return fmt.Errorf("sqlitepool: Exec inside an open scope on %s", p.path)
	}
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)
	return fn(conn)
}

// Vacuum rebuilds the database file to reclaim free pages.
func (p *Pool) Vacuum(ctx context.Context) error {
	if p.readOnly {
		return ErrReadOnly
	}
	return p.Exec(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.ExecuteTransient(conn, "VACUUM", nil); err != nil {
			return fmt.Errorf("sqlitepool: vacuum %s: %w", p.path, err)
		}
		return nil
	})
}

// CopyTo writes a compacted, consistent copy of the database to
// destination, which must not exist.
func (p *Pool) CopyTo(ctx context.Context, destination string) error {
	return p.Exec(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.ExecuteTransient(conn, "VACUUM INTO ?", &sqlitex.ExecOptions{
			Args: []any{destination},
		})
		if err != nil {
			return fmt.Errorf("sqlitepool: copying %s to %s: %w", p.path, destination, err)
		}
		return nil
	})
}

// Checkpoint folds the write-ahead log back into the database file.
func (p *Pool) Checkpoint(ctx context.Context) error {
	if p.readOnly {
		return nil
	}
	return p.Exec(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.ExecuteTransient(conn, "PRAGMA wal_checkpoint(TRUNCATE)", nil); err != nil {
			return fmt.Errorf("sqlitepool: checkpoint %s: %w", p.path, err)
		}
		return nil
	})
}

func (p *Pool) openFlags() sqlite.OpenFlags {
	if p.readOnly {
		return sqlite.OpenReadOnly | sqlite.OpenURI
	}
	return sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenWAL | sqlite.OpenURI
}

func (p *Pool) openConn() (*sqlite.Conn, error) {
	conn, err := sqlite.OpenConn(p.path, p.openFlags())
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", p.path, err)
	}
	if err := p.prepareConnection(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// prepareConnection applies the standard pragmas and then calls the
// optional OnConnect callback.
func (p *Pool) prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA cache_size=-8192",
		"PRAGMA mmap_size=268435456",
		"PRAGMA temp_store=MEMORY",
	}
	if !p.readOnly {
		pragmas = append([]string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
		}, pragmas...)
	}

	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}

	if p.onConnect != nil {
		if err := p.onConnect(conn); err != nil {
			return fmt.Errorf("sqlitepool: OnConnect: %w", err)
		}
	}
	return nil
}
