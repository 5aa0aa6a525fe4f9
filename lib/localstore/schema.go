// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/meshstore/lib/sqlitepool"
)

// blockSchema is shared by the main file and every sister file. size is
// the logical (uncompressed) length; checksum is NULL for lossy kinds
// and for blocks stored precompressed.
const blockSchema = `
CREATE TABLE IF NOT EXISTS blocks (
	kind     INTEGER NOT NULL,
	block_id INTEGER NOT NULL,
	codec    INTEGER NOT NULL,
	size     INTEGER NOT NULL,
	checksum BLOB,
	data     BLOB NOT NULL,
	PRIMARY KEY (kind, block_id)
) WITHOUT ROWID;
`

const mainSchema = `
CREATE TABLE IF NOT EXISTS master_header (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	data BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS node_headers (
	node_id INTEGER PRIMARY KEY,
	data    BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS properties (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
` + blockSchema

// Property keys.
const (
	propertyCoordinateSystem = "gcs"
	propertySources          = "sources"
)

func applySchema(script string) func(context.Context, *sqlitepool.Pool) error {
	return func(ctx context.Context, pool *sqlitepool.Pool) error {
		return pool.Write(ctx, func(_ context.Context, conn *sqlite.Conn) error {
			if err := sqlitex.ExecuteScript(conn, script, nil); err != nil {
				return fmt.Errorf("localstore: creating schema in %s: %w", pool.Path(), err)
			}
			return nil
		})
	}
}
