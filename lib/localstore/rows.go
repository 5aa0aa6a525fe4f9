// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/meshstore/lib/blockcodec"
	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/nodestore"
)

// storedBlock is one row of the blocks table.
type storedBlock struct {
	tag      blockcodec.Tag
	size     int
	checksum []byte
	payload  []byte
}

func columnBlob(stmt *sqlite.Stmt, column int) []byte {
	if stmt.ColumnIsNull(column) {
		return nil
	}
	data := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, data)
	return data
}

func putBlock(conn *sqlite.Conn, kind datakind.Kind, id nodestore.BlockID, block storedBlock) error {
	var checksum any
	if block.checksum != nil {
		checksum = block.checksum
	}
	return sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO blocks (kind, block_id, codec, size, checksum, data)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{int64(kind), int64(id), int64(block.tag), int64(block.size), checksum, block.payload},
		})
}

func getBlock(conn *sqlite.Conn, kind datakind.Kind, id nodestore.BlockID) (storedBlock, bool, error) {
	var block storedBlock
	found := false
	err := sqlitex.Execute(conn,
		`SELECT codec, size, checksum, data FROM blocks WHERE kind = ? AND block_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{int64(kind), int64(id)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				block.tag = blockcodec.Tag(stmt.ColumnInt(0))
				block.size = int(stmt.ColumnInt64(1))
				block.checksum = columnBlob(stmt, 2)
				block.payload = columnBlob(stmt, 3)
				return nil
			},
		})
	return block, found, err
}

func blockSize(conn *sqlite.Conn, kind datakind.Kind, id nodestore.BlockID) (int, error) {
	size := 0
	err := sqlitex.Execute(conn,
		`SELECT size FROM blocks WHERE kind = ? AND block_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{int64(kind), int64(id)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				size = int(stmt.ColumnInt64(0))
				return nil
			},
		})
	return size, err
}

func deleteBlock(conn *sqlite.Conn, kind datakind.Kind, id nodestore.BlockID) (bool, error) {
	err := sqlitex.Execute(conn,
		`DELETE FROM blocks WHERE kind = ? AND block_id = ?`,
		&sqlitex.ExecOptions{Args: []any{int64(kind), int64(id)}})
	if err != nil {
		return false, err
	}
	return conn.Changes() > 0, nil
}

func blockIDs(conn *sqlite.Conn, kinds ...datakind.Kind) ([]nodestore.BlockID, error) {
	var ids []nodestore.BlockID
	for _, kind := range kinds {
		err := sqlitex.Execute(conn,
			`SELECT block_id FROM blocks WHERE kind = ? ORDER BY block_id`,
			&sqlitex.ExecOptions{
				Args: []any{int64(kind)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					ids = append(ids, nodestore.BlockID(stmt.ColumnInt64(0)))
					return nil
				},
			})
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// BlockInfo describes one stored block without its payload.
type BlockInfo struct {
	Kind       datakind.Kind
	ID         nodestore.BlockID
	Codec      blockcodec.Tag
	Size       int
	StoredSize int
	Checksum   string
}

func listBlocks(conn *sqlite.Conn) ([]BlockInfo, error) {
	var infos []BlockInfo
	err := sqlitex.Execute(conn,
		`SELECT kind, block_id, codec, size, length(data), checksum FROM blocks ORDER BY kind, block_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				info := BlockInfo{
					Kind:       datakind.Kind(stmt.ColumnInt(0)),
					ID:         nodestore.BlockID(stmt.ColumnInt64(1)),
					Codec:      blockcodec.Tag(stmt.ColumnInt(2)),
					Size:       int(stmt.ColumnInt64(3)),
					StoredSize: int(stmt.ColumnInt64(4)),
				}
				if checksum, err := blockcodec.ChecksumFromBytes(columnBlob(stmt, 5)); err == nil {
					info.Checksum = checksum.String()
				}
				infos = append(infos, info)
				return nil
			},
		})
	return infos, err
}
