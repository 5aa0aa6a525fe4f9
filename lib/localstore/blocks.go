// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/meshstore/lib/blockcodec"
	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/nodeheader"
	"github.com/bureau-foundation/meshstore/lib/nodestore"
	"github.com/bureau-foundation/meshstore/lib/sisterfile"
	"github.com/bureau-foundation/meshstore/lib/sqlitepool"
)

// blockStore serves one kind from the file its family routes to.
type blockStore struct {
	store  *Store
	kind   datakind.Kind
	header *nodeheader.NodeHeader
}

var _ nodestore.BlockStore = (*blockStore)(nil)

func (b *blockStore) Kind() datakind.Kind { return b.kind }

// pool returns the file of the kind. A sister file that does not exist
// yet reports sisterfile.ErrMissing.
func (b *blockStore) pool(ctx context.Context) (*sqlitepool.Pool, error) {
	return b.store.familyPool(ctx, b.kind.Family())
}

// encode runs the pipeline of kind over data and computes the checksum
// of the logical payload. Lossy kinds carry no checksum.
func (s *Store) encode(kind datakind.Kind, data []byte) (storedBlock, error) {
	if len(data) > blockcodec.MaxBlockSize {
		return storedBlock{}, fmt.Errorf("localstore: %s block of %d bytes exceeds %d", kind, len(data), blockcodec.MaxBlockSize)
	}
	payload, tag, err := s.codec.Encode(kind, data)
	if err != nil {
		return storedBlock{}, err
	}
	block := storedBlock{tag: tag, size: len(data), payload: payload}
	if datakind.MustLookup(kind).Serializer != datakind.SerializeTexture {
		sum := blockcodec.Sum(data)
		block.checksum = sum[:]
	}
	return block, nil
}

// decode reverses encode and verifies the checksum when configured.
func (s *Store) decode(kind datakind.Kind, id nodestore.BlockID, block storedBlock) ([]byte, error) {
	data, err := s.codec.Decode(kind, block.payload, block.tag, block.size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s block %d: %w", nodestore.ErrMalformed, kind, id, err)
	}
	if s.config.VerifyChecksums && block.checksum != nil {
		stored, err := blockcodec.ChecksumFromBytes(block.checksum)
		if err != nil {
			return nil, fmt.Errorf("%w: %s block %d: %w", nodestore.ErrMalformed, kind, id, err)
		}
		if actual := blockcodec.Sum(data); actual != stored {
			return nil, fmt.Errorf("%w: %s block %d checksum %s, stored %s",
				nodestore.ErrMalformed, kind, id, actual, stored)
		}
	}
	return data, nil
}

// bound reports whether id is the block of the bound header's node.
func (b *blockStore) bound(id nodestore.BlockID) bool {
	return b.header != nil && nodestore.NodeBlock(b.header.ID) == id
}

func (b *blockStore) StoreBlock(ctx context.Context, data []byte, id nodestore.BlockID) error {
	if b.store.config.ReadOnly {
		return nodestore.ErrReadOnly
	}
	block, err := b.store.encode(b.kind, data)
	if err != nil {
		return fmt.Errorf("localstore: store %s block %d: %w", b.kind, id, err)
	}
	if err := b.put(ctx, id, block); err != nil {
		return err
	}
	if b.bound(id) {
		b.header.SetBlockSize(b.kind, uint64(len(data)))
	}
	b.store.logger.Debug("block stored",
		"kind", b.kind.String(),
		"block_id", int64(id),
		"size", len(data),
		"stored_size", len(block.payload),
		"codec", block.tag.String(),
	)
	return nil
}

func (b *blockStore) put(ctx context.Context, id nodestore.BlockID, block storedBlock) error {
	pool, err := b.pool(ctx)
	if err != nil {
		return fmt.Errorf("localstore: store %s block %d: %w", b.kind, id, err)
	}
	err = pool.Write(ctx, func(_ context.Context, conn *sqlite.Conn) error {
		return putBlock(conn, b.kind, id, block)
	})
	if err != nil {
		return fmt.Errorf("localstore: store %s block %d: %w", b.kind, id, err)
	}
	return nil
}

// fetch reads the stored row of id. found is false for a missing row
// or a sister file that does not exist.
func (b *blockStore) fetch(ctx context.Context, id nodestore.BlockID) (storedBlock, bool, error) {
	pool, err := b.pool(ctx)
	if errors.Is(err, sisterfile.ErrMissing) {
		return storedBlock{}, false, nil
	}
	if err != nil {
		return storedBlock{}, false, fmt.Errorf("localstore: load %s block %d: %w", b.kind, id, err)
	}
	var block storedBlock
	found := false
	err = pool.Read(ctx, func(_ context.Context, conn *sqlite.Conn) error {
		var err error
		block, found, err = getBlock(conn, b.kind, id)
		return err
	})
	if err != nil {
		return storedBlock{}, false, fmt.Errorf("localstore: load %s block %d: %w", b.kind, id, err)
	}
	return block, found, nil
}

// load returns the logical payload of id.
func (b *blockStore) load(ctx context.Context, id nodestore.BlockID) ([]byte, error) {
	block, found, err := b.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s block %d", nodestore.ErrNotFound, b.kind, id)
	}
	return b.store.decode(b.kind, id, block)
}

func (b *blockStore) BlockDataCount(ctx context.Context, id nodestore.BlockID) (int, error) {
	pool, err := b.pool(ctx)
	if errors.Is(err, sisterfile.ErrMissing) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("localstore: size of %s block %d: %w", b.kind, id, err)
	}
	size := 0
	err = pool.Read(ctx, func(_ context.Context, conn *sqlite.Conn) error {
		var err error
		size, err = blockSize(conn, b.kind, id)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("localstore: size of %s block %d: %w", b.kind, id, err)
	}
	return size / b.kind.ElementSize(), nil
}

func (b *blockStore) ModifyBlockDataCount(_ nodestore.BlockID, delta int64) {
	nodestore.AdjustCounter(b.header, b.kind, delta)
}

func (b *blockStore) LoadBlock(ctx context.Context, buffer []byte, id nodestore.BlockID) (int, error) {
	data, err := b.load(ctx, id)
	if err != nil {
		return 0, err
	}
	return copy(buffer, data), nil
}

func (b *blockStore) DestroyBlock(ctx context.Context, id nodestore.BlockID) (bool, error) {
	if b.store.config.ReadOnly {
		return false, nodestore.ErrReadOnly
	}
	pool, err := b.pool(ctx)
	if errors.Is(err, sisterfile.ErrMissing) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("localstore: destroy %s block %d: %w", b.kind, id, err)
	}
	existed := false
	err = pool.Write(ctx, func(_ context.Context, conn *sqlite.Conn) error {
		var err error
		existed, err = deleteBlock(conn, b.kind, id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("localstore: destroy %s block %d: %w", b.kind, id, err)
	}
	if existed && b.bound(id) {
		b.header.ClearBlockSize(b.kind)
	}
	return existed, nil
}

func (b *blockStore) StoreCompressedBlock(ctx context.Context, frame []byte, id nodestore.BlockID) error {
	if b.store.config.ReadOnly {
		return nodestore.ErrReadOnly
	}
	tag, size, err := blockcodec.FrameHeader(frame)
	if err != nil {
		return fmt.Errorf("localstore: store compressed %s block %d: %w", b.kind, id, err)
	}
	block := storedBlock{
		tag:     tag,
		size:    size,
		payload: bytes.Clone(frame[blockcodec.FrameHeaderSize:]),
	}
	if err := b.put(ctx, id, block); err != nil {
		return err
	}
	if b.bound(id) {
		b.header.SetBlockSize(b.kind, uint64(size))
	}
	return nil
}

func (b *blockStore) LoadCompressedBlock(ctx context.Context, id nodestore.BlockID) (nodestore.Block, error) {
	block, found, err := b.fetch(ctx, id)
	if err != nil {
		return nodestore.Block{}, err
	}
	if !found {
		return nodestore.Block{}, fmt.Errorf("%w: %s block %d", nodestore.ErrNotFound, b.kind, id)
	}
	return nodestore.Block{
		ID:               id,
		Kind:             b.kind,
		Data:             blockcodec.Frame(block.tag, block.size, block.payload),
		UncompressedSize: block.size,
	}, nil
}

// ids lists the block ids of kinds stored in the file of b's family.
func (b *blockStore) ids(ctx context.Context, kinds ...datakind.Kind) ([]nodestore.BlockID, error) {
	pool, err := b.pool(ctx)
	if errors.Is(err, sisterfile.ErrMissing) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("localstore: listing %s blocks: %w", b.kind, err)
	}
	var ids []nodestore.BlockID
	err = pool.Read(ctx, func(_ context.Context, conn *sqlite.Conn) error {
		var err error
		ids, err = blockIDs(conn, kinds...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("localstore: listing %s blocks: %w", b.kind, err)
	}
	return ids, nil
}
