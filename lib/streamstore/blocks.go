// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package streamstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/meshstore/lib/blockcodec"
	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/nodeheader"
	"github.com/bureau-foundation/meshstore/lib/nodestore"
)

// layout says how the blocks of one kind are stored.
type layout int

const (
	// layoutFramed is a block frame under data/<kind>/.
	layoutFramed layout = iota
	// layoutTexture is the 16-byte texture header followed by JPEG,
	// under textures/.
	layoutTexture
	// layoutPayload is the raw tile payload <id>.b3dm.
	layoutPayload
	// layoutTile is a mesh array extracted from <id>.b3dm. Read-only.
	layoutTile
)

func layoutOf(kind datakind.Kind, mode headerMode) layout {
	switch {
	case kind == datakind.Cesium3DTiles:
		return layoutPayload
	case mode == modeTiles && tileKinds[kind]:
		return layoutTile
	case kind == datakind.Texture:
		return layoutTexture
	default:
		return layoutFramed
	}
}

func blobName(l layout, kind datakind.Kind, id nodestore.BlockID) string {
	switch l {
	case layoutTexture:
		return textureName(id)
	case layoutPayload, layoutTile:
		return tilePayloadName(id)
	default:
		return blockName(kind, id)
	}
}

type blockStore struct {
	store  *Store
	kind   datakind.Kind
	header *nodeheader.NodeHeader
	layout layout
}

var _ nodestore.BlockStore = (*blockStore)(nil)

func (b *blockStore) Kind() datakind.Kind { return b.kind }

func (b *blockStore) name(id nodestore.BlockID) string {
	return blobName(b.layout, b.kind, id)
}

// bound reports whether id is the block of the bound header's node.
func (b *blockStore) bound(id nodestore.BlockID) bool {
	return b.header != nil && nodestore.NodeBlock(b.header.ID) == id
}

func (b *blockStore) writable() error {
	if b.store.config.ReadOnly || b.layout == layoutTile {
		return nodestore.ErrReadOnly
	}
	return nil
}

// read returns the stored blob of id, taking a preloaded copy when
// there is one.
func (b *blockStore) read(ctx context.Context, id nodestore.BlockID) ([]byte, error) {
	name := b.name(id)
	if data, ok := b.store.takePreloaded(name); ok {
		return data, nil
	}
	data, err := b.store.transport.Read(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("streamstore: load %s block %d: %w", b.kind, id, err)
	}
	return data, nil
}

// decode turns a stored blob into the logical payload.
func (b *blockStore) decode(blob []byte) ([]byte, error) {
	switch b.layout {
	case layoutTexture:
		return blockcodec.DecodeTexture(blob)
	case layoutPayload:
		return blob, nil
	case layoutTile:
		tile, err := ParseB3DM(blob, b.store.settings.Transform())
		if err != nil {
			return nil, err
		}
		return tile.Block(b.kind)
	default:
		tag, size, err := blockcodec.FrameHeader(blob)
		if err != nil {
			return nil, err
		}
		return b.store.codec.Decode(b.kind, blob[blockcodec.FrameHeaderSize:], tag, size)
	}
}

// encode returns the blob segments holding data.
func (b *blockStore) encode(data []byte) ([][]byte, error) {
	switch b.layout {
	case layoutTexture:
		stored, err := blockcodec.EncodeTexture(data, b.store.codec.TextureQuality)
		if err != nil {
			return nil, err
		}
		return [][]byte{stored[:blockcodec.TextureHeaderSize], stored[blockcodec.TextureHeaderSize:]}, nil
	case layoutPayload:
		return [][]byte{data}, nil
	default:
		payload, tag, err := b.store.codec.Encode(b.kind, data)
		if err != nil {
			return nil, err
		}
		return [][]byte{blockcodec.Frame(tag, len(data), nil), payload}, nil
	}
}

// load is the slot fetch of id.
func (b *blockStore) load(ctx context.Context, id nodestore.BlockID) ([]byte, error) {
	blob, err := b.read(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := b.decode(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %s block %d: %w", nodestore.ErrMalformed, b.kind, id, err)
	}
	return data, nil
}

func (b *blockStore) slot(ctx context.Context, id nodestore.BlockID, consume bool) ([]byte, error) {
	key := slotKey{b.kind, id}
	slot, data, err := b.store.slots.acquire(ctx, key, func(ctx context.Context) ([]byte, error) {
		return b.load(ctx, id)
	})
	b.store.slots.release(key, slot, consume)
	return data, err
}

func (b *blockStore) BlockDataCount(ctx context.Context, id nodestore.BlockID) (int, error) {
	data, err := b.slot(ctx, id, false)
	if errors.Is(err, nodestore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(data) / b.kind.ElementSize(), nil
}

func (b *blockStore) ModifyBlockDataCount(_ nodestore.BlockID, delta int64) {
	nodestore.AdjustCounter(b.header, b.kind, delta)
}

func (b *blockStore) LoadBlock(ctx context.Context, buffer []byte, id nodestore.BlockID) (int, error) {
	data, err := b.slot(ctx, id, true)
	if err != nil {
		return 0, err
	}
	return copy(buffer, data), nil
}

// written drops cached and preloaded copies of id after a mutation.
func (b *blockStore) written(id nodestore.BlockID) {
	b.store.slots.invalidate(slotKey{b.kind, id})
	b.store.forgetPreloaded(b.name(id))
}

func (b *blockStore) StoreBlock(ctx context.Context, data []byte, id nodestore.BlockID) error {
	if err := b.writable(); err != nil {
		return err
	}
	segments, err := b.encode(data)
	if err != nil {
		return fmt.Errorf("streamstore: store %s block %d: %w", b.kind, id, err)
	}
	if err := b.store.transport.Write(ctx, b.name(id), segments...); err != nil {
		return fmt.Errorf("streamstore: store %s block %d: %w", b.kind, id, err)
	}
	b.written(id)
	if b.bound(id) {
		b.header.SetBlockSize(b.kind, uint64(len(data)))
	}
	b.store.logger.Debug("block stored",
		"kind", b.kind.String(),
		"block_id", int64(id),
		"size", len(data),
	)
	return nil
}

func (b *blockStore) DestroyBlock(ctx context.Context, id nodestore.BlockID) (bool, error) {
	if err := b.writable(); err != nil {
		return false, err
	}
	existed, err := b.store.transport.Delete(ctx, b.name(id))
	if err != nil {
		return false, fmt.Errorf("streamstore: destroy %s block %d: %w", b.kind, id, err)
	}
	b.written(id)
	if existed && b.bound(id) {
		b.header.ClearBlockSize(b.kind)
	}
	return existed, nil
}

// StoreCompressedBlock writes frame without re-running the pipeline.
// Textures are stored in their texture form; other payload layouts
// are unpacked first.
func (b *blockStore) StoreCompressedBlock(ctx context.Context, frame []byte, id nodestore.BlockID) error {
	if err := b.writable(); err != nil {
		return err
	}
	tag, size, err := blockcodec.FrameHeader(frame)
	if err != nil {
		return fmt.Errorf("streamstore: store compressed %s block %d: %w", b.kind, id, err)
	}
	var segments [][]byte
	switch b.layout {
	case layoutTexture:
		stored, err := blockcodec.Decompress(frame[blockcodec.FrameHeaderSize:], tag, size)
		if err != nil {
			return fmt.Errorf("streamstore: store compressed %s block %d: %w", b.kind, id, err)
		}
		if _, err := blockcodec.ParseTextureHeader(stored); err != nil {
			return fmt.Errorf("streamstore: store compressed %s block %d: %w", b.kind, id, err)
		}
		segments = [][]byte{stored[:blockcodec.TextureHeaderSize], stored[blockcodec.TextureHeaderSize:]}
	case layoutPayload:
		data, err := blockcodec.Unpack(frame)
		if err != nil {
			return fmt.Errorf("streamstore: store compressed %s block %d: %w", b.kind, id, err)
		}
		segments = [][]byte{data}
	default:
		segments = [][]byte{frame}
	}
	if err := b.store.transport.Write(ctx, b.name(id), segments...); err != nil {
		return fmt.Errorf("streamstore: store compressed %s block %d: %w", b.kind, id, err)
	}
	b.written(id)
	if b.bound(id) && b.layout != layoutTexture {
		b.header.SetBlockSize(b.kind, uint64(size))
	}
	return nil
}

// LoadCompressedBlock returns id as a frame. Framed blocks are
// returned as stored; other layouts are framed uncompressed.
func (b *blockStore) LoadCompressedBlock(ctx context.Context, id nodestore.BlockID) (nodestore.Block, error) {
	blob, err := b.read(ctx, id)
	if err != nil {
		return nodestore.Block{}, err
	}
	block := nodestore.Block{ID: id, Kind: b.kind}
	switch b.layout {
	case layoutFramed:
		_, size, err := blockcodec.FrameHeader(blob)
		if err != nil {
			return nodestore.Block{}, fmt.Errorf("%w: %s block %d: %w", nodestore.ErrMalformed, b.kind, id, err)
		}
		block.Data = blob
		block.UncompressedSize = size
	case layoutTile:
		data, err := b.decode(blob)
		if err != nil {
			return nodestore.Block{}, fmt.Errorf("%w: %s block %d: %w", nodestore.ErrMalformed, b.kind, id, err)
		}
		block.Data = blockcodec.Frame(blockcodec.None, len(data), data)
		block.UncompressedSize = len(data)
	default:
		block.Data = blockcodec.Frame(blockcodec.None, len(blob), blob)
		block.UncompressedSize = len(blob)
	}
	return block, nil
}
