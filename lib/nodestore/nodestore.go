// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package nodestore defines the contract every block-store backend
// satisfies: master and node header persistence, and per-kind block
// stores addressed by block id.
//
// A [NodeStore] is opened once per dataset. Callers ask it for a
// [BlockStore] bound to one data kind and one node header, then store,
// load, resize or destroy blocks through it. Backends are the local
// SQLite file (lib/localstore), the streaming dataset (lib/streamstore)
// and the external clip provider (lib/extstore); lib/meshstore picks
// one at construction.
//
// # Failures
//
// Operational failures (I/O, malformed stored data) are returned as
// errors and the operation has not happened. A missing node header is
// not a failure: [NodeStore.LoadNodeHeader] returns
// [nodeheader.Empty]. A destination buffer smaller than the block is
// not a failure either: [BlockStore.LoadBlock] copies what fits and
// reports the count.
//
// Asking a backend for a kind it cannot serve is a programming error
// and panics through [ContractViolation]. Mutations on a read-only
// store return [ErrReadOnly].
package nodestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/geom"
	"github.com/bureau-foundation/meshstore/lib/nodeheader"
)

// BlockID addresses a block within one kind. For node-bound kinds it
// is the node id; for clip and coverage kinds it is the region id.
type BlockID int64

// NodeBlock returns the block id of node id.
func NodeBlock(id nodeheader.NodeID) BlockID { return BlockID(id) }

var (
	// ErrNotFound reports that a block does not exist.
	ErrNotFound = errors.New("nodestore: block not found")
	// ErrReadOnly reports a mutation on a read-only store.
	ErrReadOnly = errors.New("nodestore: store is read-only")
	// ErrMalformed reports stored or transmitted data that does not
	// decode, or whose checksum does not match.
	ErrMalformed = errors.New("nodestore: malformed stored data")
	// ErrUnsupportedKind is the panic value wrapped by ContractViolation
	// for kinds a backend does not serve.
	ErrUnsupportedKind = errors.New("nodestore: data kind not supported by backend")
)

// ContractViolation panics with a descriptive error. It marks calls no
// correct caller makes, such as requesting a kind the backend does not
// serve.
func ContractViolation(err error, format string, args ...any) {
	panic(fmt.Errorf("%w: %s", err, fmt.Sprintf(format, args...)))
}

// Block is one stored payload.
type Block struct {
	ID   BlockID
	Kind datakind.Kind
	// Data is the payload. For compressed transfers it is a block
	// frame (see lib/blockcodec).
	Data []byte
	// UncompressedSize is the logical payload size when Data is
	// compressed, otherwise len(Data).
	UncompressedSize int
}

// NodeStore is the per-dataset side of the contract. Implementations
// are safe for concurrent use.
type NodeStore interface {
	StoreMasterHeader(ctx context.Context, master *nodeheader.MasterHeader) error
	LoadMasterHeader(ctx context.Context) (*nodeheader.MasterHeader, error)

	StoreNodeHeader(ctx context.Context, header *nodeheader.NodeHeader) error
	// LoadNodeHeader returns nodeheader.Empty(id) for a node that was
	// never stored.
	LoadNodeHeader(ctx context.Context, id nodeheader.NodeID) (*nodeheader.NodeHeader, error)

	// NodeDataStore returns the block store for kind, bound to header.
	// header may be nil for kinds that are not node-bound. It panics
	// for kinds the backend does not serve.
	NodeDataStore(kind datakind.Kind, header *nodeheader.NodeHeader) BlockStore

	// PreloadData hints that the given kinds of the given nodes will
	// be read soon. Best effort; it never fails and may do nothing.
	PreloadData(ctx context.Context, nodes []nodeheader.NodeID, kinds []datakind.Kind)
	// CancelPreloadData abandons outstanding preload work.
	CancelPreloadData()

	// ComputeRasterTiles lists the raster tiles covering extent for a
	// store whose textures are streamed from a raster source. Other
	// stores return nil.
	ComputeRasterTiles(ctx context.Context, extent geom.Extent) ([]RasterTile, error)

	Close() error
}

// BlockStore is the per-kind side of the contract. Implementations are
// safe for concurrent use; updates to the bound node header are not
// synchronized and belong to the header's owner.
type BlockStore interface {
	Kind() datakind.Kind

	// StoreBlock writes data as block id, replacing any previous
	// block.
	StoreBlock(ctx context.Context, data []byte, id BlockID) error

	// BlockDataCount returns the number of elements of block id
	// (bytes divided by the kind's element size), or 0 if absent.
	BlockDataCount(ctx context.Context, id BlockID) (int, error)

	// ModifyBlockDataCount adjusts the cached item counter in the
	// bound node header (point count for Points, face-index count for
	// TriangleIndices) without touching the stored block. It is a
	// no-op for other kinds.
	ModifyBlockDataCount(id BlockID, delta int64)

	// LoadBlock copies block id into buffer and returns the number of
	// bytes written, never more than len(buffer). A missing block
	// writes nothing and returns 0 with ErrNotFound.
	LoadBlock(ctx context.Context, buffer []byte, id BlockID) (int, error)

	// DestroyBlock removes block id and reports whether it existed.
	DestroyBlock(ctx context.Context, id BlockID) (bool, error)

	// StoreCompressedBlock writes an already-framed block without
	// running the kind's serializer or codec.
	StoreCompressedBlock(ctx context.Context, frame []byte, id BlockID) error
	// LoadCompressedBlock returns block id as a frame.
	LoadCompressedBlock(ctx context.Context, id BlockID) (Block, error)
}

// BlockByteSize is the stored byte size of block id.
func BlockByteSize(ctx context.Context, store BlockStore, id BlockID) (int, error) {
	count, err := store.BlockDataCount(ctx, id)
	if err != nil {
		return 0, err
	}
	return count * store.Kind().ElementSize(), nil
}

// LoadAll loads block id into a buffer sized by BlockDataCount.
func LoadAll(ctx context.Context, store BlockStore, id BlockID) ([]byte, error) {
	size, err := BlockByteSize(ctx, store, id)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: %s block %d", ErrNotFound, store.Kind(), id)
	}
	buffer := make([]byte, size)
	written, err := store.LoadBlock(ctx, buffer, id)
	if err != nil {
		return nil, err
	}
	return buffer[:written], nil
}

// AdjustCounter applies a ModifyBlockDataCount delta to the counter
// header keeps for kind. Backends share it so the counter rules live
// in one place.
func AdjustCounter(header *nodeheader.NodeHeader, kind datakind.Kind, delta int64) {
	if header == nil {
		return
	}
	var counter *uint64
	switch kind {
	case datakind.Points:
		counter = &header.NodeCount
	case datakind.TriangleIndices:
		counter = &header.FaceIndexCount
	default:
		return
	}
	if delta < 0 && uint64(-delta) > *counter {
		*counter = 0
		return
	}
	*counter = uint64(int64(*counter) + delta)
}
