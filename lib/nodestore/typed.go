// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodestore

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/meshstore/lib/blockcodec"
	"github.com/bureau-foundation/meshstore/lib/region"
)

// Serializer converts values of one block kind to payload bytes and
// back.
type Serializer[T any] struct {
	Encode func(T) ([]byte, error)
	Decode func([]byte) (T, error)
}

var (
	// DiffSets serializes DiffSet blocks.
	DiffSets = Serializer[[]blockcodec.DiffSet]{
		Encode: blockcodec.PackDiffSets,
		Decode: blockcodec.UnpackDiffSets,
	}

	// Graphs serializes TopologyGraph blocks.
	Graphs = Serializer[*blockcodec.TopologyGraph]{
		Encode: func(g *blockcodec.TopologyGraph) ([]byte, error) {
			if err := g.Validate(); err != nil {
				return nil, err
			}
			return blockcodec.EncodeGraph(g), nil
		},
		Decode: blockcodec.DecodeGraph,
	}

	// LinearFeatures serializes LinearFeature blocks.
	LinearFeatures = Serializer[[]blockcodec.LinearFeature]{
		Encode: func(features []blockcodec.LinearFeature) ([]byte, error) {
			return blockcodec.EncodeLinearFeatures(features), nil
		},
		Decode: blockcodec.DecodeLinearFeatures,
	}

	// Regions serializes ClipDefinition and Skirt blocks. A clip
	// stored through an external provider comes back without its name
	// and with the block id as its region id, so its bytes differ from
	// the stored payload.
	Regions = Serializer[*region.Region]{
		Encode: func(r *region.Region) ([]byte, error) {
			if err := r.Validate(); err != nil {
				return nil, err
			}
			return region.Encode(r), nil
		},
		Decode: region.Decode,
	}
)

// Typed pairs a block store with a serializer so callers store values
// rather than bytes. Get returns what the backend keeps, which for an
// external provider is less than what Put was given (see Regions).
type Typed[T any] struct {
	store      BlockStore
	serializer Serializer[T]
}

// NewTyped returns a typed view of store.
func NewTyped[T any](store BlockStore, serializer Serializer[T]) Typed[T] {
	return Typed[T]{store: store, serializer: serializer}
}

// Put encodes value and stores it as block id.
func (t Typed[T]) Put(ctx context.Context, id BlockID, value T) error {
	data, err := t.serializer.Encode(value)
	if err != nil {
		return fmt.Errorf("nodestore: encoding %s block %d: %w", t.store.Kind(), id, err)
	}
	return t.store.StoreBlock(ctx, data, id)
}

// Get loads and decodes block id.
func (t Typed[T]) Get(ctx context.Context, id BlockID) (T, error) {
	var zero T
	data, err := LoadAll(ctx, t.store, id)
	if err != nil {
		return zero, err
	}
	value, err := t.serializer.Decode(data)
	if err != nil {
		return zero, fmt.Errorf("%w: %s block %d: %w", ErrMalformed, t.store.Kind(), id, err)
	}
	return value, nil
}
