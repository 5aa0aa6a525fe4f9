// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package extstore forwards the clip and coverage kinds to a
// host-supplied [nodestore.ClipProvider] instead of persisting them.
//
// It serves exactly ClipDefinition, CoveragePolygon and CoverageName.
// It is never a store on its own: lib/meshstore routes those three
// kinds here and everything else to the primary backend. Any other
// kind is a contract violation and panics.
//
// Block payloads keep the local-store encodings: a ClipDefinition
// block is a region (lib/region), a CoveragePolygon block is a point
// vector, a CoverageName block is the name bytes. The provider has no
// slot for clip names, so a clip's Name does not survive the trip.
// Clip and coverage ids share one id space in the provider.
package extstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/meshstore/lib/blockcodec"
	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/geom"
	"github.com/bureau-foundation/meshstore/lib/nodeheader"
	"github.com/bureau-foundation/meshstore/lib/nodestore"
	"github.com/bureau-foundation/meshstore/lib/region"
)

// Store delegates the external kinds to a provider.
type Store struct {
	provider nodestore.ClipProvider
	logger   *slog.Logger
}

// New returns a store over provider. logger may be nil.
func New(provider nodestore.ClipProvider, logger *slog.Logger) (*Store, error) {
	if provider == nil {
		return nil, fmt.Errorf("extstore: provider is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{provider: provider, logger: logger}, nil
}

// Provider returns the wrapped provider.
func (s *Store) Provider() nodestore.ClipProvider { return s.provider }

// Serves reports whether kind is delegated to the provider.
func Serves(kind datakind.Kind) bool {
	return kind.Valid() && kind.IsExternal()
}

// NodeDataStore returns the block store for one of the external kinds.
// The header is unused: clip and coverage blocks are not node-bound.
func (s *Store) NodeDataStore(kind datakind.Kind, _ *nodeheader.NodeHeader) nodestore.BlockStore {
	if !Serves(kind) {
		nodestore.ContractViolation(nodestore.ErrUnsupportedKind, "external provider cannot serve %s", kind)
	}
	return &blockStore{store: s, kind: kind}
}

type blockStore struct {
	store *Store
	kind  datakind.Kind
}

var (
	_ nodestore.BlockStore           = (*blockStore)(nil)
	_ nodestore.ClipDefinitionExtOps = (*blockStore)(nil)
)

func (b *blockStore) Kind() datakind.Kind { return b.kind }

func (b *blockStore) provider() nodestore.ClipProvider { return b.store.provider }

func (b *blockStore) StoreBlock(ctx context.Context, data []byte, id nodestore.BlockID) error {
	var err error
	switch b.kind {
	case datakind.ClipDefinition:
		var r *region.Region
		r, err = region.Decode(data)
		if err == nil {
			r.ID = int64(id)
			err = b.setClip(ctx, r)
		}
	case datakind.CoveragePolygon:
		var points []geom.Point3D
		points, err = region.DecodePoints(data)
		if err == nil {
			err = b.provider().SetVector(ctx, int64(id), points)
		}
	case datakind.CoverageName:
		err = b.provider().SetRegionName(ctx, int64(id), string(data))
	}
	if err != nil {
		return fmt.Errorf("extstore: store %s %d: %w", b.kind, id, err)
	}
	b.store.logger.Debug("forwarded block to provider", "kind", b.kind, "id", id, "bytes", len(data))
	return nil
}

func (b *blockStore) setClip(ctx context.Context, r *region.Region) error {
	if r.Type == region.GeometryVolume {
		return b.provider().SetRegion(ctx, r.ID, r.Volume, r.Metadata)
	}
	return b.provider().SetPolygon(ctx, r.ID, r.Polygon, r.Metadata)
}

// clip reads clip id as a polygon, falling back to a volume.
func (b *blockStore) clip(ctx context.Context, id nodestore.BlockID) (*region.Region, error) {
	polygon, metadata, err := b.provider().Polygon(ctx, int64(id))
	if err == nil {
		return &region.Region{ID: int64(id), Metadata: metadata, Polygon: polygon}, nil
	}
	if !errors.Is(err, nodestore.ErrNotFound) {
		return nil, err
	}
	volume, metadata, err := b.provider().Region(ctx, int64(id))
	if err != nil {
		return nil, err
	}
	return &region.Region{ID: int64(id), Metadata: metadata, Volume: volume}, nil
}

// load returns the block payload of id.
func (b *blockStore) load(ctx context.Context, id nodestore.BlockID) ([]byte, error) {
	switch b.kind {
	case datakind.ClipDefinition:
		r, err := b.clip(ctx, id)
		if err != nil {
			return nil, err
		}
		return region.Encode(r), nil
	case datakind.CoveragePolygon:
		points, err := b.provider().Vector(ctx, int64(id))
		if err != nil {
			return nil, err
		}
		return region.EncodePoints(points), nil
	default:
		name, err := b.provider().RegionName(ctx, int64(id))
		if err != nil {
			return nil, err
		}
		return []byte(name), nil
	}
}

func (b *blockStore) BlockDataCount(ctx context.Context, id nodestore.BlockID) (int, error) {
	data, err := b.load(ctx, id)
	if errors.Is(err, nodestore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("extstore: size of %s %d: %w", b.kind, id, err)
	}
	return len(data), nil
}

// ModifyBlockDataCount is a no-op: the external kinds have no counter.
func (b *blockStore) ModifyBlockDataCount(nodestore.BlockID, int64) {}

func (b *blockStore) LoadBlock(ctx context.Context, buffer []byte, id nodestore.BlockID) (int, error) {
	data, err := b.load(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("extstore: load %s %d: %w", b.kind, id, err)
	}
	return copy(buffer, data), nil
}

func (b *blockStore) DestroyBlock(ctx context.Context, id nodestore.BlockID) (bool, error) {
	var (
		existed bool
		err     error
	)
	switch b.kind {
	case datakind.ClipDefinition:
		existed, err = b.provider().RemovePolygon(ctx, int64(id))
		if err == nil && !existed {
			existed, err = b.provider().RemoveRegion(ctx, int64(id))
		}
	case datakind.CoveragePolygon:
		existed, err = b.provider().RemoveRegion(ctx, int64(id))
	case datakind.CoverageName:
		existed, err = b.provider().RemoveRegionName(ctx, int64(id))
	}
	if err != nil {
		return false, fmt.Errorf("extstore: destroy %s %d: %w", b.kind, id, err)
	}
	return existed, nil
}

func (b *blockStore) StoreCompressedBlock(ctx context.Context, frame []byte, id nodestore.BlockID) error {
	data, err := blockcodec.Unpack(frame)
	if err != nil {
		return fmt.Errorf("extstore: store compressed %s %d: %w", b.kind, id, err)
	}
	return b.StoreBlock(ctx, data, id)
}

func (b *blockStore) LoadCompressedBlock(ctx context.Context, id nodestore.BlockID) (nodestore.Block, error) {
	data, err := b.load(ctx, id)
	if err != nil {
		return nodestore.Block{}, fmt.Errorf("extstore: load %s %d: %w", b.kind, id, err)
	}
	return nodestore.Block{
		ID:               id,
		Kind:             b.kind,
		Data:             blockcodec.Frame(blockcodec.None, len(data), data),
		UncompressedSize: len(data),
	}, nil
}

func toBlockIDs(ids []int64) []nodestore.BlockID {
	out := make([]nodestore.BlockID, len(ids))
	for i, id := range ids {
		out[i] = nodestore.BlockID(id)
	}
	return out
}

func (b *blockStore) ClipIDs(ctx context.Context) ([]nodestore.BlockID, error) {
	ids, err := b.provider().ClipIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("extstore: listing clips: %w", err)
	}
	return toBlockIDs(ids), nil
}

func (b *blockStore) CoverageIDs(ctx context.Context) ([]nodestore.BlockID, error) {
	ids, err := b.provider().RegionIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("extstore: listing coverages: %w", err)
	}
	return toBlockIDs(ids), nil
}

func (b *blockStore) StoreRegion(ctx context.Context, r *region.Region) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("extstore: %w", err)
	}
	if !r.IsCoverage {
		return b.setClip(ctx, r)
	}
	if err := b.provider().SetVector(ctx, r.ID, r.Polygon); err != nil {
		return fmt.Errorf("extstore: coverage %d: %w", r.ID, err)
	}
	if r.Name == "" {
		_, err := b.provider().RemoveRegionName(ctx, r.ID)
		return err
	}
	return b.provider().SetRegionName(ctx, r.ID, r.Name)
}

func (b *blockStore) LoadRegion(ctx context.Context, id nodestore.BlockID) (*region.Region, error) {
	r, err := b.clip(ctx, id)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, nodestore.ErrNotFound) {
		return nil, fmt.Errorf("extstore: clip %d: %w", id, err)
	}
	points, err := b.provider().Vector(ctx, int64(id))
	if err != nil {
		return nil, fmt.Errorf("extstore: region %d: %w", id, err)
	}
	coverage := &region.Region{
		ID:       int64(id),
		Metadata: region.Metadata{Dimensions: 2, Active: true, Type: region.GeometryPolygon, IsCoverage: true},
		Polygon:  points,
	}
	name, err := b.provider().RegionName(ctx, int64(id))
	switch {
	case err == nil:
		coverage.Name = name
	case !errors.Is(err, nodestore.ErrNotFound):
		return nil, fmt.Errorf("extstore: region name %d: %w", id, err)
	}
	return coverage, nil
}

func (b *blockStore) ClipMetadata(ctx context.Context, id nodestore.BlockID) (region.Metadata, error) {
	r, err := b.LoadRegion(ctx, id)
	if err != nil {
		return region.Metadata{}, err
	}
	return r.Metadata, nil
}

func (b *blockStore) SetClipMetadata(ctx context.Context, id nodestore.BlockID, metadata region.Metadata) error {
	r, err := b.clip(ctx, id)
	if err != nil {
		return fmt.Errorf("extstore: clip %d metadata: %w", id, err)
	}
	r.Metadata = metadata
	return b.setClip(ctx, r)
}
