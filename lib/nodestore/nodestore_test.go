// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodestore_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bureau-foundation/meshstore/lib/blockcodec"
	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/geom"
	"github.com/bureau-foundation/meshstore/lib/nodeheader"
	"github.com/bureau-foundation/meshstore/lib/nodestore"
	"github.com/bureau-foundation/meshstore/lib/region"
)

// memoryBlocks is a minimal BlockStore used to exercise the helpers.
type memoryBlocks struct {
	kind   datakind.Kind
	header *nodeheader.NodeHeader

	mu     sync.Mutex
	blocks map[nodestore.BlockID][]byte
}

func newMemoryBlocks(kind datakind.Kind, header *nodeheader.NodeHeader) *memoryBlocks {
	return &memoryBlocks{kind: kind, header: header, blocks: make(map[nodestore.BlockID][]byte)}
}

func (m *memoryBlocks) Kind() datakind.Kind { return m.kind }

func (m *memoryBlocks) StoreBlock(_ context.Context, data []byte, id nodestore.BlockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[id] = append([]byte(nil), data...)
	return nil
}

func (m *memoryBlocks) BlockDataCount(_ context.Context, id nodestore.BlockID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks[id]) / m.kind.ElementSize(), nil
}

func (m *memoryBlocks) ModifyBlockDataCount(_ nodestore.BlockID, delta int64) {
	nodestore.AdjustCounter(m.header, m.kind, delta)
}

func (m *memoryBlocks) LoadBlock(_ context.Context, buffer []byte, id nodestore.BlockID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blocks[id]
	if !ok {
		return 0, nodestore.ErrNotFound
	}
	return copy(buffer, data), nil
}

func (m *memoryBlocks) DestroyBlock(_ context.Context, id nodestore.BlockID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blocks[id]
	delete(m.blocks, id)
	return ok, nil
}

func (m *memoryBlocks) StoreCompressedBlock(context.Context, []byte, nodestore.BlockID) error {
	return errors.New("not supported")
}

func (m *memoryBlocks) LoadCompressedBlock(context.Context, nodestore.BlockID) (nodestore.Block, error) {
	return nodestore.Block{}, errors.New("not supported")
}

// clipBlocks adds the clip secondary interface.
type clipBlocks struct{ *memoryBlocks }

func (clipBlocks) ClipIDs(context.Context) ([]nodestore.BlockID, error)     { return nil, nil }
func (clipBlocks) CoverageIDs(context.Context) ([]nodestore.BlockID, error) { return nil, nil }
func (clipBlocks) StoreRegion(context.Context, *region.Region) error       { return nil }
func (clipBlocks) LoadRegion(context.Context, nodestore.BlockID) (*region.Region, error) {
	return nil, nil
}
func (clipBlocks) ClipMetadata(context.Context, nodestore.BlockID) (region.Metadata, error) {
	return region.Metadata{}, nil
}
func (clipBlocks) SetClipMetadata(context.Context, nodestore.BlockID, region.Metadata) error {
	return nil
}

func TestAdjustCounter(t *testing.T) {
	tests := []struct {
		name       string
		kind       datakind.Kind
		delta      int64
		wantPoints uint64
		wantFaces  uint64
	}{
		{"grow points", datakind.Points, 5, 105, 30},
		{"shrink faces", datakind.TriangleIndices, -12, 100, 18},
		{"clamp at zero", datakind.TriangleIndices, -31, 100, 0},
		{"uncounted kind", datakind.UVCoords, 7, 100, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := &nodeheader.NodeHeader{NodeCount: 100, FaceIndexCount: 30}
			nodestore.AdjustCounter(header, tt.kind, tt.delta)
			if header.NodeCount != tt.wantPoints || header.FaceIndexCount != tt.wantFaces {
				t.Errorf("counts = (%d, %d), want (%d, %d)",
					header.NodeCount, header.FaceIndexCount, tt.wantPoints, tt.wantFaces)
			}
		})
	}
	nodestore.AdjustCounter(nil, datakind.Points, 1)
}

func TestLoadAll(t *testing.T) {
	ctx := context.Background()
	store := newMemoryBlocks(datakind.Points, nil)
	points := make([]byte, 3*24)
	for i := range points {
		points[i] = byte(i)
	}
	if err := store.StoreBlock(ctx, points, 4); err != nil {
		t.Fatal(err)
	}
	got, err := nodestore.LoadAll(ctx, store, 4)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if diff := cmp.Diff(points, got); diff != "" {
		t.Errorf("LoadAll mismatch (-want +got):\n%s", diff)
	}
	size, err := nodestore.BlockByteSize(ctx, store, 4)
	if err != nil || size != len(points) {
		t.Errorf("BlockByteSize = %d, %v; want %d", size, err, len(points))
	}
	if _, err := nodestore.LoadAll(ctx, store, 5); !errors.Is(err, nodestore.ErrNotFound) {
		t.Errorf("LoadAll(missing) error = %v, want ErrNotFound", err)
	}
}

func TestTypedRoundTrip(t *testing.T) {
	ctx := context.Background()

	diffs := nodestore.NewTyped(newMemoryBlocks(datakind.DiffSet, nil), nodestore.DiffSets)
	sets := []blockcodec.DiffSet{
		{ClientID: 3, FirstIndex: 10, AddedFaces: []int32{1, 2, 3}},
		{ClientID: 4, UpToDate: true, AddedVertices: []geom.Point3D{{X: 1, Y: 2, Z: 3}}},
	}
	if err := diffs.Put(ctx, 9, sets); err != nil {
		t.Fatalf("Put diffsets: %v", err)
	}
	gotSets, err := diffs.Get(ctx, 9)
	if err != nil {
		t.Fatalf("Get diffsets: %v", err)
	}
	if diff := cmp.Diff(sets, gotSets); diff != "" {
		t.Errorf("diffsets mismatch (-want +got):\n%s", diff)
	}

	regions := nodestore.NewTyped(newMemoryBlocks(datakind.ClipDefinition, nil), nodestore.Regions)
	clip := &region.Region{
		ID:       12,
		Metadata: region.Metadata{Dimensions: 2, Active: true, Type: region.GeometryPolygon},
		Polygon:  []geom.Point3D{{X: 0}, {X: 1}, {X: 1, Y: 1}},
	}
	if err := regions.Put(ctx, 12, clip); err != nil {
		t.Fatalf("Put region: %v", err)
	}
	gotClip, err := regions.Get(ctx, 12)
	if err != nil {
		t.Fatalf("Get region: %v", err)
	}
	if diff := cmp.Diff(clip, gotClip); diff != "" {
		t.Errorf("region mismatch (-want +got):\n%s", diff)
	}

	if err := regions.Put(ctx, 13, &region.Region{ID: 13, Metadata: region.Metadata{Dimensions: 2}}); err == nil {
		t.Error("Put of an invalid region should fail")
	}
}

func TestTypedRejectsMalformed(t *testing.T) {
	ctx := context.Background()
	store := newMemoryBlocks(datakind.TopologyGraph, nil)
	if err := store.StoreBlock(ctx, []byte("not a graph"), 1); err != nil {
		t.Fatal(err)
	}
	_, err := nodestore.NewTyped(store, nodestore.Graphs).Get(ctx, 1)
	if !errors.Is(err, nodestore.ErrMalformed) {
		t.Errorf("Get(garbage) error = %v, want ErrMalformed", err)
	}
}

func TestCapabilityProbes(t *testing.T) {
	clip := clipBlocks{newMemoryBlocks(datakind.ClipDefinition, nil)}
	if _, ok := nodestore.ClipDefinitionExtOpsOf(clip); !ok {
		t.Error("clip store should expose clip operations")
	}
	skirt := clipBlocks{newMemoryBlocks(datakind.Skirt, nil)}
	if _, ok := nodestore.ClipDefinitionExtOpsOf(skirt); ok {
		t.Error("skirt store must not expose clip operations")
	}
	if _, ok := nodestore.ClipDefinitionExtOpsOf(newMemoryBlocks(datakind.CoverageName, nil)); ok {
		t.Error("store without the methods must fail the probe")
	}
	if _, ok := nodestore.LinearFeaturesExtOpsOf(newMemoryBlocks(datakind.LinearFeature, nil)); ok {
		t.Error("store without the methods must fail the probe")
	}
}

func TestContractViolationPanics(t *testing.T) {
	defer func() {
		recovered := recover()
		err, ok := recovered.(error)
		if !ok || !errors.Is(err, nodestore.ErrUnsupportedKind) {
			t.Errorf("recovered %v, want ErrUnsupportedKind", recovered)
		}
	}()
	nodestore.ContractViolation(nodestore.ErrUnsupportedKind, "kind %s", datakind.Points)
}
