// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package localstore_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/meshstore/lib/blockcodec"
	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/extstore"
	"github.com/bureau-foundation/meshstore/lib/geom"
	"github.com/bureau-foundation/meshstore/lib/localstore"
	"github.com/bureau-foundation/meshstore/lib/nodeheader"
	"github.com/bureau-foundation/meshstore/lib/nodestore"
	"github.com/bureau-foundation/meshstore/lib/region"
	"github.com/bureau-foundation/meshstore/lib/sqlitepool"
)

func openStore(t *testing.T, config localstore.Config) *localstore.Store {
	t.Helper()
	if config.Path == "" {
		config.Path = filepath.Join(t.TempDir(), "terrain.3sm")
	}
	store, err := localstore.Open(context.Background(), config)
	if err != nil {
		t.Fatalf("Open(%s): %v", config.Path, err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func writableConfig(t *testing.T) localstore.Config {
	return localstore.Config{
		Path:            filepath.Join(t.TempDir(), "terrain.3sm"),
		CreateSisters:   true,
		VerifyChecksums: true,
	}
}

func pointBytes(points ...geom.Point3D) []byte {
	out := make([]byte, 0, 24*len(points))
	for _, point := range points {
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(point.X))
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(point.Y))
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(point.Z))
	}
	return out
}

func int32Bytes(values ...int32) []byte {
	out := make([]byte, 0, 4*len(values))
	for _, value := range values {
		out = binary.LittleEndian.AppendUint32(out, uint32(value))
	}
	return out
}

func square() []geom.Point3D {
	return []geom.Point3D{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}
}

func loadAll(t *testing.T, blocks nodestore.BlockStore, id nodestore.BlockID) []byte {
	t.Helper()
	data, err := nodestore.LoadAll(context.Background(), blocks, id)
	if err != nil {
		t.Fatalf("LoadAll(%s, %d): %v", blocks.Kind(), id, err)
	}
	return data
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := localstore.Open(context.Background(), localstore.Config{}); err == nil {
		t.Fatal("Open without a path succeeded")
	}
}

func TestBlockRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, writableConfig(t))

	diffsets, err := blockcodec.PackDiffSets([]blockcodec.DiffSet{{
		ClientID:      3,
		UpToDate:      true,
		AddedVertices: []geom.Point3D{{X: 1, Y: 2, Z: 3}},
		AddedFaces:    []int32{1, 2, 3},
	}})
	if err != nil {
		t.Fatalf("PackDiffSets: %v", err)
	}
	graph, err := blockcodec.GraphFromTriangles(3, []int32{1, 2, 3})
	if err != nil {
		t.Fatalf("GraphFromTriangles: %v", err)
	}
	clip := &region.Region{
		ID:       1,
		Name:     "pit",
		Metadata: region.Metadata{Dimensions: 2, Active: true},
		Polygon:  square(),
	}

	tests := []struct {
		kind datakind.Kind
		data []byte
	}{
		{datakind.Points, pointBytes(geom.Point3D{X: 1}, geom.Point3D{Y: 2}, geom.Point3D{Z: 3})},
		{datakind.TriangleIndices, int32Bytes(1, 2, 3, 3, 2, 1)},
		{datakind.UVCoords, pointBytes(geom.Point3D{X: 0.5, Y: 0.25})[:16]},
		{datakind.TopologyGraph, blockcodec.EncodeGraph(graph)},
		{datakind.DiffSet, diffsets},
		{datakind.ClipDefinition, region.Encode(clip)},
		{datakind.CoveragePolygon, region.EncodePoints(square())},
		{datakind.CoverageName, []byte("north field")},
		{datakind.Metadata, []byte(`{"source":"survey"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			blocks := store.NodeDataStore(tt.kind, nil)
			if err := blocks.StoreBlock(ctx, tt.data, 11); err != nil {
				t.Fatalf("StoreBlock: %v", err)
			}
			count, err := blocks.BlockDataCount(ctx, 11)
			if err != nil {
				t.Fatalf("BlockDataCount: %v", err)
			}
			if want := len(tt.data) / tt.kind.ElementSize(); count != want {
				t.Errorf("BlockDataCount = %d, want %d", count, want)
			}
			if diff := cmp.Diff(tt.data, loadAll(t, blocks, 11)); diff != "" {
				t.Errorf("payload (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTextureKeepsGeometry(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, writableConfig(t))

	header := blockcodec.TextureHeader{Width: 8, Height: 8, Channels: 3, Format: blockcodec.TextureRaw}
	raw := append(header.Bytes(), bytes.Repeat([]byte{200, 120, 40}, 64)...)
	blocks := store.NodeDataStore(datakind.Texture, nil)
	if err := blocks.StoreBlock(ctx, raw, 5); err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}
	loaded := loadAll(t, blocks, 5)
	if len(loaded) != len(raw) {
		t.Fatalf("loaded %d bytes, want %d", len(loaded), len(raw))
	}
	got, err := blockcodec.ParseTextureHeader(loaded)
	if err != nil {
		t.Fatalf("ParseTextureHeader: %v", err)
	}
	if got.Width != 8 || got.Height != 8 || got.Channels != 3 {
		t.Errorf("header = %+v", got)
	}
}

func TestLoadBlockTruncatesToBuffer(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, writableConfig(t))
	blocks := store.NodeDataStore(datakind.TriangleIndices, nil)
	data := int32Bytes(1, 2, 3, 4, 5, 6)
	if err := blocks.StoreBlock(ctx, data, 2); err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}
	buffer := make([]byte, 8)
	n, err := blocks.LoadBlock(ctx, buffer, 2)
	if err != nil {
		t.Fatalf("LoadBlock: %v", err)
	}
	if n != 8 || !bytes.Equal(buffer, data[:8]) {
		t.Errorf("LoadBlock = %d %v, want the first 8 bytes", n, buffer)
	}
}

func TestMissingBlock(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, writableConfig(t))
	blocks := store.NodeDataStore(datakind.Points, nil)

	count, err := blocks.BlockDataCount(ctx, 99)
	if err != nil || count != 0 {
		t.Errorf("BlockDataCount = %d, %v; want 0, nil", count, err)
	}
	if _, err := blocks.LoadBlock(ctx, make([]byte, 24), 99); !errors.Is(err, nodestore.ErrNotFound) {
		t.Errorf("LoadBlock: %v, want ErrNotFound", err)
	}
	existed, err := blocks.DestroyBlock(ctx, 99)
	if err != nil || existed {
		t.Errorf("DestroyBlock = %v, %v; want false, nil", existed, err)
	}
}

func TestBoundHeaderTracksBlockSize(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, writableConfig(t))
	header := nodeheader.Empty(4)
	blocks := store.NodeDataStore(datakind.Points, header)

	data := pointBytes(geom.Point3D{X: 1}, geom.Point3D{X: 2})
	if err := blocks.StoreBlock(ctx, data, nodestore.NodeBlock(4)); err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}
	if size, ok := header.BlockSize(datakind.Points); !ok || size != uint64(len(data)) {
		t.Errorf("header block size = %d, %v; want %d", size, ok, len(data))
	}
	blocks.ModifyBlockDataCount(nodestore.NodeBlock(4), 2)
	if header.NodeCount != 2 {
		t.Errorf("NodeCount = %d, want 2", header.NodeCount)
	}

	// Blocks of other ids leave the bound header alone.
	if err := blocks.StoreBlock(ctx, data[:24], 5); err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}
	if size, _ := header.BlockSize(datakind.Points); size != uint64(len(data)) {
		t.Errorf("header block size changed to %d", size)
	}

	if _, err := blocks.DestroyBlock(ctx, nodestore.NodeBlock(4)); err != nil {
		t.Fatalf("DestroyBlock: %v", err)
	}
	if _, ok := header.BlockSize(datakind.Points); ok {
		t.Error("header block size survived DestroyBlock")
	}
}

func TestSisterFamiliesAreIsolated(t *testing.T) {
	ctx := context.Background()
	config := writableConfig(t)
	store := openStore(t, config)

	diffsets, err := blockcodec.PackDiffSets([]blockcodec.DiffSet{{ClientID: 1}})
	if err != nil {
		t.Fatalf("PackDiffSets: %v", err)
	}
	if err := store.NodeDataStore(datakind.DiffSet, nil).StoreBlock(ctx, diffsets, 1); err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}
	if err := store.NodeDataStore(datakind.Points, nil).StoreBlock(ctx, pointBytes(geom.Point3D{}), 1); err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}

	if _, ok := store.Sisters().Opened(datakind.FamilyClips); !ok {
		t.Error("DiffSet did not open the clips sister file")
	}
	if _, ok := store.Sisters().Opened(datakind.FamilyGraph); ok {
		t.Error("graph sister file opened without a graph block")
	}
	if _, err := os.Stat(store.Sisters().Path(datakind.FamilyClips)); err != nil {
		t.Errorf("clips sister file: %v", err)
	}

	infos, err := store.ListBlocks(ctx)
	if err != nil {
		t.Fatalf("ListBlocks: %v", err)
	}
	kinds := make(map[datakind.Kind]int)
	for _, info := range infos {
		kinds[info.Kind]++
	}
	if kinds[datakind.DiffSet] != 1 || kinds[datakind.Points] != 1 {
		t.Errorf("ListBlocks kinds = %v", kinds)
	}

	if err := store.EraseSisterFiles(); err != nil {
		t.Fatalf("EraseSisterFiles: %v", err)
	}
	if _, err := os.Stat(store.Sisters().Path(datakind.FamilyClips)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("clips sister file after erase: %v", err)
	}
	if _, err := store.NodeDataStore(datakind.Points, nil).BlockDataCount(ctx, 1); err != nil {
		t.Errorf("main file unusable after erase: %v", err)
	}
}

func TestMissingSisterReadsAsEmpty(t *testing.T) {
	ctx := context.Background()
	config := writableConfig(t)
	config.CreateSisters = false
	store := openStore(t, config)
	graphs := store.NodeDataStore(datakind.TopologyGraph, nil)

	count, err := graphs.BlockDataCount(ctx, 1)
	if err != nil || count != 0 {
		t.Errorf("BlockDataCount = %d, %v; want 0, nil", count, err)
	}
	if _, err := graphs.LoadBlock(ctx, make([]byte, 8), 1); !errors.Is(err, nodestore.ErrNotFound) {
		t.Errorf("LoadBlock: %v, want ErrNotFound", err)
	}
}

func TestHeaders(t *testing.T) {
	ctx := context.Background()
	config := writableConfig(t)
	store := openStore(t, config)

	empty, err := store.LoadMasterHeader(ctx)
	if err != nil {
		t.Fatalf("LoadMasterHeader on empty store: %v", err)
	}
	if empty.IsValid() {
		t.Errorf("empty store master header is valid: %+v", empty)
	}

	master := &nodeheader.MasterHeader{
		Root:             nodeheader.Some(7),
		SplitThreshold:   5000,
		Balanced:         true,
		Depth:            3,
		CoordinateSystem: "EPSG:32633",
	}
	for range 2 {
		if err := store.StoreMasterHeader(ctx, master); err != nil {
			t.Fatalf("StoreMasterHeader: %v", err)
		}
	}
	loaded, err := store.LoadMasterHeader(ctx)
	if err != nil {
		t.Fatalf("LoadMasterHeader: %v", err)
	}
	if diff := cmp.Diff(master, loaded); diff != "" {
		t.Errorf("master header (-want +got):\n%s", diff)
	}
	if store.CoordinateSystem() != "EPSG:32633" {
		t.Errorf("CoordinateSystem = %q", store.CoordinateSystem())
	}

	header := nodeheader.Empty(7)
	header.Level = 2
	header.NodeCount = 3
	header.NodeExtent = geom.Extent{Max: geom.Point3D{X: 10, Y: 10, Z: 1}}
	header.SetChildren([]nodeheader.NodeID{8, 9})
	header.SetBlockSize(datakind.Points, 72)
	if err := store.StoreNodeHeader(ctx, header); err != nil {
		t.Fatalf("StoreNodeHeader: %v", err)
	}
	got, err := store.LoadNodeHeader(ctx, 7)
	if err != nil {
		t.Fatalf("LoadNodeHeader: %v", err)
	}
	if diff := cmp.Diff(header, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("node header (-want +got):\n%s", diff)
	}

	missing, err := store.LoadNodeHeader(ctx, 42)
	if err != nil {
		t.Fatalf("LoadNodeHeader(42): %v", err)
	}
	if !missing.IsEmpty() || missing.ID != 42 {
		t.Errorf("missing header = %+v, want empty header 42", missing)
	}

	ids, err := store.NodeIDs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != 7 {
		t.Errorf("NodeIDs = %v, %v", ids, err)
	}
}

func TestPropertiesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	config := writableConfig(t)
	store, err := localstore.Open(ctx, config)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sources := []nodestore.SourceDescriptor{{Kind: nodestore.SourceRaster, Name: "ortho", Path: "/data/ortho.png"}}
	if err := store.SetSources(ctx, sources); err != nil {
		t.Fatalf("SetSources: %v", err)
	}
	if err := store.SetCoordinateSystem(ctx, "EPSG:4326"); err != nil {
		t.Fatalf("SetCoordinateSystem: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openStore(t, config)
	if diff := cmp.Diff(sources, reopened.Sources()); diff != "" {
		t.Errorf("sources (-want +got):\n%s", diff)
	}
	if reopened.CoordinateSystem() != "EPSG:4326" {
		t.Errorf("CoordinateSystem = %q", reopened.CoordinateSystem())
	}
}

func TestChecksumMismatchIsMalformed(t *testing.T) {
	ctx := context.Background()
	config := writableConfig(t)
	store, err := localstore.Open(ctx, config)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := pointBytes(geom.Point3D{X: 1, Y: 2, Z: 3})
	if err := store.NodeDataStore(datakind.Points, nil).StoreBlock(ctx, data, 1); err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := sqlitepool.Open(sqlitepool.Config{Path: config.Path, PoolSize: 1})
	if err != nil {
		t.Fatalf("sqlitepool.Open: %v", err)
	}
	err = raw.Exec(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteTransient(conn, `UPDATE blocks SET checksum = zeroblob(length(checksum))`, nil)
	})
	raw.Close()
	if err != nil {
		t.Fatalf("corrupting checksum: %v", err)
	}

	verified, err := localstore.Open(ctx, config)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err = verified.NodeDataStore(datakind.Points, nil).LoadBlock(ctx, make([]byte, 24), 1)
	verified.Close()
	if !errors.Is(err, nodestore.ErrMalformed) {
		t.Errorf("LoadBlock: %v, want ErrMalformed", err)
	}

	config.VerifyChecksums = false
	unchecked := openStore(t, config)
	if _, err := unchecked.NodeDataStore(datakind.Points, nil).LoadBlock(ctx, make([]byte, 24), 1); err != nil {
		t.Errorf("LoadBlock without verification: %v", err)
	}
}

func TestCompressedBlockTransfer(t *testing.T) {
	ctx := context.Background()
	source := openStore(t, writableConfig(t))
	target := openStore(t, writableConfig(t))

	data := bytes.Repeat(int32Bytes(1, 2, 3, 4), 64)
	if err := source.NodeDataStore(datakind.TriangleIndices, nil).StoreBlock(ctx, data, 3); err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}
	block, err := source.NodeDataStore(datakind.TriangleIndices, nil).LoadCompressedBlock(ctx, 3)
	if err != nil {
		t.Fatalf("LoadCompressedBlock: %v", err)
	}
	if block.UncompressedSize != len(data) {
		t.Errorf("UncompressedSize = %d, want %d", block.UncompressedSize, len(data))
	}

	header := nodeheader.Empty(3)
	indices := target.NodeDataStore(datakind.TriangleIndices, header)
	if err := indices.StoreCompressedBlock(ctx, block.Data, 3); err != nil {
		t.Fatalf("StoreCompressedBlock: %v", err)
	}
	if diff := cmp.Diff(data, loadAll(t, indices, 3)); diff != "" {
		t.Errorf("payload (-want +got):\n%s", diff)
	}
	if size, _ := header.BlockSize(datakind.TriangleIndices); size != uint64(len(data)) {
		t.Errorf("header block size = %d, want %d", size, len(data))
	}
}

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	config := writableConfig(t)
	store, err := localstore.Open(ctx, config)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := pointBytes(geom.Point3D{X: 4})
	if err := store.NodeDataStore(datakind.Points, nil).StoreBlock(ctx, data, 1); err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	config.ReadOnly = true
	config.CreateSisters = false
	readOnly := openStore(t, config)
	points := readOnly.NodeDataStore(datakind.Points, nil)
	if diff := cmp.Diff(data, loadAll(t, points, 1)); diff != "" {
		t.Errorf("payload (-want +got):\n%s", diff)
	}
	if err := points.StoreBlock(ctx, data, 2); !errors.Is(err, nodestore.ErrReadOnly) {
		t.Errorf("StoreBlock: %v, want ErrReadOnly", err)
	}
	if _, err := points.DestroyBlock(ctx, 1); !errors.Is(err, nodestore.ErrReadOnly) {
		t.Errorf("DestroyBlock: %v, want ErrReadOnly", err)
	}
	if err := readOnly.StoreNodeHeader(ctx, nodeheader.Empty(1)); !errors.Is(err, nodestore.ErrReadOnly) {
		t.Errorf("StoreNodeHeader: %v, want ErrReadOnly", err)
	}
	if err := readOnly.Vacuum(ctx); !errors.Is(err, nodestore.ErrReadOnly) {
		t.Errorf("Vacuum: %v, want ErrReadOnly", err)
	}
	ops, _ := nodestore.ClipDefinitionExtOpsOf(readOnly.NodeDataStore(datakind.ClipDefinition, nil))
	clip := &region.Region{ID: 1, Metadata: region.Metadata{Dimensions: 2}, Polygon: square()}
	if err := ops.StoreRegion(ctx, clip); !errors.Is(err, nodestore.ErrReadOnly) {
		t.Errorf("StoreRegion: %v, want ErrReadOnly", err)
	}
}

func TestClipOperations(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, writableConfig(t))
	clips := store.NodeDataStore(datakind.ClipDefinition, nil)
	ops, ok := nodestore.ClipDefinitionExtOpsOf(clips)
	if !ok {
		t.Fatal("clip store does not expose clip operations")
	}

	clip := &region.Region{
		ID:       3,
		Name:     "quarry",
		Metadata: region.Metadata{Importance: 1, Dimensions: 2, Active: true},
		Polygon:  square(),
	}
	coverage := &region.Region{
		ID:       8,
		Name:     "north",
		Metadata: region.Metadata{Dimensions: 2, Active: true, IsCoverage: true},
		Polygon:  square(),
	}
	for _, r := range []*region.Region{clip, coverage} {
		if err := ops.StoreRegion(ctx, r); err != nil {
			t.Fatalf("StoreRegion(%d): %v", r.ID, err)
		}
	}

	for _, want := range []*region.Region{clip, coverage} {
		got, err := ops.LoadRegion(ctx, nodestore.BlockID(want.ID))
		if err != nil {
			t.Fatalf("LoadRegion(%d): %v", want.ID, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("region %d (-want +got):\n%s", want.ID, diff)
		}
	}

	clipIDs, err := ops.ClipIDs(ctx)
	if err != nil || !cmp.Equal(clipIDs, []nodestore.BlockID{3}) {
		t.Errorf("ClipIDs = %v, %v", clipIDs, err)
	}
	coverageIDs, err := ops.CoverageIDs(ctx)
	if err != nil || !cmp.Equal(coverageIDs, []nodestore.BlockID{8}) {
		t.Errorf("CoverageIDs = %v, %v", coverageIDs, err)
	}

	metadata := region.Metadata{Importance: 5, Dimensions: 3, Active: false}
	if err := ops.SetClipMetadata(ctx, 3, metadata); err != nil {
		t.Fatalf("SetClipMetadata: %v", err)
	}
	got, err := ops.ClipMetadata(ctx, 3)
	if err != nil || got != metadata {
		t.Errorf("ClipMetadata = %+v, %v; want %+v", got, err, metadata)
	}
	if err := ops.SetClipMetadata(ctx, 3, region.Metadata{Dimensions: 2, IsCoverage: true}); err == nil {
		t.Error("SetClipMetadata turned a clip into a coverage")
	}

	// Clearing the name drops the CoverageName block.
	coverage.Name = ""
	if err := ops.StoreRegion(ctx, coverage); err != nil {
		t.Fatalf("StoreRegion: %v", err)
	}
	count, err := store.NodeDataStore(datakind.CoverageName, nil).BlockDataCount(ctx, 8)
	if err != nil || count != 0 {
		t.Errorf("CoverageName count = %d, %v; want 0", count, err)
	}

	if _, ok := nodestore.ClipDefinitionExtOpsOf(store.NodeDataStore(datakind.Points, nil)); ok {
		t.Error("Points store exposes clip operations")
	}
}

func TestLinearFeatures(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, writableConfig(t))
	ops, ok := nodestore.LinearFeaturesExtOpsOf(store.NodeDataStore(datakind.LinearFeature, nil))
	if !ok {
		t.Fatal("feature store does not expose feature operations")
	}
	features := []blockcodec.LinearFeature{
		{Type: 1, Points: []geom.Point3D{{X: 0}, {X: 5, Y: 5}}},
		{Type: 4, Points: []geom.Point3D{{Y: 1}, {Y: 2}, {Y: 3}}},
	}
	if err := ops.StoreFeatures(ctx, 6, features); err != nil {
		t.Fatalf("StoreFeatures: %v", err)
	}
	got, err := ops.LoadFeatures(ctx, 6)
	if err != nil {
		t.Fatalf("LoadFeatures: %v", err)
	}
	if diff := cmp.Diff(features, got); diff != "" {
		t.Errorf("features (-want +got):\n%s", diff)
	}
	ids, err := ops.FeatureIDs(ctx)
	if err != nil || !cmp.Equal(ids, []nodestore.BlockID{6}) {
		t.Errorf("FeatureIDs = %v, %v", ids, err)
	}
}

func countRows(t *testing.T, path string) map[datakind.Kind]int {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{Path: path, PoolSize: 1, ReadOnly: true})
	if err != nil {
		t.Fatalf("opening %s: %v", path, err)
	}
	defer pool.Close()
	counts := make(map[datakind.Kind]int)
	err = pool.Read(context.Background(), func(_ context.Context, conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT kind, count(*) FROM blocks GROUP BY kind`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				counts[datakind.Kind(stmt.ColumnInt64(0))] = stmt.ColumnInt(1)
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("counting blocks of %s: %v", path, err)
	}
	return counts
}

func TestExportClipsFromStore(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, writableConfig(t))
	project := filepath.Join(t.TempDir(), "site.prj")

	path, err := store.WriteClipDataToProjectFilePath(ctx, nil, project)
	if err != nil {
		t.Fatalf("export without clips: %v", err)
	}
	if path != "" {
		t.Errorf("export without clips wrote %s", path)
	}

	ops, _ := nodestore.ClipDefinitionExtOpsOf(store.NodeDataStore(datakind.ClipDefinition, nil))
	clip := &region.Region{ID: 2, Metadata: region.Metadata{Dimensions: 2, Active: true}, Polygon: square()}
	if err := ops.StoreRegion(ctx, clip); err != nil {
		t.Fatalf("StoreRegion: %v", err)
	}
	path, err = store.WriteClipDataToProjectFilePath(ctx, nil, project)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	want, err := store.ClipExportPath(project)
	if err != nil {
		t.Fatalf("ClipExportPath: %v", err)
	}
	if path != want {
		t.Errorf("exported to %s, want %s", path, want)
	}
	if counts := countRows(t, path); counts[datakind.ClipDefinition] != 1 {
		t.Errorf("exported rows = %v", counts)
	}
}

func TestExportClipsFromProvider(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, writableConfig(t))
	provider := extstore.NewMemoryProvider()
	metadata := region.Metadata{Dimensions: 2, Active: true}
	if err := provider.SetPolygon(ctx, 1, square(), metadata); err != nil {
		t.Fatal(err)
	}
	volume := []region.PlaneSet{{Planes: []region.Plane{{Normal: geom.Point3D{Z: 1}}}}}
	if err := provider.SetRegion(ctx, 2, volume, region.Metadata{Dimensions: 3, Type: region.GeometryVolume}); err != nil {
		t.Fatal(err)
	}
	if err := provider.SetVector(ctx, 5, square()); err != nil {
		t.Fatal(err)
	}
	if err := provider.SetRegionName(ctx, 5, "west"); err != nil {
		t.Fatal(err)
	}

	path, err := store.WriteClipDataToProjectFilePath(ctx, provider, filepath.Join(t.TempDir(), "site.prj"))
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	want := map[datakind.Kind]int{
		datakind.ClipDefinition:  2,
		datakind.CoveragePolygon: 1,
		datakind.CoverageName:    1,
	}
	if diff := cmp.Diff(want, countRows(t, path)); diff != "" {
		t.Errorf("exported rows (-want +got):\n%s", diff)
	}
}

// writeRaster writes a 512×256 PNG: left half red, right half blue.
func writeRaster(t *testing.T) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 512, 256))
	for y := range 256 {
		for x := range 512 {
			c := color.NRGBA{R: 255, A: 255}
			if x >= 256 {
				c = color.NRGBA{B: 255, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	var encoded bytes.Buffer
	if err := png.Encode(&encoded, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	path := filepath.Join(t.TempDir(), "ortho.png")
	if err := os.WriteFile(path, encoded.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func openStreamedTextureStore(t *testing.T) *localstore.Store {
	t.Helper()
	ctx := context.Background()
	config := writableConfig(t)
	store, err := localstore.Open(ctx, config)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	master := &nodeheader.MasterHeader{Root: nodeheader.Some(1), TextureType: nodeheader.TextureStreaming}
	if err := store.StoreMasterHeader(ctx, master); err != nil {
		t.Fatalf("StoreMasterHeader: %v", err)
	}
	sources := []nodestore.SourceDescriptor{{
		Kind:   nodestore.SourceRaster,
		Name:   "ortho",
		Path:   writeRaster(t),
		Extent: []float64{0, 0, 0, 200, 100, 10},
	}}
	if err := store.SetSources(ctx, sources); err != nil {
		t.Fatalf("SetSources: %v", err)
	}
	left := nodeheader.Empty(1)
	left.NodeExtent = geom.Extent{Min: geom.Point3D{X: 10, Y: 10}, Max: geom.Point3D{X: 90, Y: 90, Z: 5}}
	right := nodeheader.Empty(2)
	right.NodeExtent = geom.Extent{Min: geom.Point3D{X: 110, Y: 10}, Max: geom.Point3D{X: 190, Y: 90, Z: 5}}
	for _, header := range []*nodeheader.NodeHeader{left, right} {
		if err := store.StoreNodeHeader(ctx, header); err != nil {
			t.Fatalf("StoreNodeHeader: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	config.RasterOpener = localstore.ImageRasterOpener(localstore.DefaultTileSize)
	return openStore(t, config)
}

func TestStreamedTexture(t *testing.T) {
	ctx := context.Background()
	store := openStreamedTextureStore(t)

	tiles, err := store.ComputeRasterTiles(ctx, geom.Extent{Max: geom.Point3D{X: 200, Y: 100}})
	if err != nil {
		t.Fatalf("ComputeRasterTiles: %v", err)
	}
	if len(tiles) != 2 {
		t.Errorf("ComputeRasterTiles over the footprint = %d tiles, want 2", len(tiles))
	}

	for _, tt := range []struct {
		node      nodeheader.NodeID
		red, blue byte
	}{
		{node: 1, red: 255},
		{node: 2, blue: 255},
	} {
		textures := store.NodeDataStore(datakind.Texture, nil)
		texture := loadAll(t, textures, nodestore.NodeBlock(tt.node))
		header, err := blockcodec.ParseTextureHeader(texture)
		if err != nil {
			t.Fatalf("ParseTextureHeader: %v", err)
		}
		if header.Width != 256 || header.Height != 256 {
			t.Errorf("node %d mosaic is %dx%d, want 256x256", tt.node, header.Width, header.Height)
		}
		pixel := texture[blockcodec.TextureHeaderSize:]
		if pixel[0] != tt.red || pixel[2] != tt.blue {
			t.Errorf("node %d first pixel = %v, want red %d blue %d", tt.node, pixel[:header.Channels], tt.red, tt.blue)
		}
		if err := textures.StoreBlock(ctx, texture, nodestore.NodeBlock(tt.node)); !errors.Is(err, nodestore.ErrReadOnly) {
			t.Errorf("StoreBlock on a streamed texture: %v, want ErrReadOnly", err)
		}
	}
}

func TestPreloadThenCancel(t *testing.T) {
	ctx := context.Background()
	store := openStreamedTextureStore(t)

	store.PreloadData(ctx, []nodeheader.NodeID{1, 2}, []datakind.Kind{datakind.Points, datakind.Texture})
	store.CancelPreloadData()
	// A cancelled preload leaves loads working.
	texture := loadAll(t, store.NodeDataStore(datakind.Texture, nil), nodestore.NodeBlock(2))
	if len(texture) != blockcodec.TextureHeaderSize+256*256*int(mustChannels(t, texture)) {
		t.Errorf("texture has %d bytes", len(texture))
	}

	// Preloads without Texture are no-ops.
	store.PreloadData(ctx, []nodeheader.NodeID{1}, []datakind.Kind{datakind.Points})
	store.CancelPreloadData()
}

func mustChannels(t *testing.T, texture []byte) int32 {
	t.Helper()
	header, err := blockcodec.ParseTextureHeader(texture)
	if err != nil {
		t.Fatalf("ParseTextureHeader: %v", err)
	}
	return header.Channels
}
