// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/meshstore/lib/blockcodec"
	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/geom"
	"github.com/bureau-foundation/meshstore/lib/nodeheader"
	"github.com/bureau-foundation/meshstore/lib/nodestore"
)

// maxPreloadedTiles bounds the preload cache. Tiles are dropped from
// it when a texture load consumes them.
const maxPreloadedTiles = 1024

// preloadConcurrency bounds concurrent tile reads during preload.
const preloadConcurrency = 4

type tileKey struct{ level, column, row int }

func keyOf(tile nodestore.RasterTile) tileKey {
	return tileKey{tile.Level, tile.Column, tile.Row}
}

// rasterState is the streamed-texture side of a store. mu is the
// dedicated raster lock; it never nests with the sister-file locks.
type rasterState struct {
	mu        sync.Mutex
	source    nodestore.RasterSource
	preloaded map[tileKey][]byte
	cancel    context.CancelFunc
	running   sync.WaitGroup
}

// openRaster opens the first raster source of the collection. The
// source is opened once for the store's lifetime.
func (s *Store) openRaster(ctx context.Context) error {
	index := slices.IndexFunc(s.Sources(), func(source nodestore.SourceDescriptor) bool {
		return source.Kind == nodestore.SourceRaster
	})
	if index < 0 {
		s.logger.Warn("streamed-texture store has no raster source", "path", s.config.Path)
		return nil
	}
	descriptor := s.Sources()[index]

	s.raster.mu.Lock()
	defer s.raster.mu.Unlock()
	source, err := s.config.RasterOpener(ctx, descriptor)
	if err != nil {
		return fmt.Errorf("localstore: opening raster source %q: %w", descriptor.Path, err)
	}
	s.raster.source = source
	s.raster.preloaded = make(map[tileKey][]byte)
	s.logger.Info("raster source opened", "name", descriptor.Name, "path", descriptor.Path)
	return nil
}

func (s *Store) rasterSource() nodestore.RasterSource {
	s.raster.mu.Lock()
	defer s.raster.mu.Unlock()
	return s.raster.source
}

func (s *Store) closeRaster() error {
	s.raster.mu.Lock()
	defer s.raster.mu.Unlock()
	if s.raster.source == nil {
		return nil
	}
	err := s.raster.source.Close()
	s.raster.source = nil
	s.raster.preloaded = nil
	if err != nil {
		return fmt.Errorf("localstore: closing raster source: %w", err)
	}
	return nil
}

// ComputeRasterTiles lists the finest-level raster tiles covering
// extent. Stores without a raster source return nil.
func (s *Store) ComputeRasterTiles(_ context.Context, extent geom.Extent) ([]nodestore.RasterTile, error) {
	source := s.rasterSource()
	if source == nil {
		return nil, nil
	}
	return source.Tiles(extent, 0), nil
}

// PreloadData reads the raster tiles of the given nodes in the
// background when kinds includes Texture. Other kinds are served from
// the SQLite page cache and need no read-ahead.
func (s *Store) PreloadData(ctx context.Context, nodes []nodeheader.NodeID, kinds []datakind.Kind) {
	if !slices.Contains(kinds, datakind.Texture) || len(nodes) == 0 {
		return
	}
	s.raster.mu.Lock()
	defer s.raster.mu.Unlock()
	if s.raster.source == nil {
		return
	}
	if s.raster.cancel != nil {
		s.raster.cancel()
	}
	preloadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.raster.cancel = cancel
	source := s.raster.source
	nodes = slices.Clone(nodes)

	s.raster.running.Add(1)
	go func() {
		defer s.raster.running.Done()
		if err := s.preloadTiles(preloadCtx, source, nodes); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug("raster preload stopped", "error", err)
		}
	}()
}

func (s *Store) preloadTiles(ctx context.Context, source nodestore.RasterSource, nodes []nodeheader.NodeID) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(preloadConcurrency)
	for _, id := range nodes {
		header, err := s.LoadNodeHeader(groupCtx, id)
		if err != nil {
			group.Go(func() error { return err })
			break
		}
		for _, tile := range source.Tiles(textureExtent(header), header.TextureResolution) {
			key := keyOf(tile)
			s.raster.mu.Lock()
			_, cached := s.raster.preloaded[key]
			full := len(s.raster.preloaded) >= maxPreloadedTiles
			s.raster.mu.Unlock()
			if cached || full {
				continue
			}
			group.Go(func() error {
				data, err := source.ReadTile(groupCtx, tile)
				if err != nil {
					return err
				}
				s.raster.mu.Lock()
				if s.raster.preloaded != nil {
					s.raster.preloaded[key] = data
				}
				s.raster.mu.Unlock()
				return nil
			})
		}
	}
	return group.Wait()
}

// CancelPreloadData stops the running preload and waits for it.
func (s *Store) CancelPreloadData() {
	s.raster.mu.Lock()
	cancel := s.raster.cancel
	s.raster.cancel = nil
	s.raster.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.raster.running.Wait()
}

// readTile returns a preloaded tile, consuming it, or reads it.
func (s *Store) readTile(ctx context.Context, source nodestore.RasterSource, tile nodestore.RasterTile) ([]byte, error) {
	key := keyOf(tile)
	s.raster.mu.Lock()
	data, ok := s.raster.preloaded[key]
	delete(s.raster.preloaded, key)
	s.raster.mu.Unlock()
	if ok {
		return data, nil
	}
	return source.ReadTile(ctx, tile)
}

// textureExtent is the area a node's texture covers.
func textureExtent(header *nodeheader.NodeHeader) geom.Extent {
	if header.ContentExtentDefined {
		return header.ContentExtent
	}
	return header.NodeExtent
}

// tileGrid is the column and row span of a set of same-level tiles.
type tileGrid struct {
	minColumn, minRow int
	columns, rows     int
}

func gridOf(tiles []nodestore.RasterTile) tileGrid {
	minColumn, maxColumn := tiles[0].Column, tiles[0].Column
	minRow, maxRow := tiles[0].Row, tiles[0].Row
	for _, tile := range tiles[1:] {
		minColumn, maxColumn = min(minColumn, tile.Column), max(maxColumn, tile.Column)
		minRow, maxRow = min(minRow, tile.Row), max(maxRow, tile.Row)
	}
	return tileGrid{minColumn: minColumn, minRow: minRow, columns: maxColumn - minColumn + 1, rows: maxRow - minRow + 1}
}

func mosaicHeader(source nodestore.RasterSource, grid tileGrid) blockcodec.TextureHeader {
	return blockcodec.TextureHeader{
		Width:    int32(grid.columns * source.TileSize()),
		Height:   int32(grid.rows * source.TileSize()),
		Channels: int32(source.Channels()),
		Format:   blockcodec.TextureRaw,
	}
}

// mosaic assembles tiles into one texture: the 16-byte header, then
// rows top first. Row numbers grow downwards.
func (s *Store) mosaic(ctx context.Context, source nodestore.RasterSource, tiles []nodestore.RasterTile) ([]byte, error) {
	grid := gridOf(tiles)
	header := mosaicHeader(source, grid)
	size := source.TileSize()
	channels := source.Channels()
	stride := int(header.Width) * channels
	tileStride := size * channels

	out := make([]byte, blockcodec.TextureHeaderSize+header.PixelBytes())
	copy(out, header.Bytes())
	pixels := out[blockcodec.TextureHeaderSize:]
	for _, tile := range tiles {
		data, err := s.readTile(ctx, source, tile)
		if err != nil {
			return nil, fmt.Errorf("localstore: reading raster tile %d/%d/%d: %w", tile.Level, tile.Column, tile.Row, err)
		}
		if len(data) != size*tileStride {
			return nil, fmt.Errorf("%w: raster tile %d/%d/%d has %d bytes, want %d",
				nodestore.ErrMalformed, tile.Level, tile.Column, tile.Row, len(data), size*tileStride)
		}
		left := (tile.Column - grid.minColumn) * tileStride
		top := (tile.Row - grid.minRow) * size
		for y := range size {
			copy(pixels[(top+y)*stride+left:], data[y*tileStride:(y+1)*tileStride])
		}
	}
	return out, nil
}

// rasterTextureStore serves Texture blocks of streamed-texture stores
// from the raster source. It is read-only.
type rasterTextureStore struct {
	store  *Store
	header *nodeheader.NodeHeader
	source nodestore.RasterSource
}

var _ nodestore.BlockStore = (*rasterTextureStore)(nil)

var errStreamedTexture = fmt.Errorf("%w: textures are streamed from the raster source", nodestore.ErrReadOnly)

func (r *rasterTextureStore) Kind() datakind.Kind { return datakind.Texture }

func (r *rasterTextureStore) nodeHeader(ctx context.Context, id nodestore.BlockID) (*nodeheader.NodeHeader, error) {
	if r.header != nil && nodestore.NodeBlock(r.header.ID) == id {
		return r.header, nil
	}
	return r.store.LoadNodeHeader(ctx, nodeheader.NodeID(id))
}

func (r *rasterTextureStore) tiles(ctx context.Context, id nodestore.BlockID) ([]nodestore.RasterTile, error) {
	header, err := r.nodeHeader(ctx, id)
	if err != nil {
		return nil, err
	}
	tiles := r.source.Tiles(textureExtent(header), header.TextureResolution)
	if len(tiles) == 0 {
		return nil, fmt.Errorf("%w: no raster tiles cover node %d", nodestore.ErrNotFound, id)
	}
	return tiles, nil
}

func (r *rasterTextureStore) StoreBlock(context.Context, []byte, nodestore.BlockID) error {
	return errStreamedTexture
}

func (r *rasterTextureStore) BlockDataCount(ctx context.Context, id nodestore.BlockID) (int, error) {
	tiles, err := r.tiles(ctx, id)
	if errors.Is(err, nodestore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return blockcodec.TextureHeaderSize + mosaicHeader(r.source, gridOf(tiles)).PixelBytes(), nil
}

func (r *rasterTextureStore) ModifyBlockDataCount(nodestore.BlockID, int64) {}

func (r *rasterTextureStore) load(ctx context.Context, id nodestore.BlockID) ([]byte, error) {
	tiles, err := r.tiles(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.store.mosaic(ctx, r.source, tiles)
}

func (r *rasterTextureStore) LoadBlock(ctx context.Context, buffer []byte, id nodestore.BlockID) (int, error) {
	data, err := r.load(ctx, id)
	if err != nil {
		return 0, err
	}
	return copy(buffer, data), nil
}

func (r *rasterTextureStore) DestroyBlock(context.Context, nodestore.BlockID) (bool, error) {
	return false, errStreamedTexture
}

func (r *rasterTextureStore) StoreCompressedBlock(context.Context, []byte, nodestore.BlockID) error {
	return errStreamedTexture
}

func (r *rasterTextureStore) LoadCompressedBlock(ctx context.Context, id nodestore.BlockID) (nodestore.Block, error) {
	data, err := r.load(ctx, id)
	if err != nil {
		return nodestore.Block{}, err
	}
	return nodestore.Block{
		ID:               id,
		Kind:             datakind.Texture,
		Data:             blockcodec.Frame(blockcodec.None, len(data), data),
		UncompressedSize: len(data),
	}, nil
}
