// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodestore

import (
	"context"

	"github.com/bureau-foundation/meshstore/lib/geom"
)

// SourceDescriptor names one input the dataset was generated from.
// The local store keeps the list as its source collection.
type SourceDescriptor struct {
	// Kind is "raster", "pointcloud", "mesh" or a host-defined value.
	Kind string `cbor:"kind" json:"kind"`
	Name string `cbor:"name" json:"name"`
	Path string `cbor:"path" json:"path"`
	// Extent georeferences sources that carry no placement of their
	// own: min x, y, z then max x, y, z.
	Extent []float64 `cbor:"extent,omitempty" json:"extent,omitempty"`
}

// SourceRaster is the Kind of raster sources.
const SourceRaster = "raster"

// RasterTile addresses one square tile of a raster source.
type RasterTile struct {
	Level  int
	Column int
	Row    int
	// Extent is the dataset-space area the tile covers.
	Extent geom.Extent
}

// RasterSource supplies textures for stores in streamed-texture mode.
// Implementations must be safe for concurrent ReadTile calls.
type RasterSource interface {
	// TileSize is the width and height of every tile in pixels.
	TileSize() int
	// Channels is the number of 8-bit channels per pixel.
	Channels() int
	// Tiles lists the tiles covering extent at the finest level whose
	// resolution does not exceed resolution (dataset units per pixel).
	// A zero resolution selects the finest level.
	Tiles(extent geom.Extent, resolution float64) []RasterTile
	// ReadTile returns TileSize*TileSize*Channels bytes, row-major,
	// top row first.
	ReadTile(ctx context.Context, tile RasterTile) ([]byte, error)
	Close() error
}

// RasterOpener resolves a raster source descriptor. Hosts supply it;
// lib/localstore ships one for single image files.
type RasterOpener func(ctx context.Context, source SourceDescriptor) (RasterSource, error)
