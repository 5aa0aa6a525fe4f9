// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/bureau-foundation/meshstore/lib/blockcodec"
	"github.com/bureau-foundation/meshstore/lib/geom"
	"github.com/bureau-foundation/meshstore/lib/nodestore"
)

// DefaultTileSize is the tile size of image rasters.
const DefaultTileSize = 256

// ImageRaster is a single-level raster over one JPEG or PNG file
// stretched across an extent. Tiles past the image edge are padded
// with zero pixels.
type ImageRaster struct {
	extent   geom.Extent
	width    int
	height   int
	channels int
	tileSize int
	pixels   []byte
}

var _ nodestore.RasterSource = (*ImageRaster)(nil)

// OpenImageRaster decodes the image at path.
func OpenImageRaster(path string, extent geom.Extent, tileSize int) (*ImageRaster, error) {
	if extent.Max.X <= extent.Min.X || extent.Max.Y <= extent.Min.Y {
		return nil, fmt.Errorf("localstore: image raster %s has an empty footprint", path)
	}
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	encoded, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("localstore: %w", err)
	}
	texture, err := blockcodec.DecodeImage(encoded)
	if err != nil {
		return nil, fmt.Errorf("localstore: image raster %s: %w", path, err)
	}
	header, err := blockcodec.ParseTextureHeader(texture)
	if err != nil {
		return nil, err
	}
	return &ImageRaster{
		extent:   extent,
		width:    int(header.Width),
		height:   int(header.Height),
		channels: int(header.Channels),
		tileSize: tileSize,
		pixels:   texture[blockcodec.TextureHeaderSize:],
	}, nil
}

// ImageRasterOpener opens raster descriptors whose Extent is set as
// image rasters.
func ImageRasterOpener(tileSize int) nodestore.RasterOpener {
	return func(_ context.Context, source nodestore.SourceDescriptor) (nodestore.RasterSource, error) {
		if len(source.Extent) != 6 {
			return nil, fmt.Errorf("localstore: raster %q needs a 6-value extent, has %d", source.Name, len(source.Extent))
		}
		return OpenImageRaster(source.Path, geom.ExtentFromValues([6]float64(source.Extent)), tileSize)
	}
}

func (r *ImageRaster) TileSize() int { return r.tileSize }
func (r *ImageRaster) Channels() int { return r.channels }

// Tiles ignores resolution; an image raster has one level.
func (r *ImageRaster) Tiles(extent geom.Extent, _ float64) []nodestore.RasterTile {
	if !r.extent.Intersects2D(extent) {
		return nil
	}
	pixelWidth := (r.extent.Max.X - r.extent.Min.X) / float64(r.width)
	pixelHeight := (r.extent.Max.Y - r.extent.Min.Y) / float64(r.height)
	tileWidth := pixelWidth * float64(r.tileSize)
	tileHeight := pixelHeight * float64(r.tileSize)
	lastColumn := (r.width - 1) / r.tileSize
	lastRow := (r.height - 1) / r.tileSize

	clamp := func(value float64, last int) int {
		return min(max(int(math.Floor(value)), 0), last)
	}
	firstColumn := clamp((extent.Min.X-r.extent.Min.X)/tileWidth, lastColumn)
	endColumn := clamp((extent.Max.X-r.extent.Min.X)/tileWidth, lastColumn)
	firstRow := clamp((r.extent.Max.Y-extent.Max.Y)/tileHeight, lastRow)
	endRow := clamp((r.extent.Max.Y-extent.Min.Y)/tileHeight, lastRow)

	var tiles []nodestore.RasterTile
	for row := firstRow; row <= endRow; row++ {
		for column := firstColumn; column <= endColumn; column++ {
			minX := r.extent.Min.X + float64(column)*tileWidth
			maxY := r.extent.Max.Y - float64(row)*tileHeight
			tiles = append(tiles, nodestore.RasterTile{
				Column: column,
				Row:    row,
				Extent: geom.Extent{
					Min: geom.Point3D{X: minX, Y: maxY - tileHeight, Z: r.extent.Min.Z},
					Max: geom.Point3D{X: minX + tileWidth, Y: maxY, Z: r.extent.Max.Z},
				},
			})
		}
	}
	return tiles
}

func (r *ImageRaster) ReadTile(_ context.Context, tile nodestore.RasterTile) ([]byte, error) {
	if tile.Level != 0 || tile.Column < 0 || tile.Row < 0 {
		return nil, fmt.Errorf("localstore: image raster has no tile %d/%d/%d", tile.Level, tile.Column, tile.Row)
	}
	out := make([]byte, r.tileSize*r.tileSize*r.channels)
	left := tile.Column * r.tileSize
	top := tile.Row * r.tileSize
	if left >= r.width || top >= r.height {
		return nil, fmt.Errorf("localstore: image raster has no tile %d/%d/%d", tile.Level, tile.Column, tile.Row)
	}
	span := min(r.tileSize, r.width-left) * r.channels
	for y := 0; y < r.tileSize && top+y < r.height; y++ {
		source := ((top+y)*r.width + left) * r.channels
		copy(out[y*r.tileSize*r.channels:], r.pixels[source:source+span])
	}
	return out, nil
}

func (r *ImageRaster) Close() error { return nil }
