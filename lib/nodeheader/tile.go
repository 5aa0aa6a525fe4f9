// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodeheader

import (
	"encoding/json"
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/meshstore/lib/geom"
)

// BoundingVolume is the subset of the 3D Tiles bounding volume this
// package reads and writes. Box is center(3) followed by the three
// half-axis vectors (9). Sphere is center(3) followed by the radius.
type BoundingVolume struct {
	Box    []float64 `json:"box,omitempty"`
	Sphere []float64 `json:"sphere,omitempty"`
}

// BoxVolume returns the axis-aligned box volume for extent.
func BoxVolume(extent geom.Extent) BoundingVolume {
	center := extent.Center()
	half := extent.HalfSize()
	return BoundingVolume{Box: []float64{
		center.X, center.Y, center.Z,
		half.X, 0, 0,
		0, half.Y, 0,
		0, 0, half.Z,
	}}
}

// Extent returns the axis-aligned extent enclosing the volume.
func (v BoundingVolume) Extent() (geom.Extent, error) {
	switch {
	case len(v.Box) == 12:
		center := geom.Point3D{X: v.Box[0], Y: v.Box[1], Z: v.Box[2]}
		var half geom.Point3D
		for axis := range 3 {
			half.X += math.Abs(v.Box[3+3*axis])
			half.Y += math.Abs(v.Box[4+3*axis])
			half.Z += math.Abs(v.Box[5+3*axis])
		}
		return geom.NewExtent(
			geom.Point3D{X: center.X - half.X, Y: center.Y - half.Y, Z: center.Z - half.Z},
			geom.Point3D{X: center.X + half.X, Y: center.Y + half.Y, Z: center.Z + half.Z},
		), nil
	case len(v.Sphere) == 4:
		radius := math.Abs(v.Sphere[3])
		return geom.NewExtent(
			geom.Point3D{X: v.Sphere[0] - radius, Y: v.Sphere[1] - radius, Z: v.Sphere[2] - radius},
			geom.Point3D{X: v.Sphere[0] + radius, Y: v.Sphere[1] + radius, Z: v.Sphere[2] + radius},
		), nil
	case v.Box == nil && v.Sphere == nil:
		return geom.Extent{}, fmt.Errorf("nodeheader: bounding volume has neither box nor sphere")
	default:
		return geom.Extent{}, fmt.Errorf("nodeheader: malformed bounding volume (box=%d values, sphere=%d values)", len(v.Box), len(v.Sphere))
	}
}

// TileContent points at a tile's payload. Older tilesets use "url",
// newer ones "uri".
type TileContent struct {
	URL            string          `json:"url,omitempty"`
	URI            string          `json:"uri,omitempty"`
	BoundingVolume *BoundingVolume `json:"boundingVolume,omitempty"`
}

// Location returns whichever of URI and URL is set.
func (c *TileContent) Location() string {
	if c.URI != "" {
		return c.URI
	}
	return c.URL
}

// Tile is one 3D Tiles tile. SMHeader carries the node header fields
// in their JSON form.
type Tile struct {
	GeometricError float64         `json:"geometricError"`
	Refine         string          `json:"refine,omitempty"`
	BoundingVolume BoundingVolume  `json:"boundingVolume"`
	Transform      []float64       `json:"transform,omitempty"`
	Content        *TileContent    `json:"content,omitempty"`
	Children       []Tile          `json:"children,omitempty"`
	SMHeader       json.RawMessage `json:"SMHeader,omitempty"`
}

// TilesetAsset is the required "asset" object.
type TilesetAsset struct {
	Version string `json:"version"`
}

// Tileset is a 3D Tiles root document. SMHeader carries the master
// header fields in their JSON form.
type Tileset struct {
	Asset          TilesetAsset    `json:"asset"`
	GeometricError float64         `json:"geometricError"`
	Root           Tile            `json:"root"`
	SMHeader       json.RawMessage `json:"SMHeader,omitempty"`
}

// ChildDocument returns the relative location of a node's tile
// descriptor.
func ChildDocument(id NodeID) string { return id.String() + ".json" }

// HeaderToTile builds the tile descriptor for h. contentLocation is
// the payload location, empty for nodes without content.
func HeaderToTile(h *NodeHeader, contentLocation string) (*Tile, error) {
	smHeader, err := json.Marshal(toHeaderJSON(h))
	if err != nil {
		return nil, fmt.Errorf("nodeheader: encoding tile for node %d: %w", h.ID, err)
	}
	tile := &Tile{
		GeometricError: h.GeometricResolution,
		Refine:         "REPLACE",
		BoundingVolume: BoxVolume(h.NodeExtent),
		SMHeader:       smHeader,
	}
	if contentLocation != "" {
		tile.Content = &TileContent{URI: contentLocation}
		if h.ContentExtentDefined {
			volume := BoxVolume(h.ContentExtent)
			tile.Content.BoundingVolume = &volume
		}
	}
	for _, child := range h.ChildIDs() {
		tile.Children = append(tile.Children, Tile{
			GeometricError: h.GeometricResolution,
			BoundingVolume: BoxVolume(h.NodeExtent),
			Content:        &TileContent{URI: ChildDocument(child)},
		})
	}
	return tile, nil
}

// TileToHeader converts a tile descriptor into the header of node id.
// The embedded SMHeader is authoritative when present; otherwise the
// header is reconstructed from the bounding volumes and the base names
// of the children's content locations.
func TileToHeader(id NodeID, tile *Tile) (*NodeHeader, error) {
	if len(tile.SMHeader) > 0 {
		var in headerJSON
		if err := json.Unmarshal(tile.SMHeader, &in); err != nil {
			return nil, fmt.Errorf("nodeheader: decoding SMHeader of node %d: %w", id, err)
		}
		in.ID = id
		return in.toHeader()
	}

	extent, err := tile.BoundingVolume.Extent()
	if err != nil {
		return nil, fmt.Errorf("nodeheader: node %d: %w", id, err)
	}
	h := &NodeHeader{
		ID:                  id,
		NodeExtent:          extent,
		GeometricResolution: tile.GeometricError,
		IsLeaf:              len(tile.Children) == 0,
	}
	if tile.Content != nil && tile.Content.BoundingVolume != nil {
		contentExtent, err := tile.Content.BoundingVolume.Extent()
		if err != nil {
			return nil, fmt.Errorf("nodeheader: node %d content: %w", id, err)
		}
		h.ContentExtentDefined = true
		h.ContentExtent = contentExtent
	}
	for i := range tile.Children {
		child := &tile.Children[i]
		if child.Content == nil {
			return nil, fmt.Errorf("nodeheader: node %d child %d has no content location", id, i)
		}
		childID, err := IDFromLocation(child.Content.Location())
		if err != nil {
			return nil, fmt.Errorf("nodeheader: node %d child %d: %w", id, i, err)
		}
		h.Children = append(h.Children, childID)
	}
	h.normalize()
	return h, nil
}

// IDFromLocation parses a node id from a content location such as
// "data/42.json" or "42.b3dm?v=2".
func IDFromLocation(location string) (NodeID, error) {
	if query := strings.IndexAny(location, "?#"); query >= 0 {
		location = location[:query]
	}
	base := path.Base(location)
	if dot := strings.IndexByte(base, '.'); dot >= 0 {
		base = base[:dot]
	}
	value, err := strconv.ParseUint(base, 10, 32)
	if err != nil || value == nullWire {
		return 0, fmt.Errorf("content location %q does not name a node", location)
	}
	return NodeID(value), nil
}

// EncodeTile returns the tile descriptor JSON for h.
func EncodeTile(h *NodeHeader, contentLocation string) ([]byte, error) {
	tile, err := HeaderToTile(h, contentLocation)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tile)
}

// DecodeTile parses a tile descriptor for node id.
func DecodeTile(id NodeID, data []byte) (*NodeHeader, error) {
	var tile Tile
	if err := json.Unmarshal(jsonc.ToJSON(data), &tile); err != nil {
		return nil, fmt.Errorf("nodeheader: decoding tile %d: %w", id, err)
	}
	return TileToHeader(id, &tile)
}

// EncodeTileset builds the tileset document for m with root as the
// root tile. The tile transform is written column-major as 3D Tiles
// requires; the SMHeader copy stays row-major.
func EncodeTileset(m *MasterHeader, root *NodeHeader, rootContent string) ([]byte, error) {
	rootTile, err := HeaderToTile(root, rootContent)
	if err != nil {
		return nil, err
	}
	if m.Transform != nil && !m.Transform.IsIdentity() {
		columnMajor := m.Transform.Transpose()
		rootTile.Transform = columnMajor[:]
	}
	smHeader, err := json.Marshal(toMasterJSON(m))
	if err != nil {
		return nil, fmt.Errorf("nodeheader: encoding tileset master header: %w", err)
	}
	return json.Marshal(&Tileset{
		Asset:          TilesetAsset{Version: "1.0"},
		GeometricError: rootTile.GeometricError,
		Root:           *rootTile,
		SMHeader:       smHeader,
	})
}

// DecodeTileset parses a tileset document into its master header and
// root node header. Without a top-level SMHeader the master header is
// derived from the root tile: the root id comes from the root tile's
// SMHeader and the transform from the root tile's column-major
// transform.
func DecodeTileset(data []byte) (*MasterHeader, *NodeHeader, error) {
	var tileset Tileset
	if err := json.Unmarshal(jsonc.ToJSON(data), &tileset); err != nil {
		return nil, nil, fmt.Errorf("nodeheader: decoding tileset: %w", err)
	}

	var master *MasterHeader
	if len(tileset.SMHeader) > 0 {
		var in masterJSON
		if err := json.Unmarshal(tileset.SMHeader, &in); err != nil {
			return nil, nil, fmt.Errorf("nodeheader: decoding tileset SMHeader: %w", err)
		}
		decoded, err := in.toMaster(FormatTileSet)
		if err != nil {
			return nil, nil, err
		}
		master = decoded
	} else {
		master = &MasterHeader{Format: FormatTileSet}
	}

	rootID := NodeID(0)
	if master.Root.Valid {
		rootID = master.Root.ID
	} else if len(tileset.Root.SMHeader) > 0 {
		var probe struct {
			ID NodeID `json:"id"`
		}
		if err := json.Unmarshal(tileset.Root.SMHeader, &probe); err != nil {
			return nil, nil, fmt.Errorf("nodeheader: decoding root tile id: %w", err)
		}
		rootID = probe.ID
	}
	root, err := TileToHeader(rootID, &tileset.Root)
	if err != nil {
		return nil, nil, err
	}
	master.Root = Some(rootID)
	if master.SplitThreshold == 0 {
		master.SplitThreshold = root.SplitThreshold
	}
	if master.Transform == nil && len(tileset.Root.Transform) > 0 {
		if len(tileset.Root.Transform) != 16 {
			return nil, nil, fmt.Errorf("nodeheader: root tile transform has %d values, want 16", len(tileset.Root.Transform))
		}
		var columnMajor geom.Transform
		copy(columnMajor[:], tileset.Root.Transform)
		rowMajor := columnMajor.Transpose()
		master.Transform = &rowMajor
	}
	return master, root, nil
}
