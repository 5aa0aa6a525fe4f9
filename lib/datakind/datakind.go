// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package datakind defines the closed set of block data kinds and the
// per-kind routing table every backend consults.
//
// A kind fixes three things about a block: its element size (so that
// byte counts convert to item counts), the persisted file that holds
// it (the main store or one of the sister families), and whether an
// external clip provider may take it over. Backends look these up
// here rather than switching on kinds themselves.
package datakind

import "fmt"

// Kind tags a block's semantic type. The numeric values are the i16
// kind tags written into node-header block-size tables and the kind
// column of every block table. They are protocol constants.
type Kind int16

const (
	Points            Kind = 0
	TriangleIndices   Kind = 1
	UVIndices         Kind = 2
	UVCoords          Kind = 3
	DiffSet           Kind = 4
	TopologyGraph     Kind = 5
	Texture           Kind = 6
	TextureCompressed Kind = 7
	LinearFeature     Kind = 8
	Skirt             Kind = 9
	ClipDefinition    Kind = 10
	CoveragePolygon   Kind = 11
	CoverageName      Kind = 12
	// PointsIndicesUVs is the composite kind used for multi-item loads
	// that return points, indices and UVs from one block.
	PointsIndicesUVs Kind = 13
	// Cesium3DTiles is the tile-batch kind: one b3dm payload per node
	// from which the mesh kinds are extracted.
	Cesium3DTiles Kind = 14
	Metadata      Kind = 15
)

// Family identifies the persisted handle a kind routes to.
type Family int

const (
	// FamilyMain is the primary store file.
	FamilyMain Family = iota
	// FamilyClips holds DiffSet blocks.
	FamilyClips
	// FamilyClipDefinitions holds clip, skirt and coverage blocks.
	FamilyClipDefinitions
	// FamilyFeature holds linear features. Named from the primary file.
	FamilyFeature
	// FamilyGraph holds topology graphs. Named from the primary file.
	FamilyGraph

	familyCount
)

// SisterFamilies lists every family other than the main store, in
// slot order.
var SisterFamilies = []Family{FamilyClips, FamilyClipDefinitions, FamilyFeature, FamilyGraph}

// FamilyCount is the number of families including the main store.
const FamilyCount = int(familyCount)

// String returns the family name used in logs.
func (f Family) String() string {
	switch f {
	case FamilyMain:
		return "main"
	case FamilyClips:
		return "clips"
	case FamilyClipDefinitions:
		return "clip_definitions"
	case FamilyFeature:
		return "feature"
	case FamilyGraph:
		return "graph"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// Suffix returns the file-name suffix of a sister family. The main
// family has none.
func (f Family) Suffix() string {
	switch f {
	case FamilyClips:
		return "_clips"
	case FamilyClipDefinitions:
		return "_clipDefinitions"
	case FamilyFeature:
		return "_feature"
	case FamilyGraph:
		return "_graph"
	default:
		return ""
	}
}

// NamedFromPrimary reports whether the family's file name is always
// derived from the primary store's own path, regardless of the
// project or temp path policy. These files are shared across
// processes that open the same store.
func (f Family) NamedFromPrimary() bool {
	return f == FamilyFeature || f == FamilyGraph
}

// Serializer selects the per-kind transform applied before the
// generic codec.
type Serializer int

const (
	// SerializeCopy passes the payload through unchanged.
	SerializeCopy Serializer = iota
	// SerializeDiffSet validates the count-prefixed DiffSet pack.
	SerializeDiffSet
	// SerializeGraph validates the topology-graph binary form.
	SerializeGraph
	// SerializeTexture JPEG-encodes behind a 16-byte header.
	SerializeTexture
	// SerializeString stores the payload uncompressed as a string.
	SerializeString
	// SerializeRaw stores already-compressed bytes without the codec.
	SerializeRaw
)

// Info is the routing-table entry for one kind.
type Info struct {
	Name        string
	ElementSize int
	Family      Family
	Serializer  Serializer
	// External reports that an external clip provider may own the kind.
	External bool
	// Counted reports that the node header caches the kind's item count
	// (Points → point count, TriangleIndices → face index count).
	Counted bool
	// TextLike prefers zstd over lz4 under automatic codec selection.
	TextLike bool
}

var table = map[Kind]Info{
	Points:            {Name: "points", ElementSize: 24, Counted: true},
	TriangleIndices:   {Name: "indices", ElementSize: 4, Counted: true},
	UVIndices:         {Name: "uv_indices", ElementSize: 4},
	UVCoords:          {Name: "uvs", ElementSize: 16},
	DiffSet:           {Name: "diffset", ElementSize: 1, Family: FamilyClips, Serializer: SerializeDiffSet},
	TopologyGraph:     {Name: "graph", ElementSize: 1, Family: FamilyGraph, Serializer: SerializeGraph},
	Texture:           {Name: "texture", ElementSize: 1, Serializer: SerializeTexture},
	TextureCompressed: {Name: "texture_compressed", ElementSize: 1, Serializer: SerializeRaw},
	LinearFeature:     {Name: "linear_feature", ElementSize: 1, Family: FamilyFeature},
	Skirt:             {Name: "skirt", ElementSize: 1, Family: FamilyClipDefinitions},
	ClipDefinition:    {Name: "clip_definition", ElementSize: 1, Family: FamilyClipDefinitions, External: true},
	CoveragePolygon:   {Name: "coverage_polygon", ElementSize: 1, Family: FamilyClipDefinitions, External: true},
	CoverageName:      {Name: "coverage_name", ElementSize: 1, Family: FamilyClipDefinitions, Serializer: SerializeString, External: true, TextLike: true},
	PointsIndicesUVs:  {Name: "points_indices_uvs", ElementSize: 1},
	Cesium3DTiles:     {Name: "cesium_3dtiles", ElementSize: 1, Serializer: SerializeRaw},
	Metadata:          {Name: "metadata", ElementSize: 1, TextLike: true},
}

// All returns every kind in tag order.
func All() []Kind {
	kinds := make([]Kind, 0, len(table))
	for kind := Points; kind <= Metadata; kind++ {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Lookup returns the routing entry for kind.
func Lookup(kind Kind) (Info, bool) {
	info, ok := table[kind]
	return info, ok
}

// MustLookup returns the routing entry for kind and panics on a kind
// outside the closed set.
func MustLookup(kind Kind) Info {
	info, ok := table[kind]
	if !ok {
		panic(fmt.Sprintf("datakind: unknown kind %d", int16(kind)))
	}
	return info
}

// Valid reports whether kind is in the closed set.
func (k Kind) Valid() bool {
	_, ok := table[k]
	return ok
}

// String returns the kind name.
func (k Kind) String() string {
	if info, ok := table[k]; ok {
		return info.Name
	}
	return fmt.Sprintf("kind(%d)", int16(k))
}

// Parse resolves a kind name as returned by [Kind.String].
func Parse(name string) (Kind, error) {
	for kind, info := range table {
		if info.Name == name {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("datakind: unknown kind %q", name)
}

// Family returns the family the kind routes to.
func (k Kind) Family() Family { return MustLookup(k).Family }

// ElementSize returns the size of one item of the kind in bytes.
func (k Kind) ElementSize() int { return MustLookup(k).ElementSize }

// IsSister reports whether the kind lives in a sister file.
func (k Kind) IsSister() bool { return MustLookup(k).Family != FamilyMain }

// IsExternal reports whether an external provider may own the kind.
func (k Kind) IsExternal() bool { return MustLookup(k).External }
