// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodeheader

import (
	"fmt"

	"github.com/bureau-foundation/meshstore/lib/binio"
	"github.com/bureau-foundation/meshstore/lib/geom"
)

// TextureType says where a store's textures come from.
type TextureType uint8

const (
	TextureNone      TextureType = 0
	TextureLocal     TextureType = 1
	TextureStreaming TextureType = 2
)

// String returns the texture type name.
func (t TextureType) String() string {
	switch t {
	case TextureNone:
		return "none"
	case TextureLocal:
		return "local"
	case TextureStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("texture_type(%d)", uint8(t))
	}
}

// Format distinguishes legacy stores from 3D Tiles tilesets.
type Format uint8

const (
	FormatLegacy  Format = 0
	FormatTileSet Format = 1
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatLegacy:
		return "legacy"
	case FormatTileSet:
		return "tileset"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// MasterHeader describes a whole store. A store whose master header
// has no root is empty.
type MasterHeader struct {
	Root           NullNodeID
	SplitThreshold uint32
	Balanced       bool
	Depth          uint32
	Terrain        bool
	SingleFile     bool
	TextureType    TextureType
	Format         Format
	Resolution     float64

	// CoordinateSystem is a WKT or key name. Optional.
	CoordinateSystem string

	// Transform maps dataset coordinates to device or Earth-centered
	// coordinates. Streaming datasets only; nil means identity.
	Transform *geom.Transform

	// Grouped and GroupSize describe legacy grouped streaming datasets.
	Grouped   bool
	GroupSize uint32
}

// IsValid reports whether the store has a root.
func (m *MasterHeader) IsValid() bool { return m.Root.Valid }

// masterBinaryVersion is the version written by EncodeMasterBinary.
const masterBinaryVersion = 1

// EncodeMasterBinary serializes the master header for the local
// store. Transform and grouping are streaming-only and not written.
func EncodeMasterBinary(m *MasterHeader) []byte {
	w := binio.NewWriter(48 + len(m.CoordinateSystem))
	w.Uint16(masterBinaryVersion)
	w.Uint32(m.Root.wire())
	w.Uint32(m.SplitThreshold)
	w.Bool(m.Balanced)
	w.Uint32(m.Depth)
	w.Bool(m.Terrain)
	w.Bool(m.SingleFile)
	w.Uint8(uint8(m.TextureType))
	w.Uint8(uint8(m.Format))
	w.Float64(m.Resolution)
	w.Uint32(uint32(len(m.CoordinateSystem)))
	w.Raw([]byte(m.CoordinateSystem))
	return w.Bytes()
}

// DecodeMasterBinary parses the output of [EncodeMasterBinary].
func DecodeMasterBinary(data []byte) (*MasterHeader, error) {
	r := binio.NewReader(data)
	version := r.Uint16()
	if r.Err() == nil && version != masterBinaryVersion {
		return nil, fmt.Errorf("nodeheader: master header version %d not supported", version)
	}
	m := &MasterHeader{
		Root:           nullFromWire(r.Uint32()),
		SplitThreshold: r.Uint32(),
		Balanced:       r.Bool(),
		Depth:          r.Uint32(),
		Terrain:        r.Bool(),
		SingleFile:     r.Bool(),
		TextureType:    TextureType(r.Uint8()),
		Format:         Format(r.Uint8()),
		Resolution:     r.Float64(),
	}
	gcsLength := r.Count32(1)
	m.CoordinateSystem = string(r.Raw(gcsLength))
	if err := r.ExpectEnd(); err != nil {
		return nil, fmt.Errorf("nodeheader: decoding master header: %w", err)
	}
	return m, nil
}

// Legacy grouped master header layout, as found at the start of the
// decompressed MasterHeaderWithGroups blob:
//
//	subHeaderSize u32 (must equal legacyIndexHeaderSize)
//	index header  (legacyIndexHeaderSize bytes)
//	groupMode     u8
//	groupSize     u32
//
// Anything after groupSize describes the original grouping tree and
// is ignored.
const legacyIndexHeaderSize = 4 + 4 + 1 + 4 + 1 + 1 + 1 + 8

// EncodeLegacyMaster writes the legacy grouped master header.
func EncodeLegacyMaster(m *MasterHeader) []byte {
	w := binio.NewWriter(4 + legacyIndexHeaderSize + 5)
	w.Uint32(legacyIndexHeaderSize)
	w.Uint32(m.Root.wire())
	w.Uint32(m.SplitThreshold)
	w.Bool(m.Balanced)
	w.Uint32(m.Depth)
	w.Bool(m.Terrain)
	w.Bool(m.SingleFile)
	w.Uint8(uint8(m.TextureType))
	w.Float64(m.Resolution)
	w.Bool(m.Grouped)
	w.Uint32(m.GroupSize)
	return w.Bytes()
}

// DecodeLegacyMaster reads the legacy grouped master header fields.
// Trailing grouping data is tolerated and skipped.
func DecodeLegacyMaster(data []byte) (*MasterHeader, error) {
	r := binio.NewReader(data)
	subHeaderSize := r.Uint32()
	if r.Err() == nil && subHeaderSize != legacyIndexHeaderSize {
		return nil, fmt.Errorf("nodeheader: legacy master sub-header size %d, want %d", subHeaderSize, legacyIndexHeaderSize)
	}
	m := &MasterHeader{
		Root:           nullFromWire(r.Uint32()),
		SplitThreshold: r.Uint32(),
		Balanced:       r.Bool(),
		Depth:          r.Uint32(),
		Terrain:        r.Bool(),
		SingleFile:     r.Bool(),
		TextureType:    TextureType(r.Uint8()),
		Resolution:     r.Float64(),
		Format:         FormatLegacy,
	}
	m.Grouped = r.Bool()
	m.GroupSize = r.Uint32()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("nodeheader: decoding legacy master header: %w", err)
	}
	return m, nil
}
