// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodeheader

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/meshstore/lib/geom"
)

// headerJSON is the JSON form of a node header. The same object is
// embedded in tile descriptors as "SMHeader".
type headerJSON struct {
	ID                  NodeID      `json:"id"`
	Filtered            bool        `json:"filtered,omitempty"`
	Parent              NullNodeID  `json:"parentId"`
	NoSplitChild        NullNodeID  `json:"noSplitChildId"`
	Level               uint32      `json:"level"`
	IsBranched          bool        `json:"isBranched"`
	IsLeaf              bool        `json:"isLeaf"`
	SplitThreshold      uint32      `json:"splitThreshold"`
	TotalCount          uint64      `json:"totalCount"`
	NodeCount           uint64      `json:"nodeCount"`
	ArePoints3D         bool        `json:"arePoints3d,omitempty"`
	IsTextured          bool        `json:"isTextured"`
	FaceIndexCount      uint64      `json:"nbFaceIndexes"`
	GraphID             NullNodeID  `json:"graphId"`
	NodeExtent          [6]float64  `json:"nodeExtent"`
	ContentExtent       *[6]float64 `json:"contentExtent,omitempty"`
	PrimaryIndicesID    NullNodeID  `json:"indiceId"`
	MeshComponents      []int32     `json:"meshComponents,omitempty"`
	ClipSetIDs          []uint32    `json:"clipSetIds,omitempty"`
	Children            []NodeID    `json:"children,omitempty"`
	Neighbors           [][]NodeID  `json:"neighbors,omitempty"`
	BlockSizes          []BlockSize `json:"blockSizes,omitempty"`
	GeometricResolution float64     `json:"geometricResolution,omitempty"`
	TextureResolution   float64     `json:"textureResolution,omitempty"`
}

func toHeaderJSON(h *NodeHeader) *headerJSON {
	out := &headerJSON{
		ID:                  h.ID,
		Filtered:            h.Filtered,
		Parent:              h.Parent,
		NoSplitChild:        h.NoSplitChild,
		Level:               h.Level,
		IsBranched:          h.IsBranched,
		IsLeaf:              h.IsLeaf,
		SplitThreshold:      h.SplitThreshold,
		TotalCount:          h.TotalCount,
		NodeCount:           h.NodeCount,
		ArePoints3D:         h.ArePoints3D,
		IsTextured:          h.IsTextured,
		FaceIndexCount:      h.FaceIndexCount,
		GraphID:             h.GraphID,
		NodeExtent:          h.NodeExtent.Values(),
		PrimaryIndicesID:    h.PrimaryIndicesID,
		MeshComponents:      h.MeshComponents,
		ClipSetIDs:          h.ClipSetIDs,
		Children:            h.Children,
		BlockSizes:          h.BlockSizes,
		GeometricResolution: h.GeometricResolution,
		TextureResolution:   h.TextureResolution,
	}
	if h.ContentExtentDefined {
		values := h.ContentExtent.Values()
		out.ContentExtent = &values
	}

	// Trailing empty neighbor slots are omitted.
	last := -1
	for position := range h.Neighbors {
		if len(h.Neighbors[position]) > 0 {
			last = position
		}
	}
	if last >= 0 {
		out.Neighbors = make([][]NodeID, last+1)
		for position := 0; position <= last; position++ {
			out.Neighbors[position] = h.Neighbors[position]
			if out.Neighbors[position] == nil {
				out.Neighbors[position] = []NodeID{}
			}
		}
	}
	return out
}

func (in *headerJSON) toHeader() (*NodeHeader, error) {
	if len(in.Neighbors) > NeighborPositions {
		return nil, fmt.Errorf("nodeheader: node %d has %d neighbor slots, max %d", in.ID, len(in.Neighbors), NeighborPositions)
	}
	h := &NodeHeader{
		ID:                  in.ID,
		Filtered:            in.Filtered,
		Parent:              in.Parent,
		NoSplitChild:        in.NoSplitChild,
		Level:               in.Level,
		IsBranched:          in.IsBranched,
		IsLeaf:              in.IsLeaf,
		SplitThreshold:      in.SplitThreshold,
		TotalCount:          in.TotalCount,
		NodeCount:           in.NodeCount,
		ArePoints3D:         in.ArePoints3D,
		IsTextured:          in.IsTextured,
		FaceIndexCount:      in.FaceIndexCount,
		GraphID:             in.GraphID,
		NodeExtent:          geom.ExtentFromValues(in.NodeExtent),
		PrimaryIndicesID:    in.PrimaryIndicesID,
		MeshComponents:      in.MeshComponents,
		ClipSetIDs:          in.ClipSetIDs,
		Children:            in.Children,
		BlockSizes:          in.BlockSizes,
		GeometricResolution: in.GeometricResolution,
		TextureResolution:   in.TextureResolution,
	}
	if in.ContentExtent != nil {
		h.ContentExtentDefined = true
		h.ContentExtent = geom.ExtentFromValues(*in.ContentExtent)
	}
	for position, neighbors := range in.Neighbors {
		if len(neighbors) > 0 {
			h.Neighbors[position] = neighbors
		}
	}
	h.normalize()
	return h, nil
}

// EncodeJSON returns the JSON form of h.
func EncodeJSON(h *NodeHeader) ([]byte, error) {
	data, err := json.Marshal(toHeaderJSON(h))
	if err != nil {
		return nil, fmt.Errorf("nodeheader: encoding node %d: %w", h.ID, err)
	}
	return data, nil
}

// DecodeJSON parses the JSON form of a node header. Comments and
// trailing commas are tolerated.
func DecodeJSON(data []byte) (*NodeHeader, error) {
	var in headerJSON
	if err := json.Unmarshal(jsonc.ToJSON(data), &in); err != nil {
		return nil, fmt.Errorf("nodeheader: decoding node JSON: %w", err)
	}
	return in.toHeader()
}

// masterJSON is the JSON form of a master header, also embedded as
// "SMHeader" at the top of a tileset.
type masterJSON struct {
	Root             NullNodeID `json:"rootNodeId"`
	SplitThreshold   uint32     `json:"splitThreshold"`
	Balanced         bool       `json:"balanced"`
	Depth            uint32     `json:"depth"`
	Terrain          bool       `json:"isTerrain"`
	SingleFile       bool       `json:"singleFile,omitempty"`
	TextureType      uint8      `json:"textureType,omitempty"`
	Resolution       float64    `json:"resolution,omitempty"`
	CoordinateSystem string     `json:"gcs,omitempty"`
	// Transform is row-major, unlike the column-major 3D Tiles field.
	Transform []float64 `json:"transform,omitempty"`
	Grouped   bool      `json:"grouped,omitempty"`
	GroupSize uint32    `json:"groupSize,omitempty"`
}

func toMasterJSON(m *MasterHeader) *masterJSON {
	out := &masterJSON{
		Root:             m.Root,
		SplitThreshold:   m.SplitThreshold,
		Balanced:         m.Balanced,
		Depth:            m.Depth,
		Terrain:          m.Terrain,
		SingleFile:       m.SingleFile,
		TextureType:      uint8(m.TextureType),
		Resolution:       m.Resolution,
		CoordinateSystem: m.CoordinateSystem,
		Grouped:          m.Grouped,
		GroupSize:        m.GroupSize,
	}
	if m.Transform != nil {
		out.Transform = m.Transform[:]
	}
	return out
}

func (in *masterJSON) toMaster(format Format) (*MasterHeader, error) {
	m := &MasterHeader{
		Root:             in.Root,
		SplitThreshold:   in.SplitThreshold,
		Balanced:         in.Balanced,
		Depth:            in.Depth,
		Terrain:          in.Terrain,
		SingleFile:       in.SingleFile,
		TextureType:      TextureType(in.TextureType),
		Format:           format,
		Resolution:       in.Resolution,
		CoordinateSystem: in.CoordinateSystem,
		Grouped:          in.Grouped,
		GroupSize:        in.GroupSize,
	}
	if len(in.Transform) > 0 {
		if len(in.Transform) != 16 {
			return nil, fmt.Errorf("nodeheader: master transform has %d values, want 16", len(in.Transform))
		}
		var transform geom.Transform
		copy(transform[:], in.Transform)
		m.Transform = &transform
	}
	return m, nil
}

// EncodeMasterJSON returns the plain JSON form of m.
func EncodeMasterJSON(m *MasterHeader) ([]byte, error) {
	data, err := json.Marshal(toMasterJSON(m))
	if err != nil {
		return nil, fmt.Errorf("nodeheader: encoding master header: %w", err)
	}
	return data, nil
}

// DecodeMasterJSON parses the plain JSON form of a master header.
func DecodeMasterJSON(data []byte) (*MasterHeader, error) {
	var in masterJSON
	if err := json.Unmarshal(jsonc.ToJSON(data), &in); err != nil {
		return nil, fmt.Errorf("nodeheader: decoding master JSON: %w", err)
	}
	return in.toMaster(FormatLegacy)
}
