// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodeheader

import (
	"fmt"

	"github.com/bureau-foundation/meshstore/lib/binio"
	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/geom"
)

// EncodeBinary serializes h in the fixed field order:
//
//	filtered(bool) parentId(u32) noSplitChildId(u32) level(u32)
//	isBranched(bool) isLeaf(bool) splitThreshold(u32) totalCount(u64)
//	nodeCount(u64) arePoints3d(bool) isTextured(bool) faceIndexCount(u64)
//	graphId(u32) nodeExtent(6×f64) contentExtentDefined(bool)
//	[contentExtent(6×f64)] primaryIndiceId(u32)
//	meshComponentCount(u64) + i32… clipSetCount(u32) + u32…
//	childCount(u64) + u32… 26 × (neighborCount(u64) + u32…)
//	blockSizeCount(u64) + {size(u64), kind(i16)}…
//	geometricResolution(f64) textureResolution(f64)
//
// The last two groups are optional tails: older headers end after the
// neighbor lists, or after the block-size table.
func EncodeBinary(h *NodeHeader) []byte {
	w := binio.NewWriter(256 + 4*len(h.Children) + 10*len(h.BlockSizes))

	w.Bool(h.Filtered)
	w.Uint32(h.Parent.wire())
	w.Uint32(h.NoSplitChild.wire())
	w.Uint32(h.Level)
	w.Bool(h.IsBranched)
	w.Bool(h.IsLeaf)
	w.Uint32(h.SplitThreshold)
	w.Uint64(h.TotalCount)
	w.Uint64(h.NodeCount)
	w.Bool(h.ArePoints3D)
	w.Bool(h.IsTextured)
	w.Uint64(h.FaceIndexCount)
	w.Uint32(h.GraphID.wire())
	writeExtent(w, h.NodeExtent)
	w.Bool(h.ContentExtentDefined)
	if h.ContentExtentDefined {
		writeExtent(w, h.ContentExtent)
	}
	w.Uint32(h.PrimaryIndicesID.wire())

	w.Uint64(uint64(len(h.MeshComponents)))
	for _, component := range h.MeshComponents {
		w.Int32(component)
	}
	w.Uint32(uint32(len(h.ClipSetIDs)))
	for _, clip := range h.ClipSetIDs {
		w.Uint32(clip)
	}
	w.Uint64(uint64(len(h.Children)))
	for _, child := range h.Children {
		w.Uint32(uint32(child))
	}
	for position := range h.Neighbors {
		w.Uint64(uint64(len(h.Neighbors[position])))
		for _, neighbor := range h.Neighbors[position] {
			w.Uint32(uint32(neighbor))
		}
	}

	w.Uint64(uint64(len(h.BlockSizes)))
	for _, entry := range h.BlockSizes {
		w.Uint64(entry.Size)
		w.Int16(int16(entry.Kind))
	}
	w.Float64(h.GeometricResolution)
	w.Float64(h.TextureResolution)

	return w.Bytes()
}

// DecodeBinary parses a header written by [EncodeBinary] (or by an
// older writer that omitted the optional tails) for node id. Every
// byte must be consumed.
func DecodeBinary(id NodeID, data []byte) (*NodeHeader, error) {
	r := binio.NewReader(data)
	h := &NodeHeader{ID: id}

	h.Filtered = r.Bool()
	h.Parent = nullFromWire(r.Uint32())
	h.NoSplitChild = nullFromWire(r.Uint32())
	h.Level = r.Uint32()
	h.IsBranched = r.Bool()
	h.IsLeaf = r.Bool()
	h.SplitThreshold = r.Uint32()
	h.TotalCount = r.Uint64()
	h.NodeCount = r.Uint64()
	h.ArePoints3D = r.Bool()
	h.IsTextured = r.Bool()
	h.FaceIndexCount = r.Uint64()
	h.GraphID = nullFromWire(r.Uint32())
	h.NodeExtent = readExtent(r)
	h.ContentExtentDefined = r.Bool()
	if h.ContentExtentDefined {
		h.ContentExtent = readExtent(r)
	}
	h.PrimaryIndicesID = nullFromWire(r.Uint32())

	if count := r.Count(4); count > 0 {
		h.MeshComponents = make([]int32, count)
		for i := range h.MeshComponents {
			h.MeshComponents[i] = r.Int32()
		}
	}
	if count := r.Count32(4); count > 0 {
		h.ClipSetIDs = make([]uint32, count)
		for i := range h.ClipSetIDs {
			h.ClipSetIDs[i] = r.Uint32()
		}
	}
	h.Children = readIDs(r)
	for position := range h.Neighbors {
		h.Neighbors[position] = readIDs(r)
	}

	if r.Err() == nil && r.Remaining() > 0 {
		count := r.Count(10)
		for range count {
			size := r.Uint64()
			kind := datakind.Kind(r.Int16())
			h.BlockSizes = append(h.BlockSizes, BlockSize{Kind: kind, Size: size})
		}
	}
	if r.Err() == nil && r.Remaining() > 0 {
		h.GeometricResolution = r.Float64()
		h.TextureResolution = r.Float64()
	}

	if err := r.ExpectEnd(); err != nil {
		return nil, fmt.Errorf("nodeheader: decoding node %d: %w", id, err)
	}

	h.normalize()
	return h, nil
}

func writeExtent(w *binio.Writer, extent geom.Extent) {
	for _, value := range extent.Values() {
		w.Float64(value)
	}
}

func readExtent(r *binio.Reader) geom.Extent {
	var values [6]float64
	for i := range values {
		values[i] = r.Float64()
	}
	return geom.ExtentFromValues(values)
}

func readIDs(r *binio.Reader) []NodeID {
	count := r.Count(4)
	if count == 0 {
		return nil
	}
	ids := make([]NodeID, count)
	for i := range ids {
		ids[i] = NodeID(r.Uint32())
	}
	return ids
}
