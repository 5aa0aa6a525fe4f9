// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package nodeheader defines the per-node and whole-store header
// records and their three encodings: the fixed-layout binary form
// persisted by the local backend and grouped streaming datasets, a
// plain JSON form, and the 3D Tiles tile/tileset JSON form carrying an
// embedded "SMHeader" object.
//
// Ids that may be absent are [NullNodeID] values. The u32 sentinel
// used by the binary format is confined to the encoder and decoder.
//
// A node has no children, exactly one unsplit child ([NodeHeader.NoSplitChild]),
// or two or more branch children ([NodeHeader.Children]). Every decoder
// normalizes what it reads into one of those three shapes.
package nodeheader

import (
	"errors"
	"fmt"
	"slices"

	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/geom"
)

// NeighborPositions is the number of neighbor slots around a node:
// every face, edge and corner of a box.
const NeighborPositions = 26

// BlockSize records the stored byte size of one kind for a node.
type BlockSize struct {
	Kind datakind.Kind `json:"kind"`
	Size uint64        `json:"size"`
}

// NodeHeader describes one node of the tree.
//
// A NodeHeader is owned by its caller. Block stores hold a pointer to
// it and update its counters and block-size table; callers that share
// a header across goroutines must serialize access themselves.
type NodeHeader struct {
	// ID is the node's own id. It is not part of the binary layout;
	// decoders receive it from the caller.
	ID NodeID

	Filtered       bool
	Parent         NullNodeID
	NoSplitChild   NullNodeID
	Level          uint32
	IsBranched     bool
	IsLeaf         bool
	SplitThreshold uint32
	TotalCount     uint64
	// NodeCount is the number of points held by this node.
	NodeCount      uint64
	ArePoints3D    bool
	IsTextured     bool
	FaceIndexCount uint64
	GraphID        NullNodeID

	NodeExtent           geom.Extent
	ContentExtentDefined bool
	ContentExtent        geom.Extent

	PrimaryIndicesID NullNodeID
	MeshComponents   []int32
	ClipSetIDs       []uint32
	Children         []NodeID
	Neighbors        [NeighborPositions][]NodeID
	BlockSizes       []BlockSize

	// TextureID and UVIndicesID equal ID on textured nodes. Neither is
	// persisted; decoders derive them.
	TextureID   NullNodeID
	UVIndicesID NullNodeID

	// GeometricResolution and TextureResolution are the generation-time
	// resolutions used downstream for level-of-detail decisions.
	GeometricResolution float64
	TextureResolution   float64
}

// Empty returns the valid empty header reported for a node that has
// never been stored: a leaf with a degenerate zero extent and zero
// counts.
func Empty(id NodeID) *NodeHeader {
	return &NodeHeader{
		ID:     id,
		IsLeaf: true,
	}
}

// IsEmpty reports whether h has no content and a degenerate extent.
func (h *NodeHeader) IsEmpty() bool {
	return h.TotalCount == 0 && h.NodeCount == 0 && h.NodeExtent.IsDegenerate()
}

// HasChildren reports whether the node has an unsplit child or a
// branch list.
func (h *NodeHeader) HasChildren() bool {
	return h.NoSplitChild.Valid || len(h.Children) > 0
}

// ChildIDs returns every child id regardless of representation.
func (h *NodeHeader) ChildIDs() []NodeID {
	if h.NoSplitChild.Valid {
		return []NodeID{h.NoSplitChild.ID}
	}
	return slices.Clone(h.Children)
}

// SetChildren replaces the children and applies the single-child
// collapse.
func (h *NodeHeader) SetChildren(ids []NodeID) {
	h.NoSplitChild = None
	h.Children = slices.Clone(ids)
	h.normalize()
}

// BlockSize returns the recorded size for kind.
func (h *NodeHeader) BlockSize(kind datakind.Kind) (uint64, bool) {
	for _, entry := range h.BlockSizes {
		if entry.Kind == kind {
			return entry.Size, true
		}
	}
	return 0, false
}

// SetBlockSize records the stored size of kind, replacing any previous
// entry.
func (h *NodeHeader) SetBlockSize(kind datakind.Kind, size uint64) {
	for i := range h.BlockSizes {
		if h.BlockSizes[i].Kind == kind {
			h.BlockSizes[i].Size = size
			return
		}
	}
	h.BlockSizes = append(h.BlockSizes, BlockSize{Kind: kind, Size: size})
}

// ClearBlockSize removes the entry for kind.
func (h *NodeHeader) ClearBlockSize(kind datakind.Kind) {
	h.BlockSizes = slices.DeleteFunc(h.BlockSizes, func(entry BlockSize) bool {
		return entry.Kind == kind
	})
}

// Clone returns a deep copy.
func (h *NodeHeader) Clone() *NodeHeader {
	clone := *h
	clone.MeshComponents = slices.Clone(h.MeshComponents)
	clone.ClipSetIDs = slices.Clone(h.ClipSetIDs)
	clone.Children = slices.Clone(h.Children)
	clone.BlockSizes = slices.Clone(h.BlockSizes)
	for i := range h.Neighbors {
		clone.Neighbors[i] = slices.Clone(h.Neighbors[i])
	}
	return &clone
}

// normalize enforces the child-shape invariant and the texture id
// derivation after decoding.
//
// An unsplit child recorded alongside a branch list is merged into
// the list. A branch list of exactly one collapses to the unsplit
// child.
func (h *NodeHeader) normalize() {
	if h.NoSplitChild.Valid && len(h.Children) > 0 {
		if !slices.Contains(h.Children, h.NoSplitChild.ID) {
			h.Children = append([]NodeID{h.NoSplitChild.ID}, h.Children...)
		}
		h.NoSplitChild = None
	}
	if len(h.Children) == 1 {
		h.NoSplitChild = Some(h.Children[0])
		h.Children = nil
	}
	if len(h.Children) == 0 {
		h.Children = nil
	}
	h.IsBranched = len(h.Children) >= 2
	if h.HasChildren() {
		h.IsLeaf = false
	}

	if h.IsTextured {
		h.TextureID = Some(h.ID)
		h.UVIndicesID = Some(h.ID)
		h.GraphID = Some(h.ID)
	}
}

// Validate checks the structural invariants of the header.
func (h *NodeHeader) Validate() error {
	var errs []error

	shapes := 0
	if !h.HasChildren() {
		shapes++
	}
	if h.NoSplitChild.Valid && len(h.Children) == 0 {
		shapes++
	}
	if !h.NoSplitChild.Valid && len(h.Children) >= 2 {
		shapes++
	}
	if shapes != 1 {
		errs = append(errs, fmt.Errorf("node %d: children must be none, one unsplit child, or at least two branches (no-split=%s, branches=%d)",
			h.ID, h.NoSplitChild, len(h.Children)))
	}
	if h.IsLeaf && h.HasChildren() {
		errs = append(errs, fmt.Errorf("node %d: leaf has children", h.ID))
	}
	if h.IsTextured {
		if h.TextureID != Some(h.ID) || h.UVIndicesID != Some(h.ID) {
			errs = append(errs, fmt.Errorf("node %d: textured node must carry its own id as texture and uv-index id", h.ID))
		}
	}
	if h.ContentExtentDefined && !h.NodeExtent.IsDegenerate() && !h.NodeExtent.Contains(h.ContentExtent) {
		errs = append(errs, fmt.Errorf("node %d: content extent outside node extent", h.ID))
	}
	for _, entry := range h.BlockSizes {
		if !entry.Kind.Valid() {
			errs = append(errs, fmt.Errorf("node %d: block size for unknown kind %d", h.ID, int16(entry.Kind)))
		}
	}

	return errors.Join(errs...)
}
