// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blockcodec

import (
	"fmt"

	"github.com/bureau-foundation/meshstore/lib/binio"
	"github.com/bureau-foundation/meshstore/lib/codec"
	"github.com/bureau-foundation/meshstore/lib/geom"
)

// DiffSet records the edits one clip applies to a node's mesh. Vertex
// and face indices are 1-based like the stored index arrays.
type DiffSet struct {
	ClientID        uint64         `cbor:"client_id"`
	FirstIndex      uint64         `cbor:"first_index"`
	ToggledForID    bool           `cbor:"toggled_for_id"`
	UpToDate        bool           `cbor:"up_to_date"`
	AddedVertices   []geom.Point3D `cbor:"added_vertices,omitempty"`
	AddedFaces      []int32        `cbor:"added_faces,omitempty"`
	RemovedVertices []int32        `cbor:"removed_vertices,omitempty"`
	RemovedFaces    []int32        `cbor:"removed_faces,omitempty"`
	AddedUVs        []geom.Point2D `cbor:"added_uvs,omitempty"`
	AddedUVIndices  []int32        `cbor:"added_uv_indices,omitempty"`
}

// diffSetAlignment is the padding boundary between packed records.
const diffSetAlignment = 4

// PackDiffSets serializes a list of DiffSets:
//
//	count(u64) then per record: size(u64) + CBOR bytes + zero padding
//	to a 4-byte boundary.
func PackDiffSets(sets []DiffSet) ([]byte, error) {
	w := binio.NewWriter(8 + 64*len(sets))
	w.Uint64(uint64(len(sets)))
	for i := range sets {
		record, err := codec.Marshal(&sets[i])
		if err != nil {
			return nil, fmt.Errorf("blockcodec: encoding diffset %d (client %d): %w", i, sets[i].ClientID, err)
		}
		w.Uint64(uint64(len(record)))
		w.Raw(record)
		w.Pad(diffSetAlignment)
	}
	return w.Bytes(), nil
}

// UnpackDiffSets parses the output of [PackDiffSets]. The whole buffer
// must be consumed.
func UnpackDiffSets(data []byte) ([]DiffSet, error) {
	r := binio.NewReader(data)
	// Smallest record: size(8) + one CBOR byte, padded.
	count := r.Count(8 + diffSetAlignment)
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("blockcodec: diffset pack: %w", err)
	}
	sets := make([]DiffSet, count)
	for i := range sets {
		size := r.Count(1)
		record := r.Raw(size)
		r.Align(diffSetAlignment)
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("blockcodec: diffset record %d: %w", i, err)
		}
		if err := codec.Unmarshal(record, &sets[i]); err != nil {
			return nil, fmt.Errorf("blockcodec: decoding diffset record %d: %w", i, err)
		}
	}
	if err := r.ExpectEnd(); err != nil {
		return nil, fmt.Errorf("blockcodec: diffset pack: %w", err)
	}
	return sets, nil
}
