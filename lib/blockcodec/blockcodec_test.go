// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blockcodec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bureau-foundation/meshstore/lib/binio"
	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/geom"
)

func TestPackUnpack(t *testing.T) {
	for _, kind := range []datakind.Kind{datakind.Points, datakind.Metadata, datakind.Skirt} {
		t.Run(kind.String(), func(t *testing.T) {
			data := repeating(10000, 24)
			frame, err := Pack(AutoPolicy, kind, data)
			if err != nil {
				t.Fatalf("Pack: %v", err)
			}
			tag, size, err := FrameHeader(frame)
			if err != nil {
				t.Fatalf("FrameHeader: %v", err)
			}
			if size != len(data) || tag == None {
				t.Errorf("frame header = %s/%d, want compressed/%d", tag, size, len(data))
			}
			unpacked, err := Unpack(frame)
			if err != nil {
				t.Fatalf("Unpack: %v", err)
			}
			if !bytes.Equal(unpacked, data) {
				t.Error("Unpack mismatch")
			}
		})
	}
}

func TestUnpackCorruptFrames(t *testing.T) {
	good, err := Pack(AutoPolicy, datakind.Points, repeating(4096, 24))
	if err != nil {
		t.Fatal(err)
	}
	huge := Frame(None, 0, nil)
	huge[8] = 0xFF

	tests := []struct {
		name  string
		frame []byte
	}{
		{"short header", good[:5]},
		{"truncated payload", good[:len(good)-10]},
		{"declared size too large", huge},
		{"size mismatch", Frame(None, 10, []byte("abc"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unpack(tt.frame)
			if !errors.Is(err, ErrCorruptFrame) {
				t.Errorf("Unpack error = %v, want ErrCorruptFrame", err)
			}
		})
	}
}

func TestChecksum(t *testing.T) {
	a := Sum([]byte("points"))
	if a != Sum([]byte("points")) {
		t.Error("Sum is not deterministic")
	}
	if a == Sum([]byte("points!")) {
		t.Error("different inputs produced the same checksum")
	}
	if len(a.String()) != 64 {
		t.Errorf("String() = %q, want 64 hex characters", a.String())
	}
	restored, err := ChecksumFromBytes(a[:])
	if err != nil || restored != a {
		t.Errorf("ChecksumFromBytes = %v, %v", restored, err)
	}
	if _, err := ChecksumFromBytes(a[:31]); err == nil {
		t.Error("ChecksumFromBytes accepted 31 bytes")
	}
}

func sampleDiffSets() []DiffSet {
	return []DiffSet{
		{
			ClientID:      17,
			FirstIndex:    1201,
			UpToDate:      true,
			AddedVertices: []geom.Point3D{{X: 1, Y: 2, Z: 3}, {X: 4, Y: 5, Z: 6}, {X: 7, Y: 8, Z: 9}},
			AddedFaces:    []int32{1201, 1202, 1203},
			RemovedFaces:  []int32{4, 5, 6},
		},
		{ClientID: 18, ToggledForID: true},
		{
			ClientID:        19,
			RemovedVertices: []int32{12},
			AddedUVs:        []geom.Point2D{{X: 0.25, Y: 0.75}},
			AddedUVIndices:  []int32{1},
		},
	}
}

func TestDiffSetPackRoundTrip(t *testing.T) {
	sets := sampleDiffSets()
	packed, err := PackDiffSets(sets)
	if err != nil {
		t.Fatalf("PackDiffSets: %v", err)
	}
	if len(packed)%diffSetAlignment != 0 {
		t.Errorf("packed length %d is not 4-byte aligned", len(packed))
	}
	unpacked, err := UnpackDiffSets(packed)
	if err != nil {
		t.Fatalf("UnpackDiffSets: %v", err)
	}
	if diff := cmp.Diff(sets, unpacked); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDiffSetRecordsArePadded(t *testing.T) {
	packed, err := PackDiffSets(sampleDiffSets()[1:2])
	if err != nil {
		t.Fatal(err)
	}
	r := binio.NewReader(packed)
	if count := r.Uint64(); count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	size := int(r.Uint64())
	padded := (16 + size + 3) &^ 3
	if len(packed) != padded {
		t.Errorf("pack is %d bytes, want %d (record %d bytes + padding)", len(packed), padded, size)
	}
}

func TestDiffSetEmptyPack(t *testing.T) {
	packed, err := PackDiffSets(nil)
	if err != nil {
		t.Fatal(err)
	}
	sets, err := UnpackDiffSets(packed)
	if err != nil || len(sets) != 0 {
		t.Errorf("UnpackDiffSets(empty) = %v, %v", sets, err)
	}
}

func TestDiffSetRejectsCorruption(t *testing.T) {
	packed, err := PackDiffSets(sampleDiffSets())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnpackDiffSets(packed[:len(packed)-8]); err == nil {
		t.Error("UnpackDiffSets accepted a truncated pack")
	}
	if _, err := UnpackDiffSets(append(packed, 0, 0, 0, 0)); err == nil {
		t.Error("UnpackDiffSets accepted trailing bytes")
	}
	w := binio.NewWriter(8)
	w.Uint64(1 << 40)
	if _, err := UnpackDiffSets(w.Bytes()); err == nil {
		t.Error("UnpackDiffSets accepted an impossible count")
	}
}

func TestTopologyGraph(t *testing.T) {
	// Two triangles sharing the edge 2-3.
	graph, err := GraphFromTriangles(4, []int32{1, 2, 3, 3, 2, 4})
	if err != nil {
		t.Fatalf("GraphFromTriangles: %v", err)
	}
	want := [][]uint32{{2, 3}, {1, 3, 4}, {1, 2, 4}, {2, 3}}
	for i, neighbors := range want {
		if diff := cmp.Diff(neighbors, graph.Vertices[i].Neighbors); diff != "" {
			t.Errorf("vertex %d neighbors mismatch (-want +got):\n%s", i+1, diff)
		}
	}
	if err := graph.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	graph.Vertices[0].Tag = 1

	decoded, err := DecodeGraph(EncodeGraph(graph))
	if err != nil {
		t.Fatalf("DecodeGraph: %v", err)
	}
	if diff := cmp.Diff(graph, decoded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestTopologyGraphRejects(t *testing.T) {
	if _, err := GraphFromTriangles(3, []int32{1, 2}); err == nil {
		t.Error("accepted a partial triangle")
	}
	if _, err := GraphFromTriangles(3, []int32{1, 2, 4}); err == nil {
		t.Error("accepted an out-of-range index")
	}
	asymmetric := &TopologyGraph{Vertices: []GraphVertex{{Neighbors: []uint32{2}}, {}}}
	if err := asymmetric.Validate(); err == nil {
		t.Error("Validate accepted a one-way edge")
	}
	data := EncodeGraph(asymmetric)
	data[0] = 'X'
	if _, err := DecodeGraph(data); err == nil {
		t.Error("DecodeGraph accepted a bad magic")
	}
}

func TestLinearFeatures(t *testing.T) {
	features := []LinearFeature{
		{Type: 3, Points: []geom.Point3D{{X: 0, Y: 0, Z: 1}, {X: 5, Y: 5, Z: 2}}},
		{Type: 7},
	}
	decoded, err := DecodeLinearFeatures(EncodeLinearFeatures(features))
	if err != nil {
		t.Fatalf("DecodeLinearFeatures: %v", err)
	}
	if diff := cmp.Diff(features, decoded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if _, err := DecodeLinearFeatures([]byte{1, 0, 0, 0}); err == nil {
		t.Error("DecodeLinearFeatures accepted a truncated list")
	}
}

func rawTexture(width, height, channels int32) []byte {
	header := TextureHeader{Width: width, Height: height, Channels: channels, Format: TextureRaw}
	w := binio.NewWriter(TextureHeaderSize + header.PixelBytes())
	header.append(w)
	pixels := make([]byte, header.PixelBytes())
	for i := range pixels {
		pixels[i] = byte(64 + i%3*40)
	}
	w.Raw(pixels)
	return w.Bytes()
}

func TestTextureRoundTrip(t *testing.T) {
	for _, channels := range []int32{1, 3, 4} {
		raw := rawTexture(32, 16, channels)
		stored, err := EncodeTexture(raw, 85)
		if err != nil {
			t.Fatalf("EncodeTexture(%d channels): %v", channels, err)
		}
		if !bytes.Equal(stored[:TextureHeaderSize], raw[:TextureHeaderSize]) {
			t.Errorf("%d channels: stored header changed", channels)
		}
		decoded, err := DecodeTexture(stored)
		if err != nil {
			t.Fatalf("DecodeTexture(%d channels): %v", channels, err)
		}
		// JPEG is lossy: only the size and header are exact.
		if len(decoded) != len(raw) {
			t.Errorf("%d channels: decoded %d bytes, want %d", channels, len(decoded), len(raw))
		}
		if !bytes.Equal(decoded[:TextureHeaderSize], raw[:TextureHeaderSize]) {
			t.Errorf("%d channels: decoded header differs", channels)
		}
	}
}

func TestTextureRejectsBadInput(t *testing.T) {
	raw := rawTexture(8, 8, 3)
	if _, err := EncodeTexture(raw[:len(raw)-1], 90); err == nil {
		t.Error("EncodeTexture accepted a short pixel payload")
	}
	bad := rawTexture(8, 8, 2)
	if _, err := EncodeTexture(bad, 90); err == nil {
		t.Error("EncodeTexture accepted 2 channels")
	}
	if _, err := ParseTextureHeader(make([]byte, 8)); err == nil {
		t.Error("ParseTextureHeader accepted 8 bytes")
	}
}

func TestDecodeImage(t *testing.T) {
	stored, err := EncodeTexture(rawTexture(20, 10, 3), 90)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeImage(stored[TextureHeaderSize:])
	if err != nil {
		t.Fatalf("DecodeImage: %v", err)
	}
	header, err := ParseTextureHeader(decoded)
	if err != nil {
		t.Fatal(err)
	}
	if header.Width != 20 || header.Height != 10 || header.Channels != 3 {
		t.Errorf("header = %+v, want 20x10x3", header)
	}
	if len(decoded) != TextureHeaderSize+header.PixelBytes() {
		t.Errorf("decoded %d bytes, want %d", len(decoded), TextureHeaderSize+header.PixelBytes())
	}
}

func TestPipeline(t *testing.T) {
	diffsets, err := PackDiffSets(sampleDiffSets())
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		kind datakind.Kind
		data []byte
	}{
		{"points", datakind.Points, repeating(24*500, 24)},
		{"diffset", datakind.DiffSet, diffsets},
		{"graph", datakind.TopologyGraph, EncodeGraph(&TopologyGraph{Vertices: []GraphVertex{{Neighbors: []uint32{2}}, {Neighbors: []uint32{1}}}})},
		{"coverage name", datakind.CoverageName, []byte("north quarry")},
		{"compressed texture", datakind.TextureCompressed, randomBytes(300)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored, tag, err := DefaultOptions.Encode(tt.kind, tt.data)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			loaded, err := DefaultOptions.Decode(tt.kind, stored, tag, len(tt.data))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !bytes.Equal(loaded, tt.data) {
				t.Error("pipeline round trip mismatch")
			}
		})
	}

	if _, _, err := DefaultOptions.Encode(datakind.DiffSet, []byte("not a pack")); err == nil {
		t.Error("Encode accepted a malformed DiffSet pack")
	}
	if _, _, err := DefaultOptions.Encode(datakind.TopologyGraph, []byte("MTG0")); err == nil {
		t.Error("Encode accepted a malformed graph")
	}
}

func TestPipelineTexture(t *testing.T) {
	raw := rawTexture(16, 16, 3)
	stored, tag, err := DefaultOptions.Encode(datakind.Texture, raw)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if tag != None {
		t.Errorf("texture tag = %s, want none", tag)
	}
	loaded, err := DefaultOptions.Decode(datakind.Texture, stored, tag, len(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(loaded) != len(raw) {
		t.Errorf("texture loaded %d bytes, want %d", len(loaded), len(raw))
	}
}
