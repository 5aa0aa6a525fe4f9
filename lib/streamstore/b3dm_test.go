// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package streamstore_test

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bureau-foundation/meshstore/lib/blockcodec"
	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/geom"
	"github.com/bureau-foundation/meshstore/lib/streamstore"
)

// modelBuilder assembles a single-buffer glb model.
type modelBuilder struct {
	chunk     []byte
	views     []map[string]any
	accessors []map[string]any
	images    []map[string]any
	mesh      []map[string]any
}

func (b *modelBuilder) view(data []byte) int {
	for len(b.chunk)%4 != 0 {
		b.chunk = append(b.chunk, 0)
	}
	b.views = append(b.views, map[string]any{
		"buffer":     0,
		"byteOffset": len(b.chunk),
		"byteLength": len(data),
	})
	b.chunk = append(b.chunk, data...)
	return len(b.views) - 1
}

func (b *modelBuilder) accessor(data []byte, componentType, count int, accessorType string, extensions map[string]any) int {
	accessor := map[string]any{
		"bufferView":    b.view(data),
		"componentType": componentType,
		"count":         count,
		"type":          accessorType,
	}
	if extensions != nil {
		accessor["extensions"] = extensions
	}
	b.accessors = append(b.accessors, accessor)
	return len(b.accessors) - 1
}

func (b *modelBuilder) floats(values ...float32) []byte {
	out := make([]byte, 0, 4*len(values))
	for _, value := range values {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(value))
	}
	return out
}

func (b *modelBuilder) uint16s(values ...uint16) []byte {
	out := make([]byte, 0, 2*len(values))
	for _, value := range values {
		out = binary.LittleEndian.AppendUint16(out, value)
	}
	return out
}

func (b *modelBuilder) primitive(attributes map[string]int, indices *int) {
	primitive := map[string]any{"attributes": attributes}
	if indices != nil {
		primitive["indices"] = *indices
	}
	b.mesh = append(b.mesh, primitive)
}

func (b *modelBuilder) image(data []byte, mime string) {
	b.images = append(b.images, map[string]any{"bufferView": b.view(data), "mimeType": mime})
}

func pad(data []byte, alignment int, fill byte) []byte {
	for len(data)%alignment != 0 {
		data = append(data, fill)
	}
	return data
}

func (b *modelBuilder) glb(t *testing.T) []byte {
	t.Helper()
	document := map[string]any{
		"asset":       map[string]any{"version": "2.0"},
		"buffers":     []any{map[string]any{"byteLength": len(b.chunk)}},
		"bufferViews": b.views,
		"accessors":   b.accessors,
		"meshes":      []any{map[string]any{"primitives": b.mesh}},
	}
	if len(b.images) > 0 {
		document["images"] = b.images
	}
	encoded, err := json.Marshal(document)
	if err != nil {
		t.Fatal(err)
	}
	jsonChunk := pad(encoded, 4, ' ')
	binaryChunk := pad(bytes.Clone(b.chunk), 4, 0)

	total := 12 + 8 + len(jsonChunk) + 8 + len(binaryChunk)
	out := []byte("glTF")
	out = binary.LittleEndian.AppendUint32(out, 2)
	out = binary.LittleEndian.AppendUint32(out, uint32(total))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(jsonChunk)))
	out = binary.LittleEndian.AppendUint32(out, 0x4E4F534A)
	out = append(out, jsonChunk...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(binaryChunk)))
	out = binary.LittleEndian.AppendUint32(out, 0x004E4942)
	return append(out, binaryChunk...)
}

// b3dm wraps model with a feature table.
func b3dm(t *testing.T, features map[string]any, model []byte) []byte {
	t.Helper()
	encoded, err := json.Marshal(features)
	if err != nil {
		t.Fatal(err)
	}
	for (28+len(encoded))%8 != 0 {
		encoded = append(encoded, ' ')
	}
	out := []byte("b3dm")
	out = binary.LittleEndian.AppendUint32(out, 1)
	out = binary.LittleEndian.AppendUint32(out, uint32(28+len(encoded)+len(model)))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(encoded)))
	out = binary.LittleEndian.AppendUint32(out, 0)
	out = binary.LittleEndian.AppendUint32(out, 0)
	out = binary.LittleEndian.AppendUint32(out, 0)
	out = append(out, encoded...)
	return append(out, model...)
}

func pngImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})
	img.Set(1, 0, color.NRGBA{G: 255, A: 255})
	img.Set(0, 1, color.NRGBA{B: 255, A: 255})
	img.Set(1, 1, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	var buffer bytes.Buffer
	if err := png.Encode(&buffer, img); err != nil {
		t.Fatal(err)
	}
	return buffer.Bytes()
}

// texturedTriangle is one triangle with float positions, u16 indices,
// texture coordinates and a PNG texture, offset by an RTC center.
func texturedTriangle(t *testing.T) []byte {
	t.Helper()
	var b modelBuilder
	positions := b.accessor(b.floats(0, 0, 0, 4, 0, 0, 0, 2, 1), 5126, 3, "VEC3", nil)
	uvs := b.accessor(b.floats(0, 0, 1, 0, 0, 0.25), 5126, 3, "VEC2", nil)
	indices := b.accessor(b.uint16s(0, 1, 2), 5123, 3, "SCALAR", nil)
	b.primitive(map[string]int{"POSITION": positions, "TEXCOORD_0": uvs}, &indices)
	b.image(pngImage(t), "image/png")
	return b3dm(t, map[string]any{"BATCH_LENGTH": 0, "RTC_CENTER": []float64{100, 200, 300}}, b.glb(t))
}

func TestParseB3DMTexturedTriangle(t *testing.T) {
	tile, err := streamstore.ParseB3DM(texturedTriangle(t), nil)
	if err != nil {
		t.Fatalf("ParseB3DM: %v", err)
	}
	wantPoints := []geom.Point3D{{X: 100, Y: 200, Z: 300}, {X: 104, Y: 200, Z: 300}, {X: 100, Y: 202, Z: 301}}
	if diff := cmp.Diff(wantPoints, tile.Points); diff != "" {
		t.Errorf("points (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int32{1, 2, 3}, tile.Indices); diff != "" {
		t.Errorf("indices are not rebased to start at 1 (-want +got):\n%s", diff)
	}
	wantUVs := []geom.Point2D{{X: 0, Y: 1}, {X: 1, Y: 1}, {X: 0, Y: 0.75}}
	if diff := cmp.Diff(wantUVs, tile.UVs); diff != "" {
		t.Errorf("uvs are not flipped (-want +got):\n%s", diff)
	}
	if tile.TextureMIME != "image/png" || !bytes.Equal(tile.Texture, pngImage(t)) {
		t.Errorf("texture %s of %d bytes, want the embedded png", tile.TextureMIME, len(tile.Texture))
	}

	texture, err := tile.Block(datakind.Texture)
	if err != nil {
		t.Fatalf("Block(Texture): %v", err)
	}
	header, err := blockcodec.ParseTextureHeader(texture)
	if err != nil {
		t.Fatal(err)
	}
	if header.Width != 2 || header.Height != 2 || header.Format != blockcodec.TextureRaw {
		t.Errorf("texture header %+v", header)
	}
	if len(texture) != blockcodec.TextureHeaderSize+header.PixelBytes() {
		t.Errorf("texture has %d bytes for %+v", len(texture), header)
	}

	composite, err := tile.Block(datakind.PointsIndicesUVs)
	if err != nil {
		t.Fatal(err)
	}
	counts := []uint64{
		binary.LittleEndian.Uint64(composite[0:]),
		binary.LittleEndian.Uint64(composite[8:]),
		binary.LittleEndian.Uint64(composite[16:]),
	}
	if diff := cmp.Diff([]uint64{3, 3, 3}, counts); diff != "" {
		t.Errorf("composite counts (-want +got):\n%s", diff)
	}
	if len(composite) != 24+3*24+3*4+3*16 {
		t.Errorf("composite has %d bytes", len(composite))
	}
}

func TestParseB3DMQuantizedPositions(t *testing.T) {
	var b modelBuilder
	// Column-major: scale 0.5 on the diagonal, translation (10, 20, 30).
	decode := []float64{
		0.5, 0, 0, 0,
		0, 0.5, 0, 0,
		0, 0, 0.5, 0,
		10, 20, 30, 1,
	}
	positions := b.accessor(b.uint16s(0, 0, 0, 2, 4, 6), 5123, 2, "VEC3", map[string]any{
		"WEB3D_quantized_attributes": map[string]any{"decodeMatrix": decode},
	})
	b.primitive(map[string]int{"POSITION": positions}, nil)
	transform := geom.Translation(geom.Point3D{X: 1000})

	tile, err := streamstore.ParseB3DM(b3dm(t, map[string]any{"BATCH_LENGTH": 0}, b.glb(t)), &transform)
	if err != nil {
		t.Fatalf("ParseB3DM: %v", err)
	}
	want := []geom.Point3D{{X: 1010, Y: 20, Z: 30}, {X: 1011, Y: 22, Z: 33}}
	if diff := cmp.Diff(want, tile.Points); diff != "" {
		t.Errorf("points (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int32{1, 2}, tile.Indices); diff != "" {
		t.Errorf("implicit indices (-want +got):\n%s", diff)
	}
	if tile.Texture != nil {
		t.Error("untextured model produced a texture")
	}
}

func TestParseB3DMRejectsMalformed(t *testing.T) {
	valid := texturedTriangle(t)

	truncated := valid[:len(valid)-4]

	wrongMagic := bytes.Clone(valid)
	copy(wrongMagic, "i3dm")

	var b modelBuilder
	positions := b.accessor(b.floats(0, 0, 0), 5126, 1, "VEC3", nil)
	indices := b.accessor(b.uint16s(0, 1, 0), 5123, 3, "SCALAR", nil)
	b.primitive(map[string]int{"POSITION": positions}, &indices)
	outOfRange := b3dm(t, map[string]any{}, b.glb(t))

	// triangle builds a one-triangle model and lets edit corrupt its
	// position accessor or buffer view before encoding.
	triangle := func(edit func(view, accessor map[string]any)) []byte {
		var b modelBuilder
		positions := b.accessor(b.floats(0, 0, 0, 1, 0, 0, 0, 1, 0), 5126, 3, "VEC3", nil)
		edit(b.views[b.accessors[positions]["bufferView"].(int)], b.accessors[positions])
		b.primitive(map[string]int{"POSITION": positions}, nil)
		return b3dm(t, map[string]any{}, b.glb(t))
	}
	viewOffsetOverflow := triangle(func(view, _ map[string]any) {
		view["byteOffset"] = math.MaxInt64
		view["byteLength"] = 1
	})
	viewLengthOverflow := triangle(func(view, _ map[string]any) {
		view["byteLength"] = math.MaxInt64
	})
	countOverflow := triangle(func(_, accessor map[string]any) {
		accessor["count"] = 1537228672809129302
	})
	accessorOffsetOverflow := triangle(func(_, accessor map[string]any) {
		accessor["byteOffset"] = math.MaxInt64
	})
	shortStride := triangle(func(view, _ map[string]any) {
		view["byteStride"] = 4
	})

	for name, data := range map[string][]byte{
		"truncated":                truncated,
		"wrong magic":              wrongMagic,
		"index overflow":           outOfRange,
		"empty":                    nil,
		"view offset overflow":     viewOffsetOverflow,
		"view length overflow":     viewLengthOverflow,
		"accessor count overflow":  countOverflow,
		"accessor offset overflow": accessorOffsetOverflow,
		"stride below element":     shortStride,
	} {
		if _, err := streamstore.ParseB3DM(data, nil); err == nil {
			t.Errorf("%s: ParseB3DM succeeded", name)
		}
	}
}
