// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package streamstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/bureau-foundation/meshstore/lib/binio"
	"github.com/bureau-foundation/meshstore/lib/blockcodec"
	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/geom"
)

// Batched 3D model container constants.
const (
	b3dmMagic      = "b3dm"
	b3dmHeaderSize = 28
	glbMagic       = "glTF"
	glbHeaderSize  = 12
	glbChunkJSON   = 0x4E4F534A
	glbChunkBinary = 0x004E4942
)

// glTF accessor component types.
const (
	componentByte          = 5120
	componentUnsignedByte  = 5121
	componentShort         = 5122
	componentUnsignedShort = 5123
	componentUnsignedInt   = 5125
	componentFloat         = 5126
)

// primitiveTriangles is the glTF triangle-list mode, also the default.
const primitiveTriangles = 4

// Tile is the mesh content of one tile payload.
type Tile struct {
	// Points are vertex positions, dequantized, offset by the RTC
	// center and transformed.
	Points []geom.Point3D
	// Indices are triangle vertex indices starting at 1.
	Indices []int32
	// UVs are texture coordinates with v flipped so that v grows
	// upwards.
	UVs []geom.Point2D
	// Texture is the embedded image as stored (JPEG or PNG), or nil.
	Texture     []byte
	TextureMIME string
	BatchLength int
}

type featureTable struct {
	BatchLength int       `json:"BATCH_LENGTH"`
	RTCCenter   []float64 `json:"RTC_CENTER"`
}

type gltfQuantized struct {
	DecodeMatrix []float64 `json:"decodeMatrix"`
}

type gltfAccessorExtensions struct {
	Quantized *gltfQuantized `json:"WEB3D_quantized_attributes"`
}

type gltfAccessor struct {
	BufferView    *int                   `json:"bufferView"`
	ByteOffset    int                    `json:"byteOffset"`
	ComponentType int                    `json:"componentType"`
	Count         int                    `json:"count"`
	Type          string                 `json:"type"`
	Normalized    bool                   `json:"normalized"`
	Extensions    gltfAccessorExtensions `json:"extensions"`
}

type gltfBufferView struct {
	Buffer     int `json:"buffer"`
	ByteOffset int `json:"byteOffset"`
	ByteLength int `json:"byteLength"`
	ByteStride int `json:"byteStride"`
}

type gltfPrimitive struct {
	Attributes map[string]int `json:"attributes"`
	Indices    *int           `json:"indices"`
	Mode       *int           `json:"mode"`
}

type gltfMesh struct {
	Primitives []gltfPrimitive `json:"primitives"`
}

type gltfImage struct {
	BufferView *int   `json:"bufferView"`
	MimeType   string `json:"mimeType"`
}

type gltfDocument struct {
	Accessors   []gltfAccessor   `json:"accessors"`
	BufferViews []gltfBufferView `json:"bufferViews"`
	Meshes      []gltfMesh       `json:"meshes"`
	Images      []gltfImage      `json:"images"`
}

// ParseB3DM extracts the mesh of a batched 3D model payload. transform
// is applied to positions when not nil.
func ParseB3DM(data []byte, transform *geom.Transform) (*Tile, error) {
	r := binio.NewReader(data)
	magic := string(r.Raw(4))
	version := r.Uint32()
	byteLength := r.Uint32()
	featureJSONLength := int(r.Uint32())
	featureBinaryLength := int(r.Uint32())
	batchJSONLength := int(r.Uint32())
	batchBinaryLength := int(r.Uint32())
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("streamstore: b3dm header: %w", err)
	}
	if magic != b3dmMagic {
		return nil, fmt.Errorf("streamstore: payload magic %q, want %q", magic, b3dmMagic)
	}
	if version != 1 {
		return nil, fmt.Errorf("streamstore: b3dm version %d not supported", version)
	}
	if int(byteLength) != len(data) {
		return nil, fmt.Errorf("streamstore: b3dm declares %d bytes, payload has %d", byteLength, len(data))
	}

	featureJSON := r.Raw(featureJSONLength)
	r.Skip(featureBinaryLength)
	r.Skip(batchJSONLength)
	r.Skip(batchBinaryLength)
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("streamstore: b3dm tables: %w", err)
	}
	var features featureTable
	if len(bytesTrimPadding(featureJSON)) > 0 {
		if err := json.Unmarshal(bytesTrimPadding(featureJSON), &features); err != nil {
			return nil, fmt.Errorf("streamstore: b3dm feature table: %w", err)
		}
	}

	document, chunk, err := parseGLB(r.Raw(r.Remaining()))
	if err != nil {
		return nil, err
	}
	tile, err := document.extract(chunk)
	if err != nil {
		return nil, err
	}
	tile.BatchLength = features.BatchLength

	var offset geom.Point3D
	switch len(features.RTCCenter) {
	case 0:
	case 3:
		offset = geom.Point3D{X: features.RTCCenter[0], Y: features.RTCCenter[1], Z: features.RTCCenter[2]}
	default:
		return nil, fmt.Errorf("streamstore: RTC_CENTER has %d values, want 3", len(features.RTCCenter))
	}
	for i, point := range tile.Points {
		point = geom.Point3D{X: point.X + offset.X, Y: point.Y + offset.Y, Z: point.Z + offset.Z}
		if transform != nil {
			point = transform.Apply(point)
		}
		tile.Points[i] = point
	}
	return tile, nil
}

// bytesTrimPadding drops the trailing spaces that pad JSON chunks to
// eight-byte alignment.
func bytesTrimPadding(data []byte) []byte {
	end := len(data)
	for end > 0 && (data[end-1] == ' ' || data[end-1] == 0) {
		end--
	}
	return data[:end]
}

func parseGLB(data []byte) (*gltfDocument, []byte, error) {
	r := binio.NewReader(data)
	magic := string(r.Raw(4))
	version := r.Uint32()
	length := r.Uint32()
	if err := r.Err(); err != nil {
		return nil, nil, fmt.Errorf("streamstore: glb header: %w", err)
	}
	if magic != glbMagic {
		return nil, nil, fmt.Errorf("streamstore: embedded model magic %q, want %q", magic, glbMagic)
	}
	if version != 2 {
		return nil, nil, fmt.Errorf("streamstore: glTF version %d not supported", version)
	}
	if int(length) > len(data) || length < glbHeaderSize {
		return nil, nil, fmt.Errorf("streamstore: glb declares %d bytes, has %d", length, len(data))
	}
	r = binio.NewReader(data[glbHeaderSize:length])

	var jsonChunk, binaryChunk []byte
	for r.Remaining() > 0 {
		chunkLength := int(r.Uint32())
		chunkType := r.Uint32()
		chunk := r.Raw(chunkLength)
		if err := r.Err(); err != nil {
			return nil, nil, fmt.Errorf("streamstore: glb chunk: %w", err)
		}
		switch chunkType {
		case glbChunkJSON:
			jsonChunk = chunk
		case glbChunkBinary:
			binaryChunk = chunk
		}
	}
	if jsonChunk == nil {
		return nil, nil, fmt.Errorf("streamstore: glb has no JSON chunk")
	}
	var document gltfDocument
	if err := json.Unmarshal(bytesTrimPadding(jsonChunk), &document); err != nil {
		return nil, nil, fmt.Errorf("streamstore: glTF document: %w", err)
	}
	return &document, binaryChunk, nil
}

func (d *gltfDocument) extract(chunk []byte) (*Tile, error) {
	tile := &Tile{}
	for meshIndex, mesh := range d.Meshes {
		for primitiveIndex, primitive := range mesh.Primitives {
			if primitive.Mode != nil && *primitive.Mode != primitiveTriangles {
				continue
			}
			if err := d.appendPrimitive(tile, primitive, chunk); err != nil {
				return nil, fmt.Errorf("streamstore: mesh %d primitive %d: %w", meshIndex, primitiveIndex, err)
			}
		}
	}
	if len(d.Images) > 0 && d.Images[0].BufferView != nil {
		view, err := d.view(*d.Images[0].BufferView, chunk)
		if err != nil {
			return nil, fmt.Errorf("streamstore: texture image: %w", err)
		}
		tile.Texture = view
		tile.TextureMIME = d.Images[0].MimeType
	}
	return tile, nil
}

func (d *gltfDocument) appendPrimitive(tile *Tile, primitive gltfPrimitive, chunk []byte) error {
	positionIndex, ok := primitive.Attributes["POSITION"]
	if !ok {
		return fmt.Errorf("no POSITION attribute")
	}
	positions, err := d.read(positionIndex, "VEC3", chunk)
	if err != nil {
		return fmt.Errorf("POSITION: %w", err)
	}
	base := int32(len(tile.Points))
	for i := 0; i < len(positions); i += 3 {
		tile.Points = append(tile.Points, geom.Point3D{X: positions[i], Y: positions[i+1], Z: positions[i+2]})
	}
	vertexCount := len(positions) / 3

	if uvIndex, ok := primitive.Attributes["TEXCOORD_0"]; ok {
		uvs, err := d.read(uvIndex, "VEC2", chunk)
		if err != nil {
			return fmt.Errorf("TEXCOORD_0: %w", err)
		}
		if len(uvs)/2 != vertexCount {
			return fmt.Errorf("TEXCOORD_0 has %d elements for %d vertices", len(uvs)/2, vertexCount)
		}
		for i := 0; i < len(uvs); i += 2 {
			tile.UVs = append(tile.UVs, geom.Point2D{X: uvs[i], Y: 1 - uvs[i+1]})
		}
	}

	if primitive.Indices == nil {
		for vertex := range int32(vertexCount) {
			tile.Indices = append(tile.Indices, base+vertex+1)
		}
		return nil
	}
	indices, err := d.read(*primitive.Indices, "SCALAR", chunk)
	if err != nil {
		return fmt.Errorf("indices: %w", err)
	}
	for _, index := range indices {
		if index < 0 || int(index) >= vertexCount {
			return fmt.Errorf("index %v outside %d vertices", index, vertexCount)
		}
		tile.Indices = append(tile.Indices, base+int32(index)+1)
	}
	return nil
}

// view returns the bytes of buffer view index within the binary chunk.
func (d *gltfDocument) view(index int, chunk []byte) ([]byte, error) {
	if index < 0 || index >= len(d.BufferViews) {
		return nil, fmt.Errorf("buffer view %d of %d", index, len(d.BufferViews))
	}
	view := d.BufferViews[index]
	if view.Buffer != 0 {
		return nil, fmt.Errorf("buffer view %d uses external buffer %d", index, view.Buffer)
	}
	if view.ByteOffset < 0 || view.ByteLength < 0 ||
		view.ByteOffset > len(chunk) || view.ByteLength > len(chunk)-view.ByteOffset {
		return nil, fmt.Errorf("buffer view %d (offset %d, length %d) exceeds %d bytes",
			index, view.ByteOffset, view.ByteLength, len(chunk))
	}
	return chunk[view.ByteOffset : view.ByteOffset+view.ByteLength], nil
}

func componentCount(accessorType string) int {
	switch accessorType {
	case "SCALAR":
		return 1
	case "VEC2":
		return 2
	case "VEC3":
		return 3
	case "VEC4":
		return 4
	default:
		return 0
	}
}

func componentSize(componentType int) int {
	switch componentType {
	case componentByte, componentUnsignedByte:
		return 1
	case componentShort, componentUnsignedShort:
		return 2
	case componentUnsignedInt, componentFloat:
		return 4
	default:
		return 0
	}
}

// read returns the components of accessor index as float64, after
// normalization and quantization decoding.
func (d *gltfDocument) read(index int, wantType string, chunk []byte) ([]float64, error) {
	if index < 0 || index >= len(d.Accessors) {
		return nil, fmt.Errorf("accessor %d of %d", index, len(d.Accessors))
	}
	accessor := d.Accessors[index]
	if accessor.Type != wantType {
		return nil, fmt.Errorf("accessor %d is %s, want %s", index, accessor.Type, wantType)
	}
	if accessor.BufferView == nil {
		return nil, fmt.Errorf("accessor %d has no buffer view", index)
	}
	view, err := d.view(*accessor.BufferView, chunk)
	if err != nil {
		return nil, err
	}
	components := componentCount(accessor.Type)
	size := componentSize(accessor.ComponentType)
	if size == 0 {
		return nil, fmt.Errorf("accessor %d component type %d not supported", index, accessor.ComponentType)
	}
	elementSize := components * size
	stride := d.BufferViews[*accessor.BufferView].ByteStride
	if stride == 0 {
		stride = elementSize
	}
	if stride < elementSize {
		return nil, fmt.Errorf("accessor %d stride %d is shorter than its %d-byte element", index, stride, elementSize)
	}
	if accessor.Count < 0 || accessor.ByteOffset < 0 {
		return nil, fmt.Errorf("accessor %d has negative count or offset", index)
	}
	// Operands are checked one at a time so that hostile offsets and
	// counts cannot overflow into a passing bound.
	if accessor.Count > 0 {
		if accessor.ByteOffset > len(view) || elementSize > len(view)-accessor.ByteOffset ||
			accessor.Count-1 > (len(view)-accessor.ByteOffset-elementSize)/stride {
			return nil, fmt.Errorf("accessor %d reads past its %d-byte buffer view", index, len(view))
		}
	}

	values := make([]float64, 0, accessor.Count*components)
	for element := range accessor.Count {
		start := accessor.ByteOffset + element*stride
		for component := range components {
			value := readComponent(view[start+component*size:], accessor.ComponentType)
			if accessor.Normalized {
				value = normalize(value, accessor.ComponentType)
			}
			values = append(values, value)
		}
	}

	if quantized := accessor.Extensions.Quantized; quantized != nil {
		if err := dequantize(values, components, quantized.DecodeMatrix); err != nil {
			return nil, fmt.Errorf("accessor %d: %w", index, err)
		}
	}
	return values, nil
}

func readComponent(data []byte, componentType int) float64 {
	switch componentType {
	case componentByte:
		return float64(int8(data[0]))
	case componentUnsignedByte:
		return float64(data[0])
	case componentShort:
		return float64(int16(binary.LittleEndian.Uint16(data)))
	case componentUnsignedShort:
		return float64(binary.LittleEndian.Uint16(data))
	case componentUnsignedInt:
		return float64(binary.LittleEndian.Uint32(data))
	default:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data)))
	}
}

func normalize(value float64, componentType int) float64 {
	switch componentType {
	case componentByte:
		return max(value/127, -1)
	case componentUnsignedByte:
		return value / 255
	case componentShort:
		return max(value/32767, -1)
	case componentUnsignedShort:
		return value / 65535
	default:
		return value
	}
}

// dequantize applies a column-major decode matrix of size
// (components+1)² in place.
func dequantize(values []float64, components int, matrix []float64) error {
	order := components + 1
	if len(matrix) != order*order {
		return fmt.Errorf("decode matrix has %d values, want %d", len(matrix), order*order)
	}
	decoded := make([]float64, components)
	for start := 0; start < len(values); start += components {
		for row := range components {
			sum := matrix[components*order+row]
			for column := range components {
				sum += matrix[column*order+row] * values[start+column]
			}
			decoded[row] = sum
		}
		copy(values[start:], decoded)
	}
	return nil
}

// Block returns the payload of kind extracted from the tile, in the
// layout the kind stores: Points as x, y, z float64 triples, indices as
// int32, UVs as u, v float64 pairs, Texture as a 16-byte header plus
// raw pixels, TextureCompressed as the embedded image. The
// PointsIndicesUVs composite is three u64 counts followed by the three
// arrays.
func (t *Tile) Block(kind datakind.Kind) ([]byte, error) {
	switch kind {
	case datakind.Points:
		return encodePoints(t.Points), nil
	case datakind.TriangleIndices:
		return encodeIndices(t.Indices), nil
	case datakind.UVCoords:
		return encodeUVs(t.UVs), nil
	case datakind.Texture:
		if t.Texture == nil {
			return nil, nil
		}
		return blockcodec.DecodeImage(t.Texture)
	case datakind.TextureCompressed:
		return t.Texture, nil
	case datakind.PointsIndicesUVs:
		w := binio.NewWriter(24 + 24*len(t.Points) + 4*len(t.Indices) + 16*len(t.UVs))
		w.Uint64(uint64(len(t.Points)))
		w.Uint64(uint64(len(t.Indices)))
		w.Uint64(uint64(len(t.UVs)))
		w.Raw(encodePoints(t.Points))
		w.Raw(encodeIndices(t.Indices))
		w.Raw(encodeUVs(t.UVs))
		return w.Bytes(), nil
	default:
		return nil, fmt.Errorf("streamstore: %s is not carried by tile payloads", kind)
	}
}

// tileKinds are the kinds extracted from tile payloads in tileset
// datasets.
var tileKinds = map[datakind.Kind]bool{
	datakind.Points:            true,
	datakind.TriangleIndices:   true,
	datakind.UVCoords:          true,
	datakind.Texture:           true,
	datakind.TextureCompressed: true,
	datakind.PointsIndicesUVs:  true,
}

func encodePoints(points []geom.Point3D) []byte {
	w := binio.NewWriter(24 * len(points))
	for _, point := range points {
		w.Float64(point.X)
		w.Float64(point.Y)
		w.Float64(point.Z)
	}
	return w.Bytes()
}

func encodeIndices(indices []int32) []byte {
	w := binio.NewWriter(4 * len(indices))
	for _, index := range indices {
		w.Int32(index)
	}
	return w.Bytes()
}

func encodeUVs(uvs []geom.Point2D) []byte {
	w := binio.NewWriter(16 * len(uvs))
	for _, uv := range uvs {
		w.Float64(uv.X)
		w.Float64(uv.Y)
	}
	return w.Bytes()
}
