// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blockcodec

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/meshstore/lib/datakind"
)

// Tag identifies the compression algorithm of a stored block. Tags
// are persisted in block frames and in the local store's codec
// column; the values are format constants.
type Tag uint8

const (
	// None stores bytes as they are. Used for already-compressed
	// payloads (JPEG textures, compressed texture blobs) and for
	// blocks that do not shrink.
	None Tag = 0

	// LZ4 is block-mode LZ4. Default for vertex and UV arrays.
	LZ4 Tag = 1

	// Zstd is zstd at the default level. Used for headers, node
	// groups and text-like kinds.
	Zstd Tag = 2

	// BG4LZ4 transposes 4-byte groups before LZ4. Index arrays are
	// runs of small u32 values whose high bytes are mostly zero, so
	// grouping by byte position produces long runs.
	BG4LZ4 Tag = 3
)

// String returns the tag name.
func (tag Tag) String() string {
	switch tag {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	case BG4LZ4:
		return "bg4_lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(tag))
	}
}

// ParseTag parses a tag name.
func ParseTag(name string) (Tag, error) {
	switch name {
	case "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	case "bg4_lz4":
		return BG4LZ4, nil
	default:
		return 0, fmt.Errorf("blockcodec: unknown compression %q", name)
	}
}

// Compress compresses data with tag. For None the input is returned
// unchanged (no copy). Returns an error satisfying [IsIncompressible]
// when the output would not be smaller than the input.
func Compress(data []byte, tag Tag) ([]byte, error) {
	switch tag {
	case None:
		return data, nil
	case LZ4:
		return compressLZ4(data)
	case Zstd:
		return compressZstd(data)
	case BG4LZ4:
		return compressLZ4(bg4Transpose(data))
	default:
		return nil, fmt.Errorf("blockcodec: unsupported compression tag %d", uint8(tag))
	}
}

// Decompress reverses [Compress]. uncompressedSize must match the
// original length exactly.
func Decompress(compressed []byte, tag Tag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case None:
		if len(compressed) != uncompressedSize {
			return nil, fmt.Errorf("blockcodec: stored block is %d bytes, expected %d", len(compressed), uncompressedSize)
		}
		return compressed, nil
	case LZ4:
		return decompressLZ4(compressed, uncompressedSize)
	case Zstd:
		return decompressZstd(compressed, uncompressedSize)
	case BG4LZ4:
		transposed, err := decompressLZ4(compressed, uncompressedSize)
		if err != nil {
			return nil, err
		}
		return bg4Untranspose(transposed), nil
	default:
		return nil, fmt.Errorf("blockcodec: unsupported compression tag %d", uint8(tag))
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("blockcodec: lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("blockcodec: lz4 decompress: %w", err)
	}
	if read != uncompressedSize {
		return nil, fmt.Errorf("blockcodec: lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
	}
	return destination, nil
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use with
// EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("blockcodec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("blockcodec: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, uncompressedSize int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("blockcodec: zstd decompress: %w", err)
	}
	if len(result) != uncompressedSize {
		return nil, fmt.Errorf("blockcodec: zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
	}
	return result, nil
}

// bg4Transpose groups byte 0 of every 4-byte word, then byte 1, and
// so on. Trailing bytes beyond the last whole word are kept in place.
func bg4Transpose(data []byte) []byte {
	groups := len(data) / 4
	output := make([]byte, len(data))
	for i := range groups {
		output[i] = data[i*4]
		output[groups+i] = data[i*4+1]
		output[groups*2+i] = data[i*4+2]
		output[groups*3+i] = data[i*4+3]
	}
	copy(output[groups*4:], data[groups*4:])
	return output
}

func bg4Untranspose(data []byte) []byte {
	groups := len(data) / 4
	output := make([]byte, len(data))
	for i := range groups {
		output[i*4] = data[i]
		output[i*4+1] = data[groups+i]
		output[i*4+2] = data[groups*2+i]
		output[i*4+3] = data[groups*3+i]
	}
	copy(output[groups*4:], data[groups*4:])
	return output
}

var errIncompressible = errors.New("blockcodec: data is incompressible")

// IsIncompressible reports whether err means the data did not shrink.
func IsIncompressible(err error) bool {
	return errors.Is(err, errIncompressible)
}

// Policy selects the compression for a block.
type Policy struct {
	// Fixed forces one tag for every compressible kind. Zero value
	// with Auto false means None.
	Fixed Tag
	// Auto picks a tag per kind and probes unknown payloads.
	Auto bool
}

// AutoPolicy is the default policy.
var AutoPolicy = Policy{Auto: true}

// ParsePolicy accepts "auto" or a tag name.
func ParsePolicy(name string) (Policy, error) {
	if name == "" || name == "auto" {
		return AutoPolicy, nil
	}
	tag, err := ParseTag(name)
	if err != nil {
		return Policy{}, err
	}
	return Policy{Fixed: tag}, nil
}

// Select returns the tag to try for a block of kind.
func (p Policy) Select(kind datakind.Kind, data []byte) Tag {
	info := datakind.MustLookup(kind)
	switch info.Serializer {
	case datakind.SerializeTexture, datakind.SerializeString, datakind.SerializeRaw:
		return None
	}
	if !p.Auto {
		return p.Fixed
	}
	switch {
	case info.TextLike:
		return Zstd
	case kind == datakind.TriangleIndices || kind == datakind.UVIndices:
		return BG4LZ4
	case kind == datakind.Points || kind == datakind.UVCoords:
		return LZ4
	}
	return probe(data)
}

// probe compresses with zstd and picks by ratio: zstd at 1.5x or
// better, LZ4 from 1.1x, otherwise none.
func probe(data []byte) Tag {
	if len(data) == 0 {
		return None
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	ratio := float64(len(data)) / float64(len(compressed))
	switch {
	case ratio >= 1.5:
		return Zstd
	case ratio >= 1.1:
		return LZ4
	default:
		return None
	}
}

// CompressFor compresses a block of kind under policy p. Data that
// does not shrink is returned unchanged with None.
func (p Policy) CompressFor(kind datakind.Kind, data []byte) ([]byte, Tag, error) {
	tag := p.Select(kind, data)
	compressed, err := Compress(data, tag)
	if err != nil {
		if IsIncompressible(err) {
			return data, None, nil
		}
		return nil, 0, err
	}
	return compressed, tag, nil
}
