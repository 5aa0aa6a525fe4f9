// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blockcodec

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/meshstore/lib/binio"
	"github.com/bureau-foundation/meshstore/lib/datakind"
)

// FrameHeaderSize is the size of tag(u8) + uncompressedSize(u64).
const FrameHeaderSize = 1 + 8

// MaxBlockSize bounds the declared uncompressed size of a frame so a
// corrupt header cannot drive a huge allocation.
const MaxBlockSize = 1 << 31

// ErrCorruptFrame is returned for frames that cannot be decoded.
var ErrCorruptFrame = errors.New("blockcodec: corrupt frame")

// Frame wraps an already-compressed payload with its tag and
// uncompressed size.
func Frame(tag Tag, uncompressedSize int, payload []byte) []byte {
	w := binio.NewWriter(FrameHeaderSize + len(payload))
	w.Uint8(uint8(tag))
	w.Uint64(uint64(uncompressedSize))
	w.Raw(payload)
	return w.Bytes()
}

// FrameHeader reads the tag and declared uncompressed size of a frame
// without decompressing it.
func FrameHeader(frame []byte) (Tag, int, error) {
	r := binio.NewReader(frame)
	tag := Tag(r.Uint8())
	size := r.Uint64()
	if err := r.Err(); err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrCorruptFrame, err)
	}
	if size > MaxBlockSize {
		return 0, 0, fmt.Errorf("%w: declared size %d exceeds %d", ErrCorruptFrame, size, MaxBlockSize)
	}
	return tag, int(size), nil
}

// Pack compresses data for kind under policy and frames the result.
func Pack(policy Policy, kind datakind.Kind, data []byte) ([]byte, error) {
	compressed, tag, err := policy.CompressFor(kind, data)
	if err != nil {
		return nil, err
	}
	return Frame(tag, len(data), compressed), nil
}

// Unpack decodes a frame produced by [Pack] or [Frame].
func Unpack(frame []byte) ([]byte, error) {
	tag, size, err := FrameHeader(frame)
	if err != nil {
		return nil, err
	}
	data, err := Decompress(frame[FrameHeaderSize:], tag, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptFrame, err)
	}
	return data, nil
}

// Checksum is a BLAKE3-256 digest of an uncompressed block.
type Checksum [32]byte

// checksumDomainKey separates block checksums from any other BLAKE3
// use of the same bytes.
var checksumDomainKey = [32]byte{
	'm', 'e', 's', 'h', 's', 't', 'o', 'r', 'e', '.', 'b', 'l', 'o', 'c', 'k', 0,
}

// Sum returns the checksum of data.
func Sum(data []byte) Checksum {
	hasher, err := blake3.NewKeyed(checksumDomainKey[:])
	if err != nil {
		panic("blockcodec: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var sum Checksum
	copy(sum[:], hasher.Sum(nil))
	return sum
}

// String returns the hex form.
func (c Checksum) String() string { return hex.EncodeToString(c[:]) }

// ChecksumFromBytes converts a stored 32-byte column value.
func ChecksumFromBytes(stored []byte) (Checksum, error) {
	var sum Checksum
	if len(stored) != len(sum) {
		return sum, fmt.Errorf("blockcodec: checksum is %d bytes, want %d", len(stored), len(sum))
	}
	copy(sum[:], stored)
	return sum, nil
}
