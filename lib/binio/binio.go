// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binio provides cursor-based little-endian writers and
// readers for the fixed-layout binary records used by the store:
// node headers, master headers, DiffSet packs, topology graphs,
// region definitions, node groups, and tile payloads.
//
// Both types track their own position. The Reader uses a sticky
// error: once a read runs past the end of the buffer, every later
// read returns the zero value and [Reader.Err] reports the first
// failure. Decoders read a whole record and check the error once,
// then call [Reader.ExpectEnd] to assert that the encoder and decoder
// agree on the record length.
package binio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrShortBuffer is reported when a read needs more bytes than remain.
var ErrShortBuffer = errors.New("binio: short buffer")

// Writer appends little-endian values to a growing byte slice.
type Writer struct {
	buffer []byte
}

// NewWriter returns a Writer with capacity preallocated for sizeHint
// bytes.
func NewWriter(sizeHint int) *Writer {
	return &Writer{buffer: make([]byte, 0, sizeHint)}
}

// Bytes returns the written bytes. The slice aliases the writer's
// buffer until the next write.
func (w *Writer) Bytes() []byte { return w.buffer }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buffer) }

// Bool writes a one-byte boolean.
func (w *Writer) Bool(value bool) {
	if value {
		w.buffer = append(w.buffer, 1)
	} else {
		w.buffer = append(w.buffer, 0)
	}
}

// Uint8 writes one byte.
func (w *Writer) Uint8(value uint8) { w.buffer = append(w.buffer, value) }

// Uint16 writes a little-endian uint16.
func (w *Writer) Uint16(value uint16) {
	w.buffer = binary.LittleEndian.AppendUint16(w.buffer, value)
}

// Int16 writes a little-endian int16.
func (w *Writer) Int16(value int16) { w.Uint16(uint16(value)) }

// Uint32 writes a little-endian uint32.
func (w *Writer) Uint32(value uint32) {
	w.buffer = binary.LittleEndian.AppendUint32(w.buffer, value)
}

// Int32 writes a little-endian int32.
func (w *Writer) Int32(value int32) { w.Uint32(uint32(value)) }

// Uint64 writes a little-endian uint64.
func (w *Writer) Uint64(value uint64) {
	w.buffer = binary.LittleEndian.AppendUint64(w.buffer, value)
}

// Int64 writes a little-endian int64.
func (w *Writer) Int64(value int64) { w.Uint64(uint64(value)) }

// Float32 writes an IEEE-754 single.
func (w *Writer) Float32(value float32) { w.Uint32(math.Float32bits(value)) }

// Float64 writes an IEEE-754 double.
func (w *Writer) Float64(value float64) { w.Uint64(math.Float64bits(value)) }

// Raw appends bytes verbatim.
func (w *Writer) Raw(data []byte) { w.buffer = append(w.buffer, data...) }

// Pad appends zero bytes until the length is a multiple of alignment.
func (w *Writer) Pad(alignment int) {
	for len(w.buffer)%alignment != 0 {
		w.buffer = append(w.buffer, 0)
	}
}

// PutUint32At overwrites four bytes at offset. Used to back-patch
// length fields after the body has been written.
func (w *Writer) PutUint32At(offset int, value uint32) {
	binary.LittleEndian.PutUint32(w.buffer[offset:], value)
}

// Reader consumes little-endian values from a byte slice.
type Reader struct {
	data     []byte
	position int
	err      error
}

// NewReader returns a Reader positioned at the start of data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Err returns the first error encountered, if any.
func (r *Reader) Err() error { return r.err }

// Position returns the number of bytes consumed.
func (r *Reader) Position() int { return r.position }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.position }

// ExpectEnd reports an error unless every byte has been consumed and
// no read failed.
func (r *Reader) ExpectEnd() error {
	if r.err != nil {
		return r.err
	}
	if r.position != len(r.data) {
		return fmt.Errorf("binio: %d trailing bytes after record of %d bytes", len(r.data)-r.position, r.position)
	}
	return nil
}

// take returns the next n bytes, or nil after recording
// ErrShortBuffer.
func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.position+n > len(r.data) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, r.position, len(r.data)-r.position)
		return nil
	}
	chunk := r.data[r.position : r.position+n]
	r.position += n
	return chunk
}

// Bool reads a one-byte boolean. Any non-zero byte is true.
func (r *Reader) Bool() bool {
	chunk := r.take(1)
	return chunk != nil && chunk[0] != 0
}

// Uint8 reads one byte.
func (r *Reader) Uint8() uint8 {
	chunk := r.take(1)
	if chunk == nil {
		return 0
	}
	return chunk[0]
}

// Uint16 reads a little-endian uint16.
func (r *Reader) Uint16() uint16 {
	chunk := r.take(2)
	if chunk == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(chunk)
}

// Int16 reads a little-endian int16.
func (r *Reader) Int16() int16 { return int16(r.Uint16()) }

// Uint32 reads a little-endian uint32.
func (r *Reader) Uint32() uint32 {
	chunk := r.take(4)
	if chunk == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(chunk)
}

// Int32 reads a little-endian int32.
func (r *Reader) Int32() int32 { return int32(r.Uint32()) }

// Uint64 reads a little-endian uint64.
func (r *Reader) Uint64() uint64 {
	chunk := r.take(8)
	if chunk == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(chunk)
}

// Int64 reads a little-endian int64.
func (r *Reader) Int64() int64 { return int64(r.Uint64()) }

// Float32 reads an IEEE-754 single.
func (r *Reader) Float32() float32 { return math.Float32frombits(r.Uint32()) }

// Float64 reads an IEEE-754 double.
func (r *Reader) Float64() float64 { return math.Float64frombits(r.Uint64()) }

// Raw returns the next n bytes without copying.
func (r *Reader) Raw(n int) []byte { return r.take(n) }

// Skip advances past n bytes.
func (r *Reader) Skip(n int) { r.take(n) }

// Align skips padding until the position is a multiple of alignment.
func (r *Reader) Align(alignment int) {
	if pad := r.position % alignment; pad != 0 {
		r.take(alignment - pad)
	}
}

// Count reads a uint64 element count and checks that at least
// count×elementSize bytes remain, so that a corrupt count cannot
// drive a huge allocation.
func (r *Reader) Count(elementSize int) int {
	count := r.Uint64()
	if r.err != nil {
		return 0
	}
	if elementSize > 0 && count > uint64(r.Remaining()/elementSize) {
		r.err = fmt.Errorf("%w: count %d of %d-byte elements exceeds %d remaining bytes",
			ErrShortBuffer, count, elementSize, r.Remaining())
		return 0
	}
	return int(count)
}

// Count32 is [Reader.Count] for uint32-prefixed lists.
func (r *Reader) Count32(elementSize int) int {
	count := r.Uint32()
	if r.err != nil {
		return 0
	}
	if elementSize > 0 && uint64(count) > uint64(r.Remaining()/elementSize) {
		r.err = fmt.Errorf("%w: count %d of %d-byte elements exceeds %d remaining bytes",
			ErrShortBuffer, count, elementSize, r.Remaining())
		return 0
	}
	return int(count)
}
