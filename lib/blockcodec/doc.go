// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package blockcodec turns block payloads into stored bytes and back.
//
// Every block passes through two stages. A per-kind serializer comes
// first: DiffSet packs and topology graphs are validated, textures are
// JPEG-encoded behind their 16-byte header, coverage names and
// already-compressed payloads pass through untouched. The generic
// codec then compresses with one of four tags (none, lz4, zstd,
// bg4_lz4) chosen by a [Policy].
//
// Streamed blobs carry the tag and the uncompressed size in a frame
// header ([Frame], [Unpack]). The local store keeps the same two
// values in columns and adds a BLAKE3 [Checksum] of the uncompressed
// payload.
package blockcodec
