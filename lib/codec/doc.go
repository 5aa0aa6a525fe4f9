// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the shared CBOR configuration for records
// that are stored as self-describing values: DiffSet sub-records in
// the clips sister file and the source collection of a local store.
//
// Fixed-layout records (node headers, master headers, topology graphs)
// use lib/binio instead. CBOR is for records whose fields grow over
// time; unknown fields are ignored on decode so newer writers stay
// readable by older readers.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// The encoder uses Core Deterministic Encoding: the same logical value
// always produces identical bytes, which keeps block checksums stable
// across rewrites.
package codec
