// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blockcodec

import (
	"fmt"

	"github.com/bureau-foundation/meshstore/lib/datakind"
)

// Options configures the per-kind pipeline.
type Options struct {
	Policy Policy
	// TextureQuality is the JPEG quality for Texture blocks (1..100).
	TextureQuality int
}

// DefaultOptions is automatic compression with the default texture
// quality.
var DefaultOptions = Options{Policy: AutoPolicy, TextureQuality: DefaultTextureQuality}

// Encode runs the serializer of kind and then the generic codec. It
// returns the stored payload and its tag. The logical size to record
// alongside is len(data).
func (o Options) Encode(kind datakind.Kind, data []byte) ([]byte, Tag, error) {
	switch datakind.MustLookup(kind).Serializer {
	case datakind.SerializeTexture:
		encoded, err := EncodeTexture(data, o.TextureQuality)
		if err != nil {
			return nil, 0, err
		}
		return encoded, None, nil
	case datakind.SerializeString, datakind.SerializeRaw:
		return data, None, nil
	case datakind.SerializeDiffSet:
		if _, err := UnpackDiffSets(data); err != nil {
			return nil, 0, fmt.Errorf("blockcodec: rejecting %s block: %w", kind, err)
		}
	case datakind.SerializeGraph:
		if _, err := DecodeGraph(data); err != nil {
			return nil, 0, fmt.Errorf("blockcodec: rejecting %s block: %w", kind, err)
		}
	}
	return o.Policy.CompressFor(kind, data)
}

// Decode reverses [Options.Encode]. logicalSize is the len(data) that
// was passed to Encode.
func (o Options) Decode(kind datakind.Kind, payload []byte, tag Tag, logicalSize int) ([]byte, error) {
	if datakind.MustLookup(kind).Serializer == datakind.SerializeTexture {
		decoded, err := DecodeTexture(payload)
		if err != nil {
			return nil, err
		}
		return decoded, nil
	}
	return Decompress(payload, tag, logicalSize)
}
