// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blockcodec

import (
	"fmt"

	"github.com/bureau-foundation/meshstore/lib/binio"
	"github.com/bureau-foundation/meshstore/lib/geom"
)

// LinearFeature is a typed polyline draped on the mesh: breaklines,
// boundaries, hydrography.
type LinearFeature struct {
	Type   uint32
	Points []geom.Point3D
}

// EncodeLinearFeatures serializes features:
//
//	count(u32) then per feature: type(u32) pointCount(u64) + 3×f64…
func EncodeLinearFeatures(features []LinearFeature) []byte {
	size := 4
	for _, feature := range features {
		size += 12 + 24*len(feature.Points)
	}
	w := binio.NewWriter(size)
	w.Uint32(uint32(len(features)))
	for _, feature := range features {
		w.Uint32(feature.Type)
		w.Uint64(uint64(len(feature.Points)))
		for _, point := range feature.Points {
			w.Float64(point.X)
			w.Float64(point.Y)
			w.Float64(point.Z)
		}
	}
	return w.Bytes()
}

// DecodeLinearFeatures parses the output of [EncodeLinearFeatures].
func DecodeLinearFeatures(data []byte) ([]LinearFeature, error) {
	r := binio.NewReader(data)
	count := r.Count32(12)
	features := make([]LinearFeature, count)
	for i := range features {
		features[i].Type = r.Uint32()
		if points := r.Count(24); points > 0 {
			features[i].Points = make([]geom.Point3D, points)
			for j := range features[i].Points {
				features[i].Points[j] = geom.Point3D{X: r.Float64(), Y: r.Float64(), Z: r.Float64()}
			}
		}
	}
	if err := r.ExpectEnd(); err != nil {
		return nil, fmt.Errorf("blockcodec: linear features: %w", err)
	}
	return features, nil
}
