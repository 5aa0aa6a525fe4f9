// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package region

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bureau-foundation/meshstore/lib/geom"
)

func square() []geom.Point3D {
	return []geom.Point3D{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}
}

func TestEncodeDecodePolygon(t *testing.T) {
	original := &Region{
		ID:   -42,
		Name: "quarry",
		Metadata: Metadata{
			Importance: 0.75,
			Dimensions: 2,
			Active:     true,
			Type:       GeometryPolygon,
			IsCoverage: true,
		},
		Polygon: square(),
	}
	if err := original.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	decoded, err := Decode(Encode(original))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(original, decoded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeDecodeVolume(t *testing.T) {
	original := &Region{
		ID: 9,
		Metadata: Metadata{
			Dimensions: 3,
			Type:       GeometryVolume,
		},
		Volume: []PlaneSet{
			{
				Planes: []Plane{
					{Normal: geom.Point3D{X: -1}, D: 0},
					{Normal: geom.Point3D{X: 1}, D: -5},
				},
				HasZBounds: true,
				ZMin:       -2,
				ZMax:       8,
			},
			{Planes: []Plane{{Normal: geom.Point3D{Y: 1}, D: -1}}},
		},
	}
	decoded, err := Decode(Encode(original))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(original, decoded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if !decoded.Volume[0].Contains(geom.Point3D{X: 2, Z: 1}) {
		t.Error("point inside the first plane set reported outside")
	}
	if decoded.Volume[0].Contains(geom.Point3D{X: 2, Z: 9}) {
		t.Error("point above zmax reported inside")
	}
	if _, ok := decoded.Extent(); ok {
		t.Error("volume region reported a finite extent")
	}
}

func TestDecodeRejectsCorruption(t *testing.T) {
	data := Encode(&Region{ID: 1, Metadata: Metadata{Dimensions: 2}, Polygon: square()})

	if _, err := Decode(data[:len(data)-3]); err == nil {
		t.Error("Decode accepted a truncated region")
	}
	if _, err := Decode(append(data, 0)); err == nil {
		t.Error("Decode accepted trailing bytes")
	}
	bad := append([]byte(nil), data...)
	bad[0] = 7
	if _, err := Decode(bad); err == nil {
		t.Error("Decode accepted an unknown version")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		region  Region
		wantErr bool
	}{
		{"polygon", Region{Metadata: Metadata{Dimensions: 2}, Polygon: square()}, false},
		{"polygon too short", Region{Metadata: Metadata{Dimensions: 2}, Polygon: square()[:2]}, true},
		{"empty volume", Region{Metadata: Metadata{Dimensions: 3, Type: GeometryVolume}}, true},
		{"inverted z", Region{Metadata: Metadata{Dimensions: 3, Type: GeometryVolume},
			Volume: []PlaneSet{{HasZBounds: true, ZMin: 5, ZMax: 1}}}, true},
		{"skirt", Region{Metadata: Metadata{Dimensions: 3, Type: GeometrySkirt}, Polygon: square()[:2]}, false},
		{"bad dimensions", Region{Metadata: Metadata{Dimensions: 4}, Polygon: square()}, true},
		{"unknown type", Region{Metadata: Metadata{Dimensions: 2, Type: 9}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.region.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPointsRoundTrip(t *testing.T) {
	points := []geom.Point3D{{X: 1, Y: 2, Z: 3}, {X: -4, Y: 5.5, Z: 0}}
	decoded, err := DecodePoints(EncodePoints(points))
	if err != nil {
		t.Fatalf("DecodePoints: %v", err)
	}
	if diff := cmp.Diff(points, decoded); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	extent, ok := (&Region{Polygon: points}).Extent()
	want := geom.NewExtent(geom.Point3D{X: -4, Y: 2, Z: 0}, geom.Point3D{X: 1, Y: 5.5, Z: 3})
	if !ok || extent != want {
		t.Errorf("Extent = %+v, %v; want %+v", extent, ok, want)
	}
}
