// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package region defines clip and coverage regions and their binary
// form. A region is either a flat polygon or a bounded volume built
// from one or more convex plane sets, addressed by a signed 64-bit id.
package region

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/meshstore/lib/binio"
	"github.com/bureau-foundation/meshstore/lib/geom"
)

// GeometryType tags the representation a region carries.
type GeometryType uint8

const (
	// GeometryPolygon is an ordered, implicitly closed point list.
	GeometryPolygon GeometryType = 0
	// GeometryVolume is a union of convex plane sets.
	GeometryVolume GeometryType = 1
	// GeometrySkirt is an open polyline along which skirts are built.
	GeometrySkirt GeometryType = 2
)

// String returns the geometry type name.
func (t GeometryType) String() string {
	switch t {
	case GeometryPolygon:
		return "polygon"
	case GeometryVolume:
		return "volume"
	case GeometrySkirt:
		return "skirt"
	default:
		return fmt.Sprintf("geometry(%d)", uint8(t))
	}
}

// Plane is the half-space Normal·p + D <= 0.
type Plane struct {
	Normal geom.Point3D
	D      float64
}

// Inside reports whether p lies in the half-space.
func (p Plane) Inside(point geom.Point3D) bool {
	return p.Normal.X*point.X+p.Normal.Y*point.Y+p.Normal.Z*point.Z+p.D <= 0
}

// PlaneSet is one convex piece of a volume, optionally bounded in z.
type PlaneSet struct {
	Planes     []Plane
	HasZBounds bool
	ZMin       float64
	ZMax       float64
}

// Contains reports whether p is inside every plane and the z bounds.
func (s PlaneSet) Contains(point geom.Point3D) bool {
	if s.HasZBounds && (point.Z < s.ZMin || point.Z > s.ZMax) {
		return false
	}
	for _, plane := range s.Planes {
		if !plane.Inside(point) {
			return false
		}
	}
	return true
}

// Metadata is the per-clip record kept alongside the geometry.
type Metadata struct {
	Importance float64
	Dimensions uint8
	Active     bool
	Type       GeometryType
	IsCoverage bool
}

// Region is one clip or coverage region.
type Region struct {
	ID   int64
	Name string
	Metadata

	Polygon []geom.Point3D
	Volume  []PlaneSet
}

// Validate checks that the geometry matches the type tag.
func (r *Region) Validate() error {
	var errs []error
	switch r.Type {
	case GeometryPolygon:
		if len(r.Polygon) < 3 {
			errs = append(errs, fmt.Errorf("region %d: polygon needs at least 3 points, has %d", r.ID, len(r.Polygon)))
		}
		if len(r.Volume) > 0 {
			errs = append(errs, fmt.Errorf("region %d: polygon region carries plane sets", r.ID))
		}
	case GeometryVolume:
		if len(r.Volume) == 0 {
			errs = append(errs, fmt.Errorf("region %d: volume region has no plane sets", r.ID))
		}
		for i, set := range r.Volume {
			if set.HasZBounds && set.ZMin > set.ZMax {
				errs = append(errs, fmt.Errorf("region %d: plane set %d has zmin %g > zmax %g", r.ID, i, set.ZMin, set.ZMax))
			}
		}
	case GeometrySkirt:
		if len(r.Polygon) < 2 {
			errs = append(errs, fmt.Errorf("region %d: skirt needs at least 2 points, has %d", r.ID, len(r.Polygon)))
		}
	default:
		errs = append(errs, fmt.Errorf("region %d: unknown geometry type %d", r.ID, uint8(r.Type)))
	}
	if r.Dimensions != 2 && r.Dimensions != 3 {
		errs = append(errs, fmt.Errorf("region %d: dimensions must be 2 or 3, got %d", r.ID, r.Dimensions))
	}
	return errors.Join(errs...)
}

// Extent returns the bounding box of the polygon points. Volumes have
// no finite extent in general and report ok=false.
func (r *Region) Extent() (geom.Extent, bool) {
	if len(r.Polygon) == 0 {
		return geom.Extent{}, false
	}
	extent := geom.NewExtent(r.Polygon[0], r.Polygon[0])
	for _, point := range r.Polygon[1:] {
		extent = extent.Union(geom.NewExtent(point, point))
	}
	return extent, true
}

const encodingVersion = 1

// Encode serializes r:
//
//	version(u8) id(i64) type(u8) active(bool) coverage(bool)
//	dimensions(u8) importance(f64) nameLen(u32)+name
//	pointCount(u64) + 3×f64…
//	setCount(u32) + {planeCount(u32) + 4×f64…, hasZ(bool) zmin zmax}…
func Encode(r *Region) []byte {
	w := binio.NewWriter(64 + len(r.Name) + 24*len(r.Polygon))
	w.Uint8(encodingVersion)
	w.Int64(r.ID)
	w.Uint8(uint8(r.Type))
	w.Bool(r.Active)
	w.Bool(r.IsCoverage)
	w.Uint8(r.Dimensions)
	w.Float64(r.Importance)
	w.Uint32(uint32(len(r.Name)))
	w.Raw([]byte(r.Name))
	writePoints(w, r.Polygon)
	w.Uint32(uint32(len(r.Volume)))
	for _, set := range r.Volume {
		w.Uint32(uint32(len(set.Planes)))
		for _, plane := range set.Planes {
			w.Float64(plane.Normal.X)
			w.Float64(plane.Normal.Y)
			w.Float64(plane.Normal.Z)
			w.Float64(plane.D)
		}
		w.Bool(set.HasZBounds)
		w.Float64(set.ZMin)
		w.Float64(set.ZMax)
	}
	return w.Bytes()
}

// Decode parses the output of [Encode].
func Decode(data []byte) (*Region, error) {
	r := binio.NewReader(data)
	version := r.Uint8()
	if r.Err() == nil && version != encodingVersion {
		return nil, fmt.Errorf("region: encoding version %d not supported", version)
	}
	out := &Region{ID: r.Int64()}
	out.Type = GeometryType(r.Uint8())
	out.Active = r.Bool()
	out.IsCoverage = r.Bool()
	out.Dimensions = r.Uint8()
	out.Importance = r.Float64()
	out.Name = string(r.Raw(r.Count32(1)))
	out.Polygon = readPoints(r)
	if sets := r.Count32(4 + 1 + 16); sets > 0 {
		out.Volume = make([]PlaneSet, sets)
		for i := range out.Volume {
			if planes := r.Count32(32); planes > 0 {
				out.Volume[i].Planes = make([]Plane, planes)
				for j := range out.Volume[i].Planes {
					out.Volume[i].Planes[j] = Plane{
						Normal: geom.Point3D{X: r.Float64(), Y: r.Float64(), Z: r.Float64()},
						D:      r.Float64(),
					}
				}
			}
			out.Volume[i].HasZBounds = r.Bool()
			out.Volume[i].ZMin = r.Float64()
			out.Volume[i].ZMax = r.Float64()
		}
	}
	if err := r.ExpectEnd(); err != nil {
		return nil, fmt.Errorf("region: decoding: %w", err)
	}
	return out, nil
}

// EncodePoints serializes a bare point vector: count(u64) + 3×f64…
func EncodePoints(points []geom.Point3D) []byte {
	w := binio.NewWriter(8 + 24*len(points))
	writePoints(w, points)
	return w.Bytes()
}

// DecodePoints parses the output of [EncodePoints].
func DecodePoints(data []byte) ([]geom.Point3D, error) {
	r := binio.NewReader(data)
	points := readPoints(r)
	if err := r.ExpectEnd(); err != nil {
		return nil, fmt.Errorf("region: decoding points: %w", err)
	}
	return points, nil
}

func writePoints(w *binio.Writer, points []geom.Point3D) {
	w.Uint64(uint64(len(points)))
	for _, point := range points {
		w.Float64(point.X)
		w.Float64(point.Y)
		w.Float64(point.Z)
	}
}

func readPoints(r *binio.Reader) []geom.Point3D {
	count := r.Count(24)
	if count == 0 {
		return nil
	}
	points := make([]geom.Point3D, count)
	for i := range points {
		points[i] = geom.Point3D{X: r.Float64(), Y: r.Float64(), Z: r.Float64()}
	}
	return points
}
