// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package geom holds the small geometric value types shared by the
// header codecs and the backends: points, axis-aligned extents, and
// row-major 4×4 affine transforms.
package geom

import "math"

// Point3D is a point or vector in double precision.
type Point3D struct {
	X, Y, Z float64
}

// Point2D is a texture coordinate or planar point.
type Point2D struct {
	X, Y float64
}

// Extent is an axis-aligned box. The zero Extent is the degenerate
// zero-volume box at the origin, which is what an absent node reports.
type Extent struct {
	Min Point3D
	Max Point3D
}

// NewExtent returns the box spanning the two corners in any order.
func NewExtent(a, b Point3D) Extent {
	return Extent{
		Min: Point3D{math.Min(a.X, b.X), math.Min(a.Y, b.Y), math.Min(a.Z, b.Z)},
		Max: Point3D{math.Max(a.X, b.X), math.Max(a.Y, b.Y), math.Max(a.Z, b.Z)},
	}
}

// IsDegenerate reports whether the extent has zero volume.
func (e Extent) IsDegenerate() bool {
	return e.Max.X <= e.Min.X || e.Max.Y <= e.Min.Y || e.Max.Z <= e.Min.Z
}

// Center returns the midpoint of the box.
func (e Extent) Center() Point3D {
	return Point3D{
		(e.Min.X + e.Max.X) / 2,
		(e.Min.Y + e.Max.Y) / 2,
		(e.Min.Z + e.Max.Z) / 2,
	}
}

// HalfSize returns the half-lengths along each axis.
func (e Extent) HalfSize() Point3D {
	return Point3D{
		(e.Max.X - e.Min.X) / 2,
		(e.Max.Y - e.Min.Y) / 2,
		(e.Max.Z - e.Min.Z) / 2,
	}
}

// Contains reports whether other lies entirely inside e.
func (e Extent) Contains(other Extent) bool {
	return other.Min.X >= e.Min.X && other.Max.X <= e.Max.X &&
		other.Min.Y >= e.Min.Y && other.Max.Y <= e.Max.Y &&
		other.Min.Z >= e.Min.Z && other.Max.Z <= e.Max.Z
}

// Intersects2D reports whether the XY footprints of the two boxes overlap.
func (e Extent) Intersects2D(other Extent) bool {
	return e.Min.X < other.Max.X && other.Min.X < e.Max.X &&
		e.Min.Y < other.Max.Y && other.Min.Y < e.Max.Y
}

// Union returns the smallest box containing both.
func (e Extent) Union(other Extent) Extent {
	return Extent{
		Min: Point3D{math.Min(e.Min.X, other.Min.X), math.Min(e.Min.Y, other.Min.Y), math.Min(e.Min.Z, other.Min.Z)},
		Max: Point3D{math.Max(e.Max.X, other.Max.X), math.Max(e.Max.Y, other.Max.Y), math.Max(e.Max.Z, other.Max.Z)},
	}
}

// Values returns the six bounds in wire order: xmin, ymin, zmin,
// xmax, ymax, zmax.
func (e Extent) Values() [6]float64 {
	return [6]float64{e.Min.X, e.Min.Y, e.Min.Z, e.Max.X, e.Max.Y, e.Max.Z}
}

// ExtentFromValues is the inverse of [Extent.Values].
func ExtentFromValues(v [6]float64) Extent {
	return Extent{Min: Point3D{v[0], v[1], v[2]}, Max: Point3D{v[3], v[4], v[5]}}
}

// Transform is a row-major 4×4 affine matrix. The last row is
// expected to be (0, 0, 0, 1).
type Transform [16]float64

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Translation returns a pure translation.
func Translation(offset Point3D) Transform {
	t := Identity()
	t[3] = offset.X
	t[7] = offset.Y
	t[11] = offset.Z
	return t
}

// IsIdentity reports whether t is exactly the identity.
func (t Transform) IsIdentity() bool {
	return t == Identity()
}

// Apply transforms a point.
func (t Transform) Apply(p Point3D) Point3D {
	return Point3D{
		X: t[0]*p.X + t[1]*p.Y + t[2]*p.Z + t[3],
		Y: t[4]*p.X + t[5]*p.Y + t[6]*p.Z + t[7],
		Z: t[8]*p.X + t[9]*p.Y + t[10]*p.Z + t[11],
	}
}

// Multiply returns t·other, so that the result applies other first.
func (t Transform) Multiply(other Transform) Transform {
	var result Transform
	for row := 0; row < 4; row++ {
		for column := 0; column < 4; column++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += t[row*4+k] * other[k*4+column]
			}
			result[row*4+column] = sum
		}
	}
	return result
}

// Transpose returns the column-major reading of t. glTF and 3D Tiles
// store matrices column-major; headers store them row-major.
func (t Transform) Transpose() Transform {
	var result Transform
	for row := 0; row < 4; row++ {
		for column := 0; column < 4; column++ {
			result[column*4+row] = t[row*4+column]
		}
	}
	return result
}
