// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package geom

import "testing"

func TestExtentDegenerate(t *testing.T) {
	var zero Extent
	if !zero.IsDegenerate() {
		t.Error("zero extent should be degenerate")
	}
	box := NewExtent(Point3D{1, 2, 3}, Point3D{0, 0, 0})
	if box.IsDegenerate() {
		t.Error("unit box reported degenerate")
	}
	if box.Min != (Point3D{0, 0, 0}) || box.Max != (Point3D{1, 2, 3}) {
		t.Errorf("NewExtent did not order corners: %+v", box)
	}
}

func TestExtentValuesRoundTrip(t *testing.T) {
	box := Extent{Min: Point3D{-1, -2, -3}, Max: Point3D{4, 5, 6}}
	if got := ExtentFromValues(box.Values()); got != box {
		t.Errorf("ExtentFromValues(Values()) = %+v, want %+v", got, box)
	}
}

func TestTransformApplyAndMultiply(t *testing.T) {
	translate := Translation(Point3D{10, 20, 30})
	scale := Transform{
		2, 0, 0, 0,
		0, 2, 0, 0,
		0, 0, 2, 0,
		0, 0, 0, 1,
	}

	got := translate.Multiply(scale).Apply(Point3D{1, 1, 1})
	want := Point3D{12, 22, 32}
	if got != want {
		t.Errorf("translate·scale applied = %+v, want %+v", got, want)
	}

	if translate.Transpose().Transpose() != translate {
		t.Error("double transpose should be a no-op")
	}
	if translate.IsIdentity() || !Identity().Multiply(Identity()).IsIdentity() {
		t.Error("translation reported as identity")
	}
}
