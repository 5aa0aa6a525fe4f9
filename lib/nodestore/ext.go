// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodestore

import (
	"context"

	"github.com/bureau-foundation/meshstore/lib/blockcodec"
	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/geom"
	"github.com/bureau-foundation/meshstore/lib/region"
)

// ClipDefinitionExtOps is the secondary interface of block stores
// bound to the clip and coverage kinds. Region ids are block ids.
type ClipDefinitionExtOps interface {
	// ClipIDs lists every stored clip definition.
	ClipIDs(ctx context.Context) ([]BlockID, error)
	// CoverageIDs lists every stored coverage polygon or name.
	CoverageIDs(ctx context.Context) ([]BlockID, error)

	StoreRegion(ctx context.Context, r *region.Region) error
	LoadRegion(ctx context.Context, id BlockID) (*region.Region, error)

	ClipMetadata(ctx context.Context, id BlockID) (region.Metadata, error)
	SetClipMetadata(ctx context.Context, id BlockID, metadata region.Metadata) error
}

// LinearFeaturesExtOps is the secondary interface of block stores
// bound to LinearFeature.
type LinearFeaturesExtOps interface {
	FeatureIDs(ctx context.Context) ([]BlockID, error)
	StoreFeatures(ctx context.Context, id BlockID, features []blockcodec.LinearFeature) error
	LoadFeatures(ctx context.Context, id BlockID) ([]blockcodec.LinearFeature, error)
}

// ClipDefinitionExtOpsOf probes store for clip operations. It succeeds
// only for stores bound to ClipDefinition, CoveragePolygon or
// CoverageName whose backend implements them.
func ClipDefinitionExtOpsOf(store BlockStore) (ClipDefinitionExtOps, bool) {
	switch store.Kind() {
	case datakind.ClipDefinition, datakind.CoveragePolygon, datakind.CoverageName:
	default:
		return nil, false
	}
	ops, ok := store.(ClipDefinitionExtOps)
	return ops, ok
}

// LinearFeaturesExtOpsOf probes store for linear-feature operations.
func LinearFeaturesExtOpsOf(store BlockStore) (LinearFeaturesExtOps, bool) {
	if store.Kind() != datakind.LinearFeature {
		return nil, false
	}
	ops, ok := store.(LinearFeaturesExtOps)
	return ops, ok
}

// ClipProvider is the capability a host supplies to own clip and
// coverage data instead of the local store. Getters return an error
// wrapping ErrNotFound for unknown ids. Removers report whether the
// id existed.
type ClipProvider interface {
	SetPolygon(ctx context.Context, id int64, polygon []geom.Point3D, metadata region.Metadata) error
	Polygon(ctx context.Context, id int64) ([]geom.Point3D, region.Metadata, error)
	RemovePolygon(ctx context.Context, id int64) (bool, error)

	SetVector(ctx context.Context, id int64, points []geom.Point3D) error
	Vector(ctx context.Context, id int64) ([]geom.Point3D, error)

	SetRegion(ctx context.Context, id int64, volume []region.PlaneSet, metadata region.Metadata) error
	Region(ctx context.Context, id int64) ([]region.PlaneSet, region.Metadata, error)
	// RemoveRegion removes the volume clip and the coverage vector of
	// id.
	RemoveRegion(ctx context.Context, id int64) (bool, error)

	SetRegionName(ctx context.Context, id int64, name string) error
	RegionName(ctx context.Context, id int64) (string, error)
	RemoveRegionName(ctx context.Context, id int64) (bool, error)

	// ClipIDs lists polygon and volume clip ids.
	ClipIDs(ctx context.Context) ([]int64, error)
	// RegionIDs lists coverage ids: those with a vector or a name.
	RegionIDs(ctx context.Context) ([]int64, error)
}
