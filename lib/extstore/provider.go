// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package extstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/bureau-foundation/meshstore/lib/geom"
	"github.com/bureau-foundation/meshstore/lib/nodestore"
	"github.com/bureau-foundation/meshstore/lib/region"
)

type polygonEntry struct {
	points   []geom.Point3D
	metadata region.Metadata
}

type volumeEntry struct {
	planeSets []region.PlaneSet
	metadata  region.Metadata
}

// MemoryProvider is an in-process ClipProvider. Hosts without their
// own clip database use it, and tests use it as the reference
// provider. Safe for concurrent use.
type MemoryProvider struct {
	mu       sync.RWMutex
	polygons map[int64]polygonEntry
	volumes  map[int64]volumeEntry
	vectors  map[int64][]geom.Point3D
	names    map[int64]string
}

var _ nodestore.ClipProvider = (*MemoryProvider)(nil)

// NewMemoryProvider returns an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		polygons: make(map[int64]polygonEntry),
		volumes:  make(map[int64]volumeEntry),
		vectors:  make(map[int64][]geom.Point3D),
		names:    make(map[int64]string),
	}
}

func notFound(what string, id int64) error {
	return fmt.Errorf("%w: %s %d", nodestore.ErrNotFound, what, id)
}

// SetPolygon stores a polygon clip, replacing a volume clip of the
// same id.
func (p *MemoryProvider) SetPolygon(_ context.Context, id int64, polygon []geom.Point3D, metadata region.Metadata) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.volumes, id)
	p.polygons[id] = polygonEntry{points: slices.Clone(polygon), metadata: metadata}
	return nil
}

func (p *MemoryProvider) Polygon(_ context.Context, id int64) ([]geom.Point3D, region.Metadata, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.polygons[id]
	if !ok {
		return nil, region.Metadata{}, notFound("polygon", id)
	}
	return slices.Clone(entry.points), entry.metadata, nil
}

func (p *MemoryProvider) RemovePolygon(_ context.Context, id int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.polygons[id]
	delete(p.polygons, id)
	return ok, nil
}

func (p *MemoryProvider) SetVector(_ context.Context, id int64, points []geom.Point3D) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vectors[id] = slices.Clone(points)
	return nil
}

func (p *MemoryProvider) Vector(_ context.Context, id int64) ([]geom.Point3D, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	points, ok := p.vectors[id]
	if !ok {
		return nil, notFound("vector", id)
	}
	return slices.Clone(points), nil
}

// SetRegion stores a volume clip, replacing a polygon clip of the same
// id.
func (p *MemoryProvider) SetRegion(_ context.Context, id int64, volume []region.PlaneSet, metadata region.Metadata) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.polygons, id)
	sets := make([]region.PlaneSet, len(volume))
	for i, set := range volume {
		sets[i] = set
		sets[i].Planes = slices.Clone(set.Planes)
	}
	p.volumes[id] = volumeEntry{planeSets: sets, metadata: metadata}
	return nil
}

func (p *MemoryProvider) Region(_ context.Context, id int64) ([]region.PlaneSet, region.Metadata, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.volumes[id]
	if !ok {
		return nil, region.Metadata{}, notFound("region", id)
	}
	sets := make([]region.PlaneSet, len(entry.planeSets))
	for i, set := range entry.planeSets {
		sets[i] = set
		sets[i].Planes = slices.Clone(set.Planes)
	}
	return sets, entry.metadata, nil
}

func (p *MemoryProvider) RemoveRegion(_ context.Context, id int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, volume := p.volumes[id]
	_, vector := p.vectors[id]
	delete(p.volumes, id)
	delete(p.vectors, id)
	return volume || vector, nil
}

func (p *MemoryProvider) SetRegionName(_ context.Context, id int64, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names[id] = name
	return nil
}

func (p *MemoryProvider) RegionName(_ context.Context, id int64) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	name, ok := p.names[id]
	if !ok {
		return "", notFound("region name", id)
	}
	return name, nil
}

func (p *MemoryProvider) RemoveRegionName(_ context.Context, id int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.names[id]
	delete(p.names, id)
	return ok, nil
}

func (p *MemoryProvider) ClipIDs(context.Context) ([]int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := slices.Collect(maps.Keys(p.polygons))
	ids = slices.AppendSeq(ids, maps.Keys(p.volumes))
	slices.Sort(ids)
	return ids, nil
}

func (p *MemoryProvider) RegionIDs(context.Context) ([]int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := slices.Collect(maps.Keys(p.vectors))
	ids = slices.AppendSeq(ids, maps.Keys(p.names))
	slices.Sort(ids)
	return slices.Compact(ids), nil
}
