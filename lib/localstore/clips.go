// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/meshstore/lib/blockcodec"
	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/nodestore"
	"github.com/bureau-foundation/meshstore/lib/region"
	"github.com/bureau-foundation/meshstore/lib/sisterfile"
	"github.com/bureau-foundation/meshstore/lib/sqlitepool"
)

// clipStore serves the clip and coverage kinds and their secondary
// interface. Clip regions are ClipDefinition blocks; a coverage is a
// CoveragePolygon point vector plus an optional CoverageName string.
type clipStore struct {
	*blockStore
}

var _ nodestore.ClipDefinitionExtOps = (*clipStore)(nil)

func (c *clipStore) sibling(kind datakind.Kind) *blockStore {
	return &blockStore{store: c.store, kind: kind}
}

func (c *clipStore) ClipIDs(ctx context.Context) ([]nodestore.BlockID, error) {
	return c.ids(ctx, datakind.ClipDefinition)
}

func (c *clipStore) CoverageIDs(ctx context.Context) ([]nodestore.BlockID, error) {
	ids, err := c.ids(ctx, datakind.CoveragePolygon, datakind.CoverageName)
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func (c *clipStore) StoreRegion(ctx context.Context, r *region.Region) error {
	if c.store.config.ReadOnly {
		return nodestore.ErrReadOnly
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("localstore: %w", err)
	}
	pool, err := c.pool(ctx)
	if err != nil {
		return fmt.Errorf("localstore: store region %d: %w", r.ID, err)
	}
	id := nodestore.BlockID(r.ID)
	return pool.Write(ctx, func(ctx context.Context, _ *sqlite.Conn) error {
		if !r.IsCoverage {
			return c.sibling(datakind.ClipDefinition).StoreBlock(ctx, region.Encode(r), id)
		}
		if err := c.sibling(datakind.CoveragePolygon).StoreBlock(ctx, region.EncodePoints(r.Polygon), id); err != nil {
			return err
		}
		if r.Name == "" {
			_, err := c.sibling(datakind.CoverageName).DestroyBlock(ctx, id)
			return err
		}
		return c.sibling(datakind.CoverageName).StoreBlock(ctx, []byte(r.Name), id)
	})
}

func (c *clipStore) LoadRegion(ctx context.Context, id nodestore.BlockID) (*region.Region, error) {
	data, err := c.sibling(datakind.ClipDefinition).load(ctx, id)
	if err == nil {
		decoded, err := region.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("%w: clip %d: %w", nodestore.ErrMalformed, id, err)
		}
		return decoded, nil
	}
	if !errors.Is(err, nodestore.ErrNotFound) {
		return nil, err
	}

	data, err = c.sibling(datakind.CoveragePolygon).load(ctx, id)
	if err != nil {
		return nil, err
	}
	points, err := region.DecodePoints(data)
	if err != nil {
		return nil, fmt.Errorf("%w: coverage %d: %w", nodestore.ErrMalformed, id, err)
	}
	coverage := &region.Region{
		ID:       int64(id),
		Metadata: region.Metadata{Dimensions: 2, Active: true, Type: region.GeometryPolygon, IsCoverage: true},
		Polygon:  points,
	}
	name, err := c.sibling(datakind.CoverageName).load(ctx, id)
	switch {
	case err == nil:
		coverage.Name = string(name)
	case !errors.Is(err, nodestore.ErrNotFound):
		return nil, err
	}
	return coverage, nil
}

func (c *clipStore) ClipMetadata(ctx context.Context, id nodestore.BlockID) (region.Metadata, error) {
	r, err := c.LoadRegion(ctx, id)
	if err != nil {
		return region.Metadata{}, err
	}
	return r.Metadata, nil
}

func (c *clipStore) SetClipMetadata(ctx context.Context, id nodestore.BlockID, metadata region.Metadata) error {
	if c.store.config.ReadOnly {
		return nodestore.ErrReadOnly
	}
	pool, err := c.pool(ctx)
	if err != nil {
		return fmt.Errorf("localstore: clip %d metadata: %w", id, err)
	}
	return pool.Write(ctx, func(ctx context.Context, _ *sqlite.Conn) error {
		r, err := c.LoadRegion(ctx, id)
		if err != nil {
			return err
		}
		if r.IsCoverage != metadata.IsCoverage {
			return fmt.Errorf("localstore: region %d cannot change between clip and coverage", id)
		}
		r.Metadata = metadata
		return c.StoreRegion(ctx, r)
	})
}

// featureStore serves LinearFeature blocks and their secondary
// interface.
type featureStore struct {
	*blockStore
}

var _ nodestore.LinearFeaturesExtOps = (*featureStore)(nil)

func (f *featureStore) FeatureIDs(ctx context.Context) ([]nodestore.BlockID, error) {
	return f.ids(ctx, datakind.LinearFeature)
}

func (f *featureStore) StoreFeatures(ctx context.Context, id nodestore.BlockID, features []blockcodec.LinearFeature) error {
	return f.StoreBlock(ctx, blockcodec.EncodeLinearFeatures(features), id)
}

func (f *featureStore) LoadFeatures(ctx context.Context, id nodestore.BlockID) ([]blockcodec.LinearFeature, error) {
	data, err := f.load(ctx, id)
	if err != nil {
		return nil, err
	}
	features, err := blockcodec.DecodeLinearFeatures(data)
	if err != nil {
		return nil, fmt.Errorf("%w: linear features %d: %w", nodestore.ErrMalformed, id, err)
	}
	return features, nil
}

// exportConcurrency bounds concurrent provider reads during export.
const exportConcurrency = 8

// ClipExportPath returns the clip-definitions file name for a project
// at projectPath.
func (s *Store) ClipExportPath(projectPath string) (string, error) {
	naming, err := sisterfile.New(sisterfile.Config{PrimaryPath: s.config.Path, ProjectFilesPath: projectPath})
	if err != nil {
		return "", err
	}
	return naming.Path(datakind.FamilyClipDefinitions), nil
}

// WriteClipDataToProjectFilePath writes the store's clip and coverage
// data as a clip-definitions file for the project at projectPath, and
// returns the written path. With a provider, every clip and coverage
// the provider lists is copied record by record. Without one, the
// local clip-definitions file is copied as is.
func (s *Store) WriteClipDataToProjectFilePath(ctx context.Context, provider nodestore.ClipProvider, projectPath string) (string, error) {
	destination, err := s.ClipExportPath(projectPath)
	if err != nil {
		return "", err
	}
	if destination == s.sisters.Path(datakind.FamilyClipDefinitions) {
		if provider != nil {
			return "", fmt.Errorf("localstore: export destination %s is the store's own clip file", destination)
		}
		return destination, nil
	}
	if err := os.Remove(destination); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("localstore: replacing %s: %w", destination, err)
	}

	if provider == nil {
		if _, err := os.Stat(s.sisters.Path(datakind.FamilyClipDefinitions)); errors.Is(err, os.ErrNotExist) {
			s.logger.Info("no clip definitions to export", "path", s.config.Path)
			return "", nil
		}
		pool, err := s.sisters.Pool(ctx, datakind.FamilyClipDefinitions)
		if errors.Is(err, sisterfile.ErrMissing) {
			s.logger.Info("no clip definitions to export", "path", s.config.Path)
			return "", nil
		}
		if err != nil {
			return "", err
		}
		if err := pool.CopyTo(ctx, destination); err != nil {
			return "", fmt.Errorf("localstore: %w", err)
		}
		s.logger.Info("clip definitions copied", "destination", destination)
		return destination, nil
	}

	target, err := sqlitepool.Open(sqlitepool.Config{Path: destination, PoolSize: 1, Logger: s.logger})
	if err != nil {
		return "", fmt.Errorf("localstore: %w", err)
	}
	defer target.Close()
	if err := applySchema(blockSchema)(ctx, target); err != nil {
		return "", err
	}

	records, err := s.collectProviderClips(ctx, provider)
	if err != nil {
		return "", err
	}
	err = target.Write(ctx, func(_ context.Context, conn *sqlite.Conn) error {
		for _, record := range records {
			block, err := s.encode(record.kind, record.data)
			if err != nil {
				return err
			}
			if err := putBlock(conn, record.kind, record.id, block); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("localstore: writing %s: %w", destination, err)
	}
	s.logger.Info("clip definitions exported from provider", "destination", destination, "records", len(records))
	return destination, nil
}

type clipRecord struct {
	kind datakind.Kind
	id   nodestore.BlockID
	data []byte
}

// collectProviderClips reads every clip and coverage from provider.
func (s *Store) collectProviderClips(ctx context.Context, provider nodestore.ClipProvider) ([]clipRecord, error) {
	clipIDs, err := provider.ClipIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("localstore: listing provider clips: %w", err)
	}
	regionIDs, err := provider.RegionIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("localstore: listing provider coverages: %w", err)
	}

	clips := make([][]clipRecord, len(clipIDs))
	coverages := make([][]clipRecord, len(regionIDs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(exportConcurrency)
	for i, id := range clipIDs {
		group.Go(func() error {
			r, err := providerClip(groupCtx, provider, id)
			if err != nil {
				return err
			}
			clips[i] = []clipRecord{{kind: datakind.ClipDefinition, id: nodestore.BlockID(id), data: region.Encode(r)}}
			return nil
		})
	}
	for i, id := range regionIDs {
		group.Go(func() error {
			var records []clipRecord
			points, err := provider.Vector(groupCtx, id)
			switch {
			case err == nil:
				records = append(records, clipRecord{kind: datakind.CoveragePolygon, id: nodestore.BlockID(id), data: region.EncodePoints(points)})
			case !errors.Is(err, nodestore.ErrNotFound):
				return fmt.Errorf("localstore: provider coverage %d: %w", id, err)
			}
			name, err := provider.RegionName(groupCtx, id)
			switch {
			case err == nil:
				records = append(records, clipRecord{kind: datakind.CoverageName, id: nodestore.BlockID(id), data: []byte(name)})
			case !errors.Is(err, nodestore.ErrNotFound):
				return fmt.Errorf("localstore: provider coverage name %d: %w", id, err)
			}
			coverages[i] = records
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return slices.Concat(slices.Concat(clips...), slices.Concat(coverages...)), nil
}

// providerClip reads clip id as a polygon, falling back to a volume.
func providerClip(ctx context.Context, provider nodestore.ClipProvider, id int64) (*region.Region, error) {
	polygon, metadata, err := provider.Polygon(ctx, id)
	if err == nil {
		return &region.Region{ID: id, Metadata: metadata, Polygon: polygon}, nil
	}
	if !errors.Is(err, nodestore.ErrNotFound) {
		return nil, fmt.Errorf("localstore: provider clip %d: %w", id, err)
	}
	volume, metadata, err := provider.Region(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("localstore: provider clip %d: %w", id, err)
	}
	return &region.Region{ID: id, Metadata: metadata, Volume: volume}, nil
}
