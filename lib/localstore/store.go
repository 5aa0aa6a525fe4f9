// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package localstore is the SQLite-backed node store.
//
// The primary file holds the master header, node headers, store
// properties (coordinate system, source collection) and the blocks of
// every main-family kind. Sister kinds go to files owned by a
// [sisterfile.Manager]: DiffSet to "_clips", clip, skirt and coverage
// kinds to "_clipDefinitions", linear features to "_feature" and
// topology graphs to "_graph". All files share one blocks table
// layout: kind, block id, codec tag, logical size, BLAKE3 checksum and
// the stored payload.
//
// Every read and write runs inside a [sqlitepool.Pool] scope, which is
// the only transaction boundary. In shared mode each outermost scope
// reopens the file, so several processes may work on one store.
//
// When the master header declares streamed textures, Texture blocks
// are not stored: they are mosaicked on load from the raster source
// named in the source collection, opened once at [Open].
package localstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/meshstore/lib/blockcodec"
	"github.com/bureau-foundation/meshstore/lib/codec"
	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/nodeheader"
	"github.com/bureau-foundation/meshstore/lib/nodestore"
	"github.com/bureau-foundation/meshstore/lib/sisterfile"
	"github.com/bureau-foundation/meshstore/lib/sqlitepool"
)

// Config holds the parameters for opening a local store.
type Config struct {
	// Path is the primary store file. Required.
	Path string

	ReadOnly bool
	// Shared opens every file in sqlitepool shared mode for stores
	// written by several processes.
	Shared   bool
	PoolSize int

	// ProjectFilesPath, TempDir and UseTempForSisters place the
	// sister files; see lib/sisterfile.
	ProjectFilesPath  string
	TempDir           string
	UseTempForSisters bool
	// CreateSisters allows creating missing sister files.
	CreateSisters bool

	// Codec selects compression and texture quality. The zero value
	// means blockcodec.DefaultOptions.
	Codec blockcodec.Options

	// VerifyChecksums checks the BLAKE3 checksum of every loaded
	// block.
	VerifyChecksums bool

	// RasterOpener resolves the raster source of streamed-texture
	// stores. Without it Texture blocks are served from the file.
	RasterOpener nodestore.RasterOpener

	Logger *slog.Logger
}

// Store is the local node store. Safe for concurrent use.
type Store struct {
	config  Config
	codec   blockcodec.Options
	logger  *slog.Logger
	pool    *sqlitepool.Pool
	sisters *sisterfile.Manager

	propertiesMu     sync.RWMutex
	coordinateSystem string
	sources          []nodestore.SourceDescriptor

	raster rasterState
}

var _ nodestore.NodeStore = (*Store)(nil)

// Open opens or creates the store at config.Path and loads its
// properties and master header.
func Open(ctx context.Context, config Config) (*Store, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("localstore: Path is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	options := config.Codec
	if options == (blockcodec.Options{}) {
		options = blockcodec.DefaultOptions
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     config.Path,
		PoolSize: config.PoolSize,
		ReadOnly: config.ReadOnly,
		Shared:   config.Shared,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("localstore: %w", err)
	}
	if !config.ReadOnly {
		if err := applySchema(mainSchema)(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	sisters, err := sisterfile.New(sisterfile.Config{
		PrimaryPath:      config.Path,
		ProjectFilesPath: config.ProjectFilesPath,
		TempDir:          config.TempDir,
		UseTemp:          config.UseTempForSisters,
		Shared:           config.Shared,
		CreateIfMissing:  config.CreateSisters,
		ReadOnly:         config.ReadOnly,
		PoolSize:         config.PoolSize,
		Logger:           logger,
		Schema:           applySchema(blockSchema),
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	store := &Store{
		config:  config,
		codec:   options,
		logger:  logger,
		pool:    pool,
		sisters: sisters,
	}
	if err := store.loadProperties(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	master, err := store.LoadMasterHeader(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if master.TextureType == nodeheader.TextureStreaming && config.RasterOpener != nil {
		if err := store.openRaster(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return store, nil
}

// Path returns the primary file path.
func (s *Store) Path() string { return s.config.Path }

// ReadOnly reports whether the store was opened read-only.
func (s *Store) ReadOnly() bool { return s.config.ReadOnly }

// Sisters returns the sister-file manager.
func (s *Store) Sisters() *sisterfile.Manager { return s.sisters }

func (s *Store) loadProperties(ctx context.Context) error {
	return s.pool.Read(ctx, func(_ context.Context, conn *sqlite.Conn) error {
		values := make(map[string][]byte)
		err := sqlitex.Execute(conn, `SELECT key, value FROM properties`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				values[stmt.ColumnText(0)] = columnBlob(stmt, 1)
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("localstore: loading properties: %w", err)
		}
		var sources []nodestore.SourceDescriptor
		if encoded, ok := values[propertySources]; ok {
			if err := codec.Unmarshal(encoded, &sources); err != nil {
				return fmt.Errorf("%w: source collection: %w", nodestore.ErrMalformed, err)
			}
		}
		s.propertiesMu.Lock()
		s.coordinateSystem = string(values[propertyCoordinateSystem])
		s.sources = sources
		s.propertiesMu.Unlock()
		return nil
	})
}

func setProperty(conn *sqlite.Conn, key string, value []byte) error {
	return sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO properties (key, value) VALUES (?, ?)`,
		&sqlitex.ExecOptions{Args: []any{key, value}})
}

// CoordinateSystem returns the stored WKT or key name.
func (s *Store) CoordinateSystem() string {
	s.propertiesMu.RLock()
	defer s.propertiesMu.RUnlock()
	return s.coordinateSystem
}

// SetCoordinateSystem stores the WKT or key name.
func (s *Store) SetCoordinateSystem(ctx context.Context, gcs string) error {
	if s.config.ReadOnly {
		return nodestore.ErrReadOnly
	}
	err := s.pool.Write(ctx, func(_ context.Context, conn *sqlite.Conn) error {
		return setProperty(conn, propertyCoordinateSystem, []byte(gcs))
	})
	if err != nil {
		return fmt.Errorf("localstore: storing coordinate system: %w", err)
	}
	s.propertiesMu.Lock()
	s.coordinateSystem = gcs
	s.propertiesMu.Unlock()
	return nil
}

// Sources returns the source collection.
func (s *Store) Sources() []nodestore.SourceDescriptor {
	s.propertiesMu.RLock()
	defer s.propertiesMu.RUnlock()
	return append([]nodestore.SourceDescriptor(nil), s.sources...)
}

// SetSources replaces the source collection.
func (s *Store) SetSources(ctx context.Context, sources []nodestore.SourceDescriptor) error {
	if s.config.ReadOnly {
		return nodestore.ErrReadOnly
	}
	encoded, err := codec.Marshal(sources)
	if err != nil {
		return fmt.Errorf("localstore: encoding source collection: %w", err)
	}
	err = s.pool.Write(ctx, func(_ context.Context, conn *sqlite.Conn) error {
		return setProperty(conn, propertySources, encoded)
	})
	if err != nil {
		return fmt.Errorf("localstore: storing source collection: %w", err)
	}
	s.propertiesMu.Lock()
	s.sources = append([]nodestore.SourceDescriptor(nil), sources...)
	s.propertiesMu.Unlock()
	return nil
}

// StoreMasterHeader writes the master header. Its coordinate system is
// also written to the store properties in the same transaction.
func (s *Store) StoreMasterHeader(ctx context.Context, master *nodeheader.MasterHeader) error {
	if s.config.ReadOnly {
		return nodestore.ErrReadOnly
	}
	encoded := nodeheader.EncodeMasterBinary(master)
	err := s.pool.Write(ctx, func(ctx context.Context, conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT OR REPLACE INTO master_header (id, data) VALUES (1, ?)`,
			&sqlitex.ExecOptions{Args: []any{encoded}})
		if err != nil {
			return err
		}
		if master.CoordinateSystem == "" {
			return nil
		}
		return setProperty(conn, propertyCoordinateSystem, []byte(master.CoordinateSystem))
	})
	if err != nil {
		return fmt.Errorf("localstore: storing master header: %w", err)
	}
	if master.CoordinateSystem != "" {
		s.propertiesMu.Lock()
		s.coordinateSystem = master.CoordinateSystem
		s.propertiesMu.Unlock()
	}
	return nil
}

// LoadMasterHeader returns the master header, or an invalid (rootless)
// header for an empty store.
func (s *Store) LoadMasterHeader(ctx context.Context) (*nodeheader.MasterHeader, error) {
	var encoded []byte
	err := s.pool.Read(ctx, func(_ context.Context, conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT data FROM master_header WHERE id = 1`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				encoded = columnBlob(stmt, 0)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("localstore: loading master header: %w", err)
	}
	if encoded == nil {
		return &nodeheader.MasterHeader{CoordinateSystem: s.CoordinateSystem()}, nil
	}
	master, err := nodeheader.DecodeMasterBinary(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: master header: %w", nodestore.ErrMalformed, err)
	}
	if master.CoordinateSystem == "" {
		master.CoordinateSystem = s.CoordinateSystem()
	}
	return master, nil
}

// StoreNodeHeader writes header under its id.
func (s *Store) StoreNodeHeader(ctx context.Context, header *nodeheader.NodeHeader) error {
	if s.config.ReadOnly {
		return nodestore.ErrReadOnly
	}
	encoded := nodeheader.EncodeBinary(header)
	err := s.pool.Write(ctx, func(_ context.Context, conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT OR REPLACE INTO node_headers (node_id, data) VALUES (?, ?)`,
			&sqlitex.ExecOptions{Args: []any{int64(header.ID), encoded}})
	})
	if err != nil {
		return fmt.Errorf("localstore: storing node header %d: %w", header.ID, err)
	}
	return nil
}

// LoadNodeHeader returns the header of id, or nodeheader.Empty(id).
func (s *Store) LoadNodeHeader(ctx context.Context, id nodeheader.NodeID) (*nodeheader.NodeHeader, error) {
	var encoded []byte
	err := s.pool.Read(ctx, func(_ context.Context, conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT data FROM node_headers WHERE node_id = ?`, &sqlitex.ExecOptions{
			Args: []any{int64(id)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				encoded = columnBlob(stmt, 0)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("localstore: loading node header %d: %w", id, err)
	}
	if encoded == nil {
		return nodeheader.Empty(id), nil
	}
	header, err := nodeheader.DecodeBinary(id, encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: node header %d: %w", nodestore.ErrMalformed, id, err)
	}
	return header, nil
}

// NodeIDs lists every node with a stored header.
func (s *Store) NodeIDs(ctx context.Context) ([]nodeheader.NodeID, error) {
	var ids []nodeheader.NodeID
	err := s.pool.Read(ctx, func(_ context.Context, conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT node_id FROM node_headers ORDER BY node_id`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, nodeheader.NodeID(stmt.ColumnInt64(0)))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("localstore: listing node headers: %w", err)
	}
	return ids, nil
}

// ListBlocks describes every block in the primary file and in the
// sister files that exist.
func (s *Store) ListBlocks(ctx context.Context) ([]BlockInfo, error) {
	var all []BlockInfo
	for _, family := range append([]datakind.Family{datakind.FamilyMain}, datakind.SisterFamilies...) {
		if family != datakind.FamilyMain {
			if _, opened := s.sisters.Opened(family); !opened {
				if _, err := os.Stat(s.sisters.Path(family)); err != nil {
					continue
				}
			}
		}
		pool, err := s.familyPool(ctx, family)
		if errors.Is(err, sisterfile.ErrMissing) {
			continue
		}
		if err != nil {
			return nil, err
		}
		err = pool.Read(ctx, func(_ context.Context, conn *sqlite.Conn) error {
			infos, err := listBlocks(conn)
			all = append(all, infos...)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("localstore: listing %s blocks: %w", family, err)
		}
	}
	return all, nil
}

// familyPool returns the pool holding family.
func (s *Store) familyPool(ctx context.Context, family datakind.Family) (*sqlitepool.Pool, error) {
	if family == datakind.FamilyMain {
		return s.pool, nil
	}
	return s.sisters.Pool(ctx, family)
}

// NodeDataStore returns the block store for kind. Cesium3DTiles is a
// streaming-only kind and panics.
func (s *Store) NodeDataStore(kind datakind.Kind, header *nodeheader.NodeHeader) nodestore.BlockStore {
	if !kind.Valid() || kind == datakind.Cesium3DTiles {
		nodestore.ContractViolation(nodestore.ErrUnsupportedKind, "local store cannot serve %s", kind)
	}
	if kind == datakind.Texture {
		if raster := s.rasterSource(); raster != nil {
			return &rasterTextureStore{store: s, header: header, source: raster}
		}
	}
	blocks := &blockStore{store: s, kind: kind, header: header}
	switch kind {
	case datakind.ClipDefinition, datakind.CoveragePolygon, datakind.CoverageName:
		return &clipStore{blockStore: blocks}
	case datakind.LinearFeature:
		return &featureStore{blockStore: blocks}
	}
	return blocks
}

// Save folds the write-ahead logs of the primary file and every open
// sister file back into the files.
func (s *Store) Save(ctx context.Context) error {
	if err := s.pool.Checkpoint(ctx); err != nil {
		return fmt.Errorf("localstore: %w", err)
	}
	return s.sisters.Save(ctx)
}

// Vacuum compacts the primary file and every open sister file.
func (s *Store) Vacuum(ctx context.Context) error {
	if s.config.ReadOnly {
		return nodestore.ErrReadOnly
	}
	if err := s.pool.Vacuum(ctx); err != nil {
		return fmt.Errorf("localstore: %w", err)
	}
	return s.sisters.Vacuum(ctx)
}

// EraseSisterFiles closes and deletes every sister file.
func (s *Store) EraseSisterFiles() error {
	return s.sisters.EraseSisterFiles()
}

// Close releases the raster source, the sister files and the primary
// pool.
func (s *Store) Close() error {
	s.CancelPreloadData()
	var errs []error
	if err := s.closeRaster(); err != nil {
		errs = append(errs, err)
	}
	if err := s.sisters.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
