// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package meshstore opens a node store from a dataset location. The
// backend is chosen once, at Open, from a closed set: the local SQLite
// store (lib/localstore) or the streaming store (lib/streamstore).
// When the host supplies a clip provider, the clip and coverage kinds
// are routed to it (lib/extstore) and every other kind goes to the
// backend.
package meshstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bureau-foundation/meshstore/lib/blockcodec"
	"github.com/bureau-foundation/meshstore/lib/config"
	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/extstore"
	"github.com/bureau-foundation/meshstore/lib/geom"
	"github.com/bureau-foundation/meshstore/lib/localstore"
	"github.com/bureau-foundation/meshstore/lib/nodeheader"
	"github.com/bureau-foundation/meshstore/lib/nodestore"
	"github.com/bureau-foundation/meshstore/lib/streamstore"
)

// Backend identifies the store variant behind a [Store].
type Backend int

const (
	// BackendAuto picks the backend from the location; see
	// [DetectBackend].
	BackendAuto Backend = iota
	BackendLocal
	BackendStreaming
)

func (b Backend) String() string {
	switch b {
	case BackendAuto:
		return "auto"
	case BackendLocal:
		return "local"
	case BackendStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

// ParseBackend accepts "auto", "local" or "streaming".
func ParseBackend(name string) (Backend, error) {
	switch name {
	case "", "auto":
		return BackendAuto, nil
	case "local":
		return BackendLocal, nil
	case "streaming":
		return BackendStreaming, nil
	default:
		return 0, fmt.Errorf("meshstore: unknown backend %q", name)
	}
}

// DetectBackend classifies a dataset location. URLs, stub files,
// directories, JSON documents and the legacy master header file are
// streaming datasets. A path without an extension that does not exist
// yet is a streaming dataset about to be created. Every other path is
// a local store file.
func DetectBackend(location string) Backend {
	lower := strings.ToLower(strings.TrimSpace(location))
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return BackendStreaming
	}
	extension := filepath.Ext(lower)
	switch {
	case extension == streamstore.StubExtension, extension == ".json":
		return BackendStreaming
	case filepath.Base(location) == streamstore.LegacyMasterName:
		return BackendStreaming
	}
	info, err := os.Stat(location)
	if err == nil && info.IsDir() {
		return BackendStreaming
	}
	if err != nil && extension == "" {
		return BackendStreaming
	}
	return BackendLocal
}

// Options holds the parameters for [Open].
type Options struct {
	// Location is a local store file, a streaming dataset directory or
	// document, a stub file, or a URL. Required.
	Location string
	// Backend forces the store variant. BackendAuto detects it.
	Backend Backend
	// Config supplies backend settings. Nil means config.Default().
	Config *config.Config

	ReadOnly bool

	// ClipProvider takes over the clip and coverage kinds when set.
	ClipProvider nodestore.ClipProvider
	// RasterOpener resolves raster sources of local streamed-texture
	// stores.
	RasterOpener nodestore.RasterOpener
	// HTTPClient is used by HTTP datasets. Nil means a default client.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Store is a node store over one backend, with the clip kinds
// optionally delegated to a provider. Safe for concurrent use.
type Store struct {
	backend  Backend
	primary  nodestore.NodeStore
	local    *localstore.Store
	stream   *streamstore.Store
	external *extstore.Store
	logger   *slog.Logger
}

var _ nodestore.NodeStore = (*Store)(nil)

// Open opens the store at options.Location.
func Open(ctx context.Context, options Options) (*Store, error) {
	if options.Location == "" {
		return nil, fmt.Errorf("meshstore: location is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg := options.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("meshstore: invalid configuration: %w", err)
	}
	policy, err := blockcodec.ParsePolicy(cfg.Local.Compression)
	if err != nil {
		return nil, fmt.Errorf("meshstore: %w", err)
	}
	codec := blockcodec.Options{Policy: policy, TextureQuality: cfg.Local.TextureQuality}

	store := &Store{backend: options.Backend, logger: logger}
	if store.backend == BackendAuto {
		store.backend = DetectBackend(options.Location)
	}
	if options.ClipProvider != nil {
		store.external, err = extstore.New(options.ClipProvider, logger)
		if err != nil {
			return nil, fmt.Errorf("meshstore: %w", err)
		}
	}

	switch store.backend {
	case BackendLocal:
		store.local, err = localstore.Open(ctx, localstore.Config{
			Path:              options.Location,
			ReadOnly:          options.ReadOnly,
			Shared:            cfg.Local.Shared,
			PoolSize:          cfg.Local.PoolSize,
			ProjectFilesPath:  cfg.Paths.ProjectFiles,
			TempDir:           cfg.Paths.Temp,
			UseTempForSisters: cfg.Local.UseTempForSisters,
			CreateSisters:     cfg.Local.CreateSisters,
			Codec:             codec,
			VerifyChecksums:   cfg.Local.VerifyChecksums,
			RasterOpener:      options.RasterOpener,
			Logger:            logger,
		})
		if err != nil {
			return nil, err
		}
		store.primary = store.local
	case BackendStreaming:
		format, err := streamstore.ParseFormat(cfg.Streaming.Format)
		if err != nil {
			return nil, fmt.Errorf("meshstore: %w", err)
		}
		idle, err := cfg.Streaming.IdleTimeout()
		if err != nil {
			return nil, fmt.Errorf("meshstore: %w", err)
		}
		store.stream, err = streamstore.Open(ctx, streamstore.Config{
			Location:         options.Location,
			Format:           format,
			Grouped:          cfg.Streaming.Grouped,
			GroupSize:        cfg.Streaming.GroupSize,
			GroupIdleTimeout: idle,
			PreloadWorkers:   cfg.Streaming.PreloadWorkers,
			AuthToken:        cfg.Streaming.AuthToken,
			HTTPClient:       options.HTTPClient,
			ReadOnly:         options.ReadOnly,
			Codec:            codec,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		store.primary = store.stream
	default:
		return nil, fmt.Errorf("meshstore: unknown backend %s", store.backend)
	}

	logger.Info("node store opened",
		"location", options.Location,
		"backend", store.backend,
		"external_clips", store.external != nil,
	)
	return store, nil
}

// Backend returns the variant chosen at Open.
func (s *Store) Backend() Backend { return s.backend }

// Local returns the local backend, or nil for streaming stores.
func (s *Store) Local() *localstore.Store { return s.local }

// Streaming returns the streaming backend, or nil for local stores.
func (s *Store) Streaming() *streamstore.Store { return s.stream }

// External returns the clip delegate, or nil without a provider.
func (s *Store) External() *extstore.Store { return s.external }

func (s *Store) StoreMasterHeader(ctx context.Context, master *nodeheader.MasterHeader) error {
	return s.primary.StoreMasterHeader(ctx, master)
}

func (s *Store) LoadMasterHeader(ctx context.Context) (*nodeheader.MasterHeader, error) {
	return s.primary.LoadMasterHeader(ctx)
}

func (s *Store) StoreNodeHeader(ctx context.Context, header *nodeheader.NodeHeader) error {
	return s.primary.StoreNodeHeader(ctx, header)
}

func (s *Store) LoadNodeHeader(ctx context.Context, id nodeheader.NodeID) (*nodeheader.NodeHeader, error) {
	return s.primary.LoadNodeHeader(ctx, id)
}

// NodeDataStore returns the block store for kind. The clip and
// coverage kinds come from the provider when one is configured.
func (s *Store) NodeDataStore(kind datakind.Kind, header *nodeheader.NodeHeader) nodestore.BlockStore {
	if s.external != nil && extstore.Serves(kind) {
		return s.external.NodeDataStore(kind, header)
	}
	return s.primary.NodeDataStore(kind, header)
}

func (s *Store) PreloadData(ctx context.Context, nodes []nodeheader.NodeID, kinds []datakind.Kind) {
	if s.external != nil {
		kinds = slices.DeleteFunc(slices.Clone(kinds), extstore.Serves)
	}
	s.primary.PreloadData(ctx, nodes, kinds)
}

func (s *Store) CancelPreloadData() { s.primary.CancelPreloadData() }

func (s *Store) ComputeRasterTiles(ctx context.Context, extent geom.Extent) ([]nodestore.RasterTile, error) {
	return s.primary.ComputeRasterTiles(ctx, extent)
}

// ErrNotLocal is returned by operations only the local backend has.
var ErrNotLocal = errors.New("meshstore: operation requires a local store")

// ExportClips writes the clip and coverage data as a clip-definitions
// file for the project at projectPath and returns its path, or "" when
// there is nothing to export. Provider-held clips are exported from
// the provider.
func (s *Store) ExportClips(ctx context.Context, projectPath string) (string, error) {
	if s.local == nil {
		return "", ErrNotLocal
	}
	var provider nodestore.ClipProvider
	if s.external != nil {
		provider = s.external.Provider()
	}
	return s.local.WriteClipDataToProjectFilePath(ctx, provider, projectPath)
}

// Vacuum compacts a local store and its sister files.
func (s *Store) Vacuum(ctx context.Context) error {
	if s.local == nil {
		return ErrNotLocal
	}
	return s.local.Vacuum(ctx)
}

// Save checkpoints a local store. Streaming stores write through and
// have nothing to save.
func (s *Store) Save(ctx context.Context) error {
	if s.local == nil {
		return nil
	}
	return s.local.Save(ctx)
}

// Close closes the backend.
func (s *Store) Close() error {
	err := s.primary.Close()
	s.logger.Info("node store closed", "backend", s.backend)
	return err
}
