// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package streamstore is the streaming node store: datasets served
// from a directory or an HTTP endpoint (generic HTTP, RDS or Azure
// blob storage).
//
// A dataset is a set of named blobs under one root. The master header
// is the framed legacy grouped header (MasterHeaderWithGroups.bin),
// plain JSON (MasterHeader.json) or a 3D Tiles tileset whose root tile
// and top level carry an "SMHeader" object. Node headers come from
// node groups (headers/g_<group>.bin, framed), from one JSON document
// per node (headers/n_<id>.json), or for tilesets from one tile
// descriptor per node (<id>.json). Blocks are framed blobs under
// data/<kind>/, textures are JPEG behind a 16-byte header under
// textures/, and tileset meshes are extracted from <id>.b3dm.
//
// Each block is fetched into a single-slot cache on first use and
// dropped once a load has copied it out, so one access cycle costs
// one fetch no matter how many concurrent callers take part.
package streamstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/meshstore/lib/blockcodec"
	"github.com/bureau-foundation/meshstore/lib/clock"
	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/geom"
	"github.com/bureau-foundation/meshstore/lib/nodeheader"
	"github.com/bureau-foundation/meshstore/lib/nodestore"
)

// Format selects the master header encoding.
type Format string

const (
	// FormatAuto detects the encoding from the root document name, or
	// probes legacy, JSON and tileset in that order. New datasets are
	// written as JSON.
	FormatAuto   Format = "auto"
	FormatLegacy Format = "legacy"
	FormatJSON   Format = "json"
	FormatCesium Format = "cesium"
)

// ParseFormat validates a format name. The empty name is FormatAuto.
func ParseFormat(name string) (Format, error) {
	switch format := Format(name); format {
	case "":
		return FormatAuto, nil
	case FormatAuto, FormatLegacy, FormatJSON, FormatCesium:
		return format, nil
	default:
		return "", fmt.Errorf("streamstore: unknown format %q", name)
	}
}

// Defaults applied to zero Config fields.
const (
	DefaultGroupSize      = 1000
	DefaultPreloadWorkers = 8
)

// maxPreloadedBlobs bounds the preload cache.
const maxPreloadedBlobs = 256

// Config holds the parameters for opening a streaming store.
type Config struct {
	// Location is the dataset location given to ParseSettings. It is
	// ignored when Settings is set.
	Location string
	Settings *Settings
	// Transport overrides the transport chosen from the settings.
	Transport Transport

	Format Format
	// Grouped and GroupSize apply to master headers stored without
	// grouping of their own.
	Grouped   bool
	GroupSize int
	// GroupIdleTimeout unloads node groups unused for this long. Zero
	// keeps groups loaded until Close.
	GroupIdleTimeout time.Duration
	PreloadWorkers   int

	// AuthToken is sent as a bearer token to remote endpoints.
	AuthToken  string
	HTTPClient *http.Client

	ReadOnly bool
	// Codec selects compression and texture quality. The zero value
	// means blockcodec.DefaultOptions.
	Codec blockcodec.Options

	Clock  clock.Clock
	Logger *slog.Logger
}

// headerMode says where node headers live.
type headerMode int

const (
	modeNodeJSON headerMode = iota
	modeGroups
	modeTiles
)

// Store is the streaming node store. Safe for concurrent use.
type Store struct {
	config    Config
	settings  *Settings
	transport Transport
	codec     blockcodec.Options
	clock     clock.Clock
	logger    *slog.Logger
	slots     *slotTable

	mu     sync.RWMutex
	format Format
	master *nodeheader.MasterHeader
	root   *nodeheader.NodeHeader
	mode   headerMode
	groups *groupCache

	preload   preloadState
	closeOnce sync.Once
}

type preloadState struct {
	mu    sync.Mutex
	blobs map[string][]byte
	// generations counts the writes of each blob name. A preload read
	// keeps its result only if no write happened while it ran.
	generations map[string]uint64
	cancel      context.CancelFunc
	running     sync.WaitGroup
}

var _ nodestore.NodeStore = (*Store)(nil)

// Open resolves the dataset and loads its master header. A dataset
// without a master header opens empty.
func Open(ctx context.Context, config Config) (*Store, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	options := config.Codec
	if options == (blockcodec.Options{}) {
		options = blockcodec.DefaultOptions
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Format == "" {
		config.Format = FormatAuto
	}
	if _, err := ParseFormat(string(config.Format)); err != nil {
		return nil, err
	}
	if config.GroupSize <= 0 {
		config.GroupSize = DefaultGroupSize
	}
	if config.PreloadWorkers <= 0 {
		config.PreloadWorkers = DefaultPreloadWorkers
	}

	settings := config.Settings
	if settings == nil {
		if config.Location == "" {
			return nil, fmt.Errorf("streamstore: Location or Settings is required")
		}
		parsed, err := ParseSettings(config.Location)
		if err != nil {
			return nil, err
		}
		settings = parsed
	}
	transport := config.Transport
	if transport == nil {
		created, err := NewTransport(settings, config.AuthToken, config.HTTPClient, logger)
		if err != nil {
			return nil, err
		}
		transport = created
	}

	store := &Store{
		config:    config,
		settings:  settings,
		transport: transport,
		codec:     options,
		clock:     config.Clock,
		logger:    logger,
		slots:     newSlotTable(),
	}
	if _, err := store.LoadMasterHeader(ctx); err != nil {
		return nil, err
	}
	logger.Info("streaming dataset opened",
		"location", settings.Location.String(),
		"root", settings.Root,
		"format", string(store.Format()),
	)
	return store, nil
}

// Settings returns the resolved dataset location.
func (s *Store) Settings() *Settings { return s.settings }

// Format returns the master header encoding in use.
func (s *Store) Format() Format {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.format
}

// ReadOnly reports whether the store was opened read-only.
func (s *Store) ReadOnly() bool { return s.config.ReadOnly }

// rootDocument is the tileset document name.
func (s *Store) rootDocument() string {
	switch document := s.settings.RootDocument; document {
	case "", LegacyMasterName, JSONMasterName:
		return DefaultRootDocument
	default:
		return document
	}
}

type masterCandidate struct {
	format Format
	name   string
}

// candidates lists the master header documents to probe, in order.
func (s *Store) candidates() []masterCandidate {
	legacy := masterCandidate{FormatLegacy, LegacyMasterName}
	plain := masterCandidate{FormatJSON, JSONMasterName}
	tileset := masterCandidate{FormatCesium, s.rootDocument()}
	switch s.config.Format {
	case FormatLegacy:
		return []masterCandidate{legacy}
	case FormatJSON:
		return []masterCandidate{plain}
	case FormatCesium:
		return []masterCandidate{tileset}
	}
	switch s.settings.RootDocument {
	case "":
		return []masterCandidate{legacy, plain, tileset}
	case LegacyMasterName:
		return []masterCandidate{legacy}
	case JSONMasterName:
		return []masterCandidate{plain}
	default:
		return []masterCandidate{tileset}
	}
}

func (s *Store) decodeMaster(format Format, data []byte) (*nodeheader.MasterHeader, *nodeheader.NodeHeader, error) {
	switch format {
	case FormatLegacy:
		unpacked, err := blockcodec.Unpack(data)
		if err != nil {
			return nil, nil, err
		}
		master, err := nodeheader.DecodeLegacyMaster(unpacked)
		return master, nil, err
	case FormatJSON:
		master, err := nodeheader.DecodeMasterJSON(data)
		return master, nil, err
	default:
		return nodeheader.DecodeTileset(data)
	}
}

// LoadMasterHeader reads the master header, or returns an invalid
// (rootless) header for an empty dataset.
func (s *Store) LoadMasterHeader(ctx context.Context) (*nodeheader.MasterHeader, error) {
	for _, candidate := range s.candidates() {
		data, err := s.transport.Read(ctx, candidate.name)
		if errors.Is(err, nodestore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("streamstore: loading master header: %w", err)
		}
		master, root, err := s.decodeMaster(candidate.format, data)
		if err != nil {
			return nil, fmt.Errorf("%w: master header %s: %w", nodestore.ErrMalformed, candidate.name, err)
		}
		s.install(candidate.format, master, root)
		return cloneMaster(master), nil
	}

	format := s.config.Format
	if format == FormatAuto {
		format = FormatJSON
	}
	master := &nodeheader.MasterHeader{Grouped: s.config.Grouped}
	if format == FormatCesium {
		master.Format = nodeheader.FormatTileSet
	}
	if master.Grouped {
		master.GroupSize = uint32(s.config.GroupSize)
	}
	s.install(format, master, nil)
	return cloneMaster(master), nil
}

// install makes master current and selects the node header mode.
func (s *Store) install(format Format, master *nodeheader.MasterHeader, root *nodeheader.NodeHeader) {
	if master.Transform != nil && s.settings.DiscoverTransform(*master.Transform) {
		s.logger.Debug("dataset transform discovered", "root", s.settings.Root)
	}

	mode := modeNodeJSON
	switch {
	case format == FormatCesium || master.Format == nodeheader.FormatTileSet:
		mode = modeTiles
	case master.Grouped:
		mode = modeGroups
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.format = format
	s.master = master
	s.root = root
	s.mode = mode
	if mode != modeGroups {
		return
	}
	size := master.GroupSize
	if size == 0 {
		size = uint32(s.config.GroupSize)
	}
	if s.groups != nil && s.groups.size == size {
		return
	}
	if s.groups != nil {
		s.groups.close()
	}
	s.groups = newGroupCache(s.transport, s.codec, size, s.config.GroupIdleTimeout, s.clock, s.logger)
	s.groups.start()
}

func cloneMaster(master *nodeheader.MasterHeader) *nodeheader.MasterHeader {
	clone := *master
	if master.Transform != nil {
		transform := *master.Transform
		clone.Transform = &transform
	}
	return &clone
}

// StoreMasterHeader writes master in the dataset's format. Grouping
// from the store configuration is applied to headers without their
// own.
func (s *Store) StoreMasterHeader(ctx context.Context, master *nodeheader.MasterHeader) error {
	if s.config.ReadOnly {
		return nodestore.ErrReadOnly
	}
	stored := cloneMaster(master)
	format := s.Format()
	if stored.Format == nodeheader.FormatTileSet {
		format = FormatCesium
	}
	if format == FormatCesium {
		stored.Format = nodeheader.FormatTileSet
	} else if !stored.Grouped && s.config.Grouped {
		stored.Grouped = true
	}
	if stored.Grouped && stored.GroupSize == 0 {
		stored.GroupSize = uint32(s.config.GroupSize)
	}

	var root *nodeheader.NodeHeader
	switch format {
	case FormatLegacy:
		frame, err := blockcodec.Pack(s.codec.Policy, datakind.Metadata, nodeheader.EncodeLegacyMaster(stored))
		if err != nil {
			return fmt.Errorf("streamstore: encoding master header: %w", err)
		}
		if err := s.transport.Write(ctx, LegacyMasterName, frame); err != nil {
			return fmt.Errorf("streamstore: storing master header: %w", err)
		}
	case FormatJSON:
		encoded, err := nodeheader.EncodeMasterJSON(stored)
		if err != nil {
			return err
		}
		if err := s.transport.Write(ctx, JSONMasterName, encoded); err != nil {
			return fmt.Errorf("streamstore: storing master header: %w", err)
		}
	default:
		var err error
		root, err = s.writeTileset(ctx, stored)
		if err != nil {
			return err
		}
	}
	s.install(format, stored, root)
	return nil
}

// writeTileset writes the tileset document of master around its root
// node header and returns that header.
func (s *Store) writeTileset(ctx context.Context, master *nodeheader.MasterHeader) (*nodeheader.NodeHeader, error) {
	rootID, _ := master.Root.Get()
	root, err := s.readHeader(ctx, rootID, tileName(rootID), func(data []byte) (*nodeheader.NodeHeader, error) {
		return nodeheader.DecodeTile(rootID, data)
	})
	if err != nil {
		return nil, err
	}
	encoded, err := nodeheader.EncodeTileset(master, root, contentLocation(root))
	if err != nil {
		return nil, err
	}
	if err := s.transport.Write(ctx, s.rootDocument(), encoded); err != nil {
		return nil, fmt.Errorf("streamstore: storing tileset: %w", err)
	}
	return root, nil
}

// contentLocation is the payload location written into the tile
// descriptor of header, empty for nodes without content.
func contentLocation(header *nodeheader.NodeHeader) string {
	if header.NodeCount == 0 && !header.IsTextured {
		return ""
	}
	return tilePayloadName(nodestore.NodeBlock(header.ID))
}

func (s *Store) headerState() (headerMode, *groupCache, *nodeheader.MasterHeader, *nodeheader.NodeHeader) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode, s.groups, s.master, s.root
}

// LoadNodeHeader returns the header of id, or nodeheader.Empty(id) for
// a node the dataset does not hold.
func (s *Store) LoadNodeHeader(ctx context.Context, id nodeheader.NodeID) (*nodeheader.NodeHeader, error) {
	mode, groups, _, root := s.headerState()
	switch mode {
	case modeGroups:
		header, ok, err := groups.header(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nodeheader.Empty(id), nil
		}
		return header, nil
	case modeTiles:
		if root != nil && root.ID == id {
			return root.Clone(), nil
		}
		return s.readHeader(ctx, id, tileName(id), func(data []byte) (*nodeheader.NodeHeader, error) {
			return nodeheader.DecodeTile(id, data)
		})
	default:
		return s.readHeader(ctx, id, nodeHeaderName(id), func(data []byte) (*nodeheader.NodeHeader, error) {
			header, err := nodeheader.DecodeJSON(data)
			if err != nil {
				return nil, err
			}
			header.ID = id
			return header, nil
		})
	}
}

func (s *Store) readHeader(ctx context.Context, id nodeheader.NodeID, name string, decode func([]byte) (*nodeheader.NodeHeader, error)) (*nodeheader.NodeHeader, error) {
	data, err := s.transport.Read(ctx, name)
	if errors.Is(err, nodestore.ErrNotFound) {
		return nodeheader.Empty(id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("streamstore: loading node header %d: %w", id, err)
	}
	header, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: node header %d: %w", nodestore.ErrMalformed, id, err)
	}
	return header, nil
}

// StoreNodeHeader writes header into its group, its JSON document or
// its tile descriptor. Storing the root of a tileset also rewrites the
// tileset document.
func (s *Store) StoreNodeHeader(ctx context.Context, header *nodeheader.NodeHeader) error {
	if s.config.ReadOnly {
		return nodestore.ErrReadOnly
	}
	mode, groups, master, _ := s.headerState()
	switch mode {
	case modeGroups:
		return groups.update(ctx, header)
	case modeTiles:
		encoded, err := nodeheader.EncodeTile(header, contentLocation(header))
		if err != nil {
			return err
		}
		if err := s.transport.Write(ctx, tileName(header.ID), encoded); err != nil {
			return fmt.Errorf("streamstore: storing node header %d: %w", header.ID, err)
		}
		if rootID, ok := master.Root.Get(); ok && rootID == header.ID {
			root, err := s.writeTileset(ctx, master)
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.root = root
			s.mu.Unlock()
		}
		return nil
	default:
		encoded, err := nodeheader.EncodeJSON(header)
		if err != nil {
			return err
		}
		if err := s.transport.Write(ctx, nodeHeaderName(header.ID), encoded); err != nil {
			return fmt.Errorf("streamstore: storing node header %d: %w", header.ID, err)
		}
		return nil
	}
}

// NodeDataStore returns the block store for kind bound to header.
func (s *Store) NodeDataStore(kind datakind.Kind, header *nodeheader.NodeHeader) nodestore.BlockStore {
	if !kind.Valid() {
		nodestore.ContractViolation(nodestore.ErrUnsupportedKind, "streaming store cannot serve %s", kind)
	}
	mode, _, _, _ := s.headerState()
	return &blockStore{store: s, kind: kind, header: header, layout: layoutOf(kind, mode)}
}

// PreloadData fetches the blobs of the given kinds of the given nodes
// in the background. The first load of each consumes it.
func (s *Store) PreloadData(ctx context.Context, nodes []nodeheader.NodeID, kinds []datakind.Kind) {
	mode, _, _, _ := s.headerState()
	var names []string
	for _, node := range nodes {
		id := nodestore.NodeBlock(node)
		for _, kind := range kinds {
			if !kind.Valid() {
				continue
			}
			if s.slots.cached(slotKey{kind, id}) {
				continue
			}
			names = append(names, blobName(layoutOf(kind, mode), kind, id))
		}
	}
	slices.Sort(names)
	names = slices.Compact(names)
	if len(names) == 0 {
		return
	}

	s.preload.mu.Lock()
	defer s.preload.mu.Unlock()
	if s.preload.cancel != nil {
		s.preload.cancel()
	}
	if s.preload.blobs == nil {
		s.preload.blobs = make(map[string][]byte)
	}
	preloadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.preload.cancel = cancel

	s.preload.running.Add(1)
	go func() {
		defer s.preload.running.Done()
		if err := s.preloadBlobs(preloadCtx, names); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug("preload stopped", "error", err)
		}
	}()
}

func (s *Store) preloadBlobs(ctx context.Context, names []string) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.config.PreloadWorkers)
	for _, name := range names {
		s.preload.mu.Lock()
		_, cached := s.preload.blobs[name]
		full := len(s.preload.blobs) >= maxPreloadedBlobs
		s.preload.mu.Unlock()
		if cached {
			continue
		}
		if full {
			break
		}
		group.Go(func() error {
			s.preload.mu.Lock()
			generation := s.preload.generations[name]
			s.preload.mu.Unlock()
			data, err := s.transport.Read(groupCtx, name)
			if errors.Is(err, nodestore.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			s.preload.mu.Lock()
			defer s.preload.mu.Unlock()
			if s.preload.generations[name] != generation {
				s.logger.Debug("preloaded blob dropped after a write", "name", name)
				return nil
			}
			s.preload.blobs[name] = data
			return nil
		})
	}
	return group.Wait()
}

// CancelPreloadData stops the running preload and waits for it.
// Blobs already fetched stay available.
func (s *Store) CancelPreloadData() {
	s.preload.mu.Lock()
	cancel := s.preload.cancel
	s.preload.cancel = nil
	s.preload.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.preload.running.Wait()
}

// takePreloaded returns and forgets a preloaded blob.
func (s *Store) takePreloaded(name string) ([]byte, bool) {
	s.preload.mu.Lock()
	defer s.preload.mu.Unlock()
	data, ok := s.preload.blobs[name]
	delete(s.preload.blobs, name)
	return data, ok
}

// forgetPreloaded drops a preloaded blob made stale by a write.
func (s *Store) forgetPreloaded(name string) {
	s.preload.mu.Lock()
	defer s.preload.mu.Unlock()
	delete(s.preload.blobs, name)
	if s.preload.generations == nil {
		s.preload.generations = make(map[string]uint64)
	}
	s.preload.generations[name]++
}

// ComputeRasterTiles returns nil: streamed datasets carry their
// textures.
func (s *Store) ComputeRasterTiles(context.Context, geom.Extent) ([]nodestore.RasterTile, error) {
	return nil, nil
}

// Close stops background work. The store must not be used afterwards.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.CancelPreloadData()
		s.mu.Lock()
		groups := s.groups
		s.mu.Unlock()
		if groups != nil {
			groups.close()
		}
		s.logger.Info("streaming dataset closed", "root", s.settings.Root)
	})
	return nil
}
