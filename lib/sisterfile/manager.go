// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sisterfile manages the auxiliary SQLite files that hold the
// segregated data-kind families of a local store.
//
// Each family ([datakind.FamilyClips], [datakind.FamilyClipDefinitions],
// [datakind.FamilyFeature], [datakind.FamilyGraph]) has one slot with
// its own mutex, so opening the graph file never waits on the clips
// file. A slot is filled on first demand: the manager computes the
// deterministic file name, takes a cross-process creation lock, opens
// or creates the file, and runs the caller's schema function.
//
// File names are "<base><suffix><ext>". Feature and graph files always
// derive base from the primary store path, since every process that
// opens the store shares them. The other families derive it from the
// primary path in shared mode, otherwise from the project files path,
// otherwise from a temp directory.
package sisterfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/sqlitepool"
)

// DefaultExtension is used when the primary path has none.
const DefaultExtension = ".3sm"

// ErrMissing is returned by [Manager.Pool] when the sister file does
// not exist and the manager may not create it.
var ErrMissing = errors.New("sisterfile: sister file does not exist")

// Config configures a Manager.
type Config struct {
	// PrimaryPath is the main store file. Required.
	PrimaryPath string

	// ProjectFilesPath is the base (directory plus name prefix) for
	// project-owned sister files. Optional.
	ProjectFilesPath string

	// TempDir holds sister files when UseTemp is set or no project
	// path is configured. Defaults to os.TempDir().
	TempDir string
	UseTemp bool

	// Shared marks a store opened by several processes. Sister files
	// are then named from the primary path and their pools run in
	// sqlitepool shared mode.
	Shared bool

	// CreateIfMissing allows creating absent files. Without it, a
	// peer process owns creation and a missing file is ErrMissing.
	CreateIfMissing bool

	// ReadOnly opens every sister file read-only. Implies that
	// nothing is created.
	ReadOnly bool

	PoolSize int
	Logger   *slog.Logger

	// Schema runs once per opened file with write access, under the
	// creation lock. It must be idempotent.
	Schema func(ctx context.Context, pool *sqlitepool.Pool) error
}

type slot struct {
	mu   sync.Mutex
	pool *sqlitepool.Pool
}

// Manager owns the sister files of one store. Safe for concurrent use.
type Manager struct {
	config Config
	logger *slog.Logger
	slots  [datakind.FamilyCount]slot
}

// New returns a manager. No file is touched until first use.
func New(config Config) (*Manager, error) {
	if config.PrimaryPath == "" {
		return nil, fmt.Errorf("sisterfile: PrimaryPath is required")
	}
	if config.TempDir == "" {
		config.TempDir = os.TempDir()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{config: config, logger: logger}, nil
}

// Path returns the deterministic file path of family.
func (m *Manager) Path(family datakind.Family) string {
	primary := m.config.PrimaryPath
	extension := filepath.Ext(primary)
	primaryBase := strings.TrimSuffix(primary, extension)
	if extension == "" {
		extension = DefaultExtension
	}

	var base string
	switch {
	case family.NamedFromPrimary() || m.config.Shared:
		base = primaryBase
	case m.config.ProjectFilesPath != "" && !m.config.UseTemp:
		base = strings.TrimSuffix(m.config.ProjectFilesPath, filepath.Ext(m.config.ProjectFilesPath))
	default:
		base = filepath.Join(m.config.TempDir, m.tempName(primaryBase))
	}
	return base + family.Suffix() + extension
}

// tempName keeps temp sister files of different stores with the same
// base name apart.
func (m *Manager) tempName(primaryBase string) string {
	absolute, err := filepath.Abs(primaryBase)
	if err != nil {
		absolute = primaryBase
	}
	digest := blake3.Sum256([]byte(absolute))
	return fmt.Sprintf("%s-%x", filepath.Base(primaryBase), digest[:4])
}

// Pool returns the pool of family, opening or creating the file on
// first use.
func (m *Manager) Pool(ctx context.Context, family datakind.Family) (*sqlitepool.Pool, error) {
	if family == datakind.FamilyMain {
		return nil, fmt.Errorf("sisterfile: the main family is not a sister file")
	}
	slot := &m.slots[family]
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.pool != nil {
		return slot.pool, nil
	}
	pool, err := m.open(ctx, family)
	if err != nil {
		return nil, err
	}
	slot.pool = pool
	return pool, nil
}

// Opened returns the pool of family if it is already open.
func (m *Manager) Opened(family datakind.Family) (*sqlitepool.Pool, bool) {
	slot := &m.slots[family]
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.pool, slot.pool != nil
}

func (m *Manager) open(ctx context.Context, family datakind.Family) (*sqlitepool.Pool, error) {
	path := m.Path(family)
	create := m.config.CreateIfMissing && !m.config.ReadOnly

	var lock *fileLock
	if !m.config.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sisterfile: creating directory for %s: %w", path, err)
		}
		var err error
		lock, err = lockFile(path + ".lock")
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := lock.unlock(); err != nil {
				m.logger.Warn("releasing sister file lock failed", "path", path, "error", err)
			}
		}()
	}

	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("sisterfile: %w", err)
		}
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrMissing, path)
		}
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: m.config.PoolSize,
		ReadOnly: m.config.ReadOnly,
		Shared:   m.config.Shared,
		Logger:   m.logger,
	})
	if err != nil {
		return nil, err
	}
	if !m.config.ReadOnly && m.config.Schema != nil {
		if err := m.config.Schema(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("sisterfile: initializing %s: %w", path, err)
		}
	}
	m.logger.Info("sister file opened", "family", family.String(), "path", path)
	return pool, nil
}

// each runs fn on every open pool, main family excluded, and joins the
// errors.
func (m *Manager) each(fn func(datakind.Family, *sqlitepool.Pool) error) error {
	var errs []error
	for _, family := range datakind.SisterFamilies {
		slot := &m.slots[family]
		slot.mu.Lock()
		if slot.pool != nil {
			if err := fn(family, slot.pool); err != nil {
				errs = append(errs, err)
			}
		}
		slot.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Vacuum compacts every open sister file.
func (m *Manager) Vacuum(ctx context.Context) error {
	return m.each(func(_ datakind.Family, pool *sqlitepool.Pool) error {
		return pool.Vacuum(ctx)
	})
}

// Save folds the write-ahead log of every open sister file back into
// the file.
func (m *Manager) Save(ctx context.Context) error {
	return m.each(func(_ datakind.Family, pool *sqlitepool.Pool) error {
		return pool.Checkpoint(ctx)
	})
}

// Close closes every open sister file. The manager may be used again
// afterwards; files reopen on demand.
func (m *Manager) Close() error {
	var errs []error
	for _, family := range datakind.SisterFamilies {
		if err := m.closeSlot(family); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) closeSlot(family datakind.Family) error {
	slot := &m.slots[family]
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.pool == nil {
		return nil
	}
	err := slot.pool.Close()
	slot.pool = nil
	return err
}

// EraseSisterFiles closes every sister file and removes it, with its
// write-ahead log and lock file, from disk. Files never opened by this
// manager are removed too.
func (m *Manager) EraseSisterFiles() error {
	if m.config.ReadOnly {
		return fmt.Errorf("sisterfile: erase on read-only store %s", m.config.PrimaryPath)
	}
	var errs []error
	for _, family := range datakind.SisterFamilies {
		if err := m.closeSlot(family); err != nil {
			errs = append(errs, err)
		}
		path := m.Path(family)
		for _, name := range []string{path, path + "-wal", path + "-shm", path + ".lock"} {
			if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, fmt.Errorf("sisterfile: %w", err))
			}
		}
		m.logger.Info("sister file erased", "family", family.String(), "path", path)
	}
	return errors.Join(errs...)
}
