// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package streamstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/meshstore/lib/binio"
	"github.com/bureau-foundation/meshstore/lib/blockcodec"
	"github.com/bureau-foundation/meshstore/lib/clock"
	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/nodeheader"
	"github.com/bureau-foundation/meshstore/lib/nodestore"
)

// Node group blob layout, inside a block frame:
//
//	count u32
//	count × { nodeId u32 · length u32 · binary node header }
//
// Groups cover contiguous id ranges: node id n belongs to group
// n / groupSize.

// EncodeGroup serializes the headers of one node group.
func EncodeGroup(headers []*nodeheader.NodeHeader) []byte {
	w := binio.NewWriter(64 * len(headers))
	w.Uint32(uint32(len(headers)))
	for _, header := range headers {
		encoded := nodeheader.EncodeBinary(header)
		w.Uint32(uint32(header.ID))
		w.Uint32(uint32(len(encoded)))
		w.Raw(encoded)
	}
	return w.Bytes()
}

// DecodeGroup parses the output of [EncodeGroup].
func DecodeGroup(data []byte) (map[nodeheader.NodeID]*nodeheader.NodeHeader, error) {
	r := binio.NewReader(data)
	count := r.Count32(8)
	headers := make(map[nodeheader.NodeID]*nodeheader.NodeHeader, count)
	for range count {
		id := nodeheader.NodeID(r.Uint32())
		encoded := r.Raw(int(r.Uint32()))
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("streamstore: node group: %w", err)
		}
		header, err := nodeheader.DecodeBinary(id, encoded)
		if err != nil {
			return nil, fmt.Errorf("streamstore: node group entry %d: %w", id, err)
		}
		headers[id] = header
	}
	if err := r.ExpectEnd(); err != nil {
		return nil, fmt.Errorf("streamstore: node group: %w", err)
	}
	return headers, nil
}

// nodeGroup is one loaded group. mu guards headers.
type nodeGroup struct {
	id       uint32
	mu       sync.Mutex
	headers  map[nodeheader.NodeID]*nodeheader.NodeHeader
	lastUsed time.Time
}

// groupCache demand-loads node groups and unloads those left unused
// for the idle timeout. Concurrent first accesses to one group share a
// single fetch.
type groupCache struct {
	transport Transport
	codec     blockcodec.Options
	size      uint32
	idle      time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	mu     sync.Mutex
	loaded map[uint32]*nodeGroup
	flight singleflight.Group
	// writers serializes the rewrites of each group id, across the
	// copies of that group an idle unload may leave behind.
	writers map[uint32]*sync.Mutex

	stop    chan struct{}
	stopped sync.WaitGroup
	// onSweep, when set, observes every ticker sweep.
	onSweep func(unloaded int)
}

func newGroupCache(transport Transport, codec blockcodec.Options, size uint32, idle time.Duration, clk clock.Clock, logger *slog.Logger) *groupCache {
	return &groupCache{
		transport: transport,
		codec:     codec,
		size:      size,
		idle:      idle,
		clock:     clk,
		logger:    logger,
		loaded:    make(map[uint32]*nodeGroup),
		writers:   make(map[uint32]*sync.Mutex),
	}
}

func (c *groupCache) groupOf(id nodeheader.NodeID) uint32 {
	return uint32(id) / c.size
}

// start runs the idle sweeper until close.
func (c *groupCache) start() {
	if c.idle <= 0 || c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	ticker := c.clock.NewTicker(c.idle)
	c.stopped.Add(1)
	go func() {
		defer c.stopped.Done()
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case now := <-ticker.C:
				c.mu.Lock()
				unloaded := c.sweepLocked(now)
				c.mu.Unlock()
				if c.onSweep != nil {
					c.onSweep(unloaded)
				}
			}
		}
	}()
}

func (c *groupCache) close() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	c.stopped.Wait()
	c.stop = nil
}

// sweepLocked unloads groups idle since before now minus the timeout
// and returns how many it unloaded.
func (c *groupCache) sweepLocked(now time.Time) int {
	if c.idle <= 0 {
		return 0
	}
	unloaded := 0
	for id, group := range c.loaded {
		if now.Sub(group.lastUsed) >= c.idle {
			delete(c.loaded, id)
			unloaded++
			c.logger.Debug("node group unloaded", "group", id)
		}
	}
	return unloaded
}

// group returns the loaded group, fetching it on first access. A group
// with no stored blob loads empty.
func (c *groupCache) group(ctx context.Context, id uint32) (*nodeGroup, error) {
	now := c.clock.Now()
	c.mu.Lock()
	c.sweepLocked(now)
	if group, ok := c.loaded[id]; ok {
		group.lastUsed = now
		c.mu.Unlock()
		return group, nil
	}
	c.mu.Unlock()

	value, err, _ := c.flight.Do(strconv.FormatUint(uint64(id), 10), func() (any, error) {
		c.mu.Lock()
		if group, ok := c.loaded[id]; ok {
			c.mu.Unlock()
			return group, nil
		}
		c.mu.Unlock()

		headers, err := c.fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if group, ok := c.loaded[id]; ok {
			// A rewrite installed its copy during the fetch.
			return group, nil
		}
		group := &nodeGroup{id: id, headers: headers, lastUsed: c.clock.Now()}
		c.loaded[id] = group
		return group, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*nodeGroup), nil
}

func (c *groupCache) fetch(ctx context.Context, id uint32) (map[nodeheader.NodeID]*nodeheader.NodeHeader, error) {
	frame, err := c.transport.Read(ctx, groupName(id))
	if errors.Is(err, nodestore.ErrNotFound) {
		c.logger.Debug("node group missing", "group", id)
		return make(map[nodeheader.NodeID]*nodeheader.NodeHeader), nil
	}
	if err != nil {
		return nil, fmt.Errorf("streamstore: loading node group %d: %w", id, err)
	}
	data, err := blockcodec.Unpack(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: node group %d: %w", nodestore.ErrMalformed, id, err)
	}
	headers, err := DecodeGroup(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", nodestore.ErrMalformed, err)
	}
	c.logger.Debug("node group loaded", "group", id, "headers", len(headers))
	return headers, nil
}

// header returns a copy of the header of id and whether it is stored.
func (c *groupCache) header(ctx context.Context, id nodeheader.NodeID) (*nodeheader.NodeHeader, bool, error) {
	group, err := c.group(ctx, c.groupOf(id))
	if err != nil {
		return nil, false, err
	}
	group.mu.Lock()
	defer group.mu.Unlock()
	header, ok := group.headers[id]
	if !ok {
		return nil, false, nil
	}
	return header.Clone(), true, nil
}

// writer returns the rewrite lock of group id.
func (c *groupCache) writer(id uint32) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.writers[id]
	if !ok {
		lock = &sync.Mutex{}
		c.writers[id] = lock
	}
	return lock
}

// update stores header and rewrites its group blob. The rewritten
// group becomes the loaded copy.
func (c *groupCache) update(ctx context.Context, header *nodeheader.NodeHeader) error {
	id := c.groupOf(header.ID)
	lock := c.writer(id)
	lock.Lock()
	defer lock.Unlock()

	group, err := c.group(ctx, id)
	if err != nil {
		return err
	}
	group.mu.Lock()
	defer group.mu.Unlock()

	next := maps.Clone(group.headers)
	next[header.ID] = header.Clone()
	ordered := make([]*nodeheader.NodeHeader, 0, len(next))
	for _, id := range slices.Sorted(maps.Keys(next)) {
		ordered = append(ordered, next[id])
	}
	frame, err := blockcodec.Pack(c.codec.Policy, datakind.Metadata, EncodeGroup(ordered))
	if err != nil {
		return fmt.Errorf("streamstore: encoding node group %d: %w", group.id, err)
	}
	if err := c.transport.Write(ctx, groupName(group.id), frame); err != nil {
		return fmt.Errorf("streamstore: writing node group %d: %w", group.id, err)
	}
	group.headers = next
	c.mu.Lock()
	group.lastUsed = c.clock.Now()
	c.loaded[id] = group
	c.mu.Unlock()
	return nil
}

// isLoaded reports whether group id is resident.
func (c *groupCache) isLoaded(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.loaded[id]
	return ok
}
