// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package streamstore

import (
	"context"
	"sync"

	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/nodestore"
)

// slotKey identifies the cache slot of one kind of one block.
type slotKey struct {
	kind datakind.Kind
	id   nodestore.BlockID
}

// slotFill is one fetch of a slot. done is closed once data and err
// are set.
type slotFill struct {
	done chan struct{}
	data []byte
	err  error
}

// blockSlot caches the decoded payload of one block between the call
// that fetches it and the load that consumes it. Callers that arrive
// while a fetch is in flight wait for it instead of fetching again.
// A consuming load invalidates the slot once every concurrent user
// has copied the data out.
type blockSlot struct {
	fill     *slotFill
	users    int
	consumed bool
}

// slotTable holds the slots of a store.
type slotTable struct {
	mu    sync.Mutex
	slots map[slotKey]*blockSlot
}

func newSlotTable() *slotTable {
	return &slotTable{slots: make(map[slotKey]*blockSlot)}
}

// acquire returns the payload of key, calling fetch when the slot is
// empty. The caller must pass the returned slot to release afterwards.
func (t *slotTable) acquire(ctx context.Context, key slotKey, fetch func(context.Context) ([]byte, error)) (*blockSlot, []byte, error) {
	t.mu.Lock()
	slot, ok := t.slots[key]
	if !ok {
		slot = &blockSlot{}
		t.slots[key] = slot
	}
	fill := slot.fill
	owner := fill == nil
	if owner {
		fill = &slotFill{done: make(chan struct{})}
		slot.fill = fill
	}
	slot.users++
	t.mu.Unlock()

	if owner {
		fill.data, fill.err = fetch(ctx)
		close(fill.done)
	} else {
		select {
		case <-fill.done:
		case <-ctx.Done():
			return slot, nil, ctx.Err()
		}
	}
	return slot, fill.data, fill.err
}

// release ends one use of slot. consume marks the data as copied out:
// the slot empties when its last user leaves. A failed fetch always
// empties the slot so the next call fetches again.
func (t *slotTable) release(key slotKey, slot *blockSlot, consume bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot.users--
	if consume {
		slot.consumed = true
	}
	if t.slots[key] != slot || slot.users > 0 {
		return
	}
	failed := false
	if slot.fill != nil {
		select {
		case <-slot.fill.done:
			failed = slot.fill.err != nil
		default:
		}
	}
	if slot.consumed || failed {
		delete(t.slots, key)
	}
}

// invalidate detaches the slot of key. Users holding it keep their
// copy, including a fetch still in flight; the next acquire fetches
// again.
func (t *slotTable) invalidate(key slotKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.slots, key)
}

// users reports the current users of key.
func (t *slotTable) users(key slotKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot, ok := t.slots[key]; ok {
		return slot.users
	}
	return 0
}

// cached reports whether key holds a payload.
func (t *slotTable) cached(key slotKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.slots[key]
	return ok
}
