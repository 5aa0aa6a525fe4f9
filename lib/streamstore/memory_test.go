// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package streamstore

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/bureau-foundation/meshstore/lib/nodestore"
)

// memoryTransport is an in-memory Transport that counts reads and
// writes. Reads of gated names take their snapshot, then block until
// the gate is closed. A write gate holds back only the next write of
// its name.
type memoryTransport struct {
	mu         sync.Mutex
	blobs      map[string][]byte
	reads      map[string]int
	writes     map[string]int
	gates      map[string]chan struct{}
	writeGates map[string]chan struct{}
}

func newMemoryTransport() *memoryTransport {
	return &memoryTransport{
		blobs:      make(map[string][]byte),
		reads:      make(map[string]int),
		writes:     make(map[string]int),
		gates:      make(map[string]chan struct{}),
		writeGates: make(map[string]chan struct{}),
	}
}

// gateWrite makes the next write of name wait for the returned channel
// to close.
func (m *memoryTransport) gateWrite(name string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	gate := make(chan struct{})
	m.writeGates[name] = gate
	return gate
}

func (m *memoryTransport) writeCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[name]
}

// gate makes reads of name wait for the returned channel to close.
func (m *memoryTransport) gate(name string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	gate := make(chan struct{})
	m.gates[name] = gate
	return gate
}

// ungate lets later reads of name through. Reads already waiting on
// the gate keep waiting for it.
func (m *memoryTransport) ungate(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.gates, name)
}

func (m *memoryTransport) readCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads[name]
}

func (m *memoryTransport) Read(ctx context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	m.reads[name]++
	gate := m.gates[name]
	data, ok := m.blobs[name]
	data = bytes.Clone(data)
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", nodestore.ErrNotFound, name)
	}
	return data, nil
}

func (m *memoryTransport) Write(ctx context.Context, name string, segments ...[]byte) error {
	m.mu.Lock()
	m.writes[name]++
	gate := m.writeGates[name]
	delete(m.writeGates, name)
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[name] = bytes.Join(segments, nil)
	return nil
}

func (m *memoryTransport) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[name]
	delete(m.blobs, name)
	return ok, nil
}
