// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blockcodec

import (
	"fmt"
	"slices"

	"github.com/bureau-foundation/meshstore/lib/binio"
)

// TopologyGraph is the vertex adjacency of a node's mesh. Vertex v
// (1-based, as in the index arrays) is Vertices[v-1].
type TopologyGraph struct {
	Vertices []GraphVertex
}

// GraphVertex lists the vertices sharing an edge with one vertex.
// Tag carries builder flags such as "on the node boundary".
type GraphVertex struct {
	Tag       uint32
	Neighbors []uint32
}

var graphMagic = [4]byte{'M', 'T', 'G', '1'}

// GraphFromTriangles builds the adjacency of a triangle list of
// 1-based vertex indices.
func GraphFromTriangles(vertexCount int, indices []int32) (*TopologyGraph, error) {
	if len(indices)%3 != 0 {
		return nil, fmt.Errorf("blockcodec: %d triangle indices is not a multiple of 3", len(indices))
	}
	graph := &TopologyGraph{Vertices: make([]GraphVertex, vertexCount)}
	link := func(a, b int32) {
		neighbors := &graph.Vertices[a-1].Neighbors
		if !slices.Contains(*neighbors, uint32(b)) {
			*neighbors = append(*neighbors, uint32(b))
		}
	}
	for i, index := range indices {
		if index < 1 || int(index) > vertexCount {
			return nil, fmt.Errorf("blockcodec: triangle index %d at %d outside 1..%d", index, i, vertexCount)
		}
	}
	for i := 0; i < len(indices); i += 3 {
		a, b, c := indices[i], indices[i+1], indices[i+2]
		link(a, b)
		link(b, a)
		link(b, c)
		link(c, b)
		link(c, a)
		link(a, c)
	}
	for i := range graph.Vertices {
		slices.Sort(graph.Vertices[i].Neighbors)
	}
	return graph, nil
}

// Validate checks that every neighbor names a vertex of the graph and
// that adjacency is symmetric.
func (g *TopologyGraph) Validate() error {
	for i, vertex := range g.Vertices {
		for _, neighbor := range vertex.Neighbors {
			if neighbor < 1 || int(neighbor) > len(g.Vertices) {
				return fmt.Errorf("blockcodec: graph vertex %d links to %d outside 1..%d", i+1, neighbor, len(g.Vertices))
			}
			if !slices.Contains(g.Vertices[neighbor-1].Neighbors, uint32(i+1)) {
				return fmt.Errorf("blockcodec: graph edge %d→%d has no reverse edge", i+1, neighbor)
			}
		}
	}
	return nil
}

// EncodeGraph serializes g:
//
//	magic "MTG1" vertexCount(u32) then per vertex:
//	tag(u32) neighborCount(u32) + u32…
func EncodeGraph(g *TopologyGraph) []byte {
	size := 8
	for _, vertex := range g.Vertices {
		size += 8 + 4*len(vertex.Neighbors)
	}
	w := binio.NewWriter(size)
	w.Raw(graphMagic[:])
	w.Uint32(uint32(len(g.Vertices)))
	for _, vertex := range g.Vertices {
		w.Uint32(vertex.Tag)
		w.Uint32(uint32(len(vertex.Neighbors)))
		for _, neighbor := range vertex.Neighbors {
			w.Uint32(neighbor)
		}
	}
	return w.Bytes()
}

// DecodeGraph parses the output of [EncodeGraph].
func DecodeGraph(data []byte) (*TopologyGraph, error) {
	r := binio.NewReader(data)
	magic := r.Raw(len(graphMagic))
	if r.Err() == nil && [4]byte(magic) != graphMagic {
		return nil, fmt.Errorf("blockcodec: topology graph magic %q, want %q", magic, graphMagic[:])
	}
	count := r.Count32(8)
	graph := &TopologyGraph{Vertices: make([]GraphVertex, count)}
	for i := range graph.Vertices {
		graph.Vertices[i].Tag = r.Uint32()
		if neighbors := r.Count32(4); neighbors > 0 {
			graph.Vertices[i].Neighbors = make([]uint32, neighbors)
			for j := range graph.Vertices[i].Neighbors {
				graph.Vertices[i].Neighbors[j] = r.Uint32()
			}
		}
	}
	if err := r.ExpectEnd(); err != nil {
		return nil, fmt.Errorf("blockcodec: topology graph: %w", err)
	}
	return graph, nil
}
