// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package streamstore

import (
	"fmt"

	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/nodeheader"
	"github.com/bureau-foundation/meshstore/lib/nodestore"
)

// Blob names relative to the dataset root.
const (
	// LegacyMasterName is the framed legacy grouped master header.
	LegacyMasterName = "MasterHeaderWithGroups.bin"
	// JSONMasterName is the plain JSON master header.
	JSONMasterName = "MasterHeader.json"
	// DefaultRootDocument is the tileset document used when the dataset
	// URL names none.
	DefaultRootDocument = "tileset.json"
)

func groupName(group uint32) string {
	return fmt.Sprintf("headers/g_%d.bin", group)
}

func nodeHeaderName(id nodeheader.NodeID) string {
	return fmt.Sprintf("headers/n_%d.json", id)
}

func tileName(id nodeheader.NodeID) string {
	return nodeheader.ChildDocument(id)
}

func tilePayloadName(id nodestore.BlockID) string {
	return fmt.Sprintf("%d.b3dm", id)
}

func blockName(kind datakind.Kind, id nodestore.BlockID) string {
	return fmt.Sprintf("data/%s/%d.bin", kind, id)
}

func textureName(id nodestore.BlockID) string {
	return fmt.Sprintf("textures/t_%d.bin", id)
}
