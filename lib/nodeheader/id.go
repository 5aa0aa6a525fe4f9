// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodeheader

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// NodeID identifies a node within one store.
type NodeID uint32

// nullWire is the sentinel the binary format uses for "no id". It
// never appears above the codec layer.
const nullWire = math.MaxUint32

// String formats the id in decimal.
func (id NodeID) String() string { return strconv.FormatUint(uint64(id), 10) }

// NullNodeID is an optional node id, in the style of sql.NullInt32.
type NullNodeID struct {
	ID    NodeID
	Valid bool
}

// Some returns a set NullNodeID.
func Some(id NodeID) NullNodeID { return NullNodeID{ID: id, Valid: true} }

// None is the unset NullNodeID.
var None = NullNodeID{}

// Get returns the id and whether it is set.
func (n NullNodeID) Get() (NodeID, bool) { return n.ID, n.Valid }

// String returns the id or "null".
func (n NullNodeID) String() string {
	if !n.Valid {
		return "null"
	}
	return n.ID.String()
}

func (n NullNodeID) wire() uint32 {
	if !n.Valid {
		return nullWire
	}
	return uint32(n.ID)
}

func nullFromWire(value uint32) NullNodeID {
	if value == nullWire {
		return None
	}
	return Some(NodeID(value))
}

// MarshalJSON writes a number or null.
func (n NullNodeID) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return []byte(n.ID.String()), nil
}

// UnmarshalJSON accepts a number, null, or the legacy sentinels -1
// and 4294967295.
func (n *NullNodeID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*n = None
		return nil
	}
	var value json.Number
	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("node id: %w", err)
	}
	parsed, err := value.Int64()
	if err != nil {
		return fmt.Errorf("node id %q: %w", value, err)
	}
	if parsed == -1 || parsed == nullWire {
		*n = None
		return nil
	}
	if parsed < 0 || parsed > nullWire {
		return fmt.Errorf("node id %d out of range", parsed)
	}
	*n = Some(NodeID(parsed))
	return nil
}
