package kg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const snapshotSchemaVersion = 1

// GraphSnapshot is a point-in-time copy of a whole graph. Nodes and edges are
// listed in insertion order, so restoring a snapshot reproduces the source
// GetAllLabels and EmbedNodes ordering.
type GraphSnapshot struct {
	SchemaVersion int            `json:"schema_version"`
	CreatedAt     time.Time      `json:"created_at"`
	Nodes         []SnapshotNode `json:"nodes"`
	Edges         []SnapshotEdge `json:"edges"`
}

type SnapshotNode struct {
	ID         string     `json:"id"`
	Attributes Attributes `json:"attributes"`
}

type SnapshotEdge struct {
	Source     string     `json:"source"`
	Target     string     `json:"target"`
	Attributes Attributes `json:"attributes"`
}

// View converts the snapshot into the index-based form embedding algorithms
// consume.
func (s *GraphSnapshot) View() (*GraphView, error) {
	ids := make([]string, len(s.Nodes))
	attrs := make([]Attributes, len(s.Nodes))
	for i, n := range s.Nodes {
		ids[i] = n.ID
		attrs[i] = n.Attributes.Clone()
	}
	edges := make([]EdgeKey, len(s.Edges))
	for i, e := range s.Edges {
		edges[i] = EdgeKey{Source: e.Source, Target: e.Target}
	}
	return newGraphView(ids, attrs, edges)
}

// EncodeSnapshot serializes snap as JSON.
func EncodeSnapshot(snap *GraphSnapshot) ([]byte, error) {
	if snap == nil {
		return nil, fmt.Errorf("snapshot is nil")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a snapshot and rejects unknown schema versions.
func DecodeSnapshot(data []byte) (*GraphSnapshot, error) {
	var snap GraphSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.SchemaVersion != snapshotSchemaVersion {
		return nil, fmt.Errorf("unsupported snapshot schema version %d", snap.SchemaVersion)
	}
	return &snap, nil
}

// RestoreSnapshot replays snap into store: every node first, in order, then
// every edge. Existing content in store is merged with, not replaced by, the
// snapshot.
func RestoreSnapshot(ctx context.Context, store GraphStore, snap *GraphSnapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}
	for _, n := range snap.Nodes {
		if err := store.UpsertNode(ctx, n.ID, n.Attributes); err != nil {
			return fmt.Errorf("restore node %q: %w", n.ID, err)
		}
	}
	for _, e := range snap.Edges {
		if err := store.UpsertEdge(ctx, e.Source, e.Target, e.Attributes); err != nil {
			return fmt.Errorf("restore edge %s->%s: %w", e.Source, e.Target, err)
		}
	}
	return nil
}
