package kg

import (
	"context"
	"time"
)

// SnapshotRef points at one published snapshot blob.
type SnapshotRef struct {
	ID        string    `json:"id" bson:"id"`
	Key       string    `json:"key" bson:"key"`
	Nodes     int       `json:"nodes" bson:"nodes"`
	Edges     int       `json:"edges" bson:"edges"`
	SizeBytes int64     `json:"size_bytes" bson:"size_bytes"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// SnapshotManifest lists the retained snapshots of one graph, newest first.
type SnapshotManifest struct {
	GraphID   string        `json:"graph_id" bson:"graph_id"`
	Snapshots []SnapshotRef `json:"snapshots" bson:"snapshots"`
	UpdatedAt time.Time     `json:"updated_at" bson:"updated_at"`
}

// Latest returns the newest snapshot, or false when the manifest is empty.
func (m *SnapshotManifest) Latest() (SnapshotRef, bool) {
	if m == nil || len(m.Snapshots) == 0 {
		return SnapshotRef{}, false
	}
	return m.Snapshots[0], true
}

// ManifestDocument pairs a manifest with the version used for CAS updates.
type ManifestDocument struct {
	Manifest SnapshotManifest
	Version  string
}

// ManifestStore keeps one manifest per graph id.
type ManifestStore interface {
	// Get returns ErrManifestNotFound when nothing was published for graphID.
	Get(ctx context.Context, graphID string) (*ManifestDocument, error)

	// HeadVersion returns "" when the manifest is absent.
	HeadVersion(ctx context.Context, graphID string) (string, error)

	// UpsertIfMatch writes manifest when the stored version equals
	// expectedVersion, returning the new version. An empty expectedVersion
	// means the manifest must not exist yet. A lost race returns
	// ErrBlobVersionMismatch.
	UpsertIfMatch(ctx context.Context, graphID string, manifest SnapshotManifest, expectedVersion string) (string, error)

	// Delete is a no-op when the manifest is absent.
	Delete(ctx context.Context, graphID string) error
}
