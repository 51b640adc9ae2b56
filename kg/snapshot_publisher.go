// snapshot_publisher.go publishes graph snapshots to a BlobStore and tracks
// them in a per-graph manifest.
//
// Publish sequence:
//
//  1. Acquire the graph's write lease (ErrWriteLeaseConflict if held).
//  2. Upload the snapshot JSON under graphs/<id>/snapshots/<uuid>.json. Keys
//     are never reused, so the upload cannot clobber a published snapshot.
//  3. Prepend the new ref to the manifest with a CAS update, re-reading and
//     retrying when another writer got there first.
//  4. Delete snapshot blobs that fell off the retention window. Failures are
//     logged and left for the next publish.
//  5. Release the lease.
//
// A failure in step 3 deletes the blob uploaded in step 2.

package kg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultSnapshotRetain = 5

// SnapshotPublisher writes and reads published graph snapshots.
type SnapshotPublisher struct {
	blobs     BlobStore
	manifests ManifestStore
	leases    WriteLeaseManager
	leaseTTL  time.Duration
	retain    int
	retries   int
	observer  PublishRetryObserver
	logger    *slog.Logger
}

// PublisherOption configures a SnapshotPublisher.
type PublisherOption func(*SnapshotPublisher)

// WithWriteLeaseManager sets the lease manager. The default is an in-memory
// manager, which only coordinates publishers inside one process.
func WithWriteLeaseManager(leases WriteLeaseManager, ttl time.Duration) PublisherOption {
	return func(p *SnapshotPublisher) {
		if leases != nil {
			p.leases = leases
		}
		if ttl > 0 {
			p.leaseTTL = ttl
		}
	}
}

// WithRetain sets how many snapshots the manifest keeps.
func WithRetain(n int) PublisherOption {
	return func(p *SnapshotPublisher) {
		if n > 0 {
			p.retain = n
		}
	}
}

// WithPublishRetries bounds the CAS retries of one Publish.
func WithPublishRetries(n int) PublisherOption {
	return func(p *SnapshotPublisher) {
		if n >= 0 {
			p.retries = n
		}
	}
}

func WithPublishRetryObserver(observer PublishRetryObserver) PublisherOption {
	return func(p *SnapshotPublisher) {
		p.observer = observer
	}
}

func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *SnapshotPublisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewSnapshotPublisher builds a publisher over blobs and manifests.
func NewSnapshotPublisher(blobs BlobStore, manifests ManifestStore, opts ...PublisherOption) (*SnapshotPublisher, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if manifests == nil {
		return nil, fmt.Errorf("manifest store is required")
	}
	p := &SnapshotPublisher{
		blobs:     blobs,
		manifests: manifests,
		leases:    NewInMemoryWriteLeaseManager(),
		leaseTTL:  defaultWriteLeaseTTL,
		retain:    defaultSnapshotRetain,
		retries:   defaultPublishMaxRetries,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

func snapshotKey(graphID, snapshotID string) string {
	return path.Join("graphs", graphID, "snapshots", snapshotID+".json")
}

// PublishFrom takes a snapshot of src and publishes it.
func (p *SnapshotPublisher) PublishFrom(ctx context.Context, graphID string, src Snapshotter) (SnapshotRef, error) {
	snap, err := src.Snapshot(ctx)
	if err != nil {
		return SnapshotRef{}, fmt.Errorf("snapshot graph %s: %w", graphID, err)
	}
	return p.Publish(ctx, graphID, snap)
}

// Publish uploads snap and makes it the newest snapshot of graphID.
func (p *SnapshotPublisher) Publish(ctx context.Context, graphID string, snap *GraphSnapshot) (SnapshotRef, error) {
	if strings.TrimSpace(graphID) == "" {
		return SnapshotRef{}, fmt.Errorf("graph id cannot be empty")
	}
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return SnapshotRef{}, err
	}

	lease, err := p.leases.Acquire(ctx, graphID, p.leaseTTL)
	if err != nil {
		if errors.Is(err, ErrWriteLeaseConflict) {
			p.logger.WarnContext(ctx, "snapshot publish skipped", "graph_id", graphID, "reason", "lease_conflict")
		} else {
			p.logger.ErrorContext(ctx, "write lease acquisition failed", "graph_id", graphID, "error", err)
		}
		return SnapshotRef{}, fmt.Errorf("acquire write lease: %w", err)
	}
	defer func() {
		if err := p.leases.Release(context.Background(), lease); err != nil {
			p.logger.Warn("write lease release failed", "graph_id", graphID, "error", err)
		}
	}()

	id := uuid.NewString()
	ref := SnapshotRef{
		ID:        id,
		Key:       snapshotKey(graphID, id),
		Nodes:     len(snap.Nodes),
		Edges:     len(snap.Edges),
		SizeBytes: int64(len(data)),
		CreatedAt: snap.CreatedAt,
	}
	if _, err := p.blobs.WriteIfMatch(ctx, ref.Key, data, ""); err != nil {
		return SnapshotRef{}, fmt.Errorf("upload snapshot %s: %w", ref.Key, err)
	}

	var evicted []SnapshotRef
	err = runWithCASRetry(ctx, graphID, p.retries, p.observer, func() error {
		manifest, version, err := p.currentManifest(ctx, graphID)
		if err != nil {
			return err
		}
		manifest.Snapshots = append([]SnapshotRef{ref}, manifest.Snapshots...)
		evicted = nil
		if len(manifest.Snapshots) > p.retain {
			evicted = append(evicted, manifest.Snapshots[p.retain:]...)
			manifest.Snapshots = manifest.Snapshots[:p.retain]
		}
		manifest.UpdatedAt = time.Now().UTC()
		_, err = p.manifests.UpsertIfMatch(ctx, graphID, manifest, version)
		return err
	})
	if err != nil {
		if delErr := p.blobs.Delete(context.Background(), ref.Key); delErr != nil {
			p.logger.Warn("orphaned snapshot cleanup failed", "graph_id", graphID, "key", ref.Key, "error", delErr)
		}
		return SnapshotRef{}, fmt.Errorf("update manifest for %s: %w", graphID, err)
	}

	for _, old := range evicted {
		if err := p.blobs.Delete(ctx, old.Key); err != nil {
			p.logger.Warn("snapshot prune failed", "graph_id", graphID, "key", old.Key, "error", err)
		}
	}

	p.logger.InfoContext(ctx, "snapshot published",
		"graph_id", graphID,
		"snapshot_id", ref.ID,
		"nodes", ref.Nodes,
		"edges", ref.Edges,
		"size_bytes", ref.SizeBytes,
		"pruned", len(evicted),
	)
	return ref, nil
}

func (p *SnapshotPublisher) currentManifest(ctx context.Context, graphID string) (SnapshotManifest, string, error) {
	doc, err := p.manifests.Get(ctx, graphID)
	if errors.Is(err, ErrManifestNotFound) {
		return SnapshotManifest{GraphID: graphID}, "", nil
	}
	if err != nil {
		return SnapshotManifest{}, "", err
	}
	return doc.Manifest, doc.Version, nil
}

// LoadLatest downloads the newest published snapshot of graphID. It returns
// ErrManifestNotFound when nothing was published.
func (p *SnapshotPublisher) LoadLatest(ctx context.Context, graphID string) (*GraphSnapshot, SnapshotRef, error) {
	doc, err := p.manifests.Get(ctx, graphID)
	if err != nil {
		return nil, SnapshotRef{}, err
	}
	ref, ok := doc.Manifest.Latest()
	if !ok {
		return nil, SnapshotRef{}, fmt.Errorf("%w: graph %s has no snapshots", ErrManifestNotFound, graphID)
	}
	data, _, err := p.blobs.Read(ctx, ref.Key)
	if err != nil {
		return nil, SnapshotRef{}, fmt.Errorf("download snapshot %s: %w", ref.Key, err)
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return nil, SnapshotRef{}, err
	}
	return snap, ref, nil
}

// History returns the retained snapshots of graphID, newest first.
func (p *SnapshotPublisher) History(ctx context.Context, graphID string) ([]SnapshotRef, error) {
	doc, err := p.manifests.Get(ctx, graphID)
	if err != nil {
		return nil, err
	}
	return doc.Manifest.Snapshots, nil
}
