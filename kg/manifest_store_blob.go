package kg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
)

// BlobManifestStore keeps manifests as JSON objects in a BlobStore, at
// graphs/<graphID>/manifest.json.
type BlobManifestStore struct {
	Store BlobStore
}

func manifestKey(graphID string) string {
	return path.Join("graphs", graphID, "manifest.json")
}

func (s *BlobManifestStore) Get(ctx context.Context, graphID string) (*ManifestDocument, error) {
	data, info, err := s.Store.Read(ctx, manifestKey(graphID))
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return nil, fmt.Errorf("%w: graph %s", ErrManifestNotFound, graphID)
		}
		return nil, err
	}

	var manifest SnapshotManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest for %s: %w", graphID, err)
	}
	return &ManifestDocument{Manifest: manifest, Version: info.Version}, nil
}

func (s *BlobManifestStore) HeadVersion(ctx context.Context, graphID string) (string, error) {
	info, err := s.Store.Head(ctx, manifestKey(graphID))
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return "", nil
		}
		return "", err
	}
	return info.Version, nil
}

// UpsertIfMatch checks create-if-absent with a Head before writing. That check
// is not atomic against other processes; the write lease covers the gap.
func (s *BlobManifestStore) UpsertIfMatch(ctx context.Context, graphID string, manifest SnapshotManifest, expectedVersion string) (string, error) {
	key := manifestKey(graphID)
	if expectedVersion == "" {
		_, err := s.Store.Head(ctx, key)
		if err == nil {
			return "", fmt.Errorf("%w: manifest for %s already exists", ErrBlobVersionMismatch, graphID)
		}
		if !errors.Is(err, ErrBlobNotFound) {
			return "", err
		}
	}

	data, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("encode manifest for %s: %w", graphID, err)
	}
	info, err := s.Store.WriteIfMatch(ctx, key, data, expectedVersion)
	if err != nil {
		return "", err
	}
	return info.Version, nil
}

func (s *BlobManifestStore) Delete(ctx context.Context, graphID string) error {
	if err := s.Store.Delete(ctx, manifestKey(graphID)); err != nil && !errors.Is(err, ErrBlobNotFound) {
		return fmt.Errorf("delete manifest for %s: %w", graphID, err)
	}
	return nil
}
