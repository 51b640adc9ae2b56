package kg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// LocalBlobStore implements BlobStore on a local directory. Versions are the
// SHA-256 of the object content.
type LocalBlobStore struct {
	Root string

	// serializes version check and write within this process
	mu sync.Mutex
}

// NewLocalBlobStore returns a store rooted at root.
func NewLocalBlobStore(root string) *LocalBlobStore {
	return &LocalBlobStore{Root: root}
}

func (l *LocalBlobStore) path(key string) string {
	return filepath.Join(l.Root, filepath.FromSlash(key))
}

func (l *LocalBlobStore) Head(ctx context.Context, key string) (*BlobObjectInfo, error) {
	_, info, err := l.Read(ctx, key)
	return info, err
}

func (l *LocalBlobStore) Read(ctx context.Context, key string) ([]byte, *BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	path := l.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	stat, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("stat %s: %w", path, err)
	}

	return data, &BlobObjectInfo{
		Key:       key,
		Version:   contentSHA256(data),
		UpdatedAt: stat.ModTime().UTC(),
		Size:      int64(len(data)),
	}, nil
}

func (l *LocalBlobStore) WriteIfMatch(ctx context.Context, key string, data []byte, expectedVersion string) (*BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if expectedVersion != "" {
		current, err := l.Head(ctx, key)
		if err != nil && !errors.Is(err, ErrBlobNotFound) {
			return nil, err
		}
		if current == nil || current.Version != expectedVersion {
			return nil, fmt.Errorf("%w: version mismatch for %s", ErrBlobVersionMismatch, key)
		}
	}

	path := l.path(key)
	if err := writeFileAtomic(path, data); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	return &BlobObjectInfo{
		Key:       key,
		Version:   contentSHA256(data),
		UpdatedAt: stat.ModTime().UTC(),
		Size:      int64(len(data)),
	}, nil
}

func (l *LocalBlobStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return nil
	}

	err := os.Remove(l.path(key))
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (l *LocalBlobStore) List(ctx context.Context, prefix string) ([]BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := os.Stat(l.Root); errors.Is(err, os.ErrNotExist) {
		return []BlobObjectInfo{}, nil
	} else if err != nil {
		return nil, err
	}

	items := make([]BlobObjectInfo, 0)
	err := filepath.WalkDir(l.Root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(l.Root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		if strings.Contains(filepath.Base(key), ".tmp-") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		// mtime+size stands in for the content hash when listing
		items = append(items, BlobObjectInfo{
			Key:       key,
			Version:   fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size()),
			UpdatedAt: info.ModTime().UTC(),
			Size:      info.Size(),
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []BlobObjectInfo{}, nil
		}
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Key < items[j].Key
	})
	return items, nil
}
