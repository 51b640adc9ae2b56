package kg

import (
	"context"
	"time"
)

// BlobObjectInfo describes a stored snapshot or manifest object.
type BlobObjectInfo struct {
	Key       string
	Version   string
	UpdatedAt time.Time
	Size      int64
}

// BlobStore holds snapshot and manifest payloads.
//
// Missing keys are reported as ErrBlobNotFound. WriteIfMatch with an empty
// expectedVersion writes unconditionally; otherwise the write only happens
// when the current version equals expectedVersion, and ErrBlobVersionMismatch
// is returned when it does not.
type BlobStore interface {
	Head(ctx context.Context, key string) (*BlobObjectInfo, error)
	Read(ctx context.Context, key string) ([]byte, *BlobObjectInfo, error)
	WriteIfMatch(ctx context.Context, key string, data []byte, expectedVersion string) (*BlobObjectInfo, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]BlobObjectInfo, error)
}
