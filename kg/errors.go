package kg

import "errors"

var (
	ErrNodeNotFound     = errors.New("node not found")
	ErrEdgeNotFound     = errors.New("edge not found")
	ErrInvalidNodeID    = errors.New("invalid node id")
	ErrInvalidAttribute = errors.New("invalid attribute")

	ErrUnsupportedAlgorithm = errors.New("unsupported embedding algorithm")
	ErrInvariantViolation   = errors.New("graph invariant violation")

	ErrBlobVersionMismatch = errors.New("blob version mismatch")
	ErrBlobNotFound        = errors.New("blob not found")
	ErrManifestNotFound    = errors.New("snapshot manifest not found")

	ErrWriteLeaseConflict = errors.New("write lease conflict")

	ErrInvalidEmbeddingDimension = errors.New("invalid embedding dimension")
	ErrGraphBuilderUnavailable   = errors.New("graph extraction is not configured")
)
