package kg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// S3BlobStore keeps snapshot and manifest blobs in one bucket under Prefix.
// A blob's version is its ETag; WriteIfMatch sends it back as If-Match, so a
// manifest update that lost a race fails with ErrBlobVersionMismatch.
type S3BlobStore struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

func NewS3BlobStore(client *s3.Client, bucket, prefix string) *S3BlobStore {
	return &S3BlobStore{Client: client, Bucket: bucket, Prefix: prefix}
}

func (s *S3BlobStore) objectKey(key string) *string {
	return aws.String(s.Prefix + key)
}

func (s *S3BlobStore) location(key string) string {
	return fmt.Sprintf("s3://%s/%s%s", s.Bucket, s.Prefix, key)
}

// s3Status returns the HTTP status carried by err, or 0.
func s3Status(err error) int {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	return 0
}

func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey) || s3Status(err) == http.StatusNotFound
}

func s3ObjectInfo(key string, etag *string, modified *time.Time, size int64) *BlobObjectInfo {
	info := &BlobObjectInfo{Key: key, Version: aws.ToString(etag), Size: size}
	if modified != nil {
		info.UpdatedAt = modified.UTC()
	} else {
		info.UpdatedAt = time.Now().UTC()
	}
	return info
}

func (s *S3BlobStore) Head(ctx context.Context, key string) (*BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := s.Client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.Bucket), Key: s.objectKey(key)})
	if isS3NotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", s.location(key), err)
	}
	return s3ObjectInfo(key, out.ETag, out.LastModified, aws.ToInt64(out.ContentLength)), nil
}

func (s *S3BlobStore) Read(ctx context.Context, key string) ([]byte, *BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.Bucket), Key: s.objectKey(key)})
	if isS3NotFound(err) {
		return nil, nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get %s: %w", s.location(key), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read body of %s: %w", s.location(key), err)
	}
	return data, s3ObjectInfo(key, out.ETag, out.LastModified, int64(len(data))), nil
}

// WriteIfMatch uploads data as JSON. An empty expectedVersion writes
// unconditionally.
func (s *S3BlobStore) WriteIfMatch(ctx context.Context, key string, data []byte, expectedVersion string) (*BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           s.objectKey(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	}
	if expectedVersion != "" {
		in.IfMatch = aws.String(expectedVersion)
	}

	out, err := s.Client.PutObject(ctx, in)
	if s3Status(err) == http.StatusPreconditionFailed {
		return nil, fmt.Errorf("%w: %s changed since version %s", ErrBlobVersionMismatch, key, expectedVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", s.location(key), err)
	}
	return s3ObjectInfo(key, out.ETag, nil, int64(len(data))), nil
}

// Delete treats a missing object as already deleted.
func (s *S3BlobStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.Bucket), Key: s.objectKey(key)})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("delete %s: %w", s.location(key), err)
	}
	return nil
}

// List returns every object under prefix, keys relative to Prefix and sorted.
func (s *S3BlobStore) List(ctx context.Context, prefix string) ([]BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var items []BlobObjectInfo
	pages := s3.NewListObjectsV2Paginator(s.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: s.objectKey(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", s.location(prefix), err)
		}
		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), s.Prefix)
			info := BlobObjectInfo{Key: key, Version: aws.ToString(obj.ETag), Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				info.UpdatedAt = obj.LastModified.UTC()
			}
			items = append(items, info)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}
