package cache

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
)

// MinioObjectStore is the L3 tier backed by an S3-compatible object store
// (MinIO in development, any S3-compatible endpoint in production),
// grounded on the bucket/key layout of the hybrid Python cache's S3 client.
type MinioObjectStore struct {
	client *minio.Client
	bucket string
}

// NewMinioObjectStore wraps an existing MinIO client bound to bucket.
func NewMinioObjectStore(client *minio.Client, bucket string) *MinioObjectStore {
	return &MinioObjectStore{client: client, bucket: bucket}
}

func (s *MinioObjectStore) Put(ctx context.Context, objectKey string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectKey, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType:  contentType,
			CacheControl: "public, max-age=2592000",
		},
	)
	return err
}

func (s *MinioObjectStore) Get(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *MinioObjectStore) DeleteBatch(ctx context.Context, objectKeys []string) error {
	if len(objectKeys) == 0 {
		return nil
	}

	objectsCh := make(chan minio.ObjectInfo, len(objectKeys))
	go func() {
		defer close(objectsCh)
		for _, k := range objectKeys {
			objectsCh <- minio.ObjectInfo{Key: k}
		}
	}()

	var firstErr error
	for result := range s.client.RemoveObjects(ctx, s.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if result.Err != nil && firstErr == nil {
			firstErr = result.Err
		}
	}
	return firstErr
}

// ListObjectKeys lists up to max object keys under prefix, for
// cleanup_orphaned's bounded per-prefix scan.
func (s *MinioObjectStore) ListObjectKeys(ctx context.Context, prefix string, max int) ([]ObjectSummary, error) {
	opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: true}
	var out []ObjectSummary
	for obj := range s.client.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			return out, obj.Err
		}
		out = append(out, ObjectSummary{Key: obj.Key, Size: obj.Size})
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

// Stats samples up to sampleSize objects to estimate bucket occupancy,
// matching the bounded-sample approach required by §5 instead of a full
// bucket listing.
func (s *MinioObjectStore) Stats(ctx context.Context, sampleSize int) (L3Stats, error) {
	if err := s.Ping(ctx); err != nil {
		return L3Stats{Connected: false}, err
	}

	opts := minio.ListObjectsOptions{Recursive: true}
	var count, size int64
	truncated := false

	for obj := range s.client.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			return L3Stats{Connected: true}, obj.Err
		}
		count++
		size += obj.Size
		if count >= int64(sampleSize) {
			truncated = true
			break
		}
	}

	return L3Stats{
		Connected:       true,
		ObjectsEstimate: count,
		BytesEstimate:   size,
		SampleTruncated: truncated,
	}, nil
}

func (s *MinioObjectStore) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}
