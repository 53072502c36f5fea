package remote

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/tags"
)

// Config holds the connection settings for a MinIO/S3-compatible endpoint.
type Config struct {
	// Endpoint is the host:port of the service, without scheme.
	Endpoint string

	// AccessKey and SecretKey are static credentials.
	AccessKey string
	SecretKey string

	// UseSSL enables TLS.
	UseSSL bool

	// Region is passed through on bucket creation. Optional.
	Region string

	// Client overrides Endpoint/credentials with a pre-built client.
	// Used by tests and callers with custom transport needs.
	Client *minio.Client
}

func (c Config) validate() error {
	if c.Client == nil && c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	return nil
}

// MinioClient implements Client on top of minio-go.
type MinioClient struct {
	client *minio.Client
	region string
}

// NewMinioClient creates a MinIO-backed remote client.
func NewMinioClient(cfg Config) (*MinioClient, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	client := cfg.Client
	if client == nil {
		var err error
		client, err = minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("creating minio client: %w", err)
		}
	}

	return &MinioClient{client: client, region: cfg.Region}, nil
}

// ListBuckets returns all buckets visible to the credentials.
func (m *MinioClient) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	buckets, err := m.client.ListBuckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}

	out := make([]BucketInfo, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, BucketInfo{Name: b.Name, CreatedAt: b.CreationDate})
	}
	return out, nil
}

// MakeBucket creates a bucket.
func (m *MinioClient) MakeBucket(ctx context.Context, name string) error {
	if err := m.client.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: m.region}); err != nil {
		return fmt.Errorf("making bucket %s: %w", name, err)
	}
	return nil
}

// ListObjects streams the ordered object listing for a prefix.
func (m *MinioClient) ListObjects(ctx context.Context, bucket, prefix string, recursive bool) <-chan ObjectInfo {
	out := make(chan ObjectInfo)

	go func() {
		defer close(out)

		for info := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: recursive,
		}) {
			entry := ObjectInfo{
				Key:          info.Key,
				ETag:         info.ETag,
				Size:         info.Size,
				LastModified: info.LastModified,
				IsDir:        strings.HasSuffix(info.Key, "/"),
				Err:          info.Err,
			}
			select {
			case out <- entry:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// StatObject fetches full metadata for one object.
func (m *MinioClient) StatObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	info, err := m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat %s/%s: %w", bucket, key, err)
	}

	var metadata map[string]string
	if info.UserMetadata != nil {
		metadata = make(map[string]string, len(info.UserMetadata))
		for k, v := range info.UserMetadata {
			metadata[k] = v
		}
	}

	return ObjectInfo{
		Key:          info.Key,
		ETag:         info.ETag,
		Size:         info.Size,
		LastModified: info.LastModified,
		Metadata:     metadata,
	}, nil
}

// GetObjectTags fetches the tag set for one object.
func (m *MinioClient) GetObjectTags(ctx context.Context, bucket, key string) (map[string]string, error) {
	t, err := m.client.GetObjectTagging(ctx, bucket, key, minio.GetObjectTaggingOptions{})
	if err != nil {
		return nil, fmt.Errorf("tags %s/%s: %w", bucket, key, err)
	}
	return t.ToMap(), nil
}

// SetObjectTags replaces the tag set for one object.
func (m *MinioClient) SetObjectTags(ctx context.Context, bucket, key string, tagMap map[string]string) error {
	t, err := tags.NewTags(tagMap, true)
	if err != nil {
		return fmt.Errorf("building tags: %w", err)
	}
	if err := m.client.PutObjectTagging(ctx, bucket, key, t, minio.PutObjectTaggingOptions{}); err != nil {
		return fmt.Errorf("setting tags %s/%s: %w", bucket, key, err)
	}
	return nil
}

// RemoveObject deletes one object.
func (m *MinioClient) RemoveObject(ctx context.Context, bucket, key string) error {
	if err := m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("removing %s/%s: %w", bucket, key, err)
	}
	return nil
}

// RemoveObjects deletes a batch of objects, streaming per-key failures.
func (m *MinioClient) RemoveObjects(ctx context.Context, bucket string, keys []string) <-chan RemoveError {
	objectsCh := make(chan minio.ObjectInfo, len(keys))
	for _, key := range keys {
		objectsCh <- minio.ObjectInfo{Key: key}
	}
	close(objectsCh)

	out := make(chan RemoveError)
	go func() {
		defer close(out)
		for rerr := range m.client.RemoveObjects(ctx, bucket, objectsCh, minio.RemoveObjectsOptions{}) {
			select {
			case out <- RemoveError{Key: rerr.ObjectName, Err: rerr.Err}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// CopyObject performs a server-side copy within the service.
func (m *MinioClient) CopyObject(ctx context.Context, bucket, destKey string, src CopySource) error {
	_, err := m.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: bucket, Object: destKey},
		minio.CopySrcOptions{Bucket: src.Bucket, Object: src.Key},
	)
	if err != nil {
		return fmt.Errorf("copying %s/%s to %s/%s: %w", src.Bucket, src.Key, bucket, destKey, err)
	}
	return nil
}

// Compile-time interface check
var _ Client = (*MinioClient)(nil)
