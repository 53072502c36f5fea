// Package remote defines the object-storage operations the cache consumes,
// and provides the MinIO-backed implementation.
//
// The interface is a finite enumeration: anything the cache does against the
// remote service goes through one of these methods.
package remote

import (
	"context"
	"time"
)

// ObjectInfo describes one remote object. In listing streams Err carries a
// per-entry listing failure, mirroring the minio-go convention.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	IsDir        bool
	Metadata     map[string]string

	Err error
}

// BucketInfo describes a remote bucket.
type BucketInfo struct {
	Name      string
	CreatedAt time.Time
}

// CopySource identifies the source object of a server-side copy.
type CopySource struct {
	Bucket string
	Key    string
}

// RemoveError reports a per-key failure from a bulk delete.
type RemoveError struct {
	Key string
	Err error
}

// Client is the remote object-storage collaborator the cache sits in front
// of. Listings are ordered lexicographically by key, as S3-compatible
// services guarantee.
type Client interface {
	ListBuckets(ctx context.Context) ([]BucketInfo, error)
	MakeBucket(ctx context.Context, name string) error

	ListObjects(ctx context.Context, bucket, prefix string, recursive bool) <-chan ObjectInfo
	StatObject(ctx context.Context, bucket, key string) (ObjectInfo, error)
	GetObjectTags(ctx context.Context, bucket, key string) (map[string]string, error)

	SetObjectTags(ctx context.Context, bucket, key string, tags map[string]string) error
	RemoveObject(ctx context.Context, bucket, key string) error
	RemoveObjects(ctx context.Context, bucket string, keys []string) <-chan RemoveError
	CopyObject(ctx context.Context, bucket, destKey string, src CopySource) error
}
