package metadb

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("metadb: not found")

// Store is the durable metadata table consulted by the cache facade.
//
// All mutating operations run in a single storage transaction, so a reader
// never observes a partially-applied write from another writer.
type Store interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Object records
	GetObject(ctx context.Context, bucket, key string) (*Record, error)
	PutObject(ctx context.Context, rec *Record) error
	UpdateTags(ctx context.Context, bucket, key string, tags map[string]string) error
	DeleteObject(ctx context.Context, bucket, key string) error
	ListKeysByPrefix(ctx context.Context, bucket, prefix string) ([]string, error)
	ListByPrefix(ctx context.Context, bucket, prefix string, limit int) ([]*Record, error)

	// Bucket names
	ListBucketNames(ctx context.Context) ([]string, error)
	PutBucketNames(ctx context.Context, names []string) error

	// Eviction support
	Footprint() (int64, error)
	OldestObjects(ctx context.Context, limit int) ([]ObjectKey, error)
	DeleteObjects(ctx context.Context, keys []ObjectKey) error

	// Maintenance
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (*Stats, error)
}

// New creates a new Store backed by bbolt.
func New() Store {
	return NewBoltDB()
}
