// Package metadb provides the persistent object metadata store backed by bbolt.
package metadb

import "time"

// Record is one cached object's metadata. Bucket and Key together identify it.
//
// A nil Metadata or Tags map means that part was never fetched from the remote
// store, which is distinct from an empty map (fetched, and empty). The JSON
// encoding preserves this: nil serializes as null, empty as {}.
type Record struct {
	Bucket       string            `json:"bucket"`
	Key          string            `json:"key"`
	ETag         string            `json:"etag"`
	Size         int64             `json:"size"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata"`
	Tags         map[string]string `json:"tags"`
	CachedAt     time.Time         `json:"cached_at"`
}

// ObjectKey identifies a record for batch operations.
type ObjectKey struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// Stats describes aggregate state of the object table.
type Stats struct {
	Records        int64
	FootprintBytes int64
	OldestCachedAt time.Time
	NewestCachedAt time.Time
}
