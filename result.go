package s3meta

import (
	"time"

	"github.com/wolfeidau/s3meta/expiry"
	"github.com/wolfeidau/s3meta/remote"
	"github.com/wolfeidau/s3meta/store/metadb"
)

// Source identifies where a result's data came from.
type Source string

const (
	// SourceCache means the result was served from the local store.
	SourceCache Source = "cache"
	// SourceRemote means the result came from a live remote call.
	SourceRemote Source = "remote"
	// SourceNone means there was nothing to serve (cache-only miss).
	SourceNone Source = "none"
)

// CachedResult is the value returned by every cached read operation.
type CachedResult struct {
	// Object holds the remote object handle, or nil on a cache-only miss.
	Object *remote.ObjectInfo

	Bucket string
	Key    string

	// Metadata and Tags are nil when that part of the record was never
	// fetched, as opposed to empty when fetched and empty.
	Metadata map[string]string
	Tags     map[string]string

	// Cached reports whether the value was ever written to the store.
	Cached bool

	// CachedAt is when the record was last written; zero if never cached.
	CachedAt time.Time

	// Age is how long ago the record was cached; zero if never cached.
	Age time.Duration

	// Stale reports whether the record has outlived the configured TTL.
	Stale bool

	// Source is where this result's data came from.
	Source Source

	// Err carries a per-entry failure in listing streams. Point lookups
	// return their error directly instead.
	Err error
}

// resultFromRecord builds a cache-sourced result from a stored record.
func (c *Cache) resultFromRecord(rec *metadb.Record) CachedResult {
	now := c.now()
	return CachedResult{
		Object: &remote.ObjectInfo{
			Key:          rec.Key,
			ETag:         rec.ETag,
			Size:         rec.Size,
			LastModified: rec.LastModified,
			Metadata:     rec.Metadata,
		},
		Bucket:   rec.Bucket,
		Key:      rec.Key,
		Metadata: rec.Metadata,
		Tags:     rec.Tags,
		Cached:   true,
		CachedAt: rec.CachedAt,
		Age:      expiry.Age(rec.CachedAt, now),
		Stale:    expiry.IsStale(rec.CachedAt, c.ttl, now),
		Source:   SourceCache,
	}
}

// missResult is the sentinel returned for cache-only misses. Never an error.
func missResult(bucket, key string) CachedResult {
	return CachedResult{
		Bucket: bucket,
		Key:    key,
		Stale:  true,
		Source: SourceNone,
	}
}
