package s3meta

import (
	"context"

	"github.com/wolfeidau/s3meta/expiry"
	"github.com/wolfeidau/s3meta/telemetry"
)

// ListOptions controls a cached listing.
type ListOptions struct {
	// Prefix filters objects whose key starts with the given string.
	Prefix string

	// Recursive lists into "subdirectories" rather than returning common
	// prefixes as directory entries.
	Recursive bool

	// Limit bounds the number of results. Zero means unlimited.
	Limit int

	// Mode is the cache mode applied to every entry.
	Mode CacheMode
}

// ListObjects streams up to opts.Limit results for a prefix, preserving the
// remote service's lexicographic key order and serving individual entries
// from the store where the mode allows.
//
// The stream is closed when the listing is exhausted, the limit is reached,
// or ctx is cancelled. A remote listing failure is delivered as a final
// result with Err set; a per-key metadata fetch failure skips that key and
// the listing continues.
func (c *Cache) ListObjects(ctx context.Context, bucket string, opts ListOptions) <-chan CachedResult {
	out := make(chan CachedResult)
	go func() {
		defer close(out)
		c.listObjects(ctx, bucket, opts, out)
	}()
	return out
}

func (c *Cache) listObjects(ctx context.Context, bucket string, opts ListOptions, out chan<- CachedResult) {
	// Cache-only listings never touch the remote service.
	if opts.Mode == ModeCacheOnly {
		records, err := c.store.ListByPrefix(ctx, bucket, opts.Prefix, opts.Limit)
		if err != nil {
			c.emit(ctx, out, CachedResult{Bucket: bucket, Err: err})
			return
		}
		for _, rec := range records {
			res := c.resultFromRecord(rec)
			telemetry.RecordLookup(ctx, "list", opts.Mode.String(), string(res.Source))
			if !c.emit(ctx, out, res) {
				return
			}
		}
		return
	}

	// Bulk fast path: when the store already holds enough keys under the
	// prefix, serve them directly without a remote round trip. Individual
	// record staleness is not re-checked on this path.
	if opts.Mode == ModeDefault && opts.Limit > 0 {
		keys, err := c.store.ListKeysByPrefix(ctx, bucket, opts.Prefix)
		if err != nil {
			c.emit(ctx, out, CachedResult{Bucket: bucket, Err: err})
			return
		}
		if len(keys) >= opts.Limit {
			records, err := c.store.ListByPrefix(ctx, bucket, opts.Prefix, opts.Limit)
			if err != nil {
				c.emit(ctx, out, CachedResult{Bucket: bucket, Err: err})
				return
			}
			for _, rec := range records {
				res := c.resultFromRecord(rec)
				telemetry.RecordLookup(ctx, "list", opts.Mode.String(), string(res.Source))
				if !c.emit(ctx, out, res) {
					return
				}
			}
			return
		}
	}

	// Merge path: walk the remote listing in order, serving each key from
	// the store when the mode and freshness allow, fetching live metadata
	// otherwise. The remote listing is authoritative for presence; records
	// that exist only in the store are never appended.
	//
	// The derived context releases the remote listing producer when the walk
	// stops early at the limit or on an error.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	count := 0
	seen := make(map[string]struct{})

	for info := range c.remote.ListObjects(ctx, bucket, opts.Prefix, opts.Recursive) {
		if info.Err != nil {
			c.emit(ctx, out, CachedResult{Bucket: bucket, Key: info.Key, Err: info.Err})
			return
		}
		if info.IsDir {
			continue
		}
		if _, ok := seen[info.Key]; ok {
			continue
		}
		seen[info.Key] = struct{}{}

		rec, err := c.getRecord(ctx, bucket, info.Key)
		if err != nil {
			c.emit(ctx, out, CachedResult{Bucket: bucket, Key: info.Key, Err: err})
			return
		}

		if rec != nil && opts.Mode == ModeDefault && !expiry.IsStale(rec.CachedAt, c.ttl, c.now()) {
			res := c.resultFromRecord(rec)
			telemetry.RecordLookup(ctx, "list", opts.Mode.String(), string(res.Source))
			if !c.emit(ctx, out, res) {
				return
			}
			count++
			if opts.Limit > 0 && count >= opts.Limit {
				return
			}
			continue
		}

		// Live per-object metadata fetch. Tags stay lazy.
		fresh, err := c.remoteStat(ctx, bucket, info.Key)
		if err != nil {
			c.logger.Debug("skipping unlistable object",
				"bucket", bucket, "key", info.Key, "error", err)
			continue
		}

		stored, err := c.storeStat(ctx, bucket, info.Key, fresh)
		if err != nil {
			c.emit(ctx, out, CachedResult{Bucket: bucket, Key: info.Key, Err: err})
			return
		}

		res := c.resultFromRecord(stored)
		res.Object = &fresh
		res.Source = SourceRemote
		telemetry.RecordLookup(ctx, "list", opts.Mode.String(), string(res.Source))
		if !c.emit(ctx, out, res) {
			return
		}
		count++
		if opts.Limit > 0 && count >= opts.Limit {
			return
		}
	}
}

// emit delivers one result, honouring cancellation.
func (c *Cache) emit(ctx context.Context, out chan<- CachedResult, res CachedResult) bool {
	select {
	case out <- res:
		return true
	case <-ctx.Done():
		return false
	}
}
