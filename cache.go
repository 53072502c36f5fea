package s3meta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/s3meta/expiry"
	"github.com/wolfeidau/s3meta/remote"
	"github.com/wolfeidau/s3meta/store/gc"
	"github.com/wolfeidau/s3meta/store/metadb"
	"github.com/wolfeidau/s3meta/telemetry"
)

// Cache is the persistent metadata cache facade.
//
// It composes the remote client, the bbolt-backed store, the staleness policy
// and the eviction sweeper. Safe for concurrent use: every store access is a
// single bbolt transaction, and no store transaction is held across a remote
// call, so remote calls from different goroutines proceed in parallel while
// the store never observes interleaved partial writes.
//
// Within a single key the last completed write wins; callers needing stronger
// ordering must serialize above this layer.
type Cache struct {
	remote  remote.Client
	store   metadb.Store
	sweeper *gc.Sweeper

	ttl      time.Duration
	maxBytes int64
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Cache. All configuration is fixed at construction.
type Option func(*Cache)

// WithTTL sets the staleness window for cached records.
// A ttl <= 0 disables expiry: records are served until explicitly
// invalidated. Default is one hour.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithMaxStoreSize caps the store's on-disk footprint in bytes. Writes beyond
// the cap evict the oldest cached records. Zero (the default) disables the
// cap.
func WithMaxStoreSize(n int64) Option {
	return func(c *Cache) {
		c.maxBytes = n
	}
}

// WithLogger sets the logger for the cache and its store.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New opens (creating if needed) the store at dbPath and returns the cache
// facade over client. A store that cannot be opened is a fatal construction
// error; the cache never silently degrades to remote-only operation.
func New(client remote.Client, dbPath string, opts ...Option) (*Cache, error) {
	c := &Cache{
		remote: client,
		ttl:    time.Hour,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	db := metadb.NewBoltDB(
		metadb.WithLogger(c.logger),
		metadb.WithNow(c.now),
	)
	if err := db.Open(dbPath); err != nil {
		return nil, fmt.Errorf("opening cache store: %w", err)
	}
	c.store = db
	c.sweeper = gc.NewSweeper(db, c.maxBytes, gc.WithLogger(c.logger))

	return c, nil
}

// Close releases the store. The remote client is not owned by the cache.
func (c *Cache) Close() error {
	return c.store.Close()
}

// Remote exposes the underlying client for operations the cache does not
// model. Calls made through it participate in no caching.
func (c *Cache) Remote() remote.Client {
	return c.remote
}

// TTL returns the configured staleness window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// StatObject returns object metadata, consulting the store per mode.
//
// On a remote failure with any cached record present (even stale), the
// cached record is returned as a degraded result instead of the error.
func (c *Cache) StatObject(ctx context.Context, bucket, key string, mode CacheMode) (CachedResult, error) {
	res, err := c.statObject(ctx, bucket, key, mode)
	if err == nil {
		telemetry.RecordLookup(ctx, "stat", mode.String(), string(res.Source))
	}
	return res, err
}

func (c *Cache) statObject(ctx context.Context, bucket, key string, mode CacheMode) (CachedResult, error) {
	rec, err := c.getRecord(ctx, bucket, key)
	if err != nil {
		return CachedResult{}, err
	}

	if mode == ModeCacheOnly {
		if rec == nil {
			return missResult(bucket, key), nil
		}
		return c.resultFromRecord(rec), nil
	}

	if rec != nil && mode == ModeDefault && !expiry.IsStale(rec.CachedAt, c.ttl, c.now()) {
		return c.resultFromRecord(rec), nil
	}

	info, err := c.remoteStat(ctx, bucket, key)
	if err != nil {
		if rec != nil {
			c.logger.Warn("remote stat failed, serving cached record",
				"bucket", bucket, "key", key, "error", err)
			telemetry.RecordStaleFallback(ctx, "stat")
			return c.resultFromRecord(rec), nil
		}
		return CachedResult{}, err
	}

	stored, err := c.storeStat(ctx, bucket, key, info)
	if err != nil {
		return CachedResult{}, err
	}

	res := c.resultFromRecord(stored)
	res.Object = &info
	res.Source = SourceRemote
	return res, nil
}

// remoteStat performs a timed remote stat call.
func (c *Cache) remoteStat(ctx context.Context, bucket, key string) (remote.ObjectInfo, error) {
	start := time.Now()
	info, err := c.remote.StatObject(ctx, bucket, key)
	telemetry.RecordRemoteCall(ctx, "stat", time.Since(start), err)
	return info, err
}

// storeStat writes a freshly fetched stat through the store. Tags are left
// unset: they are fetched lazily by GetObjectTags, and a stat refresh
// supersedes whatever tag snapshot the old record held.
func (c *Cache) storeStat(ctx context.Context, bucket, key string, info remote.ObjectInfo) (*metadb.Record, error) {
	rec := &metadb.Record{
		Bucket:       bucket,
		Key:          key,
		ETag:         info.ETag,
		Size:         info.Size,
		LastModified: info.LastModified,
		Metadata:     info.Metadata,
	}
	if err := c.store.PutObject(ctx, rec); err != nil {
		return nil, fmt.Errorf("writing cache record: %w", err)
	}
	c.sweep(ctx)
	return rec, nil
}

// GetObjectTags returns the object's tag set, consulting the store per mode.
//
// Tags are cached independently of the base metadata: a record whose tags
// were never fetched still triggers a remote tag fetch under any mode except
// ModeCacheOnly.
func (c *Cache) GetObjectTags(ctx context.Context, bucket, key string, mode CacheMode) (CachedResult, error) {
	res, err := c.getObjectTags(ctx, bucket, key, mode)
	if err == nil {
		telemetry.RecordLookup(ctx, "tags", mode.String(), string(res.Source))
	}
	return res, err
}

func (c *Cache) getObjectTags(ctx context.Context, bucket, key string, mode CacheMode) (CachedResult, error) {
	rec, err := c.getRecord(ctx, bucket, key)
	if err != nil {
		return CachedResult{}, err
	}

	if rec != nil {
		stale := expiry.IsStale(rec.CachedAt, c.ttl, c.now())
		if rec.Tags != nil && mode == ModeDefault && !stale {
			return c.resultFromRecord(rec), nil
		}
		if mode == ModeCacheOnly {
			return c.tagsOnlyResult(rec), nil
		}
	}

	if mode == ModeCacheOnly {
		return missResult(bucket, key), nil
	}

	start := time.Now()
	tagMap, err := c.remote.GetObjectTags(ctx, bucket, key)
	telemetry.RecordRemoteCall(ctx, "tags", time.Since(start), err)
	if err != nil {
		if rec != nil {
			c.logger.Warn("remote tag fetch failed, serving cached record",
				"bucket", bucket, "key", key, "error", err)
			telemetry.RecordStaleFallback(ctx, "tags")
			return c.tagsOnlyResult(rec), nil
		}
		return CachedResult{}, err
	}

	// The result is built from the in-memory record, never re-read from the
	// store: a sweep (or a concurrent remove) may reclaim the row between the
	// write and a re-read.
	var stored *metadb.Record
	if rec == nil {
		// Populate the base record before the tags land so size and etag are
		// not left behind; if the stat fails, store the tags alone.
		if info, serr := c.remoteStat(ctx, bucket, key); serr == nil {
			full := &metadb.Record{
				Bucket:       bucket,
				Key:          key,
				ETag:         info.ETag,
				Size:         info.Size,
				LastModified: info.LastModified,
				Metadata:     info.Metadata,
				Tags:         tagMap,
			}
			if err := c.store.PutObject(ctx, full); err != nil {
				return CachedResult{}, fmt.Errorf("writing cache record: %w", err)
			}
			stored = full
		} else {
			c.logger.Debug("stat before tag store failed, storing tags alone",
				"bucket", bucket, "key", key, "error", serr)
			if err := c.store.UpdateTags(ctx, bucket, key, tagMap); err != nil {
				return CachedResult{}, fmt.Errorf("writing tags: %w", err)
			}
			stored = &metadb.Record{Bucket: bucket, Key: key, Tags: tagMap, CachedAt: c.now()}
		}
	} else {
		if err := c.store.UpdateTags(ctx, bucket, key, tagMap); err != nil {
			return CachedResult{}, fmt.Errorf("writing tags: %w", err)
		}
		rec.Tags = tagMap
		rec.CachedAt = c.now()
		stored = rec
	}
	c.sweep(ctx)

	res := c.resultFromRecord(stored)
	res.Tags = tagMap
	res.Source = SourceRemote
	return res, nil
}

// tagsOnlyResult reports a record through the lens of a tags request: a
// record without a fetched tag set counts as a miss even though base
// metadata is present.
func (c *Cache) tagsOnlyResult(rec *metadb.Record) CachedResult {
	res := c.resultFromRecord(rec)
	if rec.Tags == nil {
		res.Cached = false
		res.Source = SourceNone
	}
	return res
}

// ListBuckets returns the bucket list, populating the local name cache on
// first use. Bucket names have no staleness: once cached they are served
// until ClearCache.
func (c *Cache) ListBuckets(ctx context.Context) ([]remote.BucketInfo, error) {
	names, err := c.store.ListBucketNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading bucket names: %w", err)
	}
	if len(names) > 0 {
		out := make([]remote.BucketInfo, 0, len(names))
		for _, name := range names {
			out = append(out, remote.BucketInfo{Name: name})
		}
		return out, nil
	}

	start := time.Now()
	buckets, err := c.remote.ListBuckets(ctx)
	telemetry.RecordRemoteCall(ctx, "list_buckets", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	names = make([]string, 0, len(buckets))
	for _, b := range buckets {
		names = append(names, b.Name)
	}
	if err := c.store.PutBucketNames(ctx, names); err != nil {
		return nil, fmt.Errorf("writing bucket names: %w", err)
	}
	return buckets, nil
}

// MakeBucket creates the bucket remotely, then records its name locally.
func (c *Cache) MakeBucket(ctx context.Context, name string) error {
	start := time.Now()
	err := c.remote.MakeBucket(ctx, name)
	telemetry.RecordRemoteCall(ctx, "make_bucket", time.Since(start), err)
	if err != nil {
		return err
	}
	if err := c.store.PutBucketNames(ctx, []string{name}); err != nil {
		return fmt.Errorf("writing bucket name: %w", err)
	}
	return nil
}

// RemoveObject deletes the object remotely, then invalidates its record.
// The remote error is never swallowed; the store is only touched after
// remote success.
func (c *Cache) RemoveObject(ctx context.Context, bucket, key string) error {
	start := time.Now()
	err := c.remote.RemoveObject(ctx, bucket, key)
	telemetry.RecordRemoteCall(ctx, "remove", time.Since(start), err)
	if err != nil {
		return err
	}
	if err := c.store.DeleteObject(ctx, bucket, key); err != nil {
		return fmt.Errorf("invalidating cache record: %w", err)
	}
	return nil
}

// RemoveObjects bulk-deletes objects, returning per-key remote failures.
// Records are invalidated only for keys whose remote delete succeeded.
func (c *Cache) RemoveObjects(ctx context.Context, bucket string, keys []string) ([]remote.RemoveError, error) {
	start := time.Now()
	var removeErrs []remote.RemoveError
	failed := make(map[string]struct{})
	for rerr := range c.remote.RemoveObjects(ctx, bucket, keys) {
		removeErrs = append(removeErrs, rerr)
		failed[rerr.Key] = struct{}{}
	}
	telemetry.RecordRemoteCall(ctx, "remove_objects", time.Since(start), nil)

	var deleted []metadb.ObjectKey
	for _, key := range keys {
		if _, ok := failed[key]; ok {
			continue
		}
		deleted = append(deleted, metadb.ObjectKey{Bucket: bucket, Key: key})
	}
	if err := c.store.DeleteObjects(ctx, deleted); err != nil {
		return removeErrs, fmt.Errorf("invalidating cache records: %w", err)
	}
	return removeErrs, nil
}

// CopyObject performs the remote server-side copy, then invalidates the
// destination record so the next access re-caches it.
func (c *Cache) CopyObject(ctx context.Context, bucket, destKey string, src remote.CopySource) error {
	start := time.Now()
	err := c.remote.CopyObject(ctx, bucket, destKey, src)
	telemetry.RecordRemoteCall(ctx, "copy", time.Since(start), err)
	if err != nil {
		return err
	}
	if err := c.store.DeleteObject(ctx, bucket, destKey); err != nil {
		return fmt.Errorf("invalidating destination record: %w", err)
	}
	return nil
}

// SetObjectTags replaces the object's tags remotely, then mirrors them into
// the store.
func (c *Cache) SetObjectTags(ctx context.Context, bucket, key string, tagMap map[string]string) error {
	start := time.Now()
	err := c.remote.SetObjectTags(ctx, bucket, key, tagMap)
	telemetry.RecordRemoteCall(ctx, "set_tags", time.Since(start), err)
	if err != nil {
		return err
	}
	if err := c.store.UpdateTags(ctx, bucket, key, tagMap); err != nil {
		return fmt.Errorf("writing tags: %w", err)
	}
	c.sweep(ctx)
	return nil
}

// ClearCache drops all persisted records and bucket names.
func (c *Cache) ClearCache(ctx context.Context) error {
	return c.store.Clear(ctx)
}

// Stats returns aggregate store statistics.
func (c *Cache) Stats(ctx context.Context) (*metadb.Stats, error) {
	return c.store.Stats(ctx)
}

// getRecord reads a record, mapping not-found to nil. Any other store error
// is surfaced: a broken persistence backend must not be masked by falling
// back to remote-only operation.
func (c *Cache) getRecord(ctx context.Context, bucket, key string) (*metadb.Record, error) {
	rec, err := c.store.GetObject(ctx, bucket, key)
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache record: %w", err)
	}
	return rec, nil
}

// sweep enforces the size cap after a write. Eviction is best-effort;
// a sweep failure degrades capacity enforcement, not the read path.
func (c *Cache) sweep(ctx context.Context) {
	if c.maxBytes <= 0 {
		return
	}
	if _, err := c.sweeper.Sweep(ctx); err != nil {
		c.logger.Warn("eviction sweep failed", "error", err)
	}
}
