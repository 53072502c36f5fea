package metadb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements Store using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketObjects,
			bucketBucketNames,
			bucketObjectsByCachedAt,
			bucketCachedAtByKey,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	return b.db.Close()
}

// GetObject retrieves an object record.
func (b *BoltDB) GetObject(_ context.Context, bucket, key string) (*Record, error) {
	var rec Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		if objects == nil {
			return ErrNotFound
		}

		val := objects.Get(makeObjectKey(bucket, key))
		if val == nil {
			return ErrNotFound
		}

		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutObject upserts an object record, stamping CachedAt with the current time
// and maintaining the eviction ordering index.
func (b *BoltDB) PutObject(_ context.Context, rec *Record) error {
	rec.CachedAt = b.now()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		if objects == nil {
			return fmt.Errorf("objects bucket not found")
		}

		compoundKey := makeObjectKey(rec.Bucket, rec.Key)
		if err := objects.Put(compoundKey, data); err != nil {
			return fmt.Errorf("putting record: %w", err)
		}

		return b.updateCachedAtIndex(tx, rec.Bucket, rec.Key, rec.CachedAt)
	})
}

// UpdateTags is a partial upsert touching only the tags and CachedAt of a
// record. A missing record is created with only identity and tags set.
func (b *BoltDB) UpdateTags(_ context.Context, bucket, key string, tags map[string]string) error {
	now := b.now()

	return b.db.Update(func(tx *bbolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		if objects == nil {
			return fmt.Errorf("objects bucket not found")
		}

		compoundKey := makeObjectKey(bucket, key)

		rec := Record{Bucket: bucket, Key: key}
		if val := objects.Get(compoundKey); val != nil {
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("unmarshaling record: %w", err)
			}
		}
		rec.Tags = tags
		rec.CachedAt = now

		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		if err := objects.Put(compoundKey, data); err != nil {
			return fmt.Errorf("putting record: %w", err)
		}

		return b.updateCachedAtIndex(tx, bucket, key, now)
	})
}

// DeleteObject removes an object record. Deleting a missing record is a no-op.
func (b *BoltDB) DeleteObject(_ context.Context, bucket, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.deleteObjectInTx(tx, bucket, key)
	})
}

func (b *BoltDB) deleteObjectInTx(tx *bbolt.Tx, bucket, key string) error {
	objects := tx.Bucket(bucketObjects)
	if objects == nil {
		return nil
	}

	if err := b.removeCachedAtIndex(tx, bucket, key); err != nil {
		return err
	}

	return objects.Delete(makeObjectKey(bucket, key))
}

// updateCachedAtIndex maintains the forward+reverse cached_at indexes.
// The reverse index makes replacing a record's old index entry O(1).
func (b *BoltDB) updateCachedAtIndex(tx *bbolt.Tx, bucket, key string, cachedAt time.Time) error {
	forward := tx.Bucket(bucketObjectsByCachedAt)
	reverse := tx.Bucket(bucketCachedAtByKey)
	if forward == nil || reverse == nil {
		return nil
	}

	compoundKey := makeObjectKey(bucket, key)

	if tsBytes := reverse.Get(compoundKey); tsBytes != nil {
		oldCachedAt := decodeTimestamp(tsBytes)
		if err := forward.Delete(makeCachedAtKey(oldCachedAt, bucket, key)); err != nil {
			return fmt.Errorf("deleting old index entry: %w", err)
		}
		if err := reverse.Delete(compoundKey); err != nil {
			return fmt.Errorf("deleting reverse index: %w", err)
		}
	}

	if !cachedAt.IsZero() {
		if err := forward.Put(makeCachedAtKey(cachedAt, bucket, key), compoundKey); err != nil {
			return fmt.Errorf("putting index entry: %w", err)
		}
		if err := reverse.Put(compoundKey, encodeTimestamp(cachedAt)); err != nil {
			return fmt.Errorf("putting reverse index: %w", err)
		}
	}

	return nil
}

func (b *BoltDB) removeCachedAtIndex(tx *bbolt.Tx, bucket, key string) error {
	return b.updateCachedAtIndex(tx, bucket, key, time.Time{})
}

// ListKeysByPrefix returns the keys under a prefix in lexicographic order.
func (b *BoltDB) ListKeysByPrefix(_ context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	scanPrefix := makeObjectKey(bucket, prefix)

	err := b.db.View(func(tx *bbolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		if objects == nil {
			return nil
		}

		cursor := objects.Cursor()
		for k, _ := cursor.Seek(scanPrefix); k != nil && bytes.HasPrefix(k, scanPrefix); k, _ = cursor.Next() {
			_, key := parseObjectKey(k)
			keys = append(keys, key)
		}
		return nil
	})
	return keys, err
}

// ListByPrefix returns the records under a prefix in lexicographic key order.
// A limit <= 0 returns all matching records.
func (b *BoltDB) ListByPrefix(_ context.Context, bucket, prefix string, limit int) ([]*Record, error) {
	var records []*Record
	scanPrefix := makeObjectKey(bucket, prefix)

	err := b.db.View(func(tx *bbolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		if objects == nil {
			return nil
		}

		cursor := objects.Cursor()
		for k, v := cursor.Seek(scanPrefix); k != nil && bytes.HasPrefix(k, scanPrefix); k, v = cursor.Next() {
			if limit > 0 && len(records) >= limit {
				break
			}

			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling record: %w", err)
			}
			records = append(records, &rec)
		}
		return nil
	})
	return records, err
}

// ListBucketNames returns all cached bucket names.
func (b *BoltDB) ListBucketNames(_ context.Context) ([]string, error) {
	var names []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBucketNames)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// PutBucketNames stores bucket names. Existing names are overwritten in place.
func (b *BoltDB) PutBucketNames(_ context.Context, names []string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBucketNames)
		if bucket == nil {
			return fmt.Errorf("bucket_names bucket not found")
		}

		for _, name := range names {
			if err := bucket.Put([]byte(name), []byte{}); err != nil {
				return fmt.Errorf("putting bucket name: %w", err)
			}
		}
		return nil
	})
}

// Footprint returns the on-disk size of the store in bytes, net of freelist
// pages. bbolt never shrinks its file on delete, so counting free pages out is
// what lets eviction observe progress.
func (b *BoltDB) Footprint() (int64, error) {
	var size int64
	err := b.db.View(func(tx *bbolt.Tx) error {
		size = tx.Size()
		free := int64(tx.DB().Stats().FreePageN) * int64(tx.DB().Info().PageSize)
		if free < size {
			size -= free
		}
		return nil
	})
	return size, err
}

// OldestObjects returns up to limit record identities in ascending CachedAt
// order across all buckets.
func (b *BoltDB) OldestObjects(_ context.Context, limit int) ([]ObjectKey, error) {
	var keys []ObjectKey

	err := b.db.View(func(tx *bbolt.Tx) error {
		forward := tx.Bucket(bucketObjectsByCachedAt)
		if forward == nil {
			return nil
		}

		cursor := forward.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if limit > 0 && len(keys) >= limit {
				break
			}

			_, bucket, key := parseCachedAtKey(k)
			keys = append(keys, ObjectKey{Bucket: bucket, Key: key})
		}
		return nil
	})
	return keys, err
}

// DeleteObjects removes a batch of records in a single transaction.
func (b *BoltDB) DeleteObjects(_ context.Context, keys []ObjectKey) error {
	if len(keys) == 0 {
		return nil
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, ok := range keys {
			if err := b.deleteObjectInTx(tx, ok.Bucket, ok.Key); err != nil {
				return fmt.Errorf("deleting %s/%s: %w", ok.Bucket, ok.Key, err)
			}
		}
		return nil
	})
}

// Clear drops all object records and bucket names.
func (b *BoltDB) Clear(_ context.Context) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketObjects, bucketBucketNames, bucketObjectsByCachedAt, bucketCachedAtByKey} {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("dropping bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("recreating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Stats returns aggregate statistics about the object table.
func (b *BoltDB) Stats(_ context.Context) (*Stats, error) {
	stats := &Stats{}
	err := b.db.View(func(tx *bbolt.Tx) error {
		stats.FootprintBytes = tx.Size()
		free := int64(tx.DB().Stats().FreePageN) * int64(tx.DB().Info().PageSize)
		if free < stats.FootprintBytes {
			stats.FootprintBytes -= free
		}

		objects := tx.Bucket(bucketObjects)
		if objects != nil {
			stats.Records = int64(objects.Stats().KeyN)
		}

		forward := tx.Bucket(bucketObjectsByCachedAt)
		if forward != nil {
			cursor := forward.Cursor()
			if k, _ := cursor.First(); k != nil {
				stats.OldestCachedAt, _, _ = parseCachedAtKey(k)
			}
			if k, _ := cursor.Last(); k != nil {
				stats.NewestCachedAt, _, _ = parseCachedAtKey(k)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Compile-time interface check
var _ Store = (*BoltDB)(nil)
