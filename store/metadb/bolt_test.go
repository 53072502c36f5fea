package metadb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoltDB(t *testing.T, opts ...BoltDBOption) *BoltDB {
	t.Helper()
	db := NewBoltDB(opts...)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, db.Open(dbPath))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBoltDB_ObjectOperations(t *testing.T) {
	ctx := context.Background()

	t.Run("PutObject and GetObject round-trip", func(t *testing.T) {
		db := newTestBoltDB(t)

		rec := &Record{
			Bucket:       "climate",
			Key:          "cmip6/tas/v1.nc",
			ETag:         "abc123",
			Size:         1024,
			LastModified: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
			Metadata:     map[string]string{"x-amz-meta-model": "ukesm"},
			Tags:         map[string]string{"project": "cmip6"},
		}
		require.NoError(t, db.PutObject(ctx, rec))

		got, err := db.GetObject(ctx, "climate", "cmip6/tas/v1.nc")
		require.NoError(t, err)
		assert.Equal(t, rec.ETag, got.ETag)
		assert.Equal(t, rec.Size, got.Size)
		assert.Equal(t, rec.Metadata, got.Metadata)
		assert.Equal(t, rec.Tags, got.Tags)
		assert.False(t, got.CachedAt.IsZero())
	})

	t.Run("PutObject stamps CachedAt", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		db := newTestBoltDB(t, WithNow(func() time.Time { return now }))

		require.NoError(t, db.PutObject(ctx, &Record{Bucket: "b", Key: "k"}))

		got, err := db.GetObject(ctx, "b", "k")
		require.NoError(t, err)
		assert.True(t, got.CachedAt.Equal(now))
	})

	t.Run("GetObject returns ErrNotFound for missing key", func(t *testing.T) {
		db := newTestBoltDB(t)

		_, err := db.GetObject(ctx, "climate", "nonexistent")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("nil and empty maps survive a round-trip distinctly", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.PutObject(ctx, &Record{
			Bucket:   "b",
			Key:      "nil-maps",
			Metadata: nil,
			Tags:     nil,
		}))
		require.NoError(t, db.PutObject(ctx, &Record{
			Bucket:   "b",
			Key:      "empty-maps",
			Metadata: map[string]string{},
			Tags:     map[string]string{},
		}))

		got, err := db.GetObject(ctx, "b", "nil-maps")
		require.NoError(t, err)
		assert.Nil(t, got.Metadata)
		assert.Nil(t, got.Tags)

		got, err = db.GetObject(ctx, "b", "empty-maps")
		require.NoError(t, err)
		assert.NotNil(t, got.Metadata)
		assert.Empty(t, got.Metadata)
		assert.NotNil(t, got.Tags)
		assert.Empty(t, got.Tags)
	})

	t.Run("DeleteObject removes record and is idempotent", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.PutObject(ctx, &Record{Bucket: "b", Key: "k"}))
		require.NoError(t, db.DeleteObject(ctx, "b", "k"))

		_, err := db.GetObject(ctx, "b", "k")
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, db.DeleteObject(ctx, "b", "k"))
	})
}

func TestBoltDB_UpdateTags(t *testing.T) {
	ctx := context.Background()

	t.Run("touches only tags and CachedAt", func(t *testing.T) {
		fakeNow := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		db := newTestBoltDB(t, WithNow(func() time.Time { return fakeNow }))

		require.NoError(t, db.PutObject(ctx, &Record{
			Bucket:   "b",
			Key:      "k",
			ETag:     "e1",
			Size:     42,
			Metadata: map[string]string{"a": "1"},
		}))

		fakeNow = fakeNow.Add(time.Minute)
		require.NoError(t, db.UpdateTags(ctx, "b", "k", map[string]string{"env": "prod"}))

		got, err := db.GetObject(ctx, "b", "k")
		require.NoError(t, err)
		assert.Equal(t, "e1", got.ETag)
		assert.Equal(t, int64(42), got.Size)
		assert.Equal(t, map[string]string{"a": "1"}, got.Metadata)
		assert.Equal(t, map[string]string{"env": "prod"}, got.Tags)
		assert.True(t, got.CachedAt.Equal(fakeNow))
	})

	t.Run("creates a tags-only record when missing", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.UpdateTags(ctx, "b", "fresh", map[string]string{"t": "v"}))

		got, err := db.GetObject(ctx, "b", "fresh")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"t": "v"}, got.Tags)
		assert.Empty(t, got.ETag)
		assert.Nil(t, got.Metadata)
	})
}

func TestBoltDB_PrefixListing(t *testing.T) {
	ctx := context.Background()

	t.Run("ListKeysByPrefix returns lexicographic order", func(t *testing.T) {
		db := newTestBoltDB(t)

		for _, key := range []string{"data/b.nc", "data/a.nc", "data/c.nc", "other/x.nc"} {
			require.NoError(t, db.PutObject(ctx, &Record{Bucket: "climate", Key: key}))
		}
		require.NoError(t, db.PutObject(ctx, &Record{Bucket: "unrelated", Key: "data/z.nc"}))

		keys, err := db.ListKeysByPrefix(ctx, "climate", "data/")
		require.NoError(t, err)
		assert.Equal(t, []string{"data/a.nc", "data/b.nc", "data/c.nc"}, keys)
	})

	t.Run("empty prefix matches whole bucket", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.PutObject(ctx, &Record{Bucket: "b", Key: "one"}))
		require.NoError(t, db.PutObject(ctx, &Record{Bucket: "b", Key: "two"}))

		keys, err := db.ListKeysByPrefix(ctx, "b", "")
		require.NoError(t, err)
		assert.Equal(t, []string{"one", "two"}, keys)
	})

	t.Run("ListByPrefix honours limit and order", func(t *testing.T) {
		db := newTestBoltDB(t)

		for _, key := range []string{"p/3", "p/1", "p/2"} {
			require.NoError(t, db.PutObject(ctx, &Record{Bucket: "b", Key: key}))
		}

		records, err := db.ListByPrefix(ctx, "b", "p/", 2)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "p/1", records[0].Key)
		assert.Equal(t, "p/2", records[1].Key)
	})
}

func TestBoltDB_BucketNames(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	names, err := db.ListBucketNames(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, db.PutBucketNames(ctx, []string{"alpha", "beta"}))
	require.NoError(t, db.PutBucketNames(ctx, []string{"beta", "gamma"}))

	names, err = db.ListBucketNames(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "beta", "gamma"}, names)
}

func TestBoltDB_EvictionSupport(t *testing.T) {
	ctx := context.Background()

	t.Run("OldestObjects returns ascending CachedAt order across buckets", func(t *testing.T) {
		fakeNow := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		db := newTestBoltDB(t, WithNow(func() time.Time { return fakeNow }))

		require.NoError(t, db.PutObject(ctx, &Record{Bucket: "b2", Key: "middle"}))
		fakeNow = fakeNow.Add(time.Minute)
		require.NoError(t, db.PutObject(ctx, &Record{Bucket: "b1", Key: "newest"}))
		fakeNow = fakeNow.Add(-2 * time.Minute)
		require.NoError(t, db.PutObject(ctx, &Record{Bucket: "b1", Key: "oldest"}))

		keys, err := db.OldestObjects(ctx, 2)
		require.NoError(t, err)
		require.Len(t, keys, 2)
		assert.Equal(t, ObjectKey{Bucket: "b1", Key: "oldest"}, keys[0])
		assert.Equal(t, ObjectKey{Bucket: "b2", Key: "middle"}, keys[1])
	})

	t.Run("rewriting a record moves it in the eviction order", func(t *testing.T) {
		fakeNow := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		db := newTestBoltDB(t, WithNow(func() time.Time { return fakeNow }))

		require.NoError(t, db.PutObject(ctx, &Record{Bucket: "b", Key: "a"}))
		fakeNow = fakeNow.Add(time.Minute)
		require.NoError(t, db.PutObject(ctx, &Record{Bucket: "b", Key: "b"}))
		fakeNow = fakeNow.Add(time.Minute)
		require.NoError(t, db.PutObject(ctx, &Record{Bucket: "b", Key: "a"}))

		keys, err := db.OldestObjects(ctx, 0)
		require.NoError(t, err)
		require.Len(t, keys, 2)
		assert.Equal(t, "b", keys[0].Key)
		assert.Equal(t, "a", keys[1].Key)
	})

	t.Run("DeleteObjects removes a batch", func(t *testing.T) {
		db := newTestBoltDB(t)

		for _, key := range []string{"a", "b", "c"} {
			require.NoError(t, db.PutObject(ctx, &Record{Bucket: "bk", Key: key}))
		}

		require.NoError(t, db.DeleteObjects(ctx, []ObjectKey{
			{Bucket: "bk", Key: "a"},
			{Bucket: "bk", Key: "c"},
		}))

		keys, err := db.ListKeysByPrefix(ctx, "bk", "")
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, keys)

		remaining, err := db.OldestObjects(ctx, 0)
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		assert.Equal(t, "b", remaining[0].Key)
	})

	t.Run("Footprint is positive and grows with data", func(t *testing.T) {
		db := newTestBoltDB(t)

		before, err := db.Footprint()
		require.NoError(t, err)
		assert.Positive(t, before)

		payload := make(map[string]string)
		for i := 0; i < 64; i++ {
			payload[string(rune('a'+i%26))+string(rune('0'+i%10))] = "0123456789012345678901234567890123456789"
		}
		for i := 0; i < 200; i++ {
			require.NoError(t, db.PutObject(ctx, &Record{
				Bucket:   "bk",
				Key:      "payload/" + time.Now().Add(time.Duration(i)).Format(time.RFC3339Nano),
				Metadata: payload,
			}))
		}

		after, err := db.Footprint()
		require.NoError(t, err)
		assert.Greater(t, after, before)
	})
}

func TestBoltDB_ClearAndStats(t *testing.T) {
	ctx := context.Background()

	t.Run("Clear drops records and bucket names", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.PutObject(ctx, &Record{Bucket: "b", Key: "k"}))
		require.NoError(t, db.PutBucketNames(ctx, []string{"b"}))

		require.NoError(t, db.Clear(ctx))

		_, err := db.GetObject(ctx, "b", "k")
		require.ErrorIs(t, err, ErrNotFound)

		names, err := db.ListBucketNames(ctx)
		require.NoError(t, err)
		assert.Empty(t, names)

		keys, err := db.OldestObjects(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("Stats reports counts and cached-at range", func(t *testing.T) {
		fakeNow := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		db := newTestBoltDB(t, WithNow(func() time.Time { return fakeNow }))

		require.NoError(t, db.PutObject(ctx, &Record{Bucket: "b", Key: "old"}))
		fakeNow = fakeNow.Add(time.Hour)
		require.NoError(t, db.PutObject(ctx, &Record{Bucket: "b", Key: "new"}))

		stats, err := db.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stats.Records)
		assert.Positive(t, stats.FootprintBytes)
		assert.True(t, stats.OldestCachedAt.Before(stats.NewestCachedAt))
	})
}
