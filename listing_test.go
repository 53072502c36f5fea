package s3meta

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/s3meta/remote"
)

func collect(t *testing.T, ch <-chan CachedResult) []CachedResult {
	t.Helper()
	var out []CachedResult
	for res := range ch {
		out = append(out, res)
	}
	return out
}

func keysOf(results []CachedResult) []string {
	keys := make([]string, 0, len(results))
	for _, res := range results {
		keys = append(keys, res.Key)
	}
	return keys
}

func TestListObjects_Merge(t *testing.T) {
	ctx := context.Background()

	t.Run("preserves remote order and honours the limit", func(t *testing.T) {
		fake := newFakeRemote()
		fake.addObject("b", "a.nc", remote.ObjectInfo{Size: 1})
		fake.addObject("b", "b.nc", remote.ObjectInfo{Size: 2})
		fake.addObject("b", "c.nc", remote.ObjectInfo{Size: 3})
		c := newTestCache(t, fake)

		results := collect(t, c.ListObjects(ctx, "b", ListOptions{Limit: 2}))
		require.Len(t, results, 2)
		assert.Equal(t, []string{"a.nc", "b.nc"}, keysOf(results))
		for _, res := range results {
			require.NoError(t, res.Err)
			assert.Equal(t, SourceRemote, res.Source)
		}
	})

	t.Run("fresh records are served from the store, the rest fetched live", func(t *testing.T) {
		fake := newFakeRemote()
		fake.addObject("b", "cached.nc", remote.ObjectInfo{Size: 1})
		fake.addObject("b", "uncached.nc", remote.ObjectInfo{Size: 2})
		c := newTestCache(t, fake, WithTTL(time.Hour))

		_, err := c.StatObject(ctx, "b", "cached.nc", ModeDefault)
		require.NoError(t, err)
		statsBefore := fake.statCalls

		results := collect(t, c.ListObjects(ctx, "b", ListOptions{}))
		require.Len(t, results, 2)
		assert.Equal(t, SourceCache, results[0].Source)
		assert.Equal(t, SourceRemote, results[1].Source)
		// Only the uncached key cost a stat call.
		assert.Equal(t, statsBefore+1, fake.statCalls)
	})

	t.Run("entries seen twice in the remote listing appear once", func(t *testing.T) {
		fake := newFakeRemote()
		fake.addObject("b", "dup.nc", remote.ObjectInfo{Size: 1})
		fake.listing["b"] = append(fake.listing["b"], remote.ObjectInfo{Key: "dup.nc", Size: 1})
		c := newTestCache(t, fake)

		results := collect(t, c.ListObjects(ctx, "b", ListOptions{}))
		require.Len(t, results, 1)
		assert.Equal(t, "dup.nc", results[0].Key)
	})

	t.Run("directory entries are skipped", func(t *testing.T) {
		fake := newFakeRemote()
		fake.listing["b"] = append(fake.listing["b"], remote.ObjectInfo{Key: "dir/", IsDir: true})
		fake.addObject("b", "dir-sibling.nc", remote.ObjectInfo{Size: 1})
		c := newTestCache(t, fake)

		results := collect(t, c.ListObjects(ctx, "b", ListOptions{}))
		require.Len(t, results, 1)
		assert.Equal(t, "dir-sibling.nc", results[0].Key)
	})

	t.Run("a per-key fetch failure skips that key only", func(t *testing.T) {
		fake := newFakeRemote()
		fake.addObject("b", "good.nc", remote.ObjectInfo{Size: 1})
		fake.addObject("b", "broken.nc", remote.ObjectInfo{Size: 2})
		fake.addObject("b", "also-good.nc", remote.ObjectInfo{Size: 3})
		fake.statKeyErrs = map[string]error{"broken.nc": errors.New("fake: forbidden")}
		c := newTestCache(t, fake)

		results := collect(t, c.ListObjects(ctx, "b", ListOptions{}))
		assert.Equal(t, []string{"good.nc", "also-good.nc"}, keysOf(results))
	})

	t.Run("a listing failure ends the stream with an error entry", func(t *testing.T) {
		fake := newFakeRemote()
		fake.addObject("b", "first.nc", remote.ObjectInfo{Size: 1})
		fake.listing["b"] = append(fake.listing["b"], remote.ObjectInfo{Err: errors.New("fake: listing truncated")})
		fake.addObject("b", "never-reached.nc", remote.ObjectInfo{Size: 2})
		c := newTestCache(t, fake)

		results := collect(t, c.ListObjects(ctx, "b", ListOptions{}))
		require.Len(t, results, 2)
		require.NoError(t, results[0].Err)
		assert.Equal(t, "first.nc", results[0].Key)
		assert.Error(t, results[1].Err)
	})

	t.Run("records only in the store never appear in the listing", func(t *testing.T) {
		fake := newFakeRemote()
		fake.addObject("b", "live.nc", remote.ObjectInfo{Size: 1})
		fake.addObject("b", "deleted-later.nc", remote.ObjectInfo{Size: 2})
		c := newTestCache(t, fake, WithTTL(time.Hour))

		_, err := c.StatObject(ctx, "b", "deleted-later.nc", ModeDefault)
		require.NoError(t, err)

		// Drop the object remotely but keep its cache record.
		fake.mu.Lock()
		fake.listing["b"] = fake.listing["b"][:1]
		fake.mu.Unlock()

		results := collect(t, c.ListObjects(ctx, "b", ListOptions{}))
		assert.Equal(t, []string{"live.nc"}, keysOf(results))
	})

	t.Run("BYPASS refetches entries the store holds fresh", func(t *testing.T) {
		fake := newFakeRemote()
		fake.addObject("b", "k.nc", remote.ObjectInfo{Size: 1})
		c := newTestCache(t, fake, WithTTL(time.Hour))

		_, err := c.StatObject(ctx, "b", "k.nc", ModeDefault)
		require.NoError(t, err)
		statsBefore := fake.statCalls

		results := collect(t, c.ListObjects(ctx, "b", ListOptions{Mode: ModeBypass}))
		require.Len(t, results, 1)
		assert.Equal(t, SourceRemote, results[0].Source)
		assert.Equal(t, statsBefore+1, fake.statCalls)
	})

	t.Run("prefix filters the listing", func(t *testing.T) {
		fake := newFakeRemote()
		fake.addObject("b", "data/a.nc", remote.ObjectInfo{Size: 1})
		fake.addObject("b", "logs/a.txt", remote.ObjectInfo{Size: 2})
		c := newTestCache(t, fake)

		results := collect(t, c.ListObjects(ctx, "b", ListOptions{Prefix: "data/"}))
		assert.Equal(t, []string{"data/a.nc"}, keysOf(results))
	})

	t.Run("cancellation stops the stream", func(t *testing.T) {
		fake := newFakeRemote()
		for _, k := range []string{"a", "b", "c", "d"} {
			fake.addObject("b", k, remote.ObjectInfo{Size: 1})
		}
		c := newTestCache(t, fake)

		cctx, cancel := context.WithCancel(ctx)
		ch := c.ListObjects(cctx, "b", ListOptions{})
		<-ch
		cancel()
		// The stream must terminate rather than block on the abandoned reader.
		for range ch {
		}
	})
}

func TestListObjects_FastPath(t *testing.T) {
	ctx := context.Background()

	t.Run("enough cached keys avoid the remote round trip", func(t *testing.T) {
		fake := newFakeRemote()
		fake.addObject("b", "x/1.nc", remote.ObjectInfo{Size: 1})
		fake.addObject("b", "x/2.nc", remote.ObjectInfo{Size: 2})
		fake.addObject("b", "x/3.nc", remote.ObjectInfo{Size: 3})
		c := newTestCache(t, fake, WithTTL(time.Hour))

		for _, k := range []string{"x/1.nc", "x/2.nc", "x/3.nc"} {
			_, err := c.StatObject(ctx, "b", k, ModeDefault)
			require.NoError(t, err)
		}

		results := collect(t, c.ListObjects(ctx, "b", ListOptions{Prefix: "x/", Limit: 2}))
		require.Len(t, results, 2)
		assert.Equal(t, []string{"x/1.nc", "x/2.nc"}, keysOf(results))
		for _, res := range results {
			assert.Equal(t, SourceCache, res.Source)
		}
		assert.Zero(t, fake.listCalls)
	})

	t.Run("serves records past their TTL without re-checking", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		fake := newFakeRemote()
		fake.addObject("b", "x/1.nc", remote.ObjectInfo{Size: 1})
		fake.addObject("b", "x/2.nc", remote.ObjectInfo{Size: 2})
		c := newTestCache(t, fake,
			WithTTL(time.Minute),
			WithNow(func() time.Time { return now }))

		for _, k := range []string{"x/1.nc", "x/2.nc"} {
			_, err := c.StatObject(ctx, "b", k, ModeDefault)
			require.NoError(t, err)
		}
		statsBefore := fake.statCalls

		now = now.Add(time.Hour)

		results := collect(t, c.ListObjects(ctx, "b", ListOptions{Prefix: "x/", Limit: 2}))
		require.Len(t, results, 2)
		for _, res := range results {
			assert.Equal(t, SourceCache, res.Source)
			assert.True(t, res.Stale)
		}
		assert.Zero(t, fake.listCalls)
		assert.Equal(t, statsBefore, fake.statCalls)
	})

	t.Run("too few cached keys fall through to the merge path", func(t *testing.T) {
		fake := newFakeRemote()
		fake.addObject("b", "x/1.nc", remote.ObjectInfo{Size: 1})
		fake.addObject("b", "x/2.nc", remote.ObjectInfo{Size: 2})
		c := newTestCache(t, fake, WithTTL(time.Hour))

		_, err := c.StatObject(ctx, "b", "x/1.nc", ModeDefault)
		require.NoError(t, err)

		results := collect(t, c.ListObjects(ctx, "b", ListOptions{Prefix: "x/", Limit: 2}))
		require.Len(t, results, 2)
		assert.Equal(t, 1, fake.listCalls)
	})

	t.Run("FORCE_REFRESH never takes the fast path", func(t *testing.T) {
		fake := newFakeRemote()
		fake.addObject("b", "x/1.nc", remote.ObjectInfo{Size: 1})
		c := newTestCache(t, fake, WithTTL(time.Hour))

		_, err := c.StatObject(ctx, "b", "x/1.nc", ModeDefault)
		require.NoError(t, err)

		results := collect(t, c.ListObjects(ctx, "b", ListOptions{Prefix: "x/", Limit: 1, Mode: ModeForceRefresh}))
		require.Len(t, results, 1)
		assert.Equal(t, SourceRemote, results[0].Source)
		assert.Equal(t, 1, fake.listCalls)
	})
}

func TestListObjects_CacheOnly(t *testing.T) {
	ctx := context.Background()

	fake := newFakeRemote()
	fake.addObject("b", "data/b.nc", remote.ObjectInfo{Size: 2})
	fake.addObject("b", "data/a.nc", remote.ObjectInfo{Size: 1})
	fake.addObject("b", "other/c.nc", remote.ObjectInfo{Size: 3})
	c := newTestCache(t, fake, WithTTL(time.Hour))

	for _, k := range []string{"data/b.nc", "data/a.nc", "other/c.nc"} {
		_, err := c.StatObject(ctx, "b", k, ModeDefault)
		require.NoError(t, err)
	}
	listCallsBefore := fake.listCalls
	statCallsBefore := fake.statCalls

	results := collect(t, c.ListObjects(ctx, "b", ListOptions{Prefix: "data/", Mode: ModeCacheOnly}))
	// The store iterates in key order regardless of remote listing order.
	assert.Equal(t, []string{"data/a.nc", "data/b.nc"}, keysOf(results))
	for _, res := range results {
		assert.Equal(t, SourceCache, res.Source)
		assert.True(t, res.Cached)
	}
	assert.Equal(t, listCallsBefore, fake.listCalls)
	assert.Equal(t, statCallsBefore, fake.statCalls)
}
