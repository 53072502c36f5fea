package metadb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketObjects     = []byte("objects")      // bucket\x00key -> Record JSON
	bucketBucketNames = []byte("bucket_names") // name -> empty

	// Eviction ordering index
	bucketObjectsByCachedAt = []byte("objects_by_cached_at") // timestamp+bucket+key -> bucket+key
	bucketCachedAtByKey     = []byte("cached_at_by_key")     // bucket+key -> 8-byte timestamp (reverse index for O(1) delete)
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	// Offset by math.MinInt64 to convert signed to unsigned while preserving order.
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeObjectKey creates a compound key for an object record.
// Format: [bucket][separator][key]
func makeObjectKey(bucket, key string) []byte {
	result := make([]byte, len(bucket)+1+len(key))
	copy(result, bucket)
	result[len(bucket)] = 0 // null separator
	copy(result[len(bucket)+1:], key)
	return result
}

// parseObjectKey extracts bucket and key from a compound key.
func parseObjectKey(data []byte) (bucket, key string) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), string(data[i+1:])
		}
	}
	return string(data), ""
}

// makeCachedAtKey creates a key for the objects_by_cached_at index.
// Format: [8-byte timestamp][bucket][separator][key]
func makeCachedAtKey(cachedAt time.Time, bucket, key string) []byte {
	ts := encodeTimestamp(cachedAt)
	result := make([]byte, 8+len(bucket)+1+len(key))
	copy(result[:8], ts)
	copy(result[8:], bucket)
	result[8+len(bucket)] = 0
	copy(result[8+len(bucket)+1:], key)
	return result
}

// parseCachedAtKey extracts the timestamp and key parts from an index key.
func parseCachedAtKey(data []byte) (cachedAt time.Time, bucket, key string) {
	if len(data) < 9 {
		return time.Time{}, "", ""
	}
	cachedAt = decodeTimestamp(data[:8])
	bucket, key = parseObjectKey(data[8:])
	return
}
