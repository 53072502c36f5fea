// Package s3meta provides a persistent metadata cache in front of an
// S3-compatible object store.
//
// Object existence, size, timestamps, checksums, user metadata and tags are
// cached in a local bbolt database so repeated lookups avoid remote round
// trips. Object content is never cached. Staleness is bounded by a TTL and
// evaluated lazily on access; the on-disk footprint is bounded by an optional
// size cap enforced by evicting the oldest records.
package s3meta

// CacheMode controls how a read operation consults the cache.
type CacheMode int

const (
	// ModeDefault serves from the store if present and fresh, otherwise
	// fetches from the remote service and refreshes the store.
	ModeDefault CacheMode = iota

	// ModeBypass always fetches from the remote service. The store is still
	// refreshed as a side effect but never consulted for serving.
	ModeBypass

	// ModeCacheOnly never performs remote I/O. Returns the stored record even
	// if stale, or a miss result if absent.
	ModeCacheOnly

	// ModeForceRefresh always fetches from the remote service and overwrites
	// the store, regardless of freshness.
	ModeForceRefresh
)

// String returns the mode name for logging and metrics.
func (m CacheMode) String() string {
	switch m {
	case ModeDefault:
		return "default"
	case ModeBypass:
		return "bypass"
	case ModeCacheOnly:
		return "cache_only"
	case ModeForceRefresh:
		return "force_refresh"
	default:
		return "unknown"
	}
}
