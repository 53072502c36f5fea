// Package expiry decides whether cached records are still usable.
//
// Staleness is evaluated lazily on access; there is no background refresh.
// All functions are pure and perform no I/O.
package expiry

import "time"

// IsStale reports whether a record cached at cachedAt has outlived ttl as of
// now.
//
// A non-positive ttl disables expiry entirely: the cache is authoritative
// until explicitly invalidated. A zero cachedAt means the record was never
// cached and is always stale.
func IsStale(cachedAt time.Time, ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	if cachedAt.IsZero() {
		return true
	}
	return now.Sub(cachedAt) > ttl
}

// Age returns how long ago a record was cached, or zero if it never was.
func Age(cachedAt time.Time, now time.Time) time.Duration {
	if cachedAt.IsZero() {
		return 0
	}
	return now.Sub(cachedAt)
}
