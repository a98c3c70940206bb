package domain

import "time"

// DefaultSessionTTL is how long an idle conversation is remembered.
const DefaultSessionTTL = 7 * 24 * time.Hour

// IsExpired reports whether a session last active at lastActivityAt is stale
// at now. A session idle for exactly ttl is still fresh; a session that never
// had activity is never expired.
func IsExpired(lastActivityAt, now time.Time, ttl time.Duration) bool {
	if lastActivityAt.IsZero() {
		return false
	}
	return now.Sub(lastActivityAt) > ttl
}

// RemainingTTL returns the time left before a session becomes stale, clamped at zero.
func RemainingTTL(lastActivityAt, now time.Time, ttl time.Duration) time.Duration {
	left := lastActivityAt.Add(ttl).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}
