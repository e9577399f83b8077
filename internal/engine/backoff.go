package engine

import "time"

// RetryDelay is the exponential backoff used after consecutive failures:
// base, 2*base, 4*base, ... capped at limit. attempt is 1-based.
func RetryDelay(base, limit time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// FollowUpInterval returns the spacing after the n-th successful message.
// The last configured interval repeats.
func FollowUpInterval(intervals []time.Duration, n int) time.Duration {
	if len(intervals) == 0 {
		return 0
	}
	idx := n - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(intervals) {
		idx = len(intervals) - 1
	}
	return intervals[idx]
}
