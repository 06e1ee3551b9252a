package queue

import "time"

// backoffTable holds the fixed retry delays, indexed by how many attempts
// have already failed. Delays past the end of the table use the last entry.
var backoffTable = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
}

// Backoff returns the delay before the next attempt after `failed` failed
// attempts (1-based: the first retry waits Backoff(1)).
func Backoff(failed int) time.Duration {
	idx := failed - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffTable) {
		idx = len(backoffTable) - 1
	}
	return backoffTable[idx]
}

// Clock abstracts time so retry scheduling is deterministic under test.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns a Clock backed by the wall clock.
func RealClock() Clock { return realClock{} }
