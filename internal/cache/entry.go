package cache

import "time"

// Entry wraps a validated value with the bookkeeping needed for aging.
// Entries are replaced on write, never mutated in place.
type Entry[V any] struct {
	Value     V
	WrittenAt time.Time
	TTL       time.Duration
	Version   uint64
}

// Expired reports whether more than TTL has elapsed since the write.
func (e Entry[V]) Expired(now time.Time) bool {
	return now.Sub(e.WrittenAt) > e.TTL
}
