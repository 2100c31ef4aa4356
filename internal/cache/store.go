package cache

import (
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/smallbiznis/entitlements/internal/clock"
)

// Validator gates every value entering or leaving a Store.
type Validator[V any] func(V) error

// Outcome classifies a lookup.
type Outcome int

const (
	OutcomeMiss Outcome = iota
	OutcomeHit
	OutcomeExpired
	OutcomeInvalid
	OutcomeStale
)

var ErrEmptyKey = errors.New("empty_cache_key")

// Store is a size-bounded, TTL-bounded map of validated values. Recency is
// tracked by write only: reads use Peek and never reorder entries, so the
// oldest write is always evicted first. Store is not safe for concurrent use;
// its owner serializes access.
type Store[V any] struct {
	entries    *simplelru.LRU[string, Entry[V]]
	validate   Validator[V]
	clock      clock.Clock
	defaultTTL time.Duration
	version    uint64
}

// NewStore returns an empty store holding at most maxSize entries.
func NewStore[V any](maxSize int, defaultTTL time.Duration, validate Validator[V], clk clock.Clock) (*Store[V], error) {
	if maxSize <= 0 {
		return nil, errors.New("cache max size must be positive")
	}
	if defaultTTL <= 0 {
		return nil, errors.New("cache default ttl must be positive")
	}
	if validate == nil {
		return nil, errors.New("cache validator is required")
	}
	if clk == nil {
		clk = clock.New()
	}
	entries, err := simplelru.NewLRU[string, Entry[V]](maxSize, nil)
	if err != nil {
		return nil, err
	}
	return &Store[V]{
		entries:    entries,
		validate:   validate,
		clock:      clk,
		defaultTTL: defaultTTL,
	}, nil
}

// Lookup returns the value for key and how the lookup resolved. Expired,
// invalid, and stale entries are removed before returning.
func (s *Store[V]) Lookup(key string) (V, Outcome) {
	var zero V
	key = normalizeKey(key)
	if key == "" {
		return zero, OutcomeMiss
	}

	entry, ok := s.entries.Peek(key)
	if !ok {
		return zero, OutcomeMiss
	}
	if entry.Version != s.version {
		s.entries.Remove(key)
		return zero, OutcomeStale
	}
	if entry.Expired(s.clock.Now()) {
		s.entries.Remove(key)
		return zero, OutcomeExpired
	}
	if err := s.validate(entry.Value); err != nil {
		s.entries.Remove(key)
		return zero, OutcomeInvalid
	}
	return entry.Value, OutcomeHit
}

// Get is Lookup collapsed to present/absent.
func (s *Store[V]) Get(key string) (V, bool) {
	value, outcome := s.Lookup(key)
	return value, outcome == OutcomeHit
}

// Set validates value and stores it, replacing any previous entry. A zero or
// negative ttl uses the default. It returns how many entries were evicted to
// stay within capacity. On a validation error the store is unchanged.
func (s *Store[V]) Set(key string, value V, ttl time.Duration) (int, error) {
	key = normalizeKey(key)
	if key == "" {
		return 0, ErrEmptyKey
	}
	if err := s.validate(value); err != nil {
		return 0, err
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	evicted := s.entries.Add(key, Entry[V]{
		Value:     value,
		WrittenAt: s.clock.Now(),
		TTL:       ttl,
		Version:   s.version,
	})
	if evicted {
		return 1, nil
	}
	return 0, nil
}

// Delete removes key regardless of its TTL.
func (s *Store[V]) Delete(key string) bool {
	key = normalizeKey(key)
	if key == "" {
		return false
	}
	return s.entries.Remove(key)
}

// Purge clears every entry and bumps the version.
func (s *Store[V]) Purge() {
	s.entries.Purge()
	s.version++
}

// Sweep removes every expired entry and returns how many were removed.
func (s *Store[V]) Sweep() int {
	now := s.clock.Now()
	removed := 0
	for _, key := range s.entries.Keys() {
		entry, ok := s.entries.Peek(key)
		if !ok {
			continue
		}
		if entry.Expired(now) || entry.Version != s.version {
			s.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// Resize changes the capacity, evicting the oldest writes if needed.
func (s *Store[V]) Resize(maxSize int) int {
	if maxSize <= 0 {
		return 0
	}
	return s.entries.Resize(maxSize)
}

func (s *Store[V]) SetDefaultTTL(ttl time.Duration) {
	if ttl > 0 {
		s.defaultTTL = ttl
	}
}

func (s *Store[V]) DefaultTTL() time.Duration { return s.defaultTTL }

func (s *Store[V]) Len() int { return s.entries.Len() }

func (s *Store[V]) Version() uint64 { return s.version }

// Keys returns keys from oldest to newest write.
func (s *Store[V]) Keys() []string { return s.entries.Keys() }

// Peek returns the raw entry without expiry or validation checks.
func (s *Store[V]) Peek(key string) (Entry[V], bool) {
	return s.entries.Peek(normalizeKey(key))
}

func normalizeKey(key string) string {
	return strings.TrimSpace(key)
}
