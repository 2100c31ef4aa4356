package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"go.uber.org/zap"
)

const (
	EventHit          = "hit"
	EventMiss         = "miss"
	EventExpired      = "expired"
	EventInvalid      = "invalid"
	EventRejected     = "rejected"
	EventEvicted      = "evicted"
	EventInvalidation = "invalidation"
	EventSwept        = "swept"
)

// Recorder receives cache events for export. Implementations must not call
// back into the cache.
type Recorder interface {
	RecordCacheEvent(event string, count int)
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Hits          int64      `json:"hits"`
	Misses        int64      `json:"misses"`
	Invalidations int64      `json:"invalidations"`
	Evictions     int64      `json:"evictions"`
	Expirations   int64      `json:"expirations"`
	Rejections    int64      `json:"rejections"`
	InvalidReads  int64      `json:"invalid_reads"`
	Size          int        `json:"size"`
	MaxSize       int        `json:"max_size"`
	Version       uint64     `json:"version"`
	LastCleanup   *time.Time `json:"last_cleanup,omitempty"`
}

// Options configures a SubscriptionCache.
type Options struct {
	MaxSize       int
	DefaultTTL    time.Duration
	SweepInterval time.Duration
	Clock         clock.Clock
	Log           *zap.Logger
	Recorder      Recorder
}

// SubscriptionCache is the single access point to cached entitlement
// records. One instance is built at startup and shared by every caller.
//
// Concurrent misses for the same user are not coalesced: each caller fetches
// and writes, and the last write wins.
type SubscriptionCache struct {
	mu       sync.Mutex
	store    *Store[domain.Record]
	clock    clock.Clock
	log      *zap.Logger
	recorder Recorder
	maxSize  int

	hits          int64
	misses        int64
	invalidations int64
	evictions     int64
	expirations   int64
	rejections    int64
	invalidReads  int64
	lastCleanup   time.Time

	sweepMu       sync.Mutex
	sweepInterval time.Duration
	sweepStop     chan struct{}
	sweepDone     chan struct{}
	destroyed     bool
	destroyOnce   sync.Once
}

// NewSubscriptionCache builds the cache and starts the sweeper when
// SweepInterval is positive.
func NewSubscriptionCache(opts Options) (*SubscriptionCache, error) {
	if opts.MaxSize <= 0 {
		opts.MaxSize = config.DefaultCacheMaxSize
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = config.DefaultCacheTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	store, err := NewStore[domain.Record](opts.MaxSize, opts.DefaultTTL, domain.ValidateRecord, opts.Clock)
	if err != nil {
		return nil, err
	}

	c := &SubscriptionCache{
		store:    store,
		clock:    opts.Clock,
		log:      opts.Log.Named("cache.subscription"),
		recorder: opts.Recorder,
		maxSize:  opts.MaxSize,
	}
	c.startSweeper(opts.SweepInterval)
	return c, nil
}

// GetSubscription returns the cached record for userID. Missing, expired and
// invalid entries all collapse to absent.
func (c *SubscriptionCache) GetSubscription(userID string) (domain.Record, bool) {
	c.mu.Lock()
	record, outcome := c.store.Lookup(userID)
	switch outcome {
	case OutcomeHit:
		c.hits++
	case OutcomeExpired:
		c.misses++
		c.expirations++
	case OutcomeInvalid:
		c.misses++
		c.invalidReads++
	default:
		c.misses++
	}
	c.mu.Unlock()

	switch outcome {
	case OutcomeHit:
		c.record(EventHit, 1)
		return record.Clone(), true
	case OutcomeExpired:
		c.record(EventExpired, 1)
	case OutcomeInvalid:
		c.log.Warn("cached entitlement failed validation, dropped", zap.String("user_id", userID))
		c.record(EventInvalid, 1)
	}
	c.record(EventMiss, 1)
	return domain.Record{}, false
}

// SetSubscription validates record and caches it under userID. An optional
// ttl overrides the default. Rejected writes leave the cache unchanged.
func (c *SubscriptionCache) SetSubscription(userID string, record domain.Record, ttl ...time.Duration) error {
	var entryTTL time.Duration
	if len(ttl) > 0 {
		entryTTL = ttl[0]
	}

	if err := checkOwner(userID, record); err != nil {
		c.reject(userID, err)
		return err
	}

	c.mu.Lock()
	evicted, err := c.store.Set(userID, record.Clone(), entryTTL)
	if err != nil {
		c.rejections++
	} else {
		c.evictions += int64(evicted)
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("entitlement rejected by cache", zap.String("user_id", userID), zap.Error(err))
		c.record(EventRejected, 1)
		return err
	}
	if evicted > 0 {
		c.record(EventEvicted, evicted)
	}
	return nil
}

// InvalidateUser drops userID's entry regardless of its TTL.
func (c *SubscriptionCache) InvalidateUser(userID string) {
	c.mu.Lock()
	c.store.Delete(userID)
	c.invalidations++
	c.mu.Unlock()

	c.record(EventInvalidation, 1)
}

// InvalidateAll clears the cache and bumps its version.
func (c *SubscriptionCache) InvalidateAll() {
	c.mu.Lock()
	c.store.Purge()
	c.invalidations++
	version := c.store.Version()
	c.mu.Unlock()

	c.log.Info("entitlement cache cleared", zap.Uint64("version", version))
	c.record(EventInvalidation, 1)
}

// Cleanup sweeps expired entries now and returns how many were removed.
func (c *SubscriptionCache) Cleanup() int {
	c.mu.Lock()
	removed := c.store.Sweep()
	c.expirations += int64(removed)
	c.lastCleanup = c.clock.Now()
	c.mu.Unlock()

	if removed > 0 {
		c.log.Debug("swept expired entitlements", zap.Int("removed", removed))
		c.record(EventSwept, removed)
	}
	return removed
}

func (c *SubscriptionCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Invalidations: c.invalidations,
		Evictions:     c.evictions,
		Expirations:   c.expirations,
		Rejections:    c.rejections,
		InvalidReads:  c.invalidReads,
		Size:          c.store.Len(),
		MaxSize:       c.maxSize,
		Version:       c.store.Version(),
	}
	if !c.lastCleanup.IsZero() {
		last := c.lastCleanup
		stats.LastCleanup = &last
	}
	return stats
}

// ApplyTuning resizes the cache and updates TTL and sweep cadence.
func (c *SubscriptionCache) ApplyTuning(t config.Tuning) {
	c.mu.Lock()
	c.store.SetDefaultTTL(t.Cache.DefaultTTL)
	evicted := 0
	if t.Cache.MaxSize > 0 && t.Cache.MaxSize != c.maxSize {
		evicted = c.store.Resize(t.Cache.MaxSize)
		c.maxSize = t.Cache.MaxSize
		c.evictions += int64(evicted)
	}
	c.mu.Unlock()

	if evicted > 0 {
		c.record(EventEvicted, evicted)
	}

	c.sweepMu.Lock()
	changed := c.sweepInterval != t.Cache.SweepInterval
	c.sweepMu.Unlock()
	if changed {
		c.stopSweeper()
		c.startSweeper(t.Cache.SweepInterval)
	}
}

// Destroy stops the sweeper and clears the cache. Safe to call twice.
func (c *SubscriptionCache) Destroy() {
	c.destroyOnce.Do(func() {
		c.sweepMu.Lock()
		c.destroyed = true
		c.sweepMu.Unlock()

		c.stopSweeper()
		c.mu.Lock()
		c.store.Purge()
		c.mu.Unlock()
	})
}

func (c *SubscriptionCache) startSweeper(interval time.Duration) {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()

	c.sweepInterval = interval
	if interval <= 0 || c.sweepStop != nil || c.destroyed {
		return
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	c.sweepStop = stop
	c.sweepDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.Cleanup()
			}
		}
	}()
}

func (c *SubscriptionCache) stopSweeper() {
	c.sweepMu.Lock()
	stop, done := c.sweepStop, c.sweepDone
	c.sweepStop, c.sweepDone = nil, nil
	c.sweepMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (c *SubscriptionCache) reject(userID string, err error) {
	c.mu.Lock()
	c.rejections++
	c.mu.Unlock()

	c.log.Warn("entitlement rejected by cache", zap.String("user_id", userID), zap.Error(err))
	c.record(EventRejected, 1)
}

func (c *SubscriptionCache) record(event string, count int) {
	if c.recorder == nil || count <= 0 {
		return
	}
	c.recorder.RecordCacheEvent(event, count)
}

func checkOwner(userID string, record domain.Record) error {
	key := normalizeKey(userID)
	if key == "" {
		return domain.ErrInvalidUser
	}
	if record.UserID != "" && record.UserID != key {
		return errors.Join(domain.ErrUserMismatch, domain.ErrInvalidRecord)
	}
	return nil
}
