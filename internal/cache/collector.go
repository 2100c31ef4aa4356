package cache

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes SubscriptionCache stats to Prometheus on scrape.
type Collector struct {
	cache *SubscriptionCache

	hits          *prometheus.Desc
	misses        *prometheus.Desc
	invalidations *prometheus.Desc
	evictions     *prometheus.Desc
	expirations   *prometheus.Desc
	rejections    *prometheus.Desc
	size          *prometheus.Desc
	maxSize       *prometheus.Desc
	version       *prometheus.Desc
}

func NewCollector(c *SubscriptionCache, serviceName string) *Collector {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = "entitlements"
	}
	labels := prometheus.Labels{"service": serviceName}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("entitlements_cache_"+name, help, nil, labels)
	}

	return &Collector{
		cache:         c,
		hits:          desc("hits_total", "Entitlement cache lookups served from memory."),
		misses:        desc("misses_total", "Entitlement cache lookups that found nothing usable."),
		invalidations: desc("invalidations_total", "Explicit single-user and bulk invalidations."),
		evictions:     desc("evictions_total", "Entries evicted to stay within capacity."),
		expirations:   desc("expirations_total", "Entries removed after their TTL elapsed."),
		rejections:    desc("rejections_total", "Writes refused because the record failed validation."),
		size:          desc("entries", "Entries currently cached."),
		maxSize:       desc("max_entries", "Configured entry capacity."),
		version:       desc("version", "Cache version, bumped on every bulk invalidation."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.invalidations
	ch <- c.evictions
	ch <- c.expirations
	ch <- c.rejections
	ch <- c.size
	ch <- c.maxSize
	ch <- c.version
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.cache.Stats()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(stats.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(stats.Misses))
	ch <- prometheus.MustNewConstMetric(c.invalidations, prometheus.CounterValue, float64(stats.Invalidations))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(stats.Evictions))
	ch <- prometheus.MustNewConstMetric(c.expirations, prometheus.CounterValue, float64(stats.Expirations))
	ch <- prometheus.MustNewConstMetric(c.rejections, prometheus.CounterValue, float64(stats.Rejections))
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(stats.Size))
	ch <- prometheus.MustNewConstMetric(c.maxSize, prometheus.GaugeValue, float64(stats.MaxSize))
	ch <- prometheus.MustNewConstMetric(c.version, prometheus.GaugeValue, float64(stats.Version))
}
