// Package metrics exposes renderer cache, pool and latency figures to
// Prometheus.
package metrics

import (
	"errors"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goliatone/go-templates/pkg/cache"
	"github.com/goliatone/go-templates/pkg/pool"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "templates"

// Render kinds used as the kind label of the duration histogram.
const (
	KindFragment = "fragment"
	KindTemplate = "template"
	KindBlock    = "block"
)

// Options wires a Collector to its stats sources.
type Options struct {
	Namespace string
	// Instance is attached to every series as the instance label.
	Instance string
	// Registerer receives the collectors. A private registry is created when
	// nil.
	Registerer prometheus.Registerer
	// Caches maps a cache label to its stats snapshot function.
	Caches map[string]func() cache.Stats
	// Pool reports the context pool stats.
	Pool func() pool.Stats
}

// Collector records render durations and reports cache and pool counters on
// every scrape.
type Collector struct {
	registry *prometheus.Registry
	gatherer prometheus.Gatherer
	duration *prometheus.HistogramVec
	stats    *statsCollector
}

// New registers the collectors described by opts.
func New(opts Options) (*Collector, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	constLabels := prometheus.Labels{}
	if opts.Instance != "" {
		constLabels["instance"] = opts.Instance
	}

	c := &Collector{
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "render_duration_seconds",
				Help:        "Template and fragment render duration in seconds",
				Buckets:     []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
				ConstLabels: constLabels,
			},
			[]string{"kind", "outcome"},
		),
		stats: newStatsCollector(namespace, constLabels, opts.Caches, opts.Pool),
	}

	reg := opts.Registerer
	if reg == nil {
		c.registry = prometheus.NewRegistry()
		c.gatherer = c.registry
		reg = c.registry
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}

	for _, collector := range []prometheus.Collector{c.duration, c.stats} {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				return nil, errors.New("metrics: collectors already registered, use a distinct instance label")
			}
			return nil, err
		}
	}
	return c, nil
}

// ObserveRender records one render of kind taking d.
func (c *Collector) ObserveRender(kind string, err error, d time.Duration) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.duration.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

// Gatherer returns the registry the collectors were registered with, or nil
// when the caller supplied a Registerer that cannot be gathered.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

type statsCollector struct {
	caches map[string]func() cache.Stats
	names  []string
	pool   func() pool.Stats

	cacheHits        *prometheus.Desc
	cacheMisses      *prometheus.Desc
	cacheEvictions   *prometheus.Desc
	cacheExpirations *prometheus.Desc
	cacheEntries     *prometheus.Desc

	poolReused    *prometheus.Desc
	poolCreated   *prometheus.Desc
	poolDiscarded *prometheus.Desc
	poolAvailable *prometheus.Desc
}

func newStatsCollector(namespace string, constLabels prometheus.Labels, caches map[string]func() cache.Stats, poolStats func() pool.Stats) *statsCollector {
	names := make([]string, 0, len(caches))
	for name := range caches {
		names = append(names, name)
	}
	sort.Strings(names)

	cacheDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", name), help, []string{"cache"}, constLabels)
	}
	poolDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "context_pool", name), help, nil, constLabels)
	}

	return &statsCollector{
		caches: caches,
		names:  names,
		pool:   poolStats,

		cacheHits:        cacheDesc("hits_total", "Cache lookups that found a live entry"),
		cacheMisses:      cacheDesc("misses_total", "Cache lookups that found no live entry"),
		cacheEvictions:   cacheDesc("evictions_total", "Entries evicted to respect capacity"),
		cacheExpirations: cacheDesc("expirations_total", "Entries dropped because their TTL elapsed"),
		cacheEntries:     cacheDesc("entries", "Entries currently retained"),

		poolReused:    poolDesc("reused_total", "Context containers served from the pool"),
		poolCreated:   poolDesc("created_total", "Context containers allocated because the pool was empty"),
		poolDiscarded: poolDesc("discarded_total", "Released containers dropped because the pool was full"),
		poolAvailable: poolDesc("available", "Idle context containers"),
	}
}

func (s *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		s.cacheHits, s.cacheMisses, s.cacheEvictions, s.cacheExpirations, s.cacheEntries,
		s.poolReused, s.poolCreated, s.poolDiscarded, s.poolAvailable,
	} {
		ch <- d
	}
}

func (s *statsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, name := range s.names {
		st := s.caches[name]()
		ch <- prometheus.MustNewConstMetric(s.cacheHits, prometheus.CounterValue, float64(st.Hits), name)
		ch <- prometheus.MustNewConstMetric(s.cacheMisses, prometheus.CounterValue, float64(st.Misses), name)
		ch <- prometheus.MustNewConstMetric(s.cacheEvictions, prometheus.CounterValue, float64(st.Evictions), name)
		ch <- prometheus.MustNewConstMetric(s.cacheExpirations, prometheus.CounterValue, float64(st.Expirations), name)
		ch <- prometheus.MustNewConstMetric(s.cacheEntries, prometheus.GaugeValue, float64(st.Size), name)
	}
	if s.pool == nil {
		return
	}
	st := s.pool()
	ch <- prometheus.MustNewConstMetric(s.poolReused, prometheus.CounterValue, float64(st.Reused))
	ch <- prometheus.MustNewConstMetric(s.poolCreated, prometheus.CounterValue, float64(st.Created))
	ch <- prometheus.MustNewConstMetric(s.poolDiscarded, prometheus.CounterValue, float64(st.Discarded))
	ch <- prometheus.MustNewConstMetric(s.poolAvailable, prometheus.GaugeValue, float64(st.Available))
}
