// Package metrics exposes Prometheus instrumentation for the feed pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Feed request results.
const (
	ResultHit         = "hit"
	ResultGenerated   = "generated"
	ResultConfigError = "config_error"
	ResultAuthError   = "auth_error"
	ResultFetchError  = "fetch_error"
	ResultEncodeError = "encode_error"
	ResultAbandoned   = "abandoned"
)

// Manager owns the registry and all collectors.
type Manager struct {
	namespace string
	registry  *prometheus.Registry

	feedRequests     *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	upstreamDuration prometheus.Histogram
	lessonsFetched   prometheus.Gauge
	eventsServed     prometheus.Gauge
	lessonsSkipped   prometheus.Counter
	remapUpdates     prometheus.Counter
	httpRequests     *prometheus.CounterVec
}

// Option configures a Manager.
type Option func(*Manager)

// WithNamespace sets the metric namespace.
func WithNamespace(ns string) Option {
	return func(m *Manager) {
		if ns != "" {
			m.namespace = ns
		}
	}
}

// WithRegistry uses reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(m *Manager) {
		if reg != nil {
			m.registry = reg
		}
	}
}

// New creates a Manager on its own registry, so tests can build many.
func New(opts ...Option) *Manager {
	m := &Manager{
		namespace: "icsuntis",
		registry:  prometheus.NewRegistry(),
	}
	for _, o := range opts {
		o(m)
	}
	m.init()
	return m
}

func (m *Manager) init() {
	auto := promauto.With(m.registry)

	m.feedRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "feed_requests_total",
		Help:      "Calendar feed requests by result.",
	}, []string{"result"})

	m.cacheLookups = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Calendar cache lookups by outcome.",
	}, []string{"outcome"})

	m.upstreamDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "upstream",
		Name:      "fetch_duration_seconds",
		Help:      "Duration of authenticate + timetable fetch against WebUntis.",
		Buckets:   prometheus.DefBuckets,
	})

	m.lessonsFetched = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "lessons_fetched",
		Help:      "Lessons returned by the last successful fetch.",
	})

	m.eventsServed = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "events_generated",
		Help:      "VEVENTs in the last generated calendar.",
	})

	m.lessonsSkipped = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "lessons_skipped_total",
		Help:      "Malformed lessons dropped during normalization.",
	})

	m.remapUpdates = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "remap_updates_total",
		Help:      "Applied remap table updates.",
	})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status code.",
	}, []string{"route", "method", "code"})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Manager) FeedRequest(result string) {
	m.feedRequests.WithLabelValues(result).Inc()
}

func (m *Manager) CacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.cacheLookups.WithLabelValues(outcome).Inc()
}

func (m *Manager) UpstreamFetch(d time.Duration) {
	m.upstreamDuration.Observe(d.Seconds())
}

func (m *Manager) Generated(lessons, events, skipped int) {
	m.lessonsFetched.Set(float64(lessons))
	m.eventsServed.Set(float64(events))
	m.lessonsSkipped.Add(float64(skipped))
}

func (m *Manager) RemapUpdated(n int) {
	m.remapUpdates.Add(float64(n))
}

func (m *Manager) HTTPRequest(route, method string, code int) {
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
}
