// Package metrics exposes Prometheus counters for the feed cache. Each session
// owns its own registry so several sessions (and tests) never collide.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for one session.
type Collector struct {
	registry *prometheus.Registry

	// Merge engine
	RecordsPut         prometheus.Counter
	EdgesPrepended     prometheus.Counter
	EdgesDeduplicated  prometheus.Counter
	EdgesAppended      prometheus.Counter
	OrderingViolations *prometheus.CounterVec
	StaleResults       prometheus.Counter
	DroppedPushes      prometheus.Counter

	// Requests
	Fetches       *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec

	// Projection
	Projections       prometheus.Counter
	ProjectionHits    prometheus.Counter
	Invalidations     prometheus.Counter
	DanglingEdges     prometheus.Counter
	SubscriptionsLive prometheus.Gauge
}

// NewCollector creates the metrics with the given namespace on a fresh registry.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		RecordsPut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_put_total",
			Help:      "Total number of records merged into the record store",
		}),
		EdgesPrepended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edges_prepended_total",
			Help:      "Total number of pushed edges inserted into connections",
		}),
		EdgesDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edges_deduplicated_total",
			Help:      "Total number of pushed edges ignored because the entity was already present",
		}),
		EdgesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edges_appended_total",
			Help:      "Total number of edges appended by backward pagination",
		}),
		OrderingViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ordering_violations_total",
			Help:      "Total number of pages rejected for ordering or page-info defects",
		}, []string{"connection"}),
		StaleResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_results_total",
			Help:      "Total number of request results discarded because their consumer was gone",
		}),
		DroppedPushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_pushes_total",
			Help:      "Total number of pushed edges targeting connections that were not initialized",
		}),
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Total number of fetch adapter calls",
		}, []string{"operation", "status"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Fetch adapter call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		Projections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projections_total",
			Help:      "Total number of view recomputations",
		}),
		ProjectionHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projection_cache_hits_total",
			Help:      "Total number of reads served from a cached view",
		}),
		Invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidations_total",
			Help:      "Total number of consumers marked stale",
		}),
		DanglingEdges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dangling_edges_total",
			Help:      "Total number of edges whose entity was missing from the store at projection time",
		}),
		SubscriptionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions_live",
			Help:      "Number of subscription streams currently attached",
		}),
	}

	registry.MustRegister(
		c.RecordsPut,
		c.EdgesPrepended,
		c.EdgesDeduplicated,
		c.EdgesAppended,
		c.OrderingViolations,
		c.StaleResults,
		c.DroppedPushes,
		c.Fetches,
		c.FetchDuration,
		c.Projections,
		c.ProjectionHits,
		c.Invalidations,
		c.DanglingEdges,
		c.SubscriptionsLive,
	)
	return c
}

// Registry returns the registry the collector's metrics are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
