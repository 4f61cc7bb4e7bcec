// Package metrics defines the prometheus collectors exported by the routing
// cache and the migration recipient.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shardmeta"

// CacheMetrics instruments catalog.Cache.
type CacheMetrics struct {
	Hits            prometheus.Counter
	Misses          prometheus.Counter
	Refreshes       *prometheus.CounterVec
	RefreshDuration *prometheus.HistogramVec
	Invalidations   prometheus.Counter
}

// NewCacheMetrics creates the cache collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	f := promauto.With(reg)
	return &CacheMetrics{
		Hits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing_cache",
			Name:      "hits_total",
			Help:      "Lookups answered from the cache without a refresh.",
		}),
		Misses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing_cache",
			Name:      "misses_total",
			Help:      "Lookups that required a refresh.",
		}),
		Refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing_cache",
			Name:      "refreshes_total",
			Help:      "Completed refreshes by kind and result.",
		}, []string{"kind", "result"}),
		RefreshDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "routing_cache",
			Name:      "refresh_duration_seconds",
			Help:      "Time spent refreshing one entry.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		Invalidations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing_cache",
			Name:      "invalidations_total",
			Help:      "Entries marked stale or dropped.",
		}),
	}
}

// MigrationMetrics instruments migration.Manager.
type MigrationMetrics struct {
	Transitions *prometheus.CounterVec
	Documents   *prometheus.CounterVec
	ClonedBytes prometheus.Counter
	Active      prometheus.Gauge
}

// NewMigrationMetrics creates the migration collectors and registers them
// with reg. A nil reg leaves them unregistered.
func NewMigrationMetrics(reg prometheus.Registerer) *MigrationMetrics {
	f := promauto.With(reg)
	return &MigrationMetrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "state_transitions_total",
			Help:      "State machine transitions by target state.",
		}, []string{"state"}),
		Documents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "documents_total",
			Help:      "Documents applied by phase.",
		}, []string{"phase"}),
		ClonedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "cloned_bytes_total",
			Help:      "Bytes of documents copied during clone.",
		}),
		Active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "active",
			Help:      "1 while a migration is being received.",
		}),
	}
}
