package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// storeLoads counts document loads by store and result
	// ("ok", "empty", "migrated", "schema_error", "error").
	storeLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pantry_store_loads_total",
		Help: "Store document loads by store and result",
	}, []string{"store", "result"})

	storeSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pantry_store_saves_total",
		Help: "Store document saves by store and result",
	}, []string{"store", "result"})

	storeMigrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pantry_store_migrations_total",
		Help: "Documents migrated to the current schema version on load",
	}, []string{"store"})

	storeSaveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pantry_store_save_duration_seconds",
		Help:    "Store document save duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
	}, []string{"store"})
)
