package pagination

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scorer_pages_total",
		Help: "Total pages by fetch mode and outcome",
	}, []string{"mode", "outcome"})

	fetchDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scorer_fetch_duration_seconds",
		Help:    "Duration of a complete multi-page fetch",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})
)
