package scoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var recordsScoredTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "scorer_records_scored_total",
	Help: "Total records scored",
})
