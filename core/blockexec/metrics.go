package blockexec

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promExecutions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "parex",
		Name:      "executions_total",
		Help:      "Total number of transaction execution attempts",
	})

	promAborts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "parex",
		Name:      "aborts_total",
		Help:      "Total number of aborted incarnations",
	})

	promValidations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "parex",
		Name:      "validations_total",
		Help:      "Total number of read-set validations",
	})

	promBlockSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "parex",
		Name:      "block_seconds",
		Help:      "Wall-clock duration of block processing",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)
