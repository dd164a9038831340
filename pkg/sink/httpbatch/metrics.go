package httpbatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_sink_batches_sent_total",
		Help: "Total number of batches accepted by the destination",
	}, []string{"sink"})

	batchesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_sink_batches_dropped_total",
		Help: "Total number of batches dropped after retry exhaustion or fatal responses",
	}, []string{"sink"})

	batchRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_sink_batch_retries_total",
		Help: "Total number of retried delivery attempts",
	}, []string{"sink"})

	entriesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_sink_entries_delivered_total",
		Help: "Total number of log entries delivered",
	}, []string{"sink"})
)
