package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsLogged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_records_logged_total",
		Help: "Total number of records accepted by Log, by level",
	}, []string{"level"})

	recordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_records_dropped_total",
		Help: "Total number of records dropped before reaching a sink",
	}, []string{"reason"})

	sinkWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_sink_writes_total",
		Help: "Total number of record writes handed to each sink",
	}, []string{"sink"})

	sinkWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_sink_write_errors_total",
		Help: "Total number of sink write failures",
	}, []string{"sink"})

	redactionHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skald_redaction_hits_total",
		Help: "Total number of values masked by the redactor",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skald_queue_depth",
		Help: "Records currently waiting in the ring buffer",
	})

	dispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "skald_dispatch_duration_seconds",
		Help:    "Time spent fanning one batch out to all sinks",
		Buckets: prometheus.DefBuckets,
	})
)
