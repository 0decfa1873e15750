package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_jobs_finished_total",
		Help: "Pipeline jobs reaching a terminal status.",
	}, []string{"status"})

	chunksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_chunks_finished_total",
		Help: "Chunk invocations reaching a terminal state.",
	}, []string{"service", "status"})

	recordsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_records_processed_total",
		Help: "Source records accepted into raw batches.",
	}, []string{"service"})

	recordsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_records_skipped_total",
		Help: "Source records dropped as unparseable.",
	}, []string{"service"})

	batchesFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_raw_batches_flushed_total",
		Help: "Raw Parquet batch objects written.",
	}, []string{"service"})
)
