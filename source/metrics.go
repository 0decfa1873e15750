package source

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var apiResponseSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "tributary_source_api_response_seconds",
	Help:    "Source API response time per service.",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
}, []string{"service"})

var apiRequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tributary_source_api_request_errors_total",
	Help: "Source API request failures per service and cause.",
}, []string{"service", "cause"})
