package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	wafersAnalyzed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wafers_analyzed_total",
		Help: "Total number of wafers analyzed",
	})

	yieldAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yield_alerts_total",
		Help: "Total number of yield drop alerts by severity",
	}, []string{"severity"})

	latestRollingYield = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "latest_rolling_yield",
		Help: "Rolling yield of the most recently flagged wafer",
	})
)
