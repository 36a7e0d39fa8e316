// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package querycache

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for cache operations.
var (
	tracer = otel.Tracer("aleutian.querycache")
	meter  = otel.Meter("aleutian.querycache")
)

// Prometheus metrics for lifecycle events.
var (
	gcEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "querycache_gc_evictions_total",
		Help: "Total queries removed by garbage collection",
	})

	notifyFanout = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "querycache_notify_fanout_observers",
		Help:    "Observers notified per state change",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
	})
)

// Metrics for fetch operations.
var (
	fetchesTotal     metric.Int64Counter
	fetchDedupTotal  metric.Int64Counter
	fetchErrorsTotal metric.Int64Counter
	fetchLatency     metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		fetchesTotal, err = meter.Int64Counter(
			"querycache_fetches_total",
			metric.WithDescription("Total fetch attempts started"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fetchDedupTotal, err = meter.Int64Counter(
			"querycache_fetch_dedup_total",
			metric.WithDescription("Fetch triggers collapsed into an in-flight attempt"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fetchErrorsTotal, err = meter.Int64Counter(
			"querycache_fetch_errors_total",
			metric.WithDescription("Total fetch attempts that failed"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fetchLatency, err = meter.Float64Histogram(
			"querycache_fetch_duration_seconds",
			metric.WithDescription("Duration of fetch attempts"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordFetchStart records the start of a fetch attempt.
func recordFetchStart(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	fetchesTotal.Add(ctx, 1)
}

// recordFetchDedup records a fetch trigger joining an in-flight attempt.
func recordFetchDedup(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	fetchDedupTotal.Add(ctx, 1)
}

// recordFetchError records a failed fetch attempt.
func recordFetchError(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	fetchErrorsTotal.Add(ctx, 1)
}

// recordFetchLatency records the duration of a settled fetch attempt.
func recordFetchLatency(ctx context.Context, duration time.Duration, ok bool) {
	if err := initMetrics(); err != nil {
		return
	}
	fetchLatency.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.Bool("ok", ok)),
	)
}

// startQuerySpan creates a span for a query operation.
func startQuerySpan(ctx context.Context, operation, hash string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Query."+operation,
		trace.WithAttributes(
			attribute.String("query.operation", operation),
			attribute.String("query.key", hash),
		),
	)
}
