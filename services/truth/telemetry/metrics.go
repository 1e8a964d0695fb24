// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry holds the OpenTelemetry instruments for the truth
// pipeline: assembly, retrieval, issuance, dispatch, binding, violations.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcome labels shared across instruments.
const (
	OutcomeOK        = "ok"
	OutcomeSchema    = "schema_mismatch"
	OutcomeIntegrity = "integrity_violation"
	OutcomeConflict  = "sequence_conflict"
	OutcomeTornRetry = "torn_read_retry"
	OutcomeHalt      = "halt"
	OutcomeReject    = "reject"
	OutcomeBlocked   = "blocked"
	OutcomeTimeout   = "timeout"
	OutcomeError     = "error"
)

// Metric instruments for the truth pipeline.
var (
	assemblyTotal     metric.Int64Counter
	retrievalTotal    metric.Int64Counter
	retrievalDuration metric.Float64Histogram
	issueTotal        metric.Int64Counter
	dispatchTotal     metric.Int64Counter
	bindingTotal      metric.Int64Counter
	violationTotal    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// SetMeterProvider installs the global meter provider. Call before the
// first metric is recorded; instruments bind to whatever provider is
// installed at that point.
func SetMeterProvider(provider metric.MeterProvider) {
	otel.SetMeterProvider(provider)
}

// initMetrics initializes all metric instruments exactly once. The
// meter is resolved here, not at package init, so the provider set in
// main is the one the instruments bind to.
func initMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.Meter("aleutian.truth")
		var err error
		if assemblyTotal, err = meter.Int64Counter(
			"truth.assembly.total",
			metric.WithDescription("Snapshot assembly attempts by outcome"),
		); err != nil {
			metricsErr = err
			return
		}
		if retrievalTotal, err = meter.Int64Counter(
			"truth.retrieval.total",
			metric.WithDescription("Retrieval attempts by outcome"),
		); err != nil {
			metricsErr = err
			return
		}
		if retrievalDuration, err = meter.Float64Histogram(
			"truth.retrieval.duration",
			metric.WithDescription("Retrieval latency in seconds"),
			metric.WithUnit("s"),
		); err != nil {
			metricsErr = err
			return
		}
		if issueTotal, err = meter.Int64Counter(
			"truth.context.issued.total",
			metric.WithDescription("Context package issuance by outcome"),
		); err != nil {
			metricsErr = err
			return
		}
		if dispatchTotal, err = meter.Int64Counter(
			"truth.dispatch.total",
			metric.WithDescription("Hydrated dispatches by outcome"),
		); err != nil {
			metricsErr = err
			return
		}
		if bindingTotal, err = meter.Int64Counter(
			"truth.binding.total",
			metric.WithDescription("Output bindings by outcome"),
		); err != nil {
			metricsErr = err
			return
		}
		if violationTotal, err = meter.Int64Counter(
			"truth.violation.total",
			metric.WithDescription("Violation events by type"),
		); err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// RecordAssembly records one assembly attempt.
func RecordAssembly(ctx context.Context, outcome string) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	assemblyTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRetrieval records one completed retrieval attempt.
func RecordRetrieval(ctx context.Context, outcome string, elapsed time.Duration) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	retrievalTotal.Add(ctx, 1, attrs)
	retrievalDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordIssue records one context package issuance attempt.
func RecordIssue(ctx context.Context, outcome string) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	issueTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDispatch records one hydrate-and-dispatch attempt.
func RecordDispatch(ctx context.Context, outcome string) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	dispatchTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordBinding records one bind attempt.
func RecordBinding(ctx context.Context, outcome string) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	bindingTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordViolation records one raised violation event.
func RecordViolation(ctx context.Context, violationType string) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	violationTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", violationType)))
}
