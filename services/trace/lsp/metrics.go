// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("aleutian.lsp")
	meter  = otel.Meter("aleutian.lsp")
)

// instruments holds every metric this package emits. Built once, lazily,
// by initMetrics; nil until that succeeds.
type instruments struct {
	operationLatency metric.Float64Histogram
	operationTotal   metric.Int64Counter
	resultCount      metric.Int64Histogram
	serverSpawns     metric.Int64Counter
	serverRestarts   metric.Int64Counter
	quarantineEvents metric.Int64Counter
}

var (
	inst     instruments
	initOnce sync.Once
	initErr  error
)

// initMetrics builds the package's metric instruments on first use. Safe to
// call repeatedly; subsequent calls are free.
func initMetrics() error {
	initOnce.Do(func() {
		var err error
		if inst.operationLatency, err = meter.Float64Histogram(
			"lsp_operation_duration_seconds",
			metric.WithDescription("Duration of LSP operations"),
			metric.WithUnit("s"),
		); err != nil {
			initErr = err
			return
		}
		if inst.operationTotal, err = meter.Int64Counter(
			"lsp_operation_total",
			metric.WithDescription("Total number of LSP operations"),
		); err != nil {
			initErr = err
			return
		}
		if inst.resultCount, err = meter.Int64Histogram(
			"lsp_result_count",
			metric.WithDescription("Number of results returned by LSP operations"),
		); err != nil {
			initErr = err
			return
		}
		if inst.serverSpawns, err = meter.Int64Counter(
			"lsp_server_spawns_total",
			metric.WithDescription("Total number of LSP server spawns"),
		); err != nil {
			initErr = err
			return
		}
		if inst.serverRestarts, err = meter.Int64Counter(
			"lsp_server_restarts_total",
			metric.WithDescription("Total number of explicit and auto-recovery server restarts"),
		); err != nil {
			initErr = err
			return
		}
		if inst.quarantineEvents, err = meter.Int64Counter(
			"lsp_server_quarantine_total",
			metric.WithDescription("Total number of times a server entered quarantine after a permanent start failure or exhausted retries"),
		); err != nil {
			initErr = err
			return
		}
	})
	return initErr
}

// startOperationSpan opens a span for an Operations call.
func startOperationSpan(ctx context.Context, operation, language, filePath string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Operations."+operation, trace.WithAttributes(
		attribute.String("lsp.operation", operation),
		attribute.String("lsp.language", language),
		attribute.String("lsp.file_path", filePath),
	))
}

// setOperationSpanResult records the outcome of an Operations call on its
// span.
func setOperationSpanResult(span trace.Span, resultCnt int, success bool) {
	span.SetAttributes(
		attribute.Int("lsp.result_count", resultCnt),
		attribute.Bool("lsp.success", success),
	)
}

// recordOperationMetrics records latency, a total counter, and (on success)
// a result-count histogram for an Operations call.
func recordOperationMetrics(ctx context.Context, operation, language string, duration time.Duration, resultCnt int, success bool) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("language", language),
		attribute.Bool("success", success),
	)
	inst.operationLatency.Record(ctx, duration.Seconds(), attrs)
	inst.operationTotal.Add(ctx, 1, attrs)
	if success {
		inst.resultCount.Record(ctx, int64(resultCnt), metric.WithAttributes(attribute.String("operation", operation)))
	}
}

// recordServerSpawn records a Manager.GetOrSpawn outcome.
func recordServerSpawn(ctx context.Context, language string, success bool) {
	if initMetrics() != nil {
		return
	}
	inst.serverSpawns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("language", language),
		attribute.Bool("success", success),
	))
}

// recordServerRestart records a server restart, tagging whether it was an
// explicit Manager.RestartServers call or a restart-interval timer firing.
func recordServerRestart(ctx context.Context, language string, explicit bool) {
	if initMetrics() != nil {
		return
	}
	inst.serverRestarts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("language", language),
		attribute.Bool("explicit", explicit),
	))
}

// recordQuarantineMetric records a server entering quarantine: after one
// permanent start failure, or after its transient retries are exhausted
// (see classifyStartError). Named distinctly from
// Manager.recordQuarantine, which tracks the quarantine bookkeeping itself;
// this only emits the metric.
func recordQuarantineMetric(ctx context.Context, language string, permanent bool) {
	if initMetrics() != nil {
		return
	}
	inst.quarantineEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("language", language),
		attribute.Bool("permanent", permanent),
	))
}
