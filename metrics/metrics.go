// Package metrics exports run counters through OpenTelemetry.
//
// A nil *Recorder is valid and records nothing, so callers never need
// to check whether metrics are enabled.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of every instrument.
const MeterName = "github.com/minios-linux/epubtrans"

// Block outcomes recorded by BlockDone.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Recorder holds the instruments.
type Recorder struct {
	requests      metric.Int64Counter
	reconnects    metric.Int64Counter
	resets        metric.Int64Counter
	attempts      metric.Int64Counter
	latency       metric.Float64Histogram
	blocks        metric.Int64Counter
	documents     metric.Int64Counter
	cleanups      metric.Int64Counter
	heapAtCleanup metric.Int64Histogram
}

// New creates the instruments on provider.
func New(provider metric.MeterProvider) (*Recorder, error) {
	meter := provider.Meter(MeterName)

	var (
		r   Recorder
		err error
	)
	if r.requests, err = meter.Int64Counter("epubtrans.session.requests",
		metric.WithDescription("Backend requests by outcome"),
	); err != nil {
		return nil, err
	}
	if r.reconnects, err = meter.Int64Counter("epubtrans.session.reconnects",
		metric.WithDescription("Session reconnections"),
	); err != nil {
		return nil, err
	}
	if r.resets, err = meter.Int64Counter("epubtrans.session.resets",
		metric.WithDescription("Session resets"),
	); err != nil {
		return nil, err
	}
	if r.attempts, err = meter.Int64Counter("epubtrans.translate.attempts",
		metric.WithDescription("Translation attempts by result class"),
	); err != nil {
		return nil, err
	}
	if r.latency, err = meter.Float64Histogram("epubtrans.translate.latency_ms",
		metric.WithDescription("Translation attempt latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if r.blocks, err = meter.Int64Counter("epubtrans.pipeline.blocks",
		metric.WithDescription("Processed blocks by document type and outcome"),
	); err != nil {
		return nil, err
	}
	if r.documents, err = meter.Int64Counter("epubtrans.pipeline.documents",
		metric.WithDescription("Completed documents by type"),
	); err != nil {
		return nil, err
	}
	if r.cleanups, err = meter.Int64Counter("epubtrans.watchdog.cleanups",
		metric.WithDescription("Memory cleanups triggered by the watchdog"),
	); err != nil {
		return nil, err
	}
	if r.heapAtCleanup, err = meter.Int64Histogram("epubtrans.watchdog.heap_bytes",
		metric.WithDescription("Heap size when a cleanup was triggered"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	return &r, nil
}

// NewGlobal creates the instruments on the global meter provider.
func NewGlobal() (*Recorder, error) {
	return New(otel.GetMeterProvider())
}

// RequestDone counts one backend request.
func (r *Recorder) RequestDone(ctx context.Context, ok bool) {
	if r == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	r.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Reconnected counts a session reconnection.
func (r *Recorder) Reconnected(ctx context.Context) {
	if r == nil {
		return
	}
	r.reconnects.Add(ctx, 1)
}

// Reset counts a session reset.
func (r *Recorder) Reset(ctx context.Context) {
	if r == nil {
		return
	}
	r.resets.Add(ctx, 1)
}

// Attempt records one translation attempt. class is "ok" on success.
func (r *Recorder) Attempt(ctx context.Context, class string, d time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("class", class))
	r.attempts.Add(ctx, 1, attrs)
	r.latency.Record(ctx, float64(d.Milliseconds()), attrs)
}

// BlockDone counts a processed block.
func (r *Recorder) BlockDone(ctx context.Context, docType, outcome string) {
	if r == nil {
		return
	}
	r.blocks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", docType),
		attribute.String("outcome", outcome),
	))
}

// DocumentDone counts a completed document.
func (r *Recorder) DocumentDone(ctx context.Context, docType string) {
	if r == nil {
		return
	}
	r.documents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", docType)))
}

// Cleanup records a watchdog cleanup at the given heap size.
func (r *Recorder) Cleanup(ctx context.Context, heapBytes uint64) {
	if r == nil {
		return
	}
	r.cleanups.Add(ctx, 1)
	r.heapAtCleanup.Record(ctx, int64(heapBytes))
}
