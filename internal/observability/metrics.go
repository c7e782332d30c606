// Package observability provides metrics and structured logging helpers
// for the delivery pipeline.
package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder records delivery metrics.
// Use NewRecorder() for OTel metrics or NoopRecorder{} when disabled.
type Recorder interface {
	// RecordEventStored records an event appended to a batch file.
	RecordEventStored(ctx context.Context, sizeBytes int)

	// RecordEventDropped records an event that will never be delivered.
	RecordEventDropped(ctx context.Context, reason string)

	// RecordBatchFinalized records a batch file closed for upload.
	RecordBatchFinalized(ctx context.Context, sizeBytes int64)

	// RecordUpload records one delivery attempt. code is empty on success.
	RecordUpload(ctx context.Context, status, code string, duration time.Duration)

	// RecordBackoff records a retry delay.
	RecordBackoff(ctx context.Context, delay time.Duration)
}

type otelRecorder struct {
	eventsStored   metric.Int64Counter
	eventsDropped  metric.Int64Counter
	batchSize      metric.Int64Histogram
	uploads        metric.Int64Counter
	uploadLatency  metric.Float64Histogram
	backoffWaits   metric.Int64Counter
	backoffSeconds metric.Float64Histogram
}

var (
	defaultRecorder     *otelRecorder
	defaultRecorderOnce sync.Once
	defaultRecorderErr  error
)

func getDefaultRecorder() (*otelRecorder, error) {
	defaultRecorderOnce.Do(func() {
		defaultRecorder, defaultRecorderErr = newOtelRecorder()
	})
	return defaultRecorder, defaultRecorderErr
}

func newOtelRecorder() (*otelRecorder, error) {
	meter := otel.Meter("courier")

	eventsStored, err := meter.Int64Counter("courier.events.stored",
		metric.WithDescription("Number of events appended to batch files"),
	)
	if err != nil {
		return nil, err
	}

	eventsDropped, err := meter.Int64Counter("courier.events.dropped",
		metric.WithDescription("Number of events discarded before delivery"),
	)
	if err != nil {
		return nil, err
	}

	batchSize, err := meter.Int64Histogram("courier.batch.size_bytes",
		metric.WithDescription("Finalized batch file size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	uploads, err := meter.Int64Counter("courier.uploads",
		metric.WithDescription("Number of batch delivery attempts"),
	)
	if err != nil {
		return nil, err
	}

	uploadLatency, err := meter.Float64Histogram("courier.upload.latency_ms",
		metric.WithDescription("Batch delivery latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	backoffWaits, err := meter.Int64Counter("courier.backoff.waits",
		metric.WithDescription("Number of retry delays entered"),
	)
	if err != nil {
		return nil, err
	}

	backoffSeconds, err := meter.Float64Histogram("courier.backoff.delay_s",
		metric.WithDescription("Retry delay in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &otelRecorder{
		eventsStored:   eventsStored,
		eventsDropped:  eventsDropped,
		batchSize:      batchSize,
		uploads:        uploads,
		uploadLatency:  uploadLatency,
		backoffWaits:   backoffWaits,
		backoffSeconds: backoffSeconds,
	}, nil
}

// NewRecorder returns a Recorder that uses the global OpenTelemetry meter
// provider. If instrument creation fails, it returns a no-op recorder.
func NewRecorder() Recorder {
	r, err := getDefaultRecorder()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopRecorder{}
	}
	return r
}

func (r *otelRecorder) RecordEventStored(ctx context.Context, sizeBytes int) {
	r.eventsStored.Add(ctx, 1)
}

func (r *otelRecorder) RecordEventDropped(ctx context.Context, reason string) {
	r.eventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (r *otelRecorder) RecordBatchFinalized(ctx context.Context, sizeBytes int64) {
	r.batchSize.Record(ctx, sizeBytes)
}

func (r *otelRecorder) RecordUpload(ctx context.Context, status, code string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("status", status),
	}
	if code != "" {
		attrs = append(attrs, attribute.String("code", code))
	}
	r.uploads.Add(ctx, 1, metric.WithAttributes(attrs...))
	r.uploadLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

func (r *otelRecorder) RecordBackoff(ctx context.Context, delay time.Duration) {
	r.backoffWaits.Add(ctx, 1)
	r.backoffSeconds.Record(ctx, delay.Seconds())
}

// NoopRecorder discards all metrics.
type NoopRecorder struct{}

func (NoopRecorder) RecordEventStored(context.Context, int)                      {}
func (NoopRecorder) RecordEventDropped(context.Context, string)                  {}
func (NoopRecorder) RecordBatchFinalized(context.Context, int64)                 {}
func (NoopRecorder) RecordUpload(context.Context, string, string, time.Duration) {}
func (NoopRecorder) RecordBackoff(context.Context, time.Duration)                {}

// Multi fans every record out to several recorders.
type Multi []Recorder

func (m Multi) RecordEventStored(ctx context.Context, sizeBytes int) {
	for _, r := range m {
		r.RecordEventStored(ctx, sizeBytes)
	}
}

func (m Multi) RecordEventDropped(ctx context.Context, reason string) {
	for _, r := range m {
		r.RecordEventDropped(ctx, reason)
	}
}

func (m Multi) RecordBatchFinalized(ctx context.Context, sizeBytes int64) {
	for _, r := range m {
		r.RecordBatchFinalized(ctx, sizeBytes)
	}
}

func (m Multi) RecordUpload(ctx context.Context, status, code string, duration time.Duration) {
	for _, r := range m {
		r.RecordUpload(ctx, status, code, duration)
	}
}

func (m Multi) RecordBackoff(ctx context.Context, delay time.Duration) {
	for _, r := range m {
		r.RecordBackoff(ctx, delay)
	}
}
