package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes here feed metrics, so keep them bounded: operation names,
// components and statuses. Episode titles, URLs and file paths belong in logs.

// Download statuses recorded by InstrumentDownload.
const (
	StatusDownloaded = "downloaded"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation instruments a generic operation with telemetry.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", duration.Seconds()),
	)

	return err
}

// InstrumentDownload instruments a download that already holds a slot.
func (t *Telemetry) InstrumentDownload(ctx context.Context, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.IncrementActiveDownloads()
	defer t.DecrementActiveDownloads()

	err := t.InstrumentOperation(ctx, "download", "downloader", fn)

	t.RecordDownload(DownloadStatus(ctx, err), time.Since(start))

	return err
}

// InstrumentFetch instruments a single HTTP fetch.
func (t *Telemetry) InstrumentFetch(ctx context.Context, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "fetch", "transfer", fn)
	if err != nil && !errors.Is(err, context.Canceled) {
		t.RecordSystemError("transfer", "fetch")
	}

	return err
}

// DownloadStatus maps the outcome of a download to its metric status.
func DownloadStatus(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return StatusDownloaded
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return StatusCancelled
	default:
		return StatusFailed
	}
}
