package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes feed metric series, so they are kept to bounded values:
// operation names, schemes, error kinds and statuses. Mirror URLs, package
// paths and batch ids belong in logs.

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

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordDBOperation(operation, status, duration)

	return err
}

// InstrumentBatch wraps a whole scheduler batch. A batch whose fn returns an
// error is recorded as "error"; per-request failures are reported through
// RecordOutcome instead.
func (t *Telemetry) InstrumentBatch(ctx context.Context, size int, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	err := t.InstrumentOperation(ctx, "batch", "scheduler", func(ctx context.Context) error {
		ctx, span := t.Tracer().Start(ctx, "batch_run")
		defer span.End()

		span.SetAttributes(attribute.Int("batch.size", size))

		return fn(ctx)
	})

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordBatch(ctx, status, time.Since(start))

	return err
}

// FetchFunc performs one transfer and returns the bytes written.
type FetchFunc func(ctx context.Context) (int64, error)

// InstrumentFetch instruments one fetch attempt. kindOf maps the returned
// error to its bounded failure kind; it is not called on success.
func (t *Telemetry) InstrumentFetch(ctx context.Context, scheme string, kindOf func(error) string, fn FetchFunc) (int64, error) {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.IncrementActiveFetches()
	defer t.DecrementActiveFetches()

	var written int64

	err := t.InstrumentOperation(ctx, "fetch", "fetcher", func(ctx context.Context) error {
		ctx, span := t.Tracer().Start(ctx, "fetch_"+scheme)
		defer span.End()

		span.SetAttributes(attribute.String("fetch.scheme", scheme))

		var err error
		written, err = fn(ctx)

		return err
	})

	kind := "none"
	if err != nil {
		kind = kindOf(err)
	}

	t.RecordFetch(ctx, scheme, kind, time.Since(start), written)

	return written, err
}
