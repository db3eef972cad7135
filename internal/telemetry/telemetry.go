package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider  metric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Scheduler Metrics
	batchesTotal      metric.Int64Counter
	batchDuration     metric.Float64Histogram
	outcomesTotal     metric.Int64Counter
	fetchAttempts     metric.Int64Counter
	fetchDuration     metric.Float64Histogram
	fetchBytes        metric.Int64Counter
	fetchesActive     metric.Int64UpDownCounter
	slotsOccupied     metric.Int64UpDownCounter
	mirrorFailures    metric.Int64Counter
	dbOperationsTotal metric.Int64Counter
	dbOperationTime   metric.Float64Histogram

	// System health
	systemErrors metric.Int64Counter
	systemUptime metric.Float64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint, when set, pushes metrics to an OTLP gRPC collector in
	// addition to the Prometheus endpoint.
	OTLPEndpoint string
}

// New creates a new telemetry instance. A disabled config yields an instance
// whose recording methods are no-ops.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithReader(exporter)}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	tracerProvider := sdktrace.NewTracerProvider()

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName, trace.WithInstrumentationVersion(cfg.ServiceVersion)),
		meter:          meterProvider.Meter(cfg.ServiceName, metric.WithInstrumentationVersion(cfg.ServiceVersion)),
		exporter:       exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	go t.collectSystemMetrics(ctx)

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("mirror_downloader")
	}

	return t.tracer
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordBatch records a finished batch.
func (t *Telemetry) RecordBatch(ctx context.Context, status string, duration time.Duration) {
	if t == nil || t.batchesTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.batchesTotal.Add(ctx, 1, attrs)
	t.batchDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordOutcome records the terminal state of one request.
func (t *Telemetry) RecordOutcome(ctx context.Context, status string) {
	if t != nil && t.outcomesTotal != nil {
		t.outcomesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

// RecordFetch records one fetch attempt. kind is "none" for successes.
func (t *Telemetry) RecordFetch(ctx context.Context, scheme, kind string, duration time.Duration, bytes int64) {
	if t == nil || t.fetchAttempts == nil {
		return
	}

	status := "success"
	if kind != "none" {
		status = "error"
	}

	attrs := metric.WithAttributes(
		attribute.String("scheme", scheme),
		attribute.String("kind", kind),
		attribute.String("status", status),
	)

	t.fetchAttempts.Add(ctx, 1, attrs)
	t.fetchDuration.Record(ctx, duration.Seconds(), attrs)

	if bytes > 0 {
		t.fetchBytes.Add(ctx, bytes, metric.WithAttributes(attribute.String("scheme", scheme)))
	}
}

// IncrementActiveFetches increments the in-flight transfer gauge.
func (t *Telemetry) IncrementActiveFetches() {
	if t != nil && t.fetchesActive != nil {
		t.fetchesActive.Add(context.Background(), 1)
	}
}

// DecrementActiveFetches decrements the in-flight transfer gauge.
func (t *Telemetry) DecrementActiveFetches() {
	if t != nil && t.fetchesActive != nil {
		t.fetchesActive.Add(context.Background(), -1)
	}
}

// RecordSlotChange tracks slot occupancy per pool kind ("server", "repository").
func (t *Telemetry) RecordSlotChange(kind string, delta int) {
	if t != nil && t.slotsOccupied != nil {
		t.slotsOccupied.Add(context.Background(), int64(delta), metric.WithAttributes(attribute.String("pool", kind)))
	}
}

// RecordMirrorFailure counts a failure charged to a mirror.
func (t *Telemetry) RecordMirrorFailure(ctx context.Context, kind string) {
	if t != nil && t.mirrorFailures != nil {
		t.mirrorFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil || t.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	t.dbOperationTime.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t != nil && t.systemErrors != nil {
		t.systemErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			),
		)
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}

	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		return mp.Shutdown(ctx)
	}

	return nil
}

func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeREDMetrics(); err != nil {
		return err
	}

	if err := t.initializeSchedulerMetrics(); err != nil {
		return err
	}

	return t.initializeSystemMetrics()
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeSchedulerMetrics() error {
	var err error

	t.batchesTotal, err = t.meter.Int64Counter(
		"batches_total",
		metric.WithDescription("Total number of download batches"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create batches_total counter: %w", err)
	}

	t.batchDuration, err = t.meter.Float64Histogram(
		"batch_duration_seconds",
		metric.WithDescription("Batch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create batch_duration histogram: %w", err)
	}

	t.outcomesTotal, err = t.meter.Int64Counter(
		"download_outcomes_total",
		metric.WithDescription("Terminal outcomes of download requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_outcomes_total counter: %w", err)
	}

	t.fetchAttempts, err = t.meter.Int64Counter(
		"fetch_attempts_total",
		metric.WithDescription("Total number of fetch attempts against mirrors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fetch_attempts_total counter: %w", err)
	}

	t.fetchDuration, err = t.meter.Float64Histogram(
		"fetch_duration_seconds",
		metric.WithDescription("Fetch attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fetch_duration histogram: %w", err)
	}

	t.fetchBytes, err = t.meter.Int64Counter(
		"fetch_bytes_total",
		metric.WithDescription("Bytes written by successful fetches"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fetch_bytes_total counter: %w", err)
	}

	t.fetchesActive, err = t.meter.Int64UpDownCounter(
		"fetches_active",
		metric.WithDescription("Number of transfers in flight"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fetches_active counter: %w", err)
	}

	t.slotsOccupied, err = t.meter.Int64UpDownCounter(
		"slots_occupied",
		metric.WithDescription("Occupied server and repository slots"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create slots_occupied counter: %w", err)
	}

	t.mirrorFailures, err = t.meter.Int64Counter(
		"mirror_failures_total",
		metric.WithDescription("Fetch failures charged to a mirror"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create mirror_failures_total counter: %w", err)
	}

	t.dbOperationsTotal, err = t.meter.Int64Counter(
		"db_operations_total",
		metric.WithDescription("Total number of database operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operations_total counter: %w", err)
	}

	t.dbOperationTime, err = t.meter.Float64Histogram(
		"db_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operation_duration histogram: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeSystemMetrics() error {
	var err error

	t.systemErrors, err = t.meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Total number of system errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_errors counter: %w", err)
	}

	t.systemUptime, err = t.meter.Float64Gauge(
		"system_uptime_seconds",
		metric.WithDescription("System uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_uptime gauge: %w", err)
	}

	return nil
}

// collectSystemMetrics updates the uptime gauge periodically. Memory and
// goroutine metrics come from the runtime instrumentation.
func (t *Telemetry) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.systemUptime != nil {
				t.systemUptime.Record(context.Background(), time.Since(startTime).Seconds())
			}
		}
	}
}
