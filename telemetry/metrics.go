// Package telemetry provides OpenTelemetry metrics for the metadata cache.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	meterName = "github.com/wolfeidau/s3meta"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	lookupsTotal        metric.Int64Counter
	staleFallbacksTotal metric.Int64Counter
	remoteCallsTotal    metric.Int64Counter
	remoteCallDuration  metric.Float64Histogram
	sweepDeletedTotal   metric.Int64Counter
	sweepDuration       metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "s3meta"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	lookupsTotal, err := meter.Int64Counter(
		"s3meta_lookups_total",
		metric.WithDescription("Total cached read operations by operation, mode and result source"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	staleFallbacksTotal, err := meter.Int64Counter(
		"s3meta_stale_fallbacks_total",
		metric.WithDescription("Total reads served from cache because the remote call failed"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	remoteCallsTotal, err := meter.Int64Counter(
		"s3meta_remote_calls_total",
		metric.WithDescription("Total calls issued to the remote object store"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	remoteCallDuration, err := meter.Float64Histogram(
		"s3meta_remote_call_duration_seconds",
		metric.WithDescription("Duration of remote object store calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	sweepDeletedTotal, err := meter.Int64Counter(
		"s3meta_sweep_deleted_total",
		metric.WithDescription("Total records deleted by eviction sweeps"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	sweepDuration, err := meter.Float64Histogram(
		"s3meta_sweep_duration_seconds",
		metric.WithDescription("Duration of eviction sweeps"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		lookupsTotal:        lookupsTotal,
		staleFallbacksTotal: staleFallbacksTotal,
		remoteCallsTotal:    remoteCallsTotal,
		remoteCallDuration:  remoteCallDuration,
		sweepDeletedTotal:   sweepDeletedTotal,
		sweepDuration:       sweepDuration,
		meterProvider:       mp,
		promHandler:         promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordLookup records one cached read operation.
// op is "stat", "tags" or "list"; source is "cache", "remote" or "none".
func RecordLookup(ctx context.Context, op, mode, source string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("mode", mode),
		attribute.String("source", source),
	}
	globalMetrics.lookupsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordStaleFallback records a read degraded to a cached value after a
// remote failure.
func RecordStaleFallback(ctx context.Context, op string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.staleFallbacksTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("op", op)))
}

// RecordRemoteCall records one remote object store call.
func RecordRemoteCall(ctx context.Context, op string, duration time.Duration, err error) {
	if globalMetrics == nil {
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.remoteCallsTotal.Add(ctx, 1, attrs)
	globalMetrics.remoteCallDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSweep records one eviction sweep's deleted count and duration.
// Called unconditionally per sweep.
func RecordSweep(ctx context.Context, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sweepDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds())
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
