// Package otel provides OpenTelemetry metrics integration for pcwatch.
package otel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MetricsConfig holds configuration for the OpenTelemetry metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false (no-op).
	Enabled bool

	// ServiceName is the name of the service for metric attribution.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// ExporterType specifies which exporter to use.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters (e.g., "localhost:4317").
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool

	// Attributes are additional attributes to add to all metrics.
	Attributes map[string]string
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  "pcwatch",
		ExporterType: ExporterNone,
	}
}

// Metrics wraps OpenTelemetry metrics functionality with run polling helpers.
type Metrics struct {
	config        *MetricsConfig
	enabled       bool
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error
	mu            sync.RWMutex
	currentRank   atomic.Int64
	stateGauge    metric.Int64ObservableGauge
	stateGaugeReg metric.Registration

	// Metric instruments
	pollCounter      metric.Int64Counter
	pollErrorCounter metric.Int64Counter
	waitDuration     metric.Float64Histogram
}

// globalMetrics is the singleton metrics instance.
var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		// Use no-op meter when disabled
		return noopMetrics(cfg), nil
	}

	// Create exporter based on type
	exporter, err := createMetricExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	return NewMetricsWithReader(cfg, sdkmetric.NewPeriodicReader(exporter))
}

// NewMetricsWithReader creates an enabled Metrics instance that reports to reader.
// Tests use it with a manual reader to inspect recorded values.
func NewMetricsWithReader(cfg *MetricsConfig, reader sdkmetric.Reader) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	// Create resource with service information
	res, err := createResource(cfg.ServiceName, cfg.ServiceVersion, cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)

	m := &Metrics{
		config:        cfg,
		enabled:       true,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      mp.Shutdown,
	}

	// Register metric instruments
	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	return m, nil
}

// createMetricExporter creates the appropriate metrics exporter based on configuration.
func createMetricExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

// createResource creates the OpenTelemetry resource with service information.
func createResource(serviceName, serviceVersion string, extra map[string]string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
	}

	if serviceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(serviceVersion))
	}

	// Add custom attributes
	for k, v := range extra {
		attrs = append(attrs, attribute.String(k, v))
	}

	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attrs...),
	)
}

// registerInstruments creates and registers all metric instruments.
func (m *Metrics) registerInstruments() error {
	var err error

	// Status requests, labelled with the observed state
	m.pollCounter, err = m.meter.Int64Counter(
		"pcwatch.polls",
		metric.WithDescription("Count of run status polls by observed state"),
	)
	if err != nil {
		return fmt.Errorf("failed to create poll counter: %w", err)
	}

	m.pollErrorCounter, err = m.meter.Int64Counter(
		"pcwatch.poll.errors",
		metric.WithDescription("Count of failed run status polls"),
	)
	if err != nil {
		return fmt.Errorf("failed to create poll error counter: %w", err)
	}

	// Wait duration histogram (in milliseconds)
	m.waitDuration, err = m.meter.Float64Histogram(
		"pcwatch.wait.duration",
		metric.WithDescription("Time spent waiting for a run to reach a target state"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create wait duration histogram: %w", err)
	}

	// Last observed state rank
	m.stateGauge, err = m.meter.Int64ObservableGauge(
		"pcwatch.run.state",
		metric.WithDescription("Rank of the last observed run state"),
	)
	if err != nil {
		return fmt.Errorf("failed to create run state gauge: %w", err)
	}

	m.stateGaugeReg, err = m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.stateGauge, m.currentRank.Load())
			return nil
		},
		m.stateGauge,
	)
	if err != nil {
		return fmt.Errorf("failed to register run state gauge callback: %w", err)
	}

	return nil
}

// RecordPoll records a successful status poll that observed state.
func (m *Metrics) RecordPoll(ctx context.Context, state string) {
	if m.pollCounter == nil {
		return
	}

	m.pollCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", state),
	))
}

// RecordPollError records a failed status poll.
func (m *Metrics) RecordPollError(ctx context.Context) {
	if m.pollErrorCounter == nil {
		return
	}

	m.pollErrorCounter.Add(ctx, 1)
}

// RecordWaitDuration records how long a wait took and how it ended.
func (m *Metrics) RecordWaitDuration(ctx context.Context, targetState, outcome string, durationMs float64) {
	if m.waitDuration == nil {
		return
	}

	m.waitDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("target_state", targetState),
		attribute.String("outcome", outcome),
	))
}

// SetCurrentRank sets the last observed state rank for the observable gauge.
// This is thread-safe and will be read by the gauge callback.
func (m *Metrics) SetCurrentRank(rank int) {
	m.currentRank.Store(int64(rank))
}

// Shutdown gracefully shuts down the metrics provider, flushing any pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stateGaugeReg != nil {
		if err := m.stateGaugeReg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister run state callback: %w", err)
		}
		m.stateGaugeReg = nil
	}

	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// Enabled returns whether metrics collection is enabled.
func (m *Metrics) Enabled() bool {
	return m.enabled
}

// SetGlobalMetrics sets the global metrics instance.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m

	if m != nil && m.Enabled() {
		otel.SetMeterProvider(m.meterProvider)
	}
}

// GetGlobalMetrics returns the global metrics instance.
// Returns a no-op metrics instance if none has been set.
func GetGlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()

	if globalMetrics == nil {
		return NoopMetrics()
	}

	return globalMetrics
}

// NoopMetrics returns a metrics instance that does nothing (for testing or when disabled).
func NoopMetrics() *Metrics {
	return noopMetrics(DefaultMetricsConfig())
}

func noopMetrics(cfg *MetricsConfig) *Metrics {
	mp := sdkmetric.NewMeterProvider()
	return &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      func(context.Context) error { return nil },
	}
}
