// Package telemetry wires up Prometheus + OpenTelemetry exporters used across
// the project.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"conditional-dns/pkg/config"
	"conditional-dns/pkg/logging"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "conditional-dns"

// Telemetry holds telemetry providers and exporters
type Telemetry struct {
	cfg              *config.TelemetryConfig
	meterProvider    metric.MeterProvider
	tracerProvider   trace.TracerProvider
	registry         *promclient.Registry
	prometheusServer *http.Server
	metricsAddr      net.Addr
	logger           *logging.Logger
}

// Metrics holds all application metrics
type Metrics struct {
	// Request metrics
	DNSQueriesTotal   metric.Int64Counter
	DNSQueriesByLabel metric.Int64Counter
	DNSQueryDuration  metric.Float64Histogram
	DNSRequestsFailed metric.Int64Counter
	DNSRequestsActive metric.Int64UpDownCounter

	// Upstream metrics
	UpstreamQueries metric.Int64Counter

	// Request log metrics
	QueryLogDropped metric.Int64Counter
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:            cfg,
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	if cfg.TracingEnabled {
		t.setupTracing(res)
	} else {
		t.tracerProvider = tracenoop.NewTracerProvider()
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
		"tracing", cfg.TracingEnabled,
	)

	return t, nil
}

// setupMetrics initializes the metrics provider
func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = noop.NewMeterProvider()
		return nil
	}

	// A private registry keeps repeated instances (tests) from colliding
	t.registry = promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(t.registry))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	if err := t.startPrometheusServer(); err != nil {
		_ = provider.Shutdown(context.Background())
		return fmt.Errorf("failed to start prometheus server: %w", err)
	}

	t.logger.Info("Prometheus metrics enabled", "address", t.metricsAddr.String())
	return nil
}

// setupTracing installs an SDK tracer provider. Spans are sampled and kept
// in-process; no exporter is configured.
func (t *Telemetry) setupTracing(res *resource.Resource) {
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	t.tracerProvider = provider
	otel.SetTracerProvider(provider)

	t.logger.Info("Tracing enabled")
}

// startPrometheusServer binds the metrics port and serves /metrics
func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", t.cfg.PrometheusPort))
	if err != nil {
		return err
	}
	t.metricsAddr = ln.Addr()

	t.prometheusServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
	}

	go func() {
		if err := t.prometheusServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()

	return nil
}

// InitMetrics initializes and returns all application metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter(instrumentationName)

	queriesTotal, err := meter.Int64Counter(
		"dns.queries.total",
		metric.WithDescription("Total number of DNS requests received"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries counter: %w", err)
	}

	queriesByLabel, err := meter.Int64Counter(
		"dns.queries.by_label",
		metric.WithDescription("Answered DNS requests by routing label"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries by label counter: %w", err)
	}

	queryDuration, err := meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("DNS request processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	requestsFailed, err := meter.Int64Counter(
		"dns.requests.failed",
		metric.WithDescription("DNS requests aborted without an answer, by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failed requests counter: %w", err)
	}

	requestsActive, err := meter.Int64UpDownCounter(
		"dns.requests.active",
		metric.WithDescription("DNS requests currently being processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active requests gauge: %w", err)
	}

	upstreamQueries, err := meter.Int64Counter(
		"dns.upstream.queries",
		metric.WithDescription("Queries sent to upstream resolvers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream queries counter: %w", err)
	}

	queryLogDropped, err := meter.Int64Counter(
		"querylog.dropped",
		metric.WithDescription("Request log entries dropped due to a full buffer"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query log dropped counter: %w", err)
	}

	return &Metrics{
		DNSQueriesTotal:   queriesTotal,
		DNSQueriesByLabel: queriesByLabel,
		DNSQueryDuration:  queryDuration,
		DNSRequestsFailed: requestsFailed,
		DNSRequestsActive: requestsActive,
		UpstreamQueries:   upstreamQueries,
		QueryLogDropped:   queryLogDropped,
	}, nil
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// TracerProvider returns the tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// Tracer returns the tracer used for request spans
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracerProvider.Tracer(instrumentationName)
}

// MetricsAddr returns the bound /metrics address, or nil when not serving
func (t *Telemetry) MetricsAddr() net.Addr {
	return t.metricsAddr
}

// RecordLabel counts one answered request under label
func (m *Metrics) RecordLabel(ctx context.Context, label string) {
	if m != nil && m.DNSQueriesByLabel != nil {
		m.DNSQueriesByLabel.Add(ctx, 1, metric.WithAttributes(attribute.String("label", label)))
	}
}

// RecordFailure counts one aborted request under reason
func (m *Metrics) RecordFailure(ctx context.Context, reason string) {
	if m != nil && m.DNSRequestsFailed != nil {
		m.DNSRequestsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordUpstream counts one query sent to the named resolver
func (m *Metrics) RecordUpstream(ctx context.Context, resolver string) {
	if m != nil && m.UpstreamQueries != nil {
		m.UpstreamQueries.Add(ctx, 1, metric.WithAttributes(attribute.String("resolver", resolver)))
	}
}

// AddDroppedQuery counts request log entries lost to a full buffer
func (m *Metrics) AddDroppedQuery(ctx context.Context, count int64) {
	if m != nil && m.QueryLogDropped != nil {
		m.QueryLogDropped.Add(ctx, count)
	}
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if provider, ok := t.tracerProvider.(*sdktrace.TracerProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %w", errors.Join(errs...))
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
