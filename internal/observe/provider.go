package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ProviderConfig configures [Setup].
type ProviderConfig struct {
	// ServiceName defaults to "voxrelay".
	ServiceName    string
	ServiceVersion string

	// TraceExporter receives finished spans. Without one, spans are still
	// sampled (trace ids show up in logs and X-Trace-ID) but go nowhere.
	TraceExporter sdktrace.SpanExporter
}

// Telemetry is the process-wide telemetry wiring of the relay.
type Telemetry struct {
	// Metrics are the relay instruments, bound to the Prometheus bridge.
	Metrics *Metrics

	// Handler serves the relay's own registry on /metrics: the relay
	// instruments plus Go runtime and process collectors.
	Handler http.Handler

	shutdown []func(context.Context) error
}

// Setup builds the OTel meter and tracer providers, installs them globally,
// and creates the relay instruments. Metrics go to a dedicated Prometheus
// registry so nothing else registered on the default one leaks into /metrics.
func Setup(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voxrelay"
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	reg := prometheus.NewRegistry()
	if err := errors.Join(
		reg.Register(collectors.NewGoCollector()),
		reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})),
	); err != nil {
		return nil, fmt.Errorf("observe: runtime collectors: %w", err)
	}
	exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	t := &Telemetry{
		Handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		shutdown: []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}
	if t.Metrics, err = NewMetrics(mp); err != nil {
		_ = t.Shutdown(ctx)
		return nil, fmt.Errorf("observe: instruments: %w", err)
	}

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	return t, nil
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}
