package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTelemetry(t *testing.T, cfg ProviderConfig) *Telemetry {
	t.Helper()
	prevMP, prevTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	tel, err := Setup(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() {
		_ = tel.Shutdown(context.Background())
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
	})
	return tel
}

func scrape(t *testing.T, tel *Telemetry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	tel.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestSetup_ServesRelayMetrics(t *testing.T) {
	tel := setupTelemetry(t, ProviderConfig{ServiceVersion: "test"})

	tel.Metrics.RecordFrameDropped(context.Background(), "buffer_full")
	tel.Metrics.SetEndpointLive(context.Background(), "target", true)

	out := scrape(t, tel)
	for _, want := range []string{
		`voxrelay_frames_dropped_total{`,
		`reason="buffer_full"`,
		`voxrelay_endpoint_live{`,
		`endpoint="target"`,
		`go_goroutines`,
		`service_name="voxrelay"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("/metrics output missing %s", want)
		}
	}
}

func TestSetup_ExportsConnectSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tel := setupTelemetry(t, ProviderConfig{ServiceName: "relay-test", TraceExporter: exp})

	_, span := StartConnect(WithRunID(context.Background(), "run-1"), "source", "chat-a", 1)
	EndSpan(span, nil)
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != SpanConnect {
		t.Fatalf("exported spans = %v, want one %s", spans, SpanConnect)
	}
	var svc string
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == "service.name" {
			svc = kv.Value.AsString()
		}
	}
	if svc != "relay-test" {
		t.Errorf("service.name = %q, want relay-test", svc)
	}
}

func TestSetup_IsolatedRegistry(t *testing.T) {
	a := setupTelemetry(t, ProviderConfig{})
	b := setupTelemetry(t, ProviderConfig{})

	a.Metrics.RecordForcedReconnect(context.Background(), "source")
	if strings.Contains(scrape(t, b), "voxrelay_reconnect_forced") {
		t.Error("second registry serves instruments of the first")
	}
}
