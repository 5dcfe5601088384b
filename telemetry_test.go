package txcore

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw  string
		want otlpTarget
	}{
		{raw: "collector", want: otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{raw: "collector:9999", want: otlpTarget{protocol: "grpc", endpoint: "collector:9999", insecure: true}},
		{raw: "grpcs://collector", want: otlpTarget{protocol: "grpc", endpoint: "collector:4317"}},
		{raw: "http://collector/v1/traces/", want: otlpTarget{protocol: "http", endpoint: "collector:4318", path: "/v1/traces", insecure: true}},
		{raw: "https://collector:443", want: otlpTarget{protocol: "http", endpoint: "collector:443"}},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := resolveOTLPTarget(tc.raw)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
		})
	}
	for _, bad := range []string{"", "ftp://collector", "http://"} {
		if _, err := resolveOTLPTarget(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestSetupTelemetryDisabled(t *testing.T) {
	bundle, err := setupTelemetry(context.Background(), telemetryConfig{}, pslog.NoopLogger())
	if err != nil || bundle != nil {
		t.Fatalf("bundle=%v err=%v", bundle, err)
	}
	if err := bundle.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}

func TestSetupTelemetryServesMetrics(t *testing.T) {
	ctx := context.Background()
	bundle, err := setupTelemetry(ctx, telemetryConfig{MetricsListen: "127.0.0.1:0", NodeName: "node-a"}, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer bundle.Shutdown(ctx)

	counter, err := otel.Meter("pkt.systems/txcore/test").Int64Counter("txcore.test.events")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(ctx, 3, metric.WithAttributes())

	addr := bundle.server("metrics").Addr()
	if addr == "" {
		t.Fatal("metrics listener missing")
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "events_total") {
		t.Fatalf("scrape missing counter:\n%s", body)
	}
}
