package transport

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metricsBundle struct {
	sent     metric.Int64Counter
	received metric.Int64Counter
}

var transportMetrics = sync.OnceValue(func() *metricsBundle {
	meter := otel.Meter("pkt.systems/txcore/transport")
	m := &metricsBundle{}
	m.sent, _ = meter.Int64Counter(
		"txcore.transport.sent",
		metric.WithDescription("Envelopes posted to peers, by path and result"),
	)
	m.received, _ = meter.Int64Counter(
		"txcore.transport.received",
		metric.WithDescription("Envelopes accepted from peers, by path and result"),
	)
	return m
})

func (m *metricsBundle) recordSend(path, result string) {
	if m == nil || m.sent == nil {
		return
	}
	m.sent.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("txcore.transport.path", path),
		attribute.String("txcore.transport.result", result),
	))
}

func (m *metricsBundle) recordReceive(ctx context.Context, path, result string) {
	if m == nil || m.received == nil {
		return
	}
	m.received.Add(ctx, 1, metric.WithAttributes(
		attribute.String("txcore.transport.path", path),
		attribute.String("txcore.transport.result", result),
	))
}
