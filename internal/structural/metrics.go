package structural

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metricsBundle struct {
	decisions metric.Int64Counter
}

var structuralMetrics = sync.OnceValue(func() *metricsBundle {
	m := &metricsBundle{}
	m.decisions, _ = otel.Meter("pkt.systems/txcore/structural").Int64Counter(
		"txcore.structural.decisions",
		metric.WithDescription("Structural operation decisions, by action and result"),
	)
	return m
})

func (m *metricsBundle) recordDecision(action Action, commit bool) {
	if m == nil || m.decisions == nil {
		return
	}
	result := "rollback"
	if commit {
		result = "commit"
	}
	m.decisions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("txcore.structural.action", string(action)),
		attribute.String("txcore.structural.result", result),
	))
}
