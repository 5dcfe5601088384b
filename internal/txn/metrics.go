package txn

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metricsBundle struct {
	decisions metric.Int64Counter
	outcomes  metric.Int64Counter
	executed  metric.Int64Counter
}

var txnMetrics = sync.OnceValue(func() *metricsBundle {
	meter := otel.Meter("pkt.systems/txcore/txn")
	m := &metricsBundle{}
	m.decisions, _ = meter.Int64Counter(
		"txcore.txn.decisions",
		metric.WithDescription("First phase decisions, by decision"),
	)
	m.outcomes, _ = meter.Int64Counter(
		"txcore.txn.outcomes",
		metric.WithDescription("Outcomes reported to submitters"),
	)
	m.executed, _ = meter.Int64Counter(
		"txcore.txn.participant.executed",
		metric.WithDescription("Requests executed by the local participant, by kind and result"),
	)
	return m
})

func (m *metricsBundle) recordDecision(namespace, decision string) {
	if m == nil || m.decisions == nil {
		return
	}
	m.decisions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("txcore.namespace", namespace),
		attribute.String("txcore.txn.decision", decision),
	))
}

func (m *metricsBundle) recordOutcome(namespace string, outcome Outcome) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("txcore.namespace", namespace),
		attribute.String("txcore.txn.outcome", string(outcome)),
	))
}

func (m *metricsBundle) recordExecuted(ctx context.Context, kind, result string) {
	if m == nil || m.executed == nil {
		return
	}
	m.executed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("txcore.message.kind", kind),
		attribute.String("txcore.txn.result", result),
	))
}
