package coord

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type coordMetrics struct {
	dispatched     metric.Int64Counter
	dispatchFailed metric.Int64Counter
	finished       metric.Int64Counter
	dropped        metric.Int64Counter
	open           metric.Int64Gauge
	duration       metric.Int64Histogram
}

func newCoordMetrics(logger pslog.Logger) *coordMetrics {
	meter := otel.Meter("pkt.systems/txcore/coord")
	m := &coordMetrics{}
	var err error

	m.dispatched, err = meter.Int64Counter(
		"txcore.coord.dispatched",
		metric.WithDescription("Node requests dispatched to participants"),
	)
	logMetricInitError(logger, "txcore.coord.dispatched", err)

	m.dispatchFailed, err = meter.Int64Counter(
		"txcore.coord.dispatch_failed",
		metric.WithDescription("Node requests that could not be dispatched"),
	)
	logMetricInitError(logger, "txcore.coord.dispatch_failed", err)

	m.finished, err = meter.Int64Counter(
		"txcore.coord.contexts_finished",
		metric.WithDescription("Request contexts removed, by result"),
	)
	logMetricInitError(logger, "txcore.coord.contexts_finished", err)

	m.dropped, err = meter.Int64Counter(
		"txcore.coord.responses_dropped",
		metric.WithDescription("Responses dropped without reaching a handler"),
	)
	logMetricInitError(logger, "txcore.coord.responses_dropped", err)

	m.open, err = meter.Int64Gauge(
		"txcore.coord.contexts_open",
		metric.WithDescription("Request contexts awaiting responses"),
	)
	logMetricInitError(logger, "txcore.coord.contexts_open", err)

	m.duration, err = meter.Int64Histogram(
		"txcore.coord.context.duration_ms",
		metric.WithDescription("Time from dispatch to context removal"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "txcore.coord.context.duration_ms", err)

	return m
}

func (m *coordMetrics) recordDispatch(ctx context.Context, kind string, open int) {
	if m == nil {
		return
	}
	if m.dispatched != nil {
		m.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("txcore.message.kind", kind)))
	}
	m.recordOpen(ctx, open)
}

func (m *coordMetrics) recordDispatchFailure(ctx context.Context) {
	if m == nil || m.dispatchFailed == nil {
		return
	}
	m.dispatchFailed.Add(ctx, 1)
}

func (m *coordMetrics) recordFinish(ctx context.Context, kind, result string, elapsed time.Duration, open int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("txcore.message.kind", kind),
		attribute.String("txcore.coord.result", result),
	)
	if m.finished != nil {
		m.finished.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
	m.recordOpen(ctx, open)
}

func (m *coordMetrics) recordDropped(ctx context.Context, reason string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("txcore.coord.drop_reason", reason)))
}

func (m *coordMetrics) recordOpen(ctx context.Context, open int) {
	if m == nil || m.open == nil {
		return
	}
	m.open.Record(ctx, int64(open))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
