package lockmgr

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type lockMetrics struct {
	acquires metric.Int64Counter
	waits    metric.Int64Counter
	releases metric.Int64Counter
	held     metric.Int64Gauge
}

func newLockMetrics(logger pslog.Logger) *lockMetrics {
	meter := otel.Meter("pkt.systems/txcore/lockmgr")
	m := &lockMetrics{}
	var err error

	m.acquires, err = meter.Int64Counter(
		"txcore.lock.acquire",
		metric.WithDescription("Batch lock acquisitions requested"),
	)
	logMetricInitError(logger, "txcore.lock.acquire", err)

	m.waits, err = meter.Int64Counter(
		"txcore.lock.wait",
		metric.WithDescription("Keys that queued behind another owner"),
	)
	logMetricInitError(logger, "txcore.lock.wait", err)

	m.releases, err = meter.Int64Counter(
		"txcore.lock.release",
		metric.WithDescription("Guards released"),
	)
	logMetricInitError(logger, "txcore.lock.release", err)

	m.held, err = meter.Int64Gauge(
		"txcore.lock.held_keys",
		metric.WithDescription("Keys with a current owner"),
	)
	logMetricInitError(logger, "txcore.lock.held_keys", err)

	return m
}

func (m *lockMetrics) recordAcquire(waited, held int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	if m.acquires != nil {
		m.acquires.Add(ctx, 1)
	}
	if m.waits != nil && waited > 0 {
		m.waits.Add(ctx, int64(waited))
	}
	if m.held != nil {
		m.held.Record(ctx, int64(held))
	}
}

func (m *lockMetrics) recordRelease(guards, held int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	if m.releases != nil {
		m.releases.Add(ctx, int64(guards))
	}
	if m.held != nil {
		m.held.Record(ctx, int64(held))
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
