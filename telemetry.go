package txcore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"

	"pkt.systems/txcore/internal/version"
)

type telemetryConfig struct {
	OTLPEndpoint   string
	MetricsListen  string
	PprofListen    string
	RuntimeMetrics bool
	NodeName       string
}

func (c telemetryConfig) enabled() bool {
	return strings.TrimSpace(c.OTLPEndpoint) != "" ||
		strings.TrimSpace(c.MetricsListen) != "" ||
		strings.TrimSpace(c.PprofListen) != "" ||
		c.RuntimeMetrics
}

type telemetryBundle struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	servers        []*sidecarServer
	logger         pslog.Logger
}

// sidecarServer is a plain HTTP listener next to the main API (metrics,
// pprof).
type sidecarServer struct {
	name string
	srv  *http.Server
	ln   net.Listener
}

func (s *sidecarServer) Addr() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil || h.logger == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

// Shutdown flushes exporters and stops the sidecar listeners.
func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
		}
	}
	for _, s := range t.servers {
		if err := s.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("%s server shutdown: %w", s.name, err))
		}
		_ = s.ln.Close()
	}
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		t.logger.Warn("telemetry.shutdown.failure", "error", err)
		return err
	}
	t.logger.Info("telemetry.shutdown.complete")
	return nil
}

func (t *telemetryBundle) server(name string) *sidecarServer {
	if t == nil {
		return nil
	}
	for _, s := range t.servers {
		if s.name == name {
			return s
		}
	}
	return nil
}

type otlpTarget struct {
	protocol string // "grpc" or "http"
	endpoint string // host:port
	path     string
	insecure bool
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

// setupTelemetry installs global tracer and meter providers. It returns a
// nil bundle when nothing is configured.
func setupTelemetry(ctx context.Context, cfg telemetryConfig, logger pslog.Logger) (bundle *telemetryBundle, err error) {
	if !cfg.enabled() {
		return nil, nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName("txcore"),
			semconv.ServiceVersion(version.Current()),
			semconv.ServiceInstanceID(cfg.NodeName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	bundle = &telemetryBundle{logger: logger}
	defer func() {
		if err != nil {
			_ = bundle.Shutdown(ctx)
			bundle = nil
		}
	}()

	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		target, err := resolveOTLPTarget(endpoint)
		if err != nil {
			return nil, err
		}
		if bundle.tracerProvider, err = newTracerProvider(ctx, target, res); err != nil {
			return nil, err
		}
		otel.SetTracerProvider(bundle.tracerProvider)
		logger.Info("telemetry.tracing.enabled", "protocol", target.protocol, "endpoint", target.endpoint, "path", target.path, "insecure", target.insecure)
	}

	if listen := strings.TrimSpace(cfg.MetricsListen); listen != "" {
		registry := prometheus.NewRegistry()
		opts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if cfg.RuntimeMetrics {
			opts = append(opts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start prometheus exporter: %w", err)
		}
		bundle.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))
		otel.SetMeterProvider(bundle.meterProvider)
		if cfg.RuntimeMetrics {
			runtimeMetricsOnce.Do(func() {
				runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(bundle.meterProvider))
			})
			if runtimeMetricsErr != nil {
				return nil, fmt.Errorf("telemetry: runtime metrics: %w", runtimeMetricsErr)
			}
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		s, err := startSidecar("metrics", listen, mux, logger)
		if err != nil {
			return nil, err
		}
		bundle.servers = append(bundle.servers, s)
		logger.Info("telemetry.metrics.enabled", "listen", s.Addr())
	} else if cfg.RuntimeMetrics {
		return nil, fmt.Errorf("telemetry: runtime metrics require a metrics listen address")
	}

	if listen := strings.TrimSpace(cfg.PprofListen); listen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		s, err := startSidecar("pprof", listen, mux, logger)
		if err != nil {
			return nil, err
		}
		bundle.servers = append(bundle.servers, s)
		logger.Info("profiling.pprof.enabled", "listen", s.Addr())
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	return bundle, nil
}

func newTracerProvider(ctx context.Context, target otlpTarget, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch target.protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		} else {
			opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.path != "" && target.path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(target.path))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter (%s): %w", target.protocol, err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1.0))),
		sdktrace.WithBatcher(exporter),
	), nil
}

func startSidecar(name, addr string, handler http.Handler, logger pslog.Logger) (*sidecarServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %s listen: %w", name, err)
	}
	s := &sidecarServer{name: name, srv: &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}, ln: ln}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("telemetry.sidecar.serve_error", "server", name, "error", err)
		}
	}()
	return s, nil
}

// resolveOTLPTarget accepts host[:port] (gRPC, insecure) or a URL with
// scheme grpc, grpcs, http or https.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		return otlpTarget{protocol: "grpc", endpoint: withDefaultPort(raw, "4317"), insecure: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	host := u.Host
	if host == "" {
		host = u.Path
		u.Path = ""
	}
	if host == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	target := otlpTarget{path: strings.TrimSuffix(u.Path, "/")}
	switch strings.ToLower(u.Scheme) {
	case "grpc", "grpcs":
		target.protocol = "grpc"
		target.endpoint = withDefaultPort(host, "4317")
	case "http", "https":
		target.protocol = "http"
		target.endpoint = withDefaultPort(host, "4318")
	default:
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	target.insecure = u.Scheme == "grpc" || u.Scheme == "http"
	return target, nil
}

func withDefaultPort(host, port string) string {
	if strings.Contains(host, ":") {
		return host
	}
	return net.JoinHostPort(host, port)
}
