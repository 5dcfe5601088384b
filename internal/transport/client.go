package transport

import (
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ClientConfig configures the HTTP client used by channels.
type ClientConfig struct {
	// Timeout bounds one POST, including reading the response.
	Timeout time.Duration
	// MaxIdleConnsPerHost overrides the transport default when positive.
	MaxIdleConnsPerHost int
	// DisableTracing skips the otelhttp round-tripper.
	DisableTracing bool
}

// NewHTTPClient builds a client from a clone of the default transport,
// instrumented with otelhttp.
func NewHTTPClient(cfg ClientConfig) (*http.Client, error) {
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, errors.New("transport: http transport unexpected type")
	}
	tr := transport.Clone()
	if cfg.MaxIdleConnsPerHost > 0 {
		tr.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}
	var rt http.RoundTripper = tr
	if !cfg.DisableTracing {
		rt = otelhttp.NewTransport(tr)
	}
	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: rt,
	}, nil
}
