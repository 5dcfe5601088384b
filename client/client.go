package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/txcore/api"
	"pkt.systems/txcore/internal/svcfields"
	"pkt.systems/txcore/internal/transport"
)

const defaultHTTPTimeout = 60 * time.Second

// ErrNoEndpoints is returned when every configured endpoint refused the
// connection.
var ErrNoEndpoints = errors.New("txcore: all endpoints unreachable")

// APIError describes an error response from a txcore node.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		return fmt.Sprintf("txcore: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("txcore: status %d", e.Status)
}

// Client talks to one or more txcore nodes. Any node accepts submissions and
// forwards them to the coordinator, so the client moves on to the next
// endpoint only when a connection cannot be established.
type Client struct {
	endpoints   []string
	shuffle     bool
	httpClient  *http.Client
	httpTimeout time.Duration
	logger      pslog.Base

	mu           sync.Mutex
	lastEndpoint string
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger routes client diagnostics through logger.
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = svcfields.WithSubsystem(full, "client")
			return
		}
		c.logger = logger
	}
}

// WithHTTPTimeout bounds each HTTP request. Zero disables the client-side
// bound and leaves the context in charge.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpTimeout = d
	}
}

// WithEndpointShuffle randomises the endpoint order per request.
func WithEndpointShuffle(enabled bool) Option {
	return func(c *Client) {
		c.shuffle = enabled
	}
}

// New constructs a client. baseURL may hold several comma separated
// endpoints.
//
//	cli, err := client.New("http://node-a:9440,http://node-b:9440")
//	if err != nil {
//	    log.Fatal(err)
//	}
func New(baseURL string, opts ...Option) (*Client, error) {
	return NewWithEndpoints(strings.Split(baseURL, ","), opts...)
}

// NewWithEndpoints constructs a client from a slice of node endpoints.
func NewWithEndpoints(endpoints []string, opts ...Option) (*Client, error) {
	c := &Client{
		httpTimeout: defaultHTTPTimeout,
		logger:      pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	normalized, err := ParseEndpoints(endpoints)
	if err != nil {
		return nil, err
	}
	c.endpoints = normalized
	if c.httpClient == nil {
		c.httpClient, err = transport.NewHTTPClient(transport.ClientConfig{})
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ParseEndpoints validates and normalises http(s) endpoints, dropping empty
// entries and trailing slashes.
func ParseEndpoints(raw []string) ([]string, error) {
	var out []string
	for _, entry := range raw {
		entry = strings.TrimRight(strings.TrimSpace(entry), "/")
		if entry == "" {
			continue
		}
		u, err := url.Parse(entry)
		if err != nil {
			return nil, fmt.Errorf("txcore: endpoint %q: %w", entry, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("txcore: endpoint %q must be an http(s) URL", entry)
		}
		out = append(out, entry)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("txcore: at least one endpoint is required")
	}
	return out, nil
}

// Endpoints returns the configured endpoints.
func (c *Client) Endpoints() []string {
	return append([]string(nil), c.endpoints...)
}

// LastEndpoint reports the endpoint that answered the previous request.
func (c *Client) LastEndpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEndpoint
}

// SubmitTxn runs a transaction. Outcomes other than committed are returned as
// a response with a nil error; err is reserved for requests that produced no
// outcome at all.
func (c *Client) SubmitTxn(ctx context.Context, req api.TxnRequest) (*api.TxnResponse, error) {
	var out api.TxnResponse
	if err := c.doOutcome(ctx, http.MethodPost, "/v1/txn", req, &out, func() bool { return out.Outcome != "" }); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateDatabase asks the cluster to create name.
func (c *Client) CreateDatabase(ctx context.Context, name string) (*api.DatabaseResponse, error) {
	var out api.DatabaseResponse
	if err := c.doOutcome(ctx, http.MethodPost, "/v1/databases", api.DatabaseRequest{Name: name}, &out, func() bool { return out.Outcome != "" }); err != nil {
		return nil, err
	}
	return &out, nil
}

// DropDatabase asks the cluster to drop name.
func (c *Client) DropDatabase(ctx context.Context, name string) (*api.DatabaseResponse, error) {
	var out api.DatabaseResponse
	path := "/v1/databases/" + url.PathEscape(name)
	if err := c.doOutcome(ctx, http.MethodDelete, path, nil, &out, func() bool { return out.Outcome != "" }); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDatabases returns the databases known to the answering node.
func (c *Client) ListDatabases(ctx context.Context) ([]string, error) {
	var out api.DatabaseListResponse
	if err := c.doOutcome(ctx, http.MethodGet, "/v1/databases", nil, &out, nil); err != nil {
		return nil, err
	}
	return out.Databases, nil
}

// Health reports the status of the answering node.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	if err := c.doOutcome(ctx, http.MethodGet, "/healthz", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// doOutcome sends one request. Error statuses are decoded into out when
// hasOutcome reports that the body carried a protocol outcome, and into an
// APIError otherwise.
func (c *Client) doOutcome(ctx context.Context, method, path string, payload any, out any, hasOutcome func() bool) error {
	var body []byte
	if payload != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return err
		}
		body = buf.Bytes()
	}
	resp, endpoint, cancel, err := c.attemptEndpoints(ctx, method, path, body)
	if err != nil {
		c.logger.Debug("client.http.transport_error", "method", method, "path", path, "error", err)
		return err
	}
	defer cancel()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 300 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("txcore: decode %s %s: %w", method, path, err)
		}
		c.logger.Trace("client.http.success", "method", method, "path", path, "endpoint", endpoint, "status", resp.StatusCode)
		return nil
	}
	if hasOutcome != nil && json.Unmarshal(data, out) == nil && hasOutcome() {
		c.logger.Debug("client.http.outcome", "method", method, "path", path, "endpoint", endpoint, "status", resp.StatusCode)
		return nil
	}
	c.logger.Warn("client.http.error", "method", method, "path", path, "endpoint", endpoint, "status", resp.StatusCode)
	return decodeError(resp.StatusCode, data)
}

func (c *Client) attemptEndpoints(ctx context.Context, method, path string, body []byte) (*http.Response, string, context.CancelFunc, error) {
	order := c.order()
	var lastErr error
	for attempt, base := range order {
		reqCtx, cancel := c.requestContext(ctx)
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, base+path, reader)
		if err != nil {
			cancel()
			return nil, "", nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			cancel()
			c.logger.Trace("client.http.attempt_failed", "endpoint", base, "attempt", attempt+1, "total", len(order), "error", err, "duration", time.Since(start))
			lastErr = err
			if !connectionRefused(err) {
				return nil, "", nil, err
			}
			continue
		}
		c.mu.Lock()
		c.lastEndpoint = base
		c.mu.Unlock()
		return resp, base, cancel, nil
	}
	return nil, "", nil, fmt.Errorf("%w (attempted %s): %w", ErrNoEndpoints, strings.Join(order, ","), lastErr)
}

func (c *Client) order() []string {
	order := append([]string(nil), c.endpoints...)
	if c.shuffle && len(order) > 1 {
		rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return order
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.httpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.httpTimeout)
}

// connectionRefused reports whether the request never reached a server,
// which is the only case where trying another node cannot duplicate work.
func connectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

func decodeError(status int, data []byte) error {
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			return &APIError{Status: status, Body: data}
		}
	}
	return &APIError{Status: status, Response: errResp, Body: data}
}
