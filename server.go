package txcore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"

	"pkt.systems/txcore/internal/clock"
	"pkt.systems/txcore/internal/coord"
	"pkt.systems/txcore/internal/lockmgr"
	"pkt.systems/txcore/internal/node"
	"pkt.systems/txcore/internal/oplog"
	"pkt.systems/txcore/internal/structural"
	"pkt.systems/txcore/internal/svcfields"
	"pkt.systems/txcore/internal/transport"
	"pkt.systems/txcore/internal/txn"
)

// Server hosts one cluster node: its participant stores, the coordinators
// when this node coordinates, the channel endpoint and the client API.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	log       oplog.Log
	node      *node.Node
	store     *txn.MemoryStore
	catalog   *structural.MemoryCatalog
	coords    map[string]*coord.Coordinator
	locks     []*lockmgr.Manager
	channels  []*transport.HTTPChannel
	httpSrv   *http.Server
	listener  net.Listener
	telemetry *telemetryBundle

	mu           sync.Mutex
	shutdown     bool
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger     pslog.Logger
	Clock      clock.Clock
	HTTPClient *http.Client
	Listener   net.Listener
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects the clock driving coordinator timeouts.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithHTTPClient overrides the client used by peer channels.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.HTTPClient = c
	}
}

// WithListener serves on an already bound listener instead of cfg.Listen.
func WithListener(ln net.Listener) Option {
	return func(o *options) {
		o.Listener = ln
	}
}

// NewServer builds a node according to cfg. Nothing listens until Start.
//
//	cfg := txcore.DefaultConfig()
//	cfg.NodeName = "node-a"
//	srv, err := txcore.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (srv *Server, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = logger.With(svcfields.NodeKey, cfg.NodeName)
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Server{
		cfg:      cfg,
		logger:   svcfields.WithSubsystem(logger, "server"),
		clock:    clk,
		coords:   make(map[string]*coord.Coordinator),
		listener: o.Listener,
		readyCh:  make(chan struct{}),
	}
	defer func() {
		if err != nil {
			s.release(context.Background())
		}
	}()

	s.telemetry, err = setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.RuntimeMetrics,
		NodeName:       cfg.NodeName,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	s.log, err = oplog.Open(cfg.Store, svcfields.WithSubsystem(logger, "oplog"))
	if err != nil {
		return nil, err
	}
	// Prepared transactions outlive every coordinator timeout that could
	// still decide them before they are forgotten.
	s.store = txn.NewMemoryStore(txn.WithStagedTTL(4*cfg.OperationTimeout), txn.WithStoreClock(clk))
	for _, raw := range cfg.UniqueIndexes {
		class, field, _ := ParseUniqueIndex(raw)
		s.store.DefineUniqueIndex(class, field)
	}
	s.catalog = structural.NewMemoryCatalog()
	s.node, err = node.New(node.Config{Name: cfg.NodeName, Log: s.log, Logger: logger})
	if err != nil {
		return nil, err
	}

	client := o.HTTPClient
	if client == nil {
		client, err = transport.NewHTTPClient(transport.ClientConfig{Timeout: cfg.SendTimeout})
		if err != nil {
			return nil, err
		}
	}
	quorum, err := coord.ParseQuorum(cfg.Quorum)
	if err != nil {
		return nil, err
	}
	namespaces := []struct {
		name     string
		register func(*coord.Registry)
		executor node.Executor
	}{
		{name: NamespaceTxn, register: txn.Register, executor: txn.NewParticipant(s.store, logger)},
		{name: NamespaceStructural, register: structural.Register, executor: structural.NewParticipant(s.catalog, logger)},
	}
	for _, ns := range namespaces {
		reg := coord.NewRegistry()
		ns.register(reg)
		route := node.Route{Namespace: ns.name, Registry: reg, CoordinatorNode: cfg.Coordinator, Executor: ns.executor}
		if cfg.IsCoordinator() {
			locks := lockmgr.New(lockmgr.Config{Logger: svcfields.WithSubsystem(logger, svcfields.Subsystem("lockmgr", ns.name))})
			s.locks = append(s.locks, locks)
			c, err := coord.New(coord.Config{
				Name:                 ns.name,
				Log:                  s.log,
				Logger:               logger,
				Clock:                clk,
				Quorum:               quorum,
				Locks:                locks,
				TimeoutCheckInterval: cfg.TimeoutCheckInterval,
				OperationTimeout:     cfg.OperationTimeout,
			})
			if err != nil {
				return nil, err
			}
			s.coords[ns.name] = c
			route.Coordinator = c
		}
		if err := s.node.AddRoute(route); err != nil {
			return nil, err
		}
		if err := s.connect(ns.name, client, logger); err != nil {
			return nil, err
		}
	}

	handler, err := s.routes(logger)
	if err != nil {
		return nil, err
	}
	s.httpSrv = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("server.configured",
		"coordinator", cfg.Coordinator,
		"members", len(cfg.Members()),
		"quorum", cfg.Quorum,
		"store", cfg.Store,
	)
	return s, nil
}

// connect builds a channel to every member of ns, joining them to the local
// coordinator when there is one. The node reaches itself over loopback.
func (s *Server) connect(ns string, client *http.Client, logger pslog.Logger) error {
	endpoints := map[string]string{}
	for _, p := range s.cfg.Peers {
		endpoints[p.Name] = p.Endpoint
	}
	for _, name := range s.cfg.Members() {
		var ch coord.Channel
		if name == s.cfg.NodeName {
			ch = transport.NewLoopback(s.cfg.NodeName, ns, s.node)
		} else {
			httpCh, err := transport.NewHTTPChannel(transport.HTTPConfig{
				Endpoint:    endpoints[name],
				From:        s.cfg.NodeName,
				Namespace:   ns,
				Client:      client,
				Logger:      logger,
				SendTimeout: s.cfg.SendTimeout,
			})
			if err != nil {
				return err
			}
			s.channels = append(s.channels, httpCh)
			ch = httpCh
		}
		if err := s.node.Connect(ns, name, ch); err != nil {
			return err
		}
		if c := s.coords[ns]; c != nil {
			if err := c.Join(&coord.Member{Name: name, Channel: ch}); err != nil {
				return fmt.Errorf("join %s to %s: %w", name, ns, err)
			}
		}
	}
	return nil
}

func (s *Server) routes(logger pslog.Logger) (http.Handler, error) {
	dtx, err := transport.NewHandler(transport.HandlerConfig{
		Inbound:        s.node,
		Logger:         logger,
		MaxBodyBytes:   s.cfg.MaxRequestBytes,
		DisableTracing: true,
	})
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle(transport.PathPrefix, dtx)
	mux.HandleFunc("POST /v1/txn", s.handleTxn)
	mux.HandleFunc("POST /v1/databases", s.handleCreateDatabase)
	mux.HandleFunc("GET /v1/databases", s.handleListDatabases)
	mux.HandleFunc("DELETE /v1/databases/{name}", s.handleDropDatabase)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return otelhttp.NewHandler(mux, "txcore", otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents)), nil
}

// Handler returns the root HTTP handler, for embedding into another server.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Node returns the hosted node.
func (s *Server) Node() *node.Node { return s.node }

// Store returns the local record store.
func (s *Server) Store() *txn.MemoryStore { return s.store }

// Catalog returns the local database catalog.
func (s *Server) Catalog() *structural.MemoryCatalog { return s.catalog }

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
		}
		s.mu.Lock()
		s.listener = ln
		s.mu.Unlock()
	}
	s.signalReady()
	s.logger.Info("listening", "address", ln.Addr().String(), "coordinator", s.cfg.IsCoordinator())
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown stops the HTTP server, the node and the coordinators, then closes
// the operation log. Open request contexts are discarded.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.release(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	s.logger.Info("server.shutdown.complete")
	return errors.Join(errs...)
}

// release tears down everything NewServer built.
func (s *Server) release(ctx context.Context) error {
	var errs []error
	if s.node != nil {
		_ = s.node.Close()
	}
	for _, c := range s.coords {
		_ = c.Close()
	}
	for _, l := range s.locks {
		l.Close()
	}
	for _, ch := range s.channels {
		_ = ch.Close()
	}
	if s.log != nil {
		if err := s.log.Close(); err != nil {
			errs = append(errs, fmt.Errorf("oplog close: %w", err))
		}
	}
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	return errors.Join(errs...)
}

// Close shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the error the HTTP server stopped with.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer runs a server in the background and returns once it listens.
// The returned stop function shuts it down; cancelling ctx does the same.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("txcore: server stopped before listening")
		}
		return nil, nil, err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		_ = stop(context.Background())
	}()
	return srv, stop, nil
}
