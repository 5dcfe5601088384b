// Package node hosts one cluster member: it routes inbound channel traffic
// to the coordinators and participant executors registered per namespace,
// and lets local callers submit operations and wait for the reply.
package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/txcore/internal/coord"
	"pkt.systems/txcore/internal/oplog"
	"pkt.systems/txcore/internal/svcfields"
)

var (
	// ErrNoReply is returned by Submit when the context ends before the
	// coordinator answers. Callers must treat it as a failed operation.
	ErrNoReply = errors.New("node: no reply")
	// ErrUnknownNamespace is returned for traffic on an unrouted namespace.
	ErrUnknownNamespace = errors.New("node: unknown namespace")
	// ErrUnknownPeer is returned when no channel to a peer is connected.
	ErrUnknownPeer = errors.New("node: unknown peer")
	// ErrNotCoordinator is returned for submits and responses sent to a node
	// that does not coordinate the namespace.
	ErrNotCoordinator = errors.New("node: not the coordinator")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("node: closed")
)

// Executor runs node requests on the local participant.
type Executor interface {
	Execute(ctx context.Context, from string, req coord.NodeRequest) coord.NodeResponse
}

// Route describes one coordinator namespace as seen by this node.
type Route struct {
	Namespace string
	Registry  *coord.Registry
	// CoordinatorNode names the node that runs the namespace's coordinator.
	CoordinatorNode string
	// Coordinator is set only on the coordinator node.
	Coordinator *coord.Coordinator
	// Executor answers node requests; nil makes this node a client only.
	Executor Executor
}

// Config wires a Node.
type Config struct {
	Name string
	// Log records received request ids so replays are dropped; optional.
	Log    oplog.Log
	Logger pslog.Logger
}

type route struct {
	Route
	peers map[string]coord.Channel
}

type waiter struct {
	ns    string
	reply chan coord.SubmitResponse
}

// Node is safe for concurrent use.
type Node struct {
	name   string
	log    oplog.Log
	logger pslog.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	routes  map[string]*route
	waiters map[coord.SessionOperationID]waiter
	closed  bool
}

// New returns a node with no routes.
func New(cfg Config) (*Node, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("node: name required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		name:    cfg.Name,
		log:     cfg.Log,
		logger:  svcfields.WithSubsystem(cfg.Logger, "node").With(svcfields.NodeKey, cfg.Name),
		tracer:  otel.Tracer("pkt.systems/txcore/node"),
		ctx:     ctx,
		cancel:  cancel,
		routes:  make(map[string]*route),
		waiters: make(map[coord.SessionOperationID]waiter),
	}, nil
}

// Name returns the node name.
func (n *Node) Name() string { return n.name }

// AddRoute registers a namespace.
func (n *Node) AddRoute(r Route) error {
	if r.Namespace == "" || r.Registry == nil {
		return fmt.Errorf("node: route requires namespace and registry")
	}
	if r.CoordinatorNode == "" {
		return fmt.Errorf("node: route %s requires a coordinator node", r.Namespace)
	}
	if r.Coordinator != nil && r.CoordinatorNode != n.name {
		return fmt.Errorf("node: route %s coordinator runs on %s, not %s", r.Namespace, r.CoordinatorNode, n.name)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.routes[r.Namespace]; exists {
		return fmt.Errorf("node: route %s already registered", r.Namespace)
	}
	n.routes[r.Namespace] = &route{Route: r, peers: make(map[string]coord.Channel)}
	return nil
}

// Connect sets the channel used to reach peer name within ns. Peers include
// this node itself when it both coordinates and participates.
func (n *Node) Connect(ns, name string, ch coord.Channel) error {
	if name == "" || ch == nil {
		return fmt.Errorf("node: connect requires peer name and channel")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	r := n.routes[ns]
	if r == nil {
		return fmt.Errorf("%w: %s", ErrUnknownNamespace, ns)
	}
	r.peers[name] = ch
	return nil
}

// Namespaces lists routed namespaces and their coordinator nodes.
func (n *Node) Namespaces() map[string]string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]string, len(n.routes))
	for ns, r := range n.routes {
		out[ns] = r.CoordinatorNode
	}
	return out
}

// Coordinator returns the local coordinator for ns, if any.
func (n *Node) Coordinator(ns string) (*coord.Coordinator, bool) {
	r, err := n.route(ns)
	if err != nil || r.Coordinator == nil {
		return nil, false
	}
	return r.Coordinator, true
}

// Registry implements transport.Inbound.
func (n *Node) Registry(ns string) (*coord.Registry, bool) {
	r, err := n.route(ns)
	if err != nil {
		return nil, false
	}
	return r.Registry, true
}

// Peers lists the peers connected for ns in name order.
func (n *Node) Peers(ns string) []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	r := n.routes[ns]
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.peers))
	for name := range r.peers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (n *Node) route(ns string) (*route, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return nil, ErrClosed
	}
	r := n.routes[ns]
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, ns)
	}
	return r, nil
}

func (n *Node) peer(r *route, name string) (coord.Channel, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ch := r.peers[name]
	if ch == nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrUnknownPeer, name, r.Namespace)
	}
	return ch, nil
}

// Submit forwards req to the namespace coordinator under a fresh session
// operation id and waits for the reply.
func (n *Node) Submit(ctx context.Context, ns string, req coord.SubmitRequest) (coord.SessionOperationID, coord.SubmitResponse, error) {
	opID := coord.NewSessionOperationID()
	resp, err := n.SubmitWithID(ctx, ns, opID, req)
	return opID, resp, err
}

// SubmitWithID is Submit with a caller-chosen operation id.
func (n *Node) SubmitWithID(ctx context.Context, ns string, opID coord.SessionOperationID, req coord.SubmitRequest) (coord.SubmitResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("node: nil submit request")
	}
	ctx, span := n.tracer.Start(ctx, "node.submit", trace.WithAttributes(
		attribute.String("txcore.namespace", ns),
		attribute.String("txcore.message.kind", req.Kind()),
		attribute.String("txcore.operation_id", opID.String()),
	))
	defer span.End()

	r, err := n.route(ns)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	ch, err := n.peer(r, r.CoordinatorNode)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	w := waiter{ns: ns, reply: make(chan coord.SubmitResponse, 1)}
	n.mu.Lock()
	if _, dup := n.waiters[opID]; dup {
		n.mu.Unlock()
		return nil, fmt.Errorf("node: operation %s already pending", opID)
	}
	n.waiters[opID] = w
	n.mu.Unlock()
	defer n.dropWaiter(opID)

	logger := n.logger.With(svcfields.NamespaceKey, ns, svcfields.OperationKey, opID.String())
	logger.Debug("node.submit", svcfields.KindKey, req.Kind(), "coordinator", r.CoordinatorNode)
	if err := ch.Submit(ctx, opID, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "forward failed")
		return nil, fmt.Errorf("node: forward submit to %s: %w", r.CoordinatorNode, err)
	}
	select {
	case resp := <-w.reply:
		span.SetAttributes(attribute.String("txcore.reply.kind", resp.Kind()))
		return resp, nil
	case <-ctx.Done():
		logger.Info("node.submit.no_reply", "error", ctx.Err())
		span.SetStatus(codes.Error, "no reply")
		return nil, fmt.Errorf("%w: %w", ErrNoReply, ctx.Err())
	case <-n.ctx.Done():
		return nil, ErrClosed
	}
}

func (n *Node) dropWaiter(opID coord.SessionOperationID) {
	n.mu.Lock()
	delete(n.waiters, opID)
	n.mu.Unlock()
}

// HandleRequest records the request as received and executes it on the
// local participant. The response goes back to the sender through the
// route's channel. Replayed ids are dropped.
func (n *Node) HandleRequest(ctx context.Context, from, ns string, id oplog.ID, req coord.NodeRequest) error {
	r, err := n.route(ns)
	if err != nil {
		return err
	}
	if r.Executor == nil {
		return fmt.Errorf("node: %s does not participate in %s", n.name, ns)
	}
	logger := n.logger.With(svcfields.NamespaceKey, ns, svcfields.LogIDKey, id.String(), svcfields.MemberKey, from)
	if n.log != nil {
		fresh, err := n.log.LogReceived(ctx, ns+"@"+from, id, req)
		if err != nil {
			logger.Error("node.request.log_failed", svcfields.KindKey, req.Kind(), "error", err)
			return fmt.Errorf("node: log received request: %w", err)
		}
		if !fresh {
			logger.Info("node.request.replay_dropped", svcfields.KindKey, req.Kind())
			return nil
		}
	}
	reply, err := n.peer(r, from)
	if err != nil {
		logger.Warn("node.request.no_return_channel", "error", err)
		return err
	}
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return ErrClosed
	}
	n.wg.Add(1)
	n.mu.RUnlock()
	go func() {
		defer n.wg.Done()
		resp := r.Executor.Execute(n.ctx, from, req)
		if resp == nil {
			logger.Error("node.request.nil_response", svcfields.KindKey, req.Kind())
			return
		}
		if err := reply.SendResponse(n.ctx, id, resp); err != nil {
			logger.Warn("node.response.send_failed", svcfields.KindKey, resp.Kind(), "error", err)
		}
	}()
	return nil
}

// HandleResponse hands a participant response to the local coordinator.
func (n *Node) HandleResponse(_ context.Context, from, ns string, id oplog.ID, resp coord.NodeResponse) error {
	r, err := n.route(ns)
	if err != nil {
		return err
	}
	if r.Coordinator == nil {
		return fmt.Errorf("%w: %s", ErrNotCoordinator, ns)
	}
	return r.Coordinator.Receive(from, id, resp)
}

// HandleSubmit starts a submitted operation on the local coordinator. The
// submitter is answered through the channel connected under its name.
func (n *Node) HandleSubmit(_ context.Context, from, ns string, opID coord.SessionOperationID, req coord.SubmitRequest) error {
	r, err := n.route(ns)
	if err != nil {
		return err
	}
	if r.Coordinator == nil {
		return fmt.Errorf("%w: %s", ErrNotCoordinator, ns)
	}
	ch, err := n.peer(r, from)
	if err != nil {
		n.logger.Warn("node.submit.unknown_submitter", svcfields.NamespaceKey, ns, svcfields.MemberKey, from, svcfields.OperationKey, opID.String())
		return err
	}
	return r.Coordinator.Submit(&coord.Member{Name: from, Channel: ch}, opID, req)
}

// HandleReply completes a pending Submit. Replies nobody waits for are
// dropped.
func (n *Node) HandleReply(_ context.Context, from, ns string, opID coord.SessionOperationID, resp coord.SubmitResponse) error {
	n.mu.Lock()
	w, ok := n.waiters[opID]
	if ok && w.ns == ns {
		delete(n.waiters, opID)
	}
	n.mu.Unlock()
	if !ok || w.ns != ns {
		n.logger.Debug("node.reply.unclaimed", svcfields.NamespaceKey, ns, svcfields.OperationKey, opID.String(), svcfields.MemberKey, from, svcfields.KindKey, resp.Kind())
		return nil
	}
	w.reply <- resp
	return nil
}

// Close cancels running executions and waits for them. Coordinators and
// channels stay owned by the caller.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()
	n.cancel()
	n.wg.Wait()
	return nil
}
