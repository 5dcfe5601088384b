// Package transport carries coordinator traffic between nodes. A Channel
// implementation delivers to one member; the inbound side hands decoded
// messages to the receiving node.
package transport

import (
	"context"
	"errors"

	"pkt.systems/txcore/internal/coord"
	"pkt.systems/txcore/internal/oplog"
)

// ErrClosed is returned by channels after Close.
var ErrClosed = errors.New("transport: channel closed")

// Inbound receives messages addressed to a node. Implementations must return
// quickly; long work belongs on their own goroutines.
type Inbound interface {
	// Registry returns the message registry for namespace ns.
	Registry(ns string) (*coord.Registry, bool)
	HandleRequest(ctx context.Context, from, ns string, id oplog.ID, req coord.NodeRequest) error
	HandleResponse(ctx context.Context, from, ns string, id oplog.ID, resp coord.NodeResponse) error
	HandleSubmit(ctx context.Context, from, ns string, opID coord.SessionOperationID, req coord.SubmitRequest) error
	HandleReply(ctx context.Context, from, ns string, opID coord.SessionOperationID, resp coord.SubmitResponse) error
}

// Loopback is an in-process Channel that hands messages straight to the
// target node. It is used for a node's own membership and in tests.
type Loopback struct {
	from   string
	ns     string
	target Inbound
}

// NewLoopback returns a channel from node from to target within namespace ns.
func NewLoopback(from, ns string, target Inbound) *Loopback {
	return &Loopback{from: from, ns: ns, target: target}
}

func (l *Loopback) SendRequest(ctx context.Context, id oplog.ID, req coord.NodeRequest) error {
	return l.target.HandleRequest(context.WithoutCancel(ctx), l.from, l.ns, id, req)
}

func (l *Loopback) SendResponse(ctx context.Context, id oplog.ID, resp coord.NodeResponse) error {
	return l.target.HandleResponse(context.WithoutCancel(ctx), l.from, l.ns, id, resp)
}

func (l *Loopback) Submit(ctx context.Context, opID coord.SessionOperationID, req coord.SubmitRequest) error {
	return l.target.HandleSubmit(context.WithoutCancel(ctx), l.from, l.ns, opID, req)
}

func (l *Loopback) Reply(ctx context.Context, opID coord.SessionOperationID, resp coord.SubmitResponse) error {
	return l.target.HandleReply(context.WithoutCancel(ctx), l.from, l.ns, opID, resp)
}
