// Package coord implements the distributed request coordinator: it logs and
// broadcasts node requests, tracks per-request quorum through request
// contexts, and serializes every state change on a single executor.
package coord

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/txcore/internal/clock"
	"pkt.systems/txcore/internal/lockmgr"
	"pkt.systems/txcore/internal/oplog"
	"pkt.systems/txcore/internal/svcfields"
)

const (
	// DefaultTimeoutCheckInterval is how often each request context checks
	// for expiry.
	DefaultTimeoutCheckInterval = time.Second
	// DefaultOperationTimeout is how long a context may stay unresolved
	// before its handler's Timeout is consulted.
	DefaultOperationTimeout = 30 * time.Second
)

var (
	// ErrClosed is returned by entry points after Close.
	ErrClosed = errors.New("coord: closed")
	// ErrNoMembers is reported when a request would have no participants.
	ErrNoMembers = errors.New("coord: no members")
	// ErrMemberExists is returned by Join for a duplicate name.
	ErrMemberExists = errors.New("coord: member already joined")
)

// Config wires a Coordinator.
type Config struct {
	// Name scopes logs and metrics, e.g. "txn" or "structural".
	Name   string
	Log    oplog.Log
	Logger pslog.Logger
	Clock  clock.Clock
	Quorum QuorumFunc
	// Locks is handed to handlers through Locks(); optional.
	Locks                *lockmgr.Manager
	TimeoutCheckInterval time.Duration
	OperationTimeout     time.Duration
}

// Coordinator owns a member table and a request-context table. Both are only
// touched from the executor goroutine, so every entry point enqueues work
// and returns.
type Coordinator struct {
	name      string
	log       oplog.Log
	logger    pslog.Logger
	clock     clock.Clock
	quorum    QuorumFunc
	locks     *lockmgr.Manager
	interval  time.Duration
	opTimeout time.Duration
	metrics   *coordMetrics

	ctx    context.Context
	cancel context.CancelFunc
	mb     *mailbox

	// executor-owned
	members  []*Member
	contexts map[oplog.ID]*RequestContext
	closed   bool
}

// New starts a Coordinator and its executor.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("coord: operation log required")
	}
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	quorum := cfg.Quorum
	if quorum == nil {
		quorum = Majority
	}
	interval := cfg.TimeoutCheckInterval
	if interval <= 0 {
		interval = DefaultTimeoutCheckInterval
	}
	opTimeout := cfg.OperationTimeout
	if opTimeout <= 0 {
		opTimeout = DefaultOperationTimeout
	}
	logger := svcfields.WithSubsystem(cfg.Logger, svcfields.Subsystem("coord", name)).With(svcfields.NamespaceKey, name)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		name:      name,
		log:       cfg.Log,
		logger:    logger,
		clock:     clk,
		quorum:    quorum,
		locks:     cfg.Locks,
		interval:  interval,
		opTimeout: opTimeout,
		metrics:   newCoordMetrics(logger),
		ctx:       ctx,
		cancel:    cancel,
		contexts:  make(map[oplog.ID]*RequestContext),
	}
	c.mb = newMailbox()
	return c, nil
}

// Name returns the coordinator namespace.
func (c *Coordinator) Name() string { return c.name }

// Logger returns the coordinator's logger.
func (c *Coordinator) Logger() pslog.Logger { return c.logger }

// Clock returns the coordinator's clock.
func (c *Coordinator) Clock() clock.Clock { return c.clock }

// Locks returns the lock manager handed to this coordinator, or nil.
func (c *Coordinator) Locks() *lockmgr.Manager { return c.locks }

// Join adds m to the member table. It affects future dispatches only.
func (c *Coordinator) Join(m *Member) error {
	if m == nil || m.Name == "" || m.Channel == nil {
		return fmt.Errorf("coord: member requires name and channel")
	}
	var err error
	if !c.call(func() {
		if slices.ContainsFunc(c.members, func(existing *Member) bool { return existing.Name == m.Name }) {
			err = fmt.Errorf("%w: %s", ErrMemberExists, m.Name)
			return
		}
		c.members = append(c.members, m)
		c.logger.Info("coord.member.join", svcfields.MemberKey, m.Name, "members", len(c.members))
	}) {
		return ErrClosed
	}
	return err
}

// Leave removes the named member. In-flight contexts keep their snapshot.
func (c *Coordinator) Leave(name string) bool {
	removed := false
	c.call(func() {
		before := len(c.members)
		c.members = slices.DeleteFunc(c.members, func(m *Member) bool { return m.Name == name })
		removed = len(c.members) != before
		if removed {
			c.logger.Info("coord.member.leave", svcfields.MemberKey, name, "members", len(c.members))
		}
	})
	return removed
}

// Member looks up a member by name.
func (c *Coordinator) Member(name string) (*Member, bool) {
	var found *Member
	c.call(func() { found = c.memberLocked(name) })
	return found, found != nil
}

// Members lists member names in join order.
func (c *Coordinator) Members() []string {
	var names []string
	c.call(func() {
		names = make([]string, len(c.members))
		for i, m := range c.members {
			names[i] = m.Name
		}
	})
	return names
}

// Contexts returns a snapshot of the open request contexts. Because it
// round-trips through the executor it also acts as a barrier for work
// enqueued before it.
func (c *Coordinator) Contexts() []ContextInfo {
	var out []ContextInfo
	c.call(func() {
		out = make([]ContextInfo, 0, len(c.contexts))
		for _, rc := range c.contexts {
			out = append(out, rc.info())
		}
	})
	slices.SortFunc(out, func(a, b ContextInfo) int {
		switch {
		case a.LogID < b.LogID:
			return -1
		case a.LogID > b.LogID:
			return 1
		}
		return 0
	})
	return out
}

// Submit runs req.Begin on the executor on behalf of submitter.
func (c *Coordinator) Submit(submitter *Member, opID SessionOperationID, req SubmitRequest) error {
	if req == nil {
		return fmt.Errorf("coord: nil submit request")
	}
	if !c.mb.post(func() { c.begin(Submission{Request: req, Submitter: submitter, OperationID: opID}) }) {
		return ErrClosed
	}
	return nil
}

// SubmitFrom resolves the submitter by name on the executor. Submits from
// unknown members are logged and dropped.
func (c *Coordinator) SubmitFrom(name string, opID SessionOperationID, req SubmitRequest) error {
	if req == nil {
		return fmt.Errorf("coord: nil submit request")
	}
	if !c.mb.post(func() {
		submitter := c.memberLocked(name)
		if submitter == nil {
			c.logger.Warn("coord.submit.unknown_member", svcfields.MemberKey, name, svcfields.OperationKey, opID.String(), svcfields.KindKey, req.Kind())
			return
		}
		c.begin(Submission{Request: req, Submitter: submitter, OperationID: opID})
	}) {
		return ErrClosed
	}
	return nil
}

func (c *Coordinator) begin(sub Submission) {
	if c.closed {
		return
	}
	c.logger.Debug("coord.submit", svcfields.OperationKey, sub.OperationID.String(), svcfields.KindKey, sub.Request.Kind(), svcfields.MemberKey, memberName(sub.Submitter))
	sub.Request.Begin(c.ctx, c, sub)
}

// SendOperation logs req, snapshots the member table as its participants,
// opens a request context driven by h and broadcasts req. It may be called
// from any goroutine, including handler callbacks.
func (c *Coordinator) SendOperation(sub Submission, req NodeRequest, h ResponseHandler) {
	if req == nil || h == nil {
		c.logger.Error("coord.dispatch.invalid", svcfields.OperationKey, sub.OperationID.String())
		return
	}
	if !c.mb.post(func() { c.dispatch(sub, req, h) }) {
		c.dispatchFailed(sub, h, ErrClosed)
	}
}

func (c *Coordinator) dispatch(sub Submission, req NodeRequest, h ResponseHandler) {
	if c.closed {
		c.dispatchFailed(sub, h, ErrClosed)
		return
	}
	if len(c.members) == 0 {
		c.dispatchFailed(sub, h, ErrNoMembers)
		return
	}
	id, err := c.log.Log(c.ctx, req)
	if err != nil {
		c.logger.Error("coord.dispatch.log_failed", svcfields.KindKey, req.Kind(), svcfields.OperationKey, sub.OperationID.String(), "error", err)
		c.dispatchFailed(sub, h, err)
		return
	}
	rc := &RequestContext{
		logID:      id,
		submission: sub,
		request:    req,
		involved:   slices.Clone(c.members),
		handler:    h,
		responses:  make(map[string]NodeResponse),
		started:    c.clock.Now(),
		stop:       make(chan struct{}),
	}
	rc.quorum = min(c.quorum(len(rc.involved)), len(rc.involved))
	c.contexts[id] = rc
	c.metrics.recordDispatch(c.ctx, req.Kind(), len(c.contexts))
	c.logger.Debug("coord.dispatch",
		svcfields.LogIDKey, id.String(),
		svcfields.KindKey, req.Kind(),
		svcfields.OperationKey, sub.OperationID.String(),
		"participants", len(rc.involved),
		"quorum", rc.quorum,
	)
	for _, m := range rc.involved {
		if err := m.Channel.SendRequest(c.ctx, id, req); err != nil {
			c.logger.Warn("coord.dispatch.send_failed", svcfields.LogIDKey, id.String(), svcfields.MemberKey, m.Name, "error", err)
		}
	}
	go c.watch(rc)
}

func (c *Coordinator) dispatchFailed(sub Submission, h ResponseHandler, err error) {
	c.metrics.recordDispatchFailure(c.ctx)
	if failer, ok := h.(DispatchFailer); ok {
		failer.DispatchFailed(c, sub, err)
		return
	}
	c.logger.Warn("coord.dispatch.failed", svcfields.OperationKey, sub.OperationID.String(), "error", err)
}

// watch posts a timeout check every interval until the context is removed.
func (c *Coordinator) watch(rc *RequestContext) {
	for {
		select {
		case <-rc.stop:
			return
		case <-c.clock.After(c.interval):
		}
		if !c.mb.post(func() { c.checkTimeout(rc) }) {
			return
		}
	}
}

func (c *Coordinator) checkTimeout(rc *RequestContext) {
	if c.contexts[rc.logID] != rc {
		return
	}
	if clock.Since(c.clock, rc.started) < c.opTimeout {
		return
	}
	c.logger.Debug("coord.timeout.check", svcfields.LogIDKey, rc.logID.String(), "responses", len(rc.responses), "participants", len(rc.involved))
	if rc.handler.Timeout(c, rc) {
		c.logger.Info("coord.timeout", svcfields.LogIDKey, rc.logID.String(), svcfields.KindKey, rc.request.Kind(), "responses", len(rc.responses), "participants", len(rc.involved))
		c.finish(rc, "timeout")
	}
}

// Receive delivers a participant response for the context logged under id.
func (c *Coordinator) Receive(from string, id oplog.ID, resp NodeResponse) error {
	if resp == nil {
		return fmt.Errorf("coord: nil response")
	}
	if !c.mb.post(func() { c.receive(from, id, resp) }) {
		return ErrClosed
	}
	return nil
}

func (c *Coordinator) receive(from string, id oplog.ID, resp NodeResponse) {
	rc := c.contexts[id]
	if rc == nil {
		c.logger.Debug("coord.receive.no_context", svcfields.LogIDKey, id.String(), svcfields.MemberKey, from, svcfields.KindKey, resp.Kind())
		c.metrics.recordDropped(c.ctx, "no_context")
		return
	}
	member := rc.member(from)
	if member == nil {
		c.logger.Error("coord.receive.not_involved", svcfields.LogIDKey, id.String(), svcfields.MemberKey, from, svcfields.KindKey, resp.Kind())
		c.metrics.recordDropped(c.ctx, "not_involved")
		return
	}
	if _, dup := rc.responses[from]; dup {
		c.logger.Error("coord.receive.duplicate", svcfields.LogIDKey, id.String(), svcfields.MemberKey, from, svcfields.KindKey, resp.Kind())
		c.metrics.recordDropped(c.ctx, "duplicate")
		return
	}
	rc.responses[from] = resp
	if rc.handler.Receive(c, rc, member, resp) {
		c.finish(rc, "resolved")
	}
}

func (c *Coordinator) finish(rc *RequestContext, result string) {
	if c.contexts[rc.logID] != rc {
		return
	}
	delete(c.contexts, rc.logID)
	close(rc.stop)
	c.metrics.recordFinish(c.ctx, rc.request.Kind(), result, c.clock.Now().Sub(rc.started), len(c.contexts))
	c.logger.Debug("coord.context.removed", svcfields.LogIDKey, rc.logID.String(), "result", result)
}

// Reply sends resp to the submitter of opID.
func (c *Coordinator) Reply(to *Member, opID SessionOperationID, resp SubmitResponse) {
	if to == nil {
		c.logger.Warn("coord.reply.no_submitter", svcfields.OperationKey, opID.String(), svcfields.KindKey, resp.Kind())
		return
	}
	if err := to.Channel.Reply(c.ctx, opID, resp); err != nil {
		c.logger.Warn("coord.reply.failed", svcfields.MemberKey, to.Name, svcfields.OperationKey, opID.String(), "error", err)
	}
}

// ReplyTo answers the submitter recorded in sub.
func (c *Coordinator) ReplyTo(sub Submission, resp SubmitResponse) {
	c.Reply(sub.Submitter, sub.OperationID, resp)
}

// Close discards open contexts, stops the executor and waits for it to
// drain.
func (c *Coordinator) Close() error {
	c.mb.post(func() {
		if c.closed {
			return
		}
		c.closed = true
		if len(c.contexts) > 0 {
			c.logger.Info("coord.close.discard", "contexts", len(c.contexts))
		}
		for id, rc := range c.contexts {
			close(rc.stop)
			delete(c.contexts, id)
		}
		c.metrics.recordOpen(c.ctx, 0)
	})
	c.mb.close()
	<-c.mb.done
	c.cancel()
	return nil
}

// call runs fn on the executor and waits. It must not be used from
// handler callbacks.
func (c *Coordinator) call(fn func()) bool {
	done := make(chan struct{})
	if !c.mb.post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	<-done
	return true
}

func (c *Coordinator) memberLocked(name string) *Member {
	for _, m := range c.members {
		if m.Name == name {
			return m
		}
	}
	return nil
}

func memberName(m *Member) string {
	if m == nil {
		return ""
	}
	return m.Name
}
