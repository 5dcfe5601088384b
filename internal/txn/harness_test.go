package txn

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"pkt.systems/txcore/internal/clock"
	"pkt.systems/txcore/internal/coord"
	"pkt.systems/txcore/internal/lockmgr"
	"pkt.systems/txcore/internal/oplog"
)

type sentRequest struct {
	member string
	id     oplog.ID
	req    coord.NodeRequest
}

// harness is a coordinator whose members only record traffic; tests play
// the participants by calling respond.
type harness struct {
	t      *testing.T
	c      *coord.Coordinator
	locks  *lockmgr.Manager
	clk    *clock.Manual
	client *coord.Member

	mu       sync.Mutex
	requests []sentRequest
	replies  []*Response
}

type harnessChannel struct {
	name string
	h    *harness
}

func (ch *harnessChannel) SendRequest(_ context.Context, id oplog.ID, req coord.NodeRequest) error {
	ch.h.mu.Lock()
	defer ch.h.mu.Unlock()
	ch.h.requests = append(ch.h.requests, sentRequest{member: ch.name, id: id, req: req})
	return nil
}

func (ch *harnessChannel) SendResponse(context.Context, oplog.ID, coord.NodeResponse) error {
	return nil
}

func (ch *harnessChannel) Submit(context.Context, coord.SessionOperationID, coord.SubmitRequest) error {
	return nil
}

func (ch *harnessChannel) Reply(_ context.Context, _ coord.SessionOperationID, resp coord.SubmitResponse) error {
	ch.h.mu.Lock()
	defer ch.h.mu.Unlock()
	if r, ok := resp.(*Response); ok {
		ch.h.replies = append(ch.h.replies, r)
	}
	return nil
}

type harnessOptions struct {
	members   int
	manual    bool
	noMembers bool
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	h := &harness{t: t, locks: lockmgr.New(lockmgr.Config{})}
	cfg := coord.Config{
		Name:  "txn",
		Log:   oplog.NewMemory(),
		Locks: h.locks,
	}
	if opts.manual {
		h.clk = clock.NewManual(time.Unix(0, 0))
		cfg.Clock = h.clk
		cfg.TimeoutCheckInterval = time.Second
		cfg.OperationTimeout = 2 * time.Second
	}
	c, err := coord.New(cfg)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	h.c = c
	h.client = &coord.Member{Name: "client", Channel: &harnessChannel{name: "client", h: h}}
	if opts.noMembers {
		return h
	}
	for i := 1; i <= opts.members; i++ {
		name := fmt.Sprintf("node-%d", i)
		if err := c.Join(&coord.Member{Name: name, Channel: &harnessChannel{name: name, h: h}}); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	return h
}

func (h *harness) submit(s *Submit) coord.SessionOperationID {
	h.t.Helper()
	opID := coord.NewSessionOperationID()
	if err := h.c.Submit(h.client, opID, s); err != nil {
		h.t.Fatalf("submit: %v", err)
	}
	return opID
}

// dispatched returns the requests of kind grouped by log id, in dispatch
// order.
func (h *harness) dispatched(kind string) [][]sentRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out [][]sentRequest
	index := make(map[oplog.ID]int)
	for _, sent := range h.requests {
		if sent.req.Kind() != kind {
			continue
		}
		i, ok := index[sent.id]
		if !ok {
			i = len(out)
			index[sent.id] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], sent)
	}
	return out
}

func (h *harness) awaitDispatch(kind string, n int) [][]sentRequest {
	h.t.Helper()
	waitFor(h.t, fmt.Sprintf("%d %s dispatches", n, kind), func() bool { return len(h.dispatched(kind)) >= n })
	return h.dispatched(kind)
}

func (h *harness) respond(member string, id oplog.ID, resp coord.NodeResponse) {
	h.t.Helper()
	if err := h.c.Receive(member, id, resp); err != nil {
		h.t.Fatalf("receive: %v", err)
	}
}

func (h *harness) gotReplies() []*Response {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Response(nil), h.replies...)
}

// settle waits until work posted by already-processed events has run.
func (h *harness) settle() {
	h.c.Contexts()
	h.c.Contexts()
}

// advanceUntil ticks the manual clock one interval at a time until cond
// holds.
func (h *harness) advanceUntil(what string, cond func() bool) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 20; i++ {
		h.settle()
		if cond() {
			return
		}
		if err := h.clk.BlockUntil(ctx, 1); err != nil {
			h.t.Fatalf("waiting for timer while advancing to %s: %v", what, err)
		}
		h.clk.Advance(time.Second)
	}
	h.settle()
	if !cond() {
		h.t.Fatalf("clock advanced without reaching %s", what)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
