package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pkt.systems/txcore/api"
	"pkt.systems/txcore/internal/coord"
	"pkt.systems/txcore/internal/oplog"
)

type ping struct {
	Seq int `json:"seq"`
}

func (*ping) Kind() string { return "test.ping" }

func (*ping) Begin(context.Context, *coord.Coordinator, coord.Submission) {}

type delivery struct {
	endpoint string
	from     string
	ns       string
	id       oplog.ID
	opID     coord.SessionOperationID
	msg      coord.Message
}

type recordingInbound struct {
	reg        *coord.Registry
	mu         sync.Mutex
	deliveries []delivery
	got        chan delivery
}

func newRecordingInbound() *recordingInbound {
	reg := coord.NewRegistry()
	reg.MustRegister("test.ping", func() coord.Message { return &ping{} })
	return &recordingInbound{reg: reg, got: make(chan delivery, 64)}
}

func (in *recordingInbound) Registry(ns string) (*coord.Registry, bool) {
	if ns != "test" {
		return nil, false
	}
	return in.reg, true
}

func (in *recordingInbound) record(d delivery) error {
	in.mu.Lock()
	in.deliveries = append(in.deliveries, d)
	in.mu.Unlock()
	in.got <- d
	return nil
}

func (in *recordingInbound) HandleRequest(_ context.Context, from, ns string, id oplog.ID, req coord.NodeRequest) error {
	return in.record(delivery{endpoint: PathRequest, from: from, ns: ns, id: id, msg: req})
}

func (in *recordingInbound) HandleResponse(_ context.Context, from, ns string, id oplog.ID, resp coord.NodeResponse) error {
	return in.record(delivery{endpoint: PathResponse, from: from, ns: ns, id: id, msg: resp})
}

func (in *recordingInbound) HandleSubmit(_ context.Context, from, ns string, opID coord.SessionOperationID, req coord.SubmitRequest) error {
	return in.record(delivery{endpoint: PathSubmit, from: from, ns: ns, opID: opID, msg: req})
}

func (in *recordingInbound) HandleReply(_ context.Context, from, ns string, opID coord.SessionOperationID, resp coord.SubmitResponse) error {
	return in.record(delivery{endpoint: PathReply, from: from, ns: ns, opID: opID, msg: resp})
}

func (in *recordingInbound) next(t *testing.T) delivery {
	t.Helper()
	select {
	case d := <-in.got:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return delivery{}
	}
}

func newServer(t *testing.T, in Inbound) *httptest.Server {
	t.Helper()
	h, err := NewHandler(HandlerConfig{Inbound: in, DisableTracing: true, MaxBodyBytes: 1024})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPChannelDeliversInOrder(t *testing.T) {
	in := newRecordingInbound()
	srv := newServer(t, in)
	ch, err := NewHTTPChannel(HTTPConfig{Endpoint: srv.URL + "/", From: "node-a", Namespace: "test", Client: srv.Client()})
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	defer ch.Close()

	ctx := context.Background()
	if err := ch.SendRequest(ctx, 7, &ping{Seq: 1}); err != nil {
		t.Fatalf("send request: %v", err)
	}
	if err := ch.SendResponse(ctx, 7, &ping{Seq: 2}); err != nil {
		t.Fatalf("send response: %v", err)
	}
	if err := ch.Submit(ctx, "op-1", &ping{Seq: 3}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := ch.Reply(ctx, "op-1", &ping{Seq: 4}); err != nil {
		t.Fatalf("reply: %v", err)
	}

	want := []struct {
		endpoint string
		seq      int
	}{
		{PathRequest, 1},
		{PathResponse, 2},
		{PathSubmit, 3},
		{PathReply, 4},
	}
	for _, w := range want {
		d := in.next(t)
		if d.endpoint != w.endpoint || d.from != "node-a" || d.ns != "test" {
			t.Fatalf("delivery %+v want endpoint %s", d, w.endpoint)
		}
		p, ok := d.msg.(*ping)
		if !ok || p.Seq != w.seq {
			t.Fatalf("payload %#v want seq %d", d.msg, w.seq)
		}
		switch w.endpoint {
		case PathRequest, PathResponse:
			if d.id != 7 {
				t.Fatalf("log id %d", d.id)
			}
		default:
			if d.opID != "op-1" {
				t.Fatalf("op id %q", d.opID)
			}
		}
	}
}

func TestHandlerRejectsBadEnvelopes(t *testing.T) {
	in := newRecordingInbound()
	srv := newServer(t, in)
	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{name: "get", method: http.MethodGet, path: PathRequest, status: http.StatusMethodNotAllowed, code: "method_not_allowed"},
		{name: "unknown endpoint", method: http.MethodPost, path: PathPrefix + "gossip", body: api.Envelope{From: "a"}, status: http.StatusNotFound, code: "unknown_endpoint"},
		{name: "missing from", method: http.MethodPost, path: PathRequest, body: api.Envelope{Namespace: "test", Kind: "test.ping"}, status: http.StatusBadRequest, code: "missing_from"},
		{name: "unknown namespace", method: http.MethodPost, path: PathRequest, body: api.Envelope{From: "a", Namespace: "other", Kind: "test.ping"}, status: http.StatusNotFound, code: "unknown_namespace"},
		{name: "unknown kind", method: http.MethodPost, path: PathRequest, body: api.Envelope{From: "a", Namespace: "test", Kind: "test.pong"}, status: http.StatusBadRequest, code: "unknown_kind"},
		{name: "bad payload", method: http.MethodPost, path: PathRequest, body: api.Envelope{From: "a", Namespace: "test", Kind: "test.ping", Payload: json.RawMessage(`{"seq":"x"}`)}, status: http.StatusBadRequest, code: "invalid_payload"},
		{name: "submit without op id", method: http.MethodPost, path: PathSubmit, body: api.Envelope{From: "a", Namespace: "test", Kind: "test.ping"}, status: http.StatusBadRequest, code: "missing_operation_id"},
		{name: "too large", method: http.MethodPost, path: PathRequest, body: api.Envelope{From: "a", Namespace: "test", Kind: "test.ping", Payload: json.RawMessage(`{"pad":"` + string(bytes.Repeat([]byte("x"), 2048)) + `"}`)}, status: http.StatusRequestEntityTooLarge, code: "body_too_large"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var body bytes.Buffer
			if tc.body != nil {
				if err := json.NewEncoder(&body).Encode(tc.body); err != nil {
					t.Fatalf("encode: %v", err)
				}
			}
			req, err := http.NewRequest(tc.method, srv.URL+tc.path, &body)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			resp, err := srv.Client().Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("status %d want %d", resp.StatusCode, tc.status)
			}
			var errResp api.ErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if errResp.ErrorCode != tc.code {
				t.Fatalf("code %q want %q", errResp.ErrorCode, tc.code)
			}
		})
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.deliveries) != 0 {
		t.Fatalf("rejected envelopes were delivered: %+v", in.deliveries)
	}
}

func TestHTTPChannelQueueAndClose(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()
	defer close(block)

	ch, err := NewHTTPChannel(HTTPConfig{Endpoint: srv.URL, From: "a", Namespace: "test", QueueSize: 1, SendTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	var full bool
	for i := 0; i < 10 && !full; i++ {
		err := ch.SendRequest(context.Background(), oplog.ID(i+1), &ping{Seq: i})
		if err == ErrQueueFull {
			full = true
		} else if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if !full {
		t.Fatal("expected a full queue")
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ch.SendRequest(context.Background(), 99, &ping{}); err != ErrClosed {
		t.Fatalf("send after close err=%v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestLoopbackTagsSender(t *testing.T) {
	in := newRecordingInbound()
	lb := NewLoopback("node-b", "test", in)
	if err := lb.SendRequest(context.Background(), 3, &ping{Seq: 9}); err != nil {
		t.Fatalf("send: %v", err)
	}
	d := in.next(t)
	if d.from != "node-b" || d.ns != "test" || d.id != 3 || d.endpoint != PathRequest {
		t.Fatalf("delivery %+v", d)
	}
}

func TestNewHTTPChannelValidates(t *testing.T) {
	if _, err := NewHTTPChannel(HTTPConfig{From: "a", Namespace: "test"}); err == nil {
		t.Fatal("expected endpoint error")
	}
	if _, err := NewHTTPChannel(HTTPConfig{Endpoint: "http://x"}); err == nil {
		t.Fatal("expected from/namespace error")
	}
}
