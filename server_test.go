package txcore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/txcore/api"
	"pkt.systems/txcore/internal/record"
)

func waitFor(t *testing.T, timeout, interval time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if fn() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(interval)
	}
}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := NewServer(cfg, WithLogger(pslog.NoopLogger()))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})
	return srv, ts
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			payload.WriteString(raw)
		} else if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &payload)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s (status %d): %v", method, url, resp.StatusCode, err)
		}
	}
	return resp.StatusCode
}

func createPerson(email string) api.TxnRequest {
	return api.TxnRequest{Operations: []api.TxnOperation{{
		Type:  "create",
		ID:    "#-1:-2",
		Class: "Person",
		Data:  map[string]any{"email": email},
	}}}
}

func TestTxnCommitOnSingleNode(t *testing.T) {
	srv, ts := newTestServer(t, Config{NodeName: "node-a"})
	var out api.TxnResponse
	if status := doJSON(t, http.MethodPost, ts.URL+"/v1/txn", createPerson("a@example.com"), &out); status != http.StatusOK {
		t.Fatalf("status %d: %+v", status, out)
	}
	if out.Outcome != "committed" || len(out.Created) != 1 {
		t.Fatalf("response %+v", out)
	}
	if out.OperationID == "" || out.TxID != out.OperationID {
		t.Fatalf("tx id %q operation id %q", out.TxID, out.OperationID)
	}
	id, err := record.Parse(out.Created[0])
	if err != nil || !id.IsPersistent() {
		t.Fatalf("created id %q: %v", out.Created[0], err)
	}
	rec, ok := srv.Store().Get(id)
	if !ok || rec.Class != "Person" {
		t.Fatalf("stored record %+v ok=%v", rec, ok)
	}
}

func TestTxnRejections(t *testing.T) {
	_, ts := newTestServer(t, Config{NodeName: "node-a", UniqueIndexes: []string{"Person.email"}})
	var created api.TxnResponse
	if status := doJSON(t, http.MethodPost, ts.URL+"/v1/txn", createPerson("dup@example.com"), &created); status != http.StatusOK {
		t.Fatalf("seed status %d: %+v", status, created)
	}

	t.Run("unique key violation", func(t *testing.T) {
		var out api.TxnResponse
		status := doJSON(t, http.MethodPost, ts.URL+"/v1/txn", createPerson("dup@example.com"), &out)
		if status != http.StatusConflict || out.Outcome != "unique_key_violation" {
			t.Fatalf("status %d: %+v", status, out)
		}
		if out.Violation == nil || out.Violation.Key != "dup@example.com" {
			t.Fatalf("violation %+v", out.Violation)
		}
	})

	t.Run("concurrent modification", func(t *testing.T) {
		req := api.TxnRequest{Operations: []api.TxnOperation{{
			Type:    "update",
			ID:      created.Created[0],
			Version: 99,
			Data:    map[string]any{"email": "new@example.com"},
		}}}
		var out api.TxnResponse
		status := doJSON(t, http.MethodPost, ts.URL+"/v1/txn", req, &out)
		if status != http.StatusConflict || out.Outcome != "concurrent_modification" {
			t.Fatalf("status %d: %+v", status, out)
		}
		if out.Conflict == nil || out.Conflict.Record != created.Created[0] || out.Conflict.Expected != 99 {
			t.Fatalf("conflict %+v", out.Conflict)
		}
	})

	cases := []struct {
		name string
		body any
		code string
	}{
		{name: "unknown field", body: `{"operations":[],"bogus":true}`, code: "invalid_body"},
		{name: "malformed json", body: `{"operations":`, code: "invalid_body"},
		{name: "unknown type", body: api.TxnRequest{Operations: []api.TxnOperation{{Type: "upsert", ID: "#-1:-1"}}}, code: "invalid_operation"},
		{name: "bad id", body: api.TxnRequest{Operations: []api.TxnOperation{{Type: "create", ID: "nope", Class: "Person"}}}, code: "invalid_operation"},
		{name: "create with persistent id", body: api.TxnRequest{Operations: []api.TxnOperation{{Type: "create", ID: "#1:1", Class: "Person"}}}, code: "invalid_operation"},
		{name: "update temporary id", body: api.TxnRequest{Operations: []api.TxnOperation{{Type: "update", ID: "#-1:-1"}}}, code: "invalid_operation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out api.ErrorResponse
			status := doJSON(t, http.MethodPost, ts.URL+"/v1/txn", tc.body, &out)
			if status != http.StatusBadRequest || out.ErrorCode != tc.code {
				t.Fatalf("status %d: %+v", status, out)
			}
		})
	}
}

func TestTxnBodyLimit(t *testing.T) {
	_, ts := newTestServer(t, Config{NodeName: "node-a", MaxRequestBytes: 64})
	req := createPerson(string(bytes.Repeat([]byte("x"), 128)))
	var out api.ErrorResponse
	if status := doJSON(t, http.MethodPost, ts.URL+"/v1/txn", req, &out); status != http.StatusRequestEntityTooLarge {
		t.Fatalf("status %d: %+v", status, out)
	}
}

func TestDatabaseLifecycle(t *testing.T) {
	_, ts := newTestServer(t, Config{NodeName: "node-a"})

	var created api.DatabaseResponse
	if status := doJSON(t, http.MethodPost, ts.URL+"/v1/databases", api.DatabaseRequest{Name: "sales"}, &created); status != http.StatusOK {
		t.Fatalf("create status %d: %+v", status, created)
	}
	if created.Action != "create" || created.Outcome != "completed" || created.Database != "sales" {
		t.Fatalf("create response %+v", created)
	}

	var again api.DatabaseResponse
	if status := doJSON(t, http.MethodPost, ts.URL+"/v1/databases", api.DatabaseRequest{Name: "sales"}, &again); status != http.StatusConflict {
		t.Fatalf("duplicate create status %d: %+v", status, again)
	}
	if again.Outcome != "failed" {
		t.Fatalf("duplicate create %+v", again)
	}

	var list api.DatabaseListResponse
	if status := doJSON(t, http.MethodGet, ts.URL+"/v1/databases", nil, &list); status != http.StatusOK {
		t.Fatalf("list status %d", status)
	}
	if !slices.Equal(list.Databases, []string{"sales"}) {
		t.Fatalf("databases %v", list.Databases)
	}

	var dropped api.DatabaseResponse
	if status := doJSON(t, http.MethodDelete, ts.URL+"/v1/databases/sales", nil, &dropped); status != http.StatusOK {
		t.Fatalf("drop status %d: %+v", status, dropped)
	}
	if dropped.Action != "drop" || dropped.Outcome != "completed" {
		t.Fatalf("drop response %+v", dropped)
	}
	list = api.DatabaseListResponse{}
	doJSON(t, http.MethodGet, ts.URL+"/v1/databases", nil, &list)
	if len(list.Databases) != 0 {
		t.Fatalf("databases after drop %v", list.Databases)
	}

	var bad api.ErrorResponse
	if status := doJSON(t, http.MethodPost, ts.URL+"/v1/databases", api.DatabaseRequest{Name: "two words"}, &bad); status != http.StatusBadRequest || bad.ErrorCode != "invalid_database" {
		t.Fatalf("invalid name status %d: %+v", status, bad)
	}
}

func TestHealthReportsRoutes(t *testing.T) {
	_, ts := newTestServer(t, Config{NodeName: "node-a"})
	var out api.HealthResponse
	if status := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil, &out); status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	if out.Node != "node-a" || out.Version == "" {
		t.Fatalf("health %+v", out)
	}
	if out.Namespaces[NamespaceTxn] != "node-a" || out.Namespaces[NamespaceStructural] != "node-a" {
		t.Fatalf("namespaces %v", out.Namespaces)
	}
	if n, ok := out.OpenContexts[NamespaceTxn]; !ok || n != 0 {
		t.Fatalf("open contexts %v", out.OpenContexts)
	}
}

type testCluster struct {
	servers []*Server
	urls    []string
}

// startCluster runs n servers on loopback listeners. node-1 is the lowest
// name and coordinates.
func startCluster(t *testing.T, n int, mutate func(*Config)) *testCluster {
	t.Helper()
	names := make([]string, n)
	listeners := make([]net.Listener, n)
	cl := &testCluster{}
	for i := range names {
		names[i] = fmt.Sprintf("node-%d", i+1)
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		listeners[i] = ln
		cl.urls = append(cl.urls, "http://"+ln.Addr().String())
	}
	for i, name := range names {
		cfg := Config{NodeName: name, SendTimeout: time.Second}
		for j, peer := range names {
			if j != i {
				cfg.Peers = append(cfg.Peers, Peer{Name: peer, Endpoint: cl.urls[j]})
			}
		}
		if mutate != nil {
			mutate(&cfg)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		srv, stop, err := StartServer(ctx, cfg, WithListener(listeners[i]), WithLogger(pslog.NoopLogger()))
		if err != nil {
			cancel()
			t.Fatalf("start %s: %v", name, err)
		}
		t.Cleanup(func() {
			_ = stop(context.Background())
			cancel()
		})
		cl.servers = append(cl.servers, srv)
	}
	return cl
}

func TestClusterCommitsThroughAnyNode(t *testing.T) {
	cl := startCluster(t, 3, nil)
	seen := map[string]bool{}
	for i, url := range cl.urls {
		var out api.TxnResponse
		status := doJSON(t, http.MethodPost, url+"/v1/txn", createPerson(fmt.Sprintf("p%d@example.com", i)), &out)
		if status != http.StatusOK || out.Outcome != "committed" {
			t.Fatalf("node %d status %d: %+v", i+1, status, out)
		}
		if len(out.Created) != 1 || seen[out.Created[0]] {
			t.Fatalf("node %d created %v (seen %v)", i+1, out.Created, seen)
		}
		seen[out.Created[0]] = true
	}
	for i, srv := range cl.servers {
		waitFor(t, 2*time.Second, 5*time.Millisecond, func() bool { return srv.Store().Len() == 3 })
		if srv.cfg.IsCoordinator() != (i == 0) {
			t.Fatalf("node %d coordinator=%v", i+1, srv.cfg.IsCoordinator())
		}
	}
}

func TestClusterDatabaseReachesEveryNode(t *testing.T) {
	cl := startCluster(t, 3, nil)
	var out api.DatabaseResponse
	if status := doJSON(t, http.MethodPost, cl.urls[2]+"/v1/databases", api.DatabaseRequest{Name: "inventory"}, &out); status != http.StatusOK {
		t.Fatalf("status %d: %+v", status, out)
	}
	for _, url := range cl.urls {
		waitFor(t, 2*time.Second, 5*time.Millisecond, func() bool {
			var list api.DatabaseListResponse
			doJSON(t, http.MethodGet, url+"/v1/databases", nil, &list)
			return slices.Contains(list.Databases, "inventory")
		})
	}
}

func TestClusterMajorityToleratesDeadMember(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadURL := "http://" + dead.Addr().String()
	_ = dead.Close()

	cl := startCluster(t, 2, func(cfg *Config) {
		cfg.Peers = append(cfg.Peers, Peer{Name: "node-9", Endpoint: deadURL})
		cfg.SendTimeout = 200 * time.Millisecond
	})
	var out api.TxnResponse
	status := doJSON(t, http.MethodPost, cl.urls[1]+"/v1/txn", createPerson("quorum@example.com"), &out)
	if status != http.StatusOK || out.Outcome != "committed" {
		t.Fatalf("status %d: %+v", status, out)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	cl := startCluster(t, 1, nil)
	srv := cl.servers[0]
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if srv.ListenerAddr() != nil {
		t.Fatal("listener still reported after shutdown")
	}
}
