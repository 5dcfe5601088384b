// Package txcore runs a small cluster of nodes that agree on record
// transactions and database lifecycle changes through a single coordinator
// using two-phase commit. Every node stores the records it participates in,
// keeps a durable operation log of the messages it has seen, and can accept
// client submissions which it forwards to the coordinator.
//
// # Running a server
//
//	cfg := txcore.DefaultConfig()
//	cfg.NodeName = "node-a"
//	cfg.Listen = ":9440"
//	cfg.Store = "bolt:///var/lib/txcore/oplog.db"
//	cfg.Peers = []txcore.Peer{
//	    {Name: "node-b", Endpoint: "http://10.0.0.2:9440"},
//	    {Name: "node-c", Endpoint: "http://10.0.0.3:9440"},
//	}
//	srv, err := txcore.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("txcore: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// Every node must list the same members. When Config.Coordinator is empty the
// lowest member name coordinates, so nodes agree without extra configuration.
//
// # Namespaces
//
// Two namespaces are hosted by every node:
//
//   - "txn" runs record transactions. The coordinator locks the records and
//     unique index keys a transaction touches, asks every participant to
//     prepare, and commits once a quorum agrees on the allocated record ids.
//   - "structural" creates and drops databases with the same prepare and
//     finalize exchange.
//
// Quorum is "majority" (default) or "all", always counted over the members
// involved in the request.
//
// # HTTP surface
//
// Nodes talk to each other by posting JSON envelopes under /v1/dtx/. Clients
// use:
//
//	POST   /v1/txn                 submit a transaction
//	POST   /v1/databases           create a database
//	GET    /v1/databases           list databases known to this node
//	DELETE /v1/databases/{name}    drop a database
//	GET    /healthz                node status
//
// The client package wraps these endpoints; cmd/txcore is the CLI.
//
// # Telemetry
//
// Logs go through pkt.systems/pslog. Setting Config.MetricsListen exposes
// OpenTelemetry metrics in Prometheus format, Config.OTLPEndpoint exports
// traces and Config.PprofListen starts a pprof listener.
package txcore
