// Package client is the Go SDK for a txcore cluster. Any node accepts
// transactions and database changes and forwards them to the coordinator, so
// a client can be pointed at several nodes and uses the first one that
// accepts a connection.
//
//	cli, err := client.New("http://node-a:9440,http://node-b:9440")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	resp, err := cli.SubmitTxn(ctx, api.TxnRequest{
//	    Operations: []api.TxnOperation{{
//	        Type:  "create",
//	        ID:    "#-1:-2",
//	        Class: "Person",
//	        Data:  map[string]any{"email": "ada@example.com"},
//	    }},
//	})
//	if err != nil {
//	    log.Fatal(err) // no outcome: unreachable, rejected or no reply
//	}
//	if resp.Outcome != "committed" {
//	    log.Printf("transaction %s: %s", resp.TxID, resp.Outcome)
//	}
//
// Requests that reach a node but are refused surface as *APIError. Protocol
// outcomes such as concurrent_modification or unique_key_violation are not
// errors; they come back in the response.
//
// Pass a pslog logger with WithLogger to capture request diagnostics.
package client
