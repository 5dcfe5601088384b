// Package api holds the JSON shapes exchanged with a txcore server: the
// node-to-node envelope carried by the HTTP channel and the client-facing
// transaction and database requests.
package api

import "encoding/json"

// Envelope wraps every message sent between nodes on POST /v1/dtx/{request|response|submit|reply}.
type Envelope struct {
	// From names the sending node.
	From string `json:"from"`
	// Namespace selects the coordinator namespace (for example "txn" or "structural").
	Namespace string `json:"namespace"`
	// LogID is the coordinator operation-log id for node requests and responses.
	LogID uint64 `json:"log_id,omitempty"`
	// OperationID is the session operation id for submits and replies.
	OperationID string `json:"operation_id,omitempty"`
	// Kind names the message type inside the namespace registry.
	Kind string `json:"kind"`
	// Payload is the JSON encoding of the message itself.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable txcore error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
}

// TxnOperation is one record mutation in a TxnRequest.
type TxnOperation struct {
	// Type is create, update or delete.
	Type string `json:"type"`
	// ID is the record id in #cluster:position form. Creates use a temporary negative id.
	ID string `json:"id"`
	// Version is the record version the client read (updates and deletes).
	Version int32 `json:"version,omitempty"`
	// Class is the record class, used to pick the cluster for new records and to evaluate unique indexes.
	Class string `json:"class,omitempty"`
	// Data holds the record fields written by a create or update.
	Data map[string]any `json:"data,omitempty"`
}

// TxnRequest models the JSON payload for POST /v1/txn.
type TxnRequest struct {
	// TxID optionally names the transaction. Empty uses the session operation id.
	TxID string `json:"tx_id,omitempty"`
	// Operations lists the record mutations applied atomically.
	Operations []TxnOperation `json:"operations"`
	// TimeoutSeconds bounds how long the server waits for the outcome (0 uses the server default).
	TimeoutSeconds int64 `json:"timeout_seconds,omitempty"`
}

// TxnConflict describes a concurrent modification that aborted a transaction.
type TxnConflict struct {
	// Record is the record whose version did not match.
	Record string `json:"record"`
	// Expected is the version the transaction was built against.
	Expected int32 `json:"expected"`
	// Actual is the version found by the participants.
	Actual int32 `json:"actual"`
}

// TxnViolation describes a unique index violation that aborted a transaction.
type TxnViolation struct {
	// Index names the unique index.
	Index string `json:"index"`
	// Key is the duplicated index key.
	Key string `json:"key"`
	// Conflicting lists the records already holding the key.
	Conflicting []string `json:"conflicting,omitempty"`
}

// TxnResponse reports the outcome of a transaction.
type TxnResponse struct {
	// TxID identifies the transaction.
	TxID string `json:"tx_id"`
	// OperationID is the session operation id the server minted for the submit.
	OperationID string `json:"operation_id,omitempty"`
	// Outcome is committed, concurrent_modification, unique_key_violation, aborted, timed_out or unknown.
	Outcome string `json:"outcome"`
	// Created lists the ids allocated for created records.
	Created []string `json:"created,omitempty"`
	// Updated lists updated record ids.
	Updated []string `json:"updated,omitempty"`
	// Deleted lists deleted record ids.
	Deleted []string `json:"deleted,omitempty"`
	// Conflict is set for concurrent_modification.
	Conflict *TxnConflict `json:"conflict,omitempty"`
	// Violation is set for unique_key_violation.
	Violation *TxnViolation `json:"violation,omitempty"`
	// Message carries failure detail.
	Message string `json:"message,omitempty"`
}

// DatabaseRequest models the JSON payload for POST /v1/databases.
type DatabaseRequest struct {
	// Name is the database to create.
	Name string `json:"name"`
}

// DatabaseResponse reports the outcome of a create or drop.
type DatabaseResponse struct {
	// Action is create or drop.
	Action string `json:"action"`
	// Database names the database.
	Database string `json:"database"`
	// OperationID is the session operation id the server minted for the submit.
	OperationID string `json:"operation_id,omitempty"`
	// Outcome is completed, failed, timed_out or unknown.
	Outcome string `json:"outcome"`
	// Message carries failure detail.
	Message string `json:"message,omitempty"`
}

// DatabaseListResponse is returned by GET /v1/databases.
type DatabaseListResponse struct {
	// Databases lists the local catalog in name order.
	Databases []string `json:"databases"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	// Node names the answering node.
	Node string `json:"node"`
	// Version is the server build version.
	Version string `json:"version"`
	// Namespaces maps each coordinator namespace to the node that coordinates it.
	Namespaces map[string]string `json:"namespaces"`
	// OpenContexts counts unresolved request contexts per namespace coordinated here.
	OpenContexts map[string]int `json:"open_contexts,omitempty"`
}
