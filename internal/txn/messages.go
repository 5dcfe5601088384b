// Package txn implements the two-phase record transaction protocol on top of
// the coordinator: the submit request that locks and dispatches, the first
// and second phase messages, and the response handlers that aggregate
// participant votes into a commit or abort decision.
package txn

import (
	"pkt.systems/txcore/internal/coord"
	"pkt.systems/txcore/internal/record"
)

// Message kinds registered by Register.
const (
	KindSubmit            = "txn.submit"
	KindFirstPhase        = "txn.first_phase"
	KindFirstPhaseResult  = "txn.first_phase_result"
	KindSecondPhase       = "txn.second_phase"
	KindSecondPhaseResult = "txn.second_phase_result"
	KindResponse          = "txn.response"
)

// OpType is the mutation a RecordOperation performs.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// RecordOperation is one record mutation inside a transaction. Creates carry
// a temporary (non-persistent) ID; updates and deletes carry the version the
// client read.
type RecordOperation struct {
	Type    OpType         `json:"type"`
	ID      record.ID      `json:"id"`
	Version record.Version `json:"version,omitempty"`
	Class   string         `json:"class,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// locksRecord reports whether the operation touches an existing record.
func (op RecordOperation) locksRecord() bool {
	return op.Type == OpUpdate || op.Type == OpDelete
}

// FirstPhaseRequest asks every participant to validate and stage the
// transaction.
type FirstPhaseRequest struct {
	TxID       string            `json:"tx_id"`
	Operations []RecordOperation `json:"operations"`
}

func (*FirstPhaseRequest) Kind() string { return KindFirstPhase }

// SecondPhaseRequest carries the coordinator's decision. Allocated lists the
// ids chosen for created records when committing.
type SecondPhaseRequest struct {
	TxID      string      `json:"tx_id"`
	Commit    bool        `json:"commit"`
	Allocated []record.ID `json:"allocated,omitempty"`
}

func (*SecondPhaseRequest) Kind() string { return KindSecondPhase }

// SecondPhaseResponse is a participant's finalized outcome.
type SecondPhaseResponse struct {
	Created []record.ID `json:"created,omitempty"`
	Updated []record.ID `json:"updated,omitempty"`
	Deleted []record.ID `json:"deleted,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (*SecondPhaseResponse) Kind() string { return KindSecondPhaseResult }

// Outcome is what the submitter is finally told.
type Outcome string

const (
	OutcomeCommitted              Outcome = "committed"
	OutcomeConcurrentModification Outcome = "concurrent_modification"
	OutcomeUniqueKeyViolation     Outcome = "unique_key_violation"
	OutcomeAborted                Outcome = "aborted"
	OutcomeTimedOut               Outcome = "timed_out"
	// OutcomeUnknown means commit was decided but too few participants
	// confirmed it before the operation timed out.
	OutcomeUnknown Outcome = "unknown"
)

// Response answers a Submit.
type Response struct {
	TxID      string                  `json:"tx_id"`
	Outcome   Outcome                 `json:"outcome"`
	Created   []record.ID             `json:"created,omitempty"`
	Updated   []record.ID             `json:"updated,omitempty"`
	Deleted   []record.ID             `json:"deleted,omitempty"`
	Conflict  *ConcurrentModification `json:"conflict,omitempty"`
	Violation *UniqueKeyViolation     `json:"violation,omitempty"`
	Message   string                  `json:"message,omitempty"`
}

func (*Response) Kind() string { return KindResponse }

// Committed reports whether the transaction was applied.
func (r *Response) Committed() bool { return r != nil && r.Outcome == OutcomeCommitted }

// Register adds every transaction message kind to reg.
func Register(reg *coord.Registry) {
	reg.MustRegister(KindSubmit, func() coord.Message { return &Submit{} })
	reg.MustRegister(KindFirstPhase, func() coord.Message { return &FirstPhaseRequest{} })
	reg.MustRegister(KindFirstPhaseResult, func() coord.Message { return &FirstPhaseResult{} })
	reg.MustRegister(KindSecondPhase, func() coord.Message { return &SecondPhaseRequest{} })
	reg.MustRegister(KindSecondPhaseResult, func() coord.Message { return &SecondPhaseResponse{} })
	reg.MustRegister(KindResponse, func() coord.Message { return &Response{} })
}
