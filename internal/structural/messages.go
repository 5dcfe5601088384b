// Package structural runs cluster-wide database lifecycle operations (create
// and drop database) through the same coordinator state machine as record
// transactions, with its own namespace, members and locks.
package structural

import (
	"context"
	"fmt"
	"strings"

	"pkt.systems/txcore/internal/coord"
	"pkt.systems/txcore/internal/lockmgr"
	"pkt.systems/txcore/internal/svcfields"
)

// Message kinds registered by Register.
const (
	KindCreateDatabase = "structural.create_database"
	KindDropDatabase   = "structural.drop_database"
	KindPrepare        = "structural.prepare"
	KindPrepareResult  = "structural.prepare_result"
	KindFinalize       = "structural.finalize"
	KindFinalizeResult = "structural.finalize_result"
	KindResponse       = "structural.response"
)

// Action is the lifecycle change being coordinated.
type Action string

const (
	ActionCreate Action = "create"
	ActionDrop   Action = "drop"
)

// Outcome is what the submitter is finally told.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeUnknown   Outcome = "unknown"
)

// CreateDatabase asks the cluster to create a database on every member.
type CreateDatabase struct {
	Name string `json:"name"`
}

func (*CreateDatabase) Kind() string { return KindCreateDatabase }

// Begin starts the create.
func (r *CreateDatabase) Begin(ctx context.Context, c *coord.Coordinator, sub coord.Submission) {
	begin(ctx, c, sub, ActionCreate, r.Name)
}

// DropDatabase asks the cluster to drop a database on every member.
type DropDatabase struct {
	Name string `json:"name"`
}

func (*DropDatabase) Kind() string { return KindDropDatabase }

// Begin starts the drop.
func (r *DropDatabase) Begin(ctx context.Context, c *coord.Coordinator, sub coord.Submission) {
	begin(ctx, c, sub, ActionDrop, r.Name)
}

// PrepareRequest asks a member to check and reserve the change.
type PrepareRequest struct {
	OperationID string `json:"operation_id"`
	Action      Action `json:"action"`
	Database    string `json:"database"`
}

func (*PrepareRequest) Kind() string { return KindPrepare }

// PrepareResponse is a member's vote.
type PrepareResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (*PrepareResponse) Kind() string { return KindPrepareResult }

// FinalizeRequest applies (Commit) or rolls back a prepared change.
type FinalizeRequest struct {
	OperationID string `json:"operation_id"`
	Action      Action `json:"action"`
	Database    string `json:"database"`
	Commit      bool   `json:"commit"`
}

func (*FinalizeRequest) Kind() string { return KindFinalize }

// FinalizeResponse acknowledges a FinalizeRequest.
type FinalizeResponse struct {
	Error string `json:"error,omitempty"`
}

func (*FinalizeResponse) Kind() string { return KindFinalizeResult }

// Response answers CreateDatabase and DropDatabase.
type Response struct {
	Action   Action  `json:"action"`
	Database string  `json:"database"`
	Outcome  Outcome `json:"outcome"`
	Message  string  `json:"message,omitempty"`
}

func (*Response) Kind() string { return KindResponse }

// Register adds every structural message kind to reg.
func Register(reg *coord.Registry) {
	reg.MustRegister(KindCreateDatabase, func() coord.Message { return &CreateDatabase{} })
	reg.MustRegister(KindDropDatabase, func() coord.Message { return &DropDatabase{} })
	reg.MustRegister(KindPrepare, func() coord.Message { return &PrepareRequest{} })
	reg.MustRegister(KindPrepareResult, func() coord.Message { return &PrepareResponse{} })
	reg.MustRegister(KindFinalize, func() coord.Message { return &FinalizeRequest{} })
	reg.MustRegister(KindFinalizeResult, func() coord.Message { return &FinalizeResponse{} })
	reg.MustRegister(KindResponse, func() coord.Message { return &Response{} })
}

// ValidateName rejects database names that cannot be used as identifiers.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("structural: database name required")
	}
	if strings.ContainsAny(name, "/\\ \t\n") {
		return fmt.Errorf("structural: invalid database name %q", name)
	}
	return nil
}

// databaseKey serializes lifecycle operations on one database name.
func databaseKey(name string) lockmgr.IndexKey {
	return lockmgr.IndexKey{Index: "database", Key: name}
}

func begin(_ context.Context, c *coord.Coordinator, sub coord.Submission, action Action, name string) {
	if err := ValidateName(name); err != nil {
		c.ReplyTo(sub, &Response{Action: action, Database: name, Outcome: OutcomeFailed, Message: err.Error()})
		return
	}
	opID := sub.OperationID.String()
	c.Logger().Info("structural.begin", svcfields.OperationKey, opID, "action", string(action), "database", name)
	start := func(guards []lockmgr.Guard) {
		h := &prepareHandler{action: action, database: name, guards: guards}
		c.SendOperation(sub, &PrepareRequest{OperationID: opID, Action: action, Database: name}, h)
	}
	if c.Locks() == nil {
		start(nil)
		return
	}
	c.Locks().Acquire(nil, []lockmgr.IndexKey{databaseKey(name)}, start)
}
