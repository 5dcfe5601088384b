package coord

import (
	"context"

	"github.com/google/uuid"

	"pkt.systems/txcore/internal/oplog"
)

// SessionOperationID follows one submitted operation end to end. The
// client-facing node mints it; replies are matched back to the waiting
// submitter with it.
type SessionOperationID string

// NewSessionOperationID returns a time-ordered UUIDv7 identifier.
func NewSessionOperationID() SessionOperationID {
	id, err := uuid.NewV7()
	if err != nil {
		return SessionOperationID(uuid.NewString())
	}
	return SessionOperationID(id.String())
}

func (id SessionOperationID) String() string { return string(id) }

// Channel delivers messages to one member. Every call is one-way: delivery is
// at most once and implementations must not block on the receiving
// coordinator's executor.
type Channel interface {
	SendRequest(ctx context.Context, id oplog.ID, req NodeRequest) error
	SendResponse(ctx context.Context, id oplog.ID, resp NodeResponse) error
	Submit(ctx context.Context, opID SessionOperationID, req SubmitRequest) error
	Reply(ctx context.Context, opID SessionOperationID, resp SubmitResponse) error
}

// Member is a cluster node as seen by a coordinator.
type Member struct {
	Name    string
	Channel Channel
}
