package coord

import (
	"time"

	"pkt.systems/txcore/internal/oplog"
)

// ResponseHandler drives one request context. Both methods run on the
// coordinator's executor. Returning true removes the context.
type ResponseHandler interface {
	// Receive is called once per participant response.
	Receive(c *Coordinator, rc *RequestContext, from *Member, resp NodeResponse) bool
	// Timeout is called on every check once the operation timeout elapsed.
	Timeout(c *Coordinator, rc *RequestContext) bool
}

// DispatchFailer is implemented by handlers that must clean up when their
// request could not be dispatched at all.
type DispatchFailer interface {
	DispatchFailed(c *Coordinator, sub Submission, err error)
}

// RequestContext is the coordinator's bookkeeping for one in-flight
// multi-node request. It is owned by the executor; handlers may read it
// freely during their callbacks.
type RequestContext struct {
	logID      oplog.ID
	submission Submission
	request    NodeRequest
	involved   []*Member
	handler    ResponseHandler
	responses  map[string]NodeResponse
	quorum     int
	started    time.Time
	stop       chan struct{}
}

// LogID is the operation-log id the request was dispatched under.
func (rc *RequestContext) LogID() oplog.ID { return rc.logID }

// Submission returns the originating submit request and submitter.
func (rc *RequestContext) Submission() Submission { return rc.submission }

// Request returns the broadcast node request.
func (rc *RequestContext) Request() NodeRequest { return rc.request }

// Involved returns the participant snapshot taken at dispatch.
func (rc *RequestContext) Involved() []*Member {
	out := make([]*Member, len(rc.involved))
	copy(out, rc.involved)
	return out
}

// Quorum is the number of responses needed for a decision.
func (rc *RequestContext) Quorum() int { return rc.quorum }

// ResponseCount is the number of distinct participants that answered.
func (rc *RequestContext) ResponseCount() int { return len(rc.responses) }

// Outstanding is the number of participants yet to answer.
func (rc *RequestContext) Outstanding() int { return len(rc.involved) - len(rc.responses) }

// Complete reports whether every participant answered.
func (rc *RequestContext) Complete() bool { return len(rc.responses) >= len(rc.involved) }

// Response returns the answer recorded for member, if any.
func (rc *RequestContext) Response(member string) (NodeResponse, bool) {
	resp, ok := rc.responses[member]
	return resp, ok
}

// Started is when the request was dispatched.
func (rc *RequestContext) Started() time.Time { return rc.started }

func (rc *RequestContext) member(name string) *Member {
	for _, m := range rc.involved {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// ContextInfo is a read-only snapshot of a RequestContext.
type ContextInfo struct {
	LogID        oplog.ID           `json:"log_id"`
	Kind         string             `json:"kind"`
	OperationID  SessionOperationID `json:"operation_id,omitempty"`
	Participants []string           `json:"participants"`
	Responses    int                `json:"responses"`
	Quorum       int                `json:"quorum"`
	Started      time.Time          `json:"started"`
}

func (rc *RequestContext) info() ContextInfo {
	names := make([]string, len(rc.involved))
	for i, m := range rc.involved {
		names[i] = m.Name
	}
	info := ContextInfo{
		LogID:        rc.logID,
		OperationID:  rc.submission.OperationID,
		Participants: names,
		Responses:    len(rc.responses),
		Quorum:       rc.quorum,
		Started:      rc.started,
	}
	if rc.request != nil {
		info.Kind = rc.request.Kind()
	}
	return info
}
