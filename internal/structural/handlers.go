package structural

import (
	"pkt.systems/txcore/internal/coord"
	"pkt.systems/txcore/internal/lockmgr"
	"pkt.systems/txcore/internal/svcfields"
)

// prepareHandler collects prepare votes. The whole operation either succeeds
// on a quorum of members or is rolled back everywhere.
type prepareHandler struct {
	action   Action
	database string
	guards   []lockmgr.Guard

	ok       int
	failed   int
	firstErr string
	decided  bool
}

func (h *prepareHandler) Receive(c *coord.Coordinator, rc *coord.RequestContext, from *coord.Member, resp coord.NodeResponse) bool {
	vote, isVote := resp.(*PrepareResponse)
	switch {
	case isVote && vote.OK:
		h.ok++
	default:
		h.failed++
		msg := "unexpected response"
		if isVote {
			msg = vote.Error
		}
		if h.firstErr == "" {
			h.firstErr = msg
		}
		c.Logger().Info("structural.prepare.rejected", svcfields.LogIDKey, rc.LogID().String(), svcfields.MemberKey, from.Name, "database", h.database, "error", msg)
	}
	if !h.decided && rc.ResponseCount() >= rc.Quorum() {
		switch {
		case h.ok >= rc.Quorum():
			h.finalize(c, rc, true)
		case h.failed >= rc.Quorum() || h.ok+rc.Outstanding() < rc.Quorum():
			h.finalize(c, rc, false)
			c.ReplyTo(rc.Submission(), &Response{Action: h.action, Database: h.database, Outcome: OutcomeFailed, Message: h.firstErr})
		}
	}
	return rc.Complete()
}

func (h *prepareHandler) finalize(c *coord.Coordinator, rc *coord.RequestContext, commit bool) {
	h.decided = true
	structuralMetrics().recordDecision(h.action, commit)
	c.Logger().Info("structural.decide", svcfields.LogIDKey, rc.LogID().String(), "action", string(h.action), "database", h.database, "commit", commit, "ok", h.ok, "failed", h.failed)
	c.SendOperation(rc.Submission(),
		&FinalizeRequest{OperationID: rc.Submission().OperationID.String(), Action: h.action, Database: h.database, Commit: commit},
		&finalizeHandler{action: h.action, database: h.database, guards: h.guards, commit: commit},
	)
}

func (h *prepareHandler) Timeout(c *coord.Coordinator, rc *coord.RequestContext) bool {
	if !h.decided {
		h.finalize(c, rc, false)
		c.ReplyTo(rc.Submission(), &Response{Action: h.action, Database: h.database, Outcome: OutcomeTimedOut, Message: "prepare quorum not reached in time"})
	}
	return true
}

func (h *prepareHandler) DispatchFailed(c *coord.Coordinator, sub coord.Submission, err error) {
	release(c, h.guards)
	c.ReplyTo(sub, &Response{Action: h.action, Database: h.database, Outcome: OutcomeFailed, Message: err.Error()})
}

// finalizeHandler waits for a quorum of acknowledgements, releases the
// database lock and, for a commit, reports completion.
type finalizeHandler struct {
	action   Action
	database string
	guards   []lockmgr.Guard
	commit   bool

	errors   int
	released bool
}

func (h *finalizeHandler) Receive(c *coord.Coordinator, rc *coord.RequestContext, from *coord.Member, resp coord.NodeResponse) bool {
	if ack, ok := resp.(*FinalizeResponse); !ok || ack.Error != "" {
		h.errors++
		c.Logger().Warn("structural.finalize.member_error", svcfields.LogIDKey, rc.LogID().String(), svcfields.MemberKey, from.Name, "database", h.database)
	}
	if !h.released && rc.ResponseCount() >= rc.Quorum() {
		h.released = true
		release(c, h.guards)
		if h.commit {
			c.ReplyTo(rc.Submission(), &Response{Action: h.action, Database: h.database, Outcome: OutcomeCompleted})
		}
	}
	return rc.Complete()
}

func (h *finalizeHandler) Timeout(c *coord.Coordinator, rc *coord.RequestContext) bool {
	if !h.released {
		h.released = true
		release(c, h.guards)
		if h.commit {
			c.ReplyTo(rc.Submission(), &Response{Action: h.action, Database: h.database, Outcome: OutcomeUnknown, Message: "finalize not confirmed by quorum"})
		}
	}
	return true
}

func (h *finalizeHandler) DispatchFailed(c *coord.Coordinator, sub coord.Submission, err error) {
	h.released = true
	release(c, h.guards)
	if h.commit {
		c.ReplyTo(sub, &Response{Action: h.action, Database: h.database, Outcome: OutcomeUnknown, Message: err.Error()})
	}
}

func release(c *coord.Coordinator, guards []lockmgr.Guard) {
	if len(guards) == 0 || c.Locks() == nil {
		return
	}
	c.Locks().Unlock(guards)
}
