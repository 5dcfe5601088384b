package txn

import (
	"slices"
	"sort"

	"pkt.systems/txcore/internal/coord"
	"pkt.systems/txcore/internal/lockmgr"
	"pkt.systems/txcore/internal/record"
	"pkt.systems/txcore/internal/svcfields"
)

// firstPhaseHandler tallies participant votes into success, per-record
// conflict, per-key violation and exception buckets, and sends exactly one
// second-phase decision.
type firstPhaseHandler struct {
	txID   string
	guards []lockmgr.Guard

	success    []*FirstPhaseResult
	conflicts  map[record.ID][]*FirstPhaseResult
	violations map[string][]*FirstPhaseResult
	exceptions []*FirstPhaseResult

	decided bool
}

func newFirstPhaseHandler(txID string, guards []lockmgr.Guard) *firstPhaseHandler {
	return &firstPhaseHandler{
		txID:       txID,
		guards:     guards,
		conflicts:  make(map[record.ID][]*FirstPhaseResult),
		violations: make(map[string][]*FirstPhaseResult),
	}
}

func (h *firstPhaseHandler) Receive(c *coord.Coordinator, rc *coord.RequestContext, from *coord.Member, resp coord.NodeResponse) bool {
	result, ok := resp.(*FirstPhaseResult)
	if !ok {
		result = Exception(errUnexpectedResponse(resp))
	}
	result = result.normalize()
	h.tally(result)

	logger := c.Logger().With(svcfields.LogIDKey, rc.LogID().String(), "tx_id", h.txID, svcfields.MemberKey, from.Name)
	switch result.Result {
	case ResultException:
		logger.Warn("txn.first_phase.exception", "error", result.Error)
	case ResultConcurrentModification, ResultUniqueKeyViolation:
		logger.Debug("txn.first_phase.conflict", "result", string(result.Result))
	}

	if !h.decided && rc.ResponseCount() >= rc.Quorum() {
		h.decide(c, rc)
	}
	return rc.Complete()
}

func (h *firstPhaseHandler) tally(result *FirstPhaseResult) {
	switch result.Result {
	case ResultSuccess:
		h.success = append(h.success, result)
	case ResultConcurrentModification:
		rid := result.Conflict.Record
		h.conflicts[rid] = append(h.conflicts[rid], result)
	case ResultUniqueKeyViolation:
		key := result.Violation.bucket()
		h.violations[key] = append(h.violations[key], result)
	default:
		h.exceptions = append(h.exceptions, result)
	}
}

func (h *firstPhaseHandler) decide(c *coord.Coordinator, rc *coord.RequestContext) {
	quorum := rc.Quorum()
	if len(h.success) >= quorum {
		h.commit(c, rc)
		return
	}
	if conflict := h.conflictAtQuorum(quorum); conflict != nil {
		h.abort(c, rc, &Response{TxID: h.txID, Outcome: OutcomeConcurrentModification, Conflict: conflict.Conflict})
		return
	}
	if violation := h.violationAtQuorum(quorum); violation != nil {
		h.abort(c, rc, &Response{TxID: h.txID, Outcome: OutcomeUniqueKeyViolation, Violation: violation.Violation})
		return
	}
	if len(h.success)+rc.Outstanding() < quorum {
		resp := &Response{TxID: h.txID, Outcome: OutcomeAborted, Message: "participants disagree; no outcome reached quorum"}
		if len(h.exceptions) > 0 {
			resp.Message = h.exceptions[0].Error
		}
		h.abort(c, rc, resp)
	}
}

// conflictAtQuorum returns a conflict whose record reached quorum, checking
// records in ascending order.
func (h *firstPhaseHandler) conflictAtQuorum(quorum int) *FirstPhaseResult {
	rids := make([]record.ID, 0, len(h.conflicts))
	for rid := range h.conflicts {
		rids = append(rids, rid)
	}
	slices.SortFunc(rids, record.Compare)
	for _, rid := range rids {
		if bucket := h.conflicts[rid]; len(bucket) >= quorum {
			return bucket[0]
		}
	}
	return nil
}

func (h *firstPhaseHandler) violationAtQuorum(quorum int) *FirstPhaseResult {
	keys := make([]string, 0, len(h.violations))
	for key := range h.violations {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if bucket := h.violations[key]; len(bucket) >= quorum {
			return bucket[0]
		}
	}
	return nil
}

func (h *firstPhaseHandler) commit(c *coord.Coordinator, rc *coord.RequestContext) {
	h.decided = true
	allocated := h.success[0].Allocated
	for _, other := range h.success[1:] {
		if !slices.Equal(other.Allocated, allocated) {
			c.Logger().Warn("txn.first_phase.allocation_divergence",
				svcfields.LogIDKey, rc.LogID().String(),
				"tx_id", h.txID,
				"chosen", allocated,
				"other", other.Allocated,
			)
			break
		}
	}
	c.Logger().Debug("txn.first_phase.commit", svcfields.LogIDKey, rc.LogID().String(), "tx_id", h.txID, "success", len(h.success))
	txnMetrics().recordDecision(c.Name(), "commit")
	c.SendOperation(rc.Submission(),
		&SecondPhaseRequest{TxID: h.txID, Commit: true, Allocated: allocated},
		&secondPhaseHandler{txID: h.txID, guards: h.guards, commit: true},
	)
}

// abort dispatches the rollback and tells the submitter why right away.
func (h *firstPhaseHandler) abort(c *coord.Coordinator, rc *coord.RequestContext, resp *Response) {
	h.decided = true
	c.Logger().Info("txn.first_phase.abort",
		svcfields.LogIDKey, rc.LogID().String(),
		"tx_id", h.txID,
		"outcome", string(resp.Outcome),
		"success", len(h.success),
		"conflicts", len(h.conflicts),
		"violations", len(h.violations),
		"exceptions", len(h.exceptions),
	)
	txnMetrics().recordDecision(c.Name(), "abort")
	c.SendOperation(rc.Submission(),
		&SecondPhaseRequest{TxID: h.txID, Commit: false},
		&secondPhaseHandler{txID: h.txID, guards: h.guards},
	)
	txnMetrics().recordOutcome(c.Name(), resp.Outcome)
	c.ReplyTo(rc.Submission(), resp)
}

// Timeout aborts an undecided transaction. Once decided, stragglers are no
// longer needed.
func (h *firstPhaseHandler) Timeout(c *coord.Coordinator, rc *coord.RequestContext) bool {
	if !h.decided {
		h.abort(c, rc, &Response{TxID: h.txID, Outcome: OutcomeTimedOut, Message: "first phase quorum not reached in time"})
	}
	return true
}

// DispatchFailed releases the locks taken by Begin and fails the submit.
func (h *firstPhaseHandler) DispatchFailed(c *coord.Coordinator, sub coord.Submission, err error) {
	releaseGuards(c, h.guards)
	c.Logger().Warn("txn.first_phase.dispatch_failed", "tx_id", h.txID, "error", err)
	txnMetrics().recordOutcome(c.Name(), OutcomeAborted)
	c.ReplyTo(sub, &Response{TxID: h.txID, Outcome: OutcomeAborted, Message: err.Error()})
}
