package txn

import (
	"fmt"
	"slices"

	"pkt.systems/txcore/internal/coord"
	"pkt.systems/txcore/internal/lockmgr"
	"pkt.systems/txcore/internal/record"
	"pkt.systems/txcore/internal/svcfields"
)

// secondPhaseHandler counts commit/abort acknowledgements. On first reaching
// quorum it releases the transaction's guards and, for a commit, answers the
// submitter with the aggregated record sets.
type secondPhaseHandler struct {
	txID   string
	guards []lockmgr.Guard
	commit bool

	created, updated, deleted []record.ID
	failures                  int

	// stored is the first participant's created ids; the others should
	// match it.
	stored      []record.ID
	storedKnown bool

	released bool
}

func (h *secondPhaseHandler) Receive(c *coord.Coordinator, rc *coord.RequestContext, from *coord.Member, resp coord.NodeResponse) bool {
	if result, ok := resp.(*SecondPhaseResponse); ok && result != nil {
		if h.commit && result.Error == "" {
			h.compareCreated(c, rc, from, result.Created)
		}
		h.created = append(h.created, result.Created...)
		h.updated = append(h.updated, result.Updated...)
		h.deleted = append(h.deleted, result.Deleted...)
		if result.Error != "" {
			h.failures++
			c.Logger().Warn("txn.second_phase.participant_error", svcfields.LogIDKey, rc.LogID().String(), "tx_id", h.txID, svcfields.MemberKey, from.Name, "error", result.Error)
		}
	} else {
		h.failures++
		c.Logger().Error("txn.second_phase.unexpected_response", svcfields.LogIDKey, rc.LogID().String(), svcfields.MemberKey, from.Name, "error", errUnexpectedResponse(resp))
	}
	if !h.released && rc.ResponseCount() >= rc.Quorum() {
		h.release(c)
		if h.commit {
			resp := &Response{
				TxID:    h.txID,
				Outcome: OutcomeCommitted,
				Created: record.SortedSet(h.created),
				Updated: record.SortedSet(h.updated),
				Deleted: record.SortedSet(h.deleted),
			}
			c.Logger().Info("txn.committed", svcfields.LogIDKey, rc.LogID().String(), "tx_id", h.txID, "created", len(resp.Created), "updated", len(resp.Updated), "deleted", len(resp.Deleted))
			txnMetrics().recordOutcome(c.Name(), OutcomeCommitted)
			c.ReplyTo(rc.Submission(), resp)
		}
	}
	return rc.Complete()
}

func (h *secondPhaseHandler) compareCreated(c *coord.Coordinator, rc *coord.RequestContext, from *coord.Member, created []record.ID) {
	created = record.SortedSet(created)
	if !h.storedKnown {
		h.stored, h.storedKnown = created, true
		return
	}
	if !slices.Equal(h.stored, created) {
		c.Logger().Warn("txn.second_phase.created_divergence", svcfields.LogIDKey, rc.LogID().String(), "tx_id", h.txID, svcfields.MemberKey, from.Name, "expected", h.stored, "stored", created)
	}
}

func (h *secondPhaseHandler) release(c *coord.Coordinator) {
	h.released = true
	releaseGuards(c, h.guards)
}

// Timeout gives up on missing acknowledgements. A commit that never reached
// quorum is reported as unknown.
func (h *secondPhaseHandler) Timeout(c *coord.Coordinator, rc *coord.RequestContext) bool {
	if h.released {
		return true
	}
	h.release(c)
	if h.commit {
		c.Logger().Warn("txn.second_phase.timeout", svcfields.LogIDKey, rc.LogID().String(), "tx_id", h.txID, "responses", rc.ResponseCount(), "quorum", rc.Quorum())
		txnMetrics().recordOutcome(c.Name(), OutcomeUnknown)
		c.ReplyTo(rc.Submission(), &Response{TxID: h.txID, Outcome: OutcomeUnknown, Message: "commit decided but not confirmed by quorum"})
	}
	return true
}

func (h *secondPhaseHandler) DispatchFailed(c *coord.Coordinator, sub coord.Submission, err error) {
	h.release(c)
	c.Logger().Error("txn.second_phase.dispatch_failed", "tx_id", h.txID, "commit", h.commit, "error", err)
	if h.commit {
		txnMetrics().recordOutcome(c.Name(), OutcomeUnknown)
		c.ReplyTo(sub, &Response{TxID: h.txID, Outcome: OutcomeUnknown, Message: err.Error()})
	}
}

func errUnexpectedResponse(resp coord.NodeResponse) error {
	if resp == nil {
		return fmt.Errorf("txn: nil response")
	}
	return fmt.Errorf("txn: unexpected response kind %q", resp.Kind())
}
