package txn

import (
	"context"

	"pkt.systems/txcore/internal/coord"
	"pkt.systems/txcore/internal/lockmgr"
	"pkt.systems/txcore/internal/record"
	"pkt.systems/txcore/internal/svcfields"
)

// Submit is a client transaction forwarded to the coordinator node.
// IndexKeys are the unique index entries the transaction writes; they are
// locked alongside the updated and deleted records.
type Submit struct {
	TxID       string             `json:"tx_id,omitempty"`
	Operations []RecordOperation  `json:"operations"`
	IndexKeys  []lockmgr.IndexKey `json:"index_keys,omitempty"`
}

func (*Submit) Kind() string { return KindSubmit }

// LockedRecords returns the records that must be owned before dispatch.
func (s *Submit) LockedRecords() []record.ID {
	var ids []record.ID
	for _, op := range s.Operations {
		if op.locksRecord() {
			ids = append(ids, op.ID)
		}
	}
	return record.SortedSet(ids)
}

// Begin locks the transaction's records and unique keys, then dispatches the
// first phase. With a contended lock the dispatch happens later, from the
// goroutine that releases it.
func (s *Submit) Begin(_ context.Context, c *coord.Coordinator, sub coord.Submission) {
	txID := s.TxID
	if txID == "" {
		txID = sub.OperationID.String()
	}
	logger := c.Logger().With(svcfields.OperationKey, sub.OperationID.String(), "tx_id", txID)
	if len(s.Operations) == 0 {
		logger.Info("txn.submit.empty")
		c.ReplyTo(sub, &Response{TxID: txID, Outcome: OutcomeAborted, Message: "transaction has no operations"})
		return
	}
	request := &FirstPhaseRequest{TxID: txID, Operations: s.Operations}
	start := func(guards []lockmgr.Guard) {
		logger.Debug("txn.first_phase.dispatch", "operations", len(s.Operations), "guards", len(guards))
		c.SendOperation(sub, request, newFirstPhaseHandler(txID, guards))
	}
	locks := c.Locks()
	if locks == nil {
		start(nil)
		return
	}
	locks.Acquire(s.LockedRecords(), s.IndexKeys, start)
}

// releaseGuards returns guards to the coordinator's lock manager.
func releaseGuards(c *coord.Coordinator, guards []lockmgr.Guard) {
	if len(guards) == 0 || c.Locks() == nil {
		return
	}
	c.Locks().Unlock(guards)
}
