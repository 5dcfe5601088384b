package txn

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/txcore/internal/coord"
	"pkt.systems/txcore/internal/record"
	"pkt.systems/txcore/internal/svcfields"
)

// Store is the participant-side storage contract. Prepare validates and
// stages a transaction; a conflict is a result, not an error. Commit applies
// the staged writes using the coordinator's allocated ids; Abort discards
// them.
type Store interface {
	Prepare(ctx context.Context, txID string, ops []RecordOperation) (*FirstPhaseResult, error)
	Commit(ctx context.Context, txID string, allocated []record.ID) (*SecondPhaseResponse, error)
	Abort(ctx context.Context, txID string) error
}

// Participant executes transaction node requests against a Store. It is the
// boundary where local errors and panics become EXCEPTION votes.
type Participant struct {
	store  Store
	logger pslog.Logger
	tracer trace.Tracer
}

// NewParticipant wraps store.
func NewParticipant(store Store, logger pslog.Logger) *Participant {
	return &Participant{
		store:  store,
		logger: svcfields.WithSubsystem(logger, "txn.participant"),
		tracer: otel.Tracer("pkt.systems/txcore/txn"),
	}
}

// Execute runs req and always returns exactly one response.
func (p *Participant) Execute(ctx context.Context, from string, req coord.NodeRequest) (resp coord.NodeResponse) {
	kind := "<nil>"
	if req != nil {
		kind = req.Kind()
	}
	ctx, span := p.tracer.Start(ctx, "txn.participant.execute", trace.WithAttributes(
		attribute.String("txcore.message.kind", kind),
		attribute.String("txcore.member", from),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("txn: participant panic: %v", r)
			p.logger.Error("txn.participant.panic", svcfields.KindKey, kind, "panic", r, "stack", string(debug.Stack()))
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
			resp = p.failure(req, err)
			txnMetrics().recordExecuted(ctx, kind, "panic")
		}
	}()

	switch r := req.(type) {
	case *FirstPhaseRequest:
		result, err := p.store.Prepare(ctx, r.TxID, r.Operations)
		if err != nil {
			p.logger.Warn("txn.participant.prepare_failed", "tx_id", r.TxID, "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "prepare failed")
			txnMetrics().recordExecuted(ctx, kind, string(ResultException))
			return Exception(err)
		}
		result = result.normalize()
		txnMetrics().recordExecuted(ctx, kind, string(result.Result))
		return result
	case *SecondPhaseRequest:
		if !r.Commit {
			if err := p.store.Abort(ctx, r.TxID); err != nil {
				p.logger.Warn("txn.participant.abort_failed", "tx_id", r.TxID, "error", err)
				txnMetrics().recordExecuted(ctx, kind, "error")
				return &SecondPhaseResponse{Error: err.Error()}
			}
			txnMetrics().recordExecuted(ctx, kind, "aborted")
			return &SecondPhaseResponse{}
		}
		result, err := p.store.Commit(ctx, r.TxID, r.Allocated)
		if err != nil {
			p.logger.Error("txn.participant.commit_failed", "tx_id", r.TxID, "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "commit failed")
			txnMetrics().recordExecuted(ctx, kind, "error")
			return &SecondPhaseResponse{Error: err.Error()}
		}
		if result == nil {
			result = &SecondPhaseResponse{}
		}
		txnMetrics().recordExecuted(ctx, kind, "committed")
		return result
	default:
		err := fmt.Errorf("txn: participant cannot execute %s", kind)
		p.logger.Error("txn.participant.unsupported", svcfields.KindKey, kind)
		return p.failure(req, err)
	}
}

func (p *Participant) failure(req coord.NodeRequest, err error) coord.NodeResponse {
	if _, ok := req.(*SecondPhaseRequest); ok {
		return &SecondPhaseResponse{Error: err.Error()}
	}
	return Exception(err)
}
