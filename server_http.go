package txcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pkt.systems/txcore/api"
	"pkt.systems/txcore/internal/coord"
	"pkt.systems/txcore/internal/node"
	"pkt.systems/txcore/internal/record"
	"pkt.systems/txcore/internal/structural"
	"pkt.systems/txcore/internal/txn"
	"pkt.systems/txcore/internal/version"
)

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

func (s *Server) handleTxn(w http.ResponseWriter, r *http.Request) {
	var req api.TxnRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.handleError(w, err)
		return
	}
	submit, err := txnSubmitFromAPI(req)
	if err != nil {
		s.handleError(w, httpError{Status: http.StatusBadRequest, Code: "invalid_operation", Detail: err.Error()})
		return
	}
	submit.IndexKeys = s.store.UniqueKeys(submit.Operations)
	timeout := s.cfg.SubmitTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	opID, reply, err := s.submit(r.Context(), NamespaceTxn, submit, timeout)
	if err != nil {
		s.handleError(w, err)
		return
	}
	resp, ok := reply.(*txn.Response)
	if !ok {
		s.handleError(w, httpError{Status: http.StatusBadGateway, Code: "unexpected_reply", Detail: reply.Kind()})
		return
	}
	out := txnResponseToAPI(resp)
	out.OperationID = opID.String()
	writeJSON(w, txnStatus(resp.Outcome), out)
}

func (s *Server) handleCreateDatabase(w http.ResponseWriter, r *http.Request) {
	var req api.DatabaseRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.handleError(w, err)
		return
	}
	s.runStructural(w, r, &structural.CreateDatabase{Name: req.Name}, req.Name)
}

func (s *Server) handleDropDatabase(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.runStructural(w, r, &structural.DropDatabase{Name: name}, name)
}

func (s *Server) runStructural(w http.ResponseWriter, r *http.Request, req coord.SubmitRequest, name string) {
	if err := structural.ValidateName(name); err != nil {
		s.handleError(w, httpError{Status: http.StatusBadRequest, Code: "invalid_database", Detail: err.Error()})
		return
	}
	opID, reply, err := s.submit(r.Context(), NamespaceStructural, req, s.cfg.SubmitTimeout)
	if err != nil {
		s.handleError(w, err)
		return
	}
	resp, ok := reply.(*structural.Response)
	if !ok {
		s.handleError(w, httpError{Status: http.StatusBadGateway, Code: "unexpected_reply", Detail: reply.Kind()})
		return
	}
	status := http.StatusOK
	switch resp.Outcome {
	case structural.OutcomeFailed:
		status = http.StatusConflict
	case structural.OutcomeTimedOut, structural.OutcomeUnknown:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, api.DatabaseResponse{
		Action:      string(resp.Action),
		Database:    resp.Database,
		OperationID: opID.String(),
		Outcome:     string(resp.Outcome),
		Message:     resp.Message,
	})
}

func (s *Server) handleListDatabases(w http.ResponseWriter, _ *http.Request) {
	dbs := s.catalog.Databases()
	out := api.DatabaseListResponse{Databases: make([]string, 0, len(dbs))}
	for _, db := range dbs {
		out.Databases = append(out.Databases, db.Name)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	out := api.HealthResponse{
		Node:       s.cfg.NodeName,
		Version:    version.Current(),
		Namespaces: s.node.Namespaces(),
	}
	if len(s.coords) > 0 {
		out.OpenContexts = make(map[string]int, len(s.coords))
		for ns, c := range s.coords {
			out.OpenContexts[ns] = len(c.Contexts())
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) submit(ctx context.Context, ns string, req coord.SubmitRequest, timeout time.Duration) (coord.SessionOperationID, coord.SubmitResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	opID, reply, err := s.node.Submit(ctx, ns, req)
	switch {
	case err == nil:
		return opID, reply, nil
	case errors.Is(err, node.ErrNoReply):
		return opID, nil, httpError{Status: http.StatusGatewayTimeout, Code: "no_reply", Detail: fmt.Sprintf("operation %s: %v", opID, err)}
	default:
		return opID, nil, httpError{Status: http.StatusServiceUnavailable, Code: "submit_failed", Detail: err.Error()}
	}
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httpError{Status: http.StatusRequestEntityTooLarge, Code: "body_too_large", Detail: err.Error()}
		}
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	return nil
}

func (s *Server) handleError(w http.ResponseWriter, err error) {
	var httpErr httpError
	if !errors.As(err, &httpErr) {
		httpErr = httpError{Status: http.StatusInternalServerError, Code: "internal_error", Detail: err.Error()}
	}
	s.logger.Debug("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail)
	writeJSON(w, httpErr.Status, api.ErrorResponse{ErrorCode: httpErr.Code, Detail: httpErr.Detail})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func txnStatus(outcome txn.Outcome) int {
	switch outcome {
	case txn.OutcomeCommitted:
		return http.StatusOK
	case txn.OutcomeTimedOut, txn.OutcomeUnknown:
		return http.StatusGatewayTimeout
	default:
		return http.StatusConflict
	}
}

func txnSubmitFromAPI(req api.TxnRequest) (*txn.Submit, error) {
	submit := &txn.Submit{TxID: req.TxID, Operations: make([]txn.RecordOperation, 0, len(req.Operations))}
	for i, op := range req.Operations {
		typ, err := txn.ParseOpType(op.Type)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		id, err := record.Parse(op.ID)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		if typ == txn.OpCreate && id.IsPersistent() {
			return nil, fmt.Errorf("operation %d: create must use a temporary id, got %s", i, id)
		}
		if typ != txn.OpCreate && !id.IsPersistent() {
			return nil, fmt.Errorf("operation %d: %s of temporary id %s", i, typ, id)
		}
		submit.Operations = append(submit.Operations, txn.RecordOperation{
			Type:    typ,
			ID:      id,
			Version: record.Version(op.Version),
			Class:   op.Class,
			Data:    op.Data,
		})
	}
	return submit, nil
}

func txnResponseToAPI(resp *txn.Response) api.TxnResponse {
	out := api.TxnResponse{
		TxID:    resp.TxID,
		Outcome: string(resp.Outcome),
		Created: idStrings(resp.Created),
		Updated: idStrings(resp.Updated),
		Deleted: idStrings(resp.Deleted),
		Message: resp.Message,
	}
	if c := resp.Conflict; c != nil {
		out.Conflict = &api.TxnConflict{Record: c.Record.String(), Expected: int32(c.Expected), Actual: int32(c.Actual)}
	}
	if v := resp.Violation; v != nil {
		out.Violation = &api.TxnViolation{Index: v.Index, Key: v.Key, Conflicting: idStrings(v.Conflicting)}
	}
	return out
}

func idStrings(ids []record.ID) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
