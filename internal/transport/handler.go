package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"

	"pkt.systems/txcore/api"
	"pkt.systems/txcore/internal/coord"
	"pkt.systems/txcore/internal/oplog"
	"pkt.systems/txcore/internal/svcfields"
)

// Channel endpoints served by Handler.
const (
	PathPrefix   = "/v1/dtx/"
	PathRequest  = PathPrefix + "request"
	PathResponse = PathPrefix + "response"
	PathSubmit   = PathPrefix + "submit"
	PathReply    = PathPrefix + "reply"
)

// DefaultMaxBodyBytes caps an inbound envelope.
const DefaultMaxBodyBytes int64 = 4 << 20

// HandlerConfig configures the inbound channel endpoint.
type HandlerConfig struct {
	Inbound        Inbound
	Logger         pslog.Logger
	MaxBodyBytes   int64
	DisableTracing bool
}

type handler struct {
	inbound  Inbound
	logger   pslog.Logger
	maxBytes int64
}

// NewHandler returns the http.Handler serving PathPrefix. Accepted envelopes
// are answered with 202 before the node has processed them.
func NewHandler(cfg HandlerConfig) (http.Handler, error) {
	if cfg.Inbound == nil {
		return nil, fmt.Errorf("transport: inbound required")
	}
	maxBytes := cfg.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	h := &handler{
		inbound:  cfg.Inbound,
		logger:   svcfields.WithSubsystem(cfg.Logger, "transport.http.inbound"),
		maxBytes: maxBytes,
	}
	if cfg.DisableTracing {
		return h, nil
	}
	return otelhttp.NewHandler(h, "txcore.dtx", otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents)), nil
}

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

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if r.Method != http.MethodPost {
		h.fail(r.Context(), w, path, httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: r.Method})
		return
	}
	if err := h.serve(r); err != nil {
		h.fail(r.Context(), w, path, err)
		return
	}
	transportMetrics().recordReceive(r.Context(), path, "accepted")
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) serve(r *http.Request) error {
	endpoint := r.URL.Path
	switch endpoint {
	case PathRequest, PathResponse, PathSubmit, PathReply:
	default:
		return httpError{Status: http.StatusNotFound, Code: "unknown_endpoint", Detail: endpoint}
	}
	var env api.Envelope
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, h.maxBytes))
	if err := dec.Decode(&env); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httpError{Status: http.StatusRequestEntityTooLarge, Code: "body_too_large", Detail: err.Error()}
		}
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	env.From = strings.TrimSpace(env.From)
	if env.From == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_from", Detail: "envelope sender required"}
	}
	reg, ok := h.inbound.Registry(env.Namespace)
	if !ok {
		return httpError{Status: http.StatusNotFound, Code: "unknown_namespace", Detail: env.Namespace}
	}
	msg, err := reg.Decode(env.Kind, env.Payload)
	if err != nil {
		if errors.Is(err, coord.ErrUnknownKind) {
			return httpError{Status: http.StatusBadRequest, Code: "unknown_kind", Detail: env.Kind}
		}
		return httpError{Status: http.StatusBadRequest, Code: "invalid_payload", Detail: err.Error()}
	}
	ctx := r.Context()
	id := oplog.ID(env.LogID)
	opID := coord.SessionOperationID(env.OperationID)
	switch endpoint {
	case PathRequest:
		err = h.inbound.HandleRequest(ctx, env.From, env.Namespace, id, msg)
	case PathResponse:
		err = h.inbound.HandleResponse(ctx, env.From, env.Namespace, id, msg)
	case PathSubmit:
		req, ok := msg.(coord.SubmitRequest)
		if !ok {
			return httpError{Status: http.StatusBadRequest, Code: "invalid_kind", Detail: env.Kind + " cannot be submitted"}
		}
		if opID == "" {
			return httpError{Status: http.StatusBadRequest, Code: "missing_operation_id", Detail: "submit requires operation_id"}
		}
		err = h.inbound.HandleSubmit(ctx, env.From, env.Namespace, opID, req)
	case PathReply:
		err = h.inbound.HandleReply(ctx, env.From, env.Namespace, opID, msg)
	}
	if err != nil {
		return httpError{Status: http.StatusServiceUnavailable, Code: "rejected", Detail: err.Error()}
	}
	return nil
}

func (h *handler) fail(ctx context.Context, w http.ResponseWriter, path string, err error) {
	var httpErr httpError
	if !errors.As(err, &httpErr) {
		httpErr = httpError{Status: http.StatusInternalServerError, Code: "internal_error", Detail: err.Error()}
	}
	h.logger.Debug("transport.http.inbound.failure", "path", path, "status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail)
	transportMetrics().recordReceive(ctx, path, httpErr.Code)
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
