package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/modulefactory/pkg/engine"
	"github.com/openfroyo/modulefactory/pkg/protocol"
	"github.com/openfroyo/modulefactory/pkg/stores"
	"github.com/openfroyo/modulefactory/pkg/telemetry"
)

const defaultEventLimit = 100

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), engine.ErrCodeValidation, string(engine.ErrorKindValidation))
		return
	}
	if body.RequestedBy == "" {
		body.RequestedBy = r.Header.Get("X-Requested-By")
	}

	inst, err := s.orch.Start(r.Context(), body.BuildRequest())
	if err != nil {
		status := statusFor(err)
		outcome := stores.AuditOutcomeFailed
		switch status {
		case http.StatusForbidden:
			outcome = stores.AuditOutcomeDenied
		case http.StatusBadRequest:
			outcome = stores.AuditOutcomeRejected
		}
		s.audit(r.Context(), body.RequestedBy, "build.submit", "", outcome, err.Error())
		telemetry.RecordError(trace.SpanFromContext(r.Context()), err)
		writeEngineError(w, err)
		return
	}

	s.audit(r.Context(), body.RequestedBy, "build.submit", inst.ID, stores.AuditOutcomeAllowed, body.TargetContext.ImageID)
	trace.SpanFromContext(r.Context()).SetAttributes(telemetry.AttrInstanceID.String(inst.ID))

	w.Header().Set("Location", "/v1/builds/"+inst.ID)
	writeJSON(w, http.StatusAccepted, SubmitResponse{InstanceID: inst.ID, State: inst.State})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	inst, err := s.orch.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter engine.InstanceFilter
	for _, raw := range q["state"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			state := engine.WorkflowState(part)
			if err := state.Validate(); err != nil {
				writeError(w, http.StatusBadRequest, err.Error(), engine.ErrCodeValidation, "")
				return
			}
			filter.States = append(filter.States, state)
		}
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit", engine.ErrCodeValidation, "")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset", engine.ErrCodeValidation, "")
		return
	}

	instances, err := s.orch.List(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if instances == nil {
		instances = []*engine.WorkflowInstance{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Instances: instances, Count: len(instances)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	actor := r.Header.Get("X-Requested-By")

	if err := s.orch.Cancel(r.Context(), id); err != nil {
		s.audit(r.Context(), actor, "build.cancel", id, stores.AuditOutcomeRejected, err.Error())
		writeEngineError(w, err)
		return
	}
	s.audit(r.Context(), actor, "build.cancel", id, stores.AuditOutcomeAllowed, "")

	resp := SubmitResponse{InstanceID: id}
	if inst, err := s.orch.Get(r.Context(), id); err == nil {
		resp.State = inst.State
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// handleCallback answers 200 for every well-formed delivery, accepted or
// not, so workers can retry a lost response without side effects.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var body protocol.CallbackRequest
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.CallbackResponse{Reason: string(engine.RejectMalformed)})
		return
	}
	if err := body.Validate(); err != nil && body.Token != "" {
		writeJSON(w, http.StatusBadRequest, protocol.CallbackResponse{Reason: string(engine.RejectMalformed)})
		return
	}

	ack, err := s.orch.Signal(r.Context(), body.Signal(s.now()))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	outcome, detail := stores.AuditOutcomeAllowed, string(body.Status)
	if !ack.Accepted {
		outcome, detail = stores.AuditOutcomeRejected, string(ack.Reason)
	}
	s.audit(r.Context(), body.Result.InstanceIdentifier, "signal", ack.InstanceID, outcome, detail)

	writeJSON(w, http.StatusOK, protocol.NewCallbackResponse(ack))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "no event store configured", "", "")
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), defaultEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit", engine.ErrCodeValidation, "")
		return
	}

	events, err := s.store.ListEvents(r.Context(), r.URL.Query().Get("instance"), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if events == nil {
		events = []*engine.Event{}
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: events})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "no audit store configured", "", "")
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), defaultEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit", engine.ErrCodeValidation, "")
		return
	}

	entries, err := s.store.ListAudit(r.Context(), r.URL.Query().Get("instance"), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AuditResponse{Entries: entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Active: s.orch.ActiveCount()}
	if s.store != nil {
		if err := s.store.HealthCheck(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// audit records an entry; failures are logged and never fail the request.
func (s *Server) audit(ctx context.Context, actor, action, instanceID string, outcome stores.AuditOutcome, detail string) {
	if s.store == nil {
		return
	}
	err := s.store.AppendAudit(ctx, &stores.AuditEntry{
		Timestamp:  s.now(),
		Actor:      actor,
		Action:     action,
		InstanceID: instanceID,
		Outcome:    outcome,
		Detail:     detail,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return n, nil
}

func statusFor(err error) int {
	if errors.Is(err, engine.ErrShuttingDown) {
		return http.StatusServiceUnavailable
	}
	var engineErr *engine.EngineError
	if !errors.As(err, &engineErr) {
		return http.StatusInternalServerError
	}
	switch engineErr.Code {
	case engine.ErrCodeNotFound:
		return http.StatusNotFound
	case engine.ErrCodeConflict:
		return http.StatusConflict
	case engine.ErrCodePermissionDenied:
		return http.StatusForbidden
	case engine.ErrCodeValidation:
		return http.StatusBadRequest
	}
	switch engineErr.Kind {
	case engine.ErrorKindPolicyDenied:
		return http.StatusForbidden
	case engine.ErrorKindValidation:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	var code, kind string
	var engineErr *engine.EngineError
	if errors.As(err, &engineErr) {
		code, kind = engineErr.Code, string(engineErr.Kind)
	}
	writeError(w, status, err.Error(), code, kind)
}

func writeError(w http.ResponseWriter, status int, message, code, kind string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
