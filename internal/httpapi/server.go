// Package httpapi exposes the kernel's HTTP surface: the agent chat
// endpoint, the workflow control-plane (start/event/state/abort/
// callback/events), the registry admin routes, the upload-signature
// endpoint and health/metrics.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"tempokernel.local/kernel/internal/agentapi"
	"tempokernel.local/kernel/internal/events"
	"tempokernel.local/kernel/internal/flow"
	"tempokernel.local/kernel/internal/ids"
	"tempokernel.local/kernel/internal/kernelerr"
	"tempokernel.local/kernel/internal/metrics"
	"tempokernel.local/kernel/internal/registry"
	"tempokernel.local/kernel/internal/reliability"
	"tempokernel.local/kernel/internal/tenancy"
	"tempokernel.local/kernel/internal/uploadapi"
)

// server holds every dependency an HTTP handler needs. It is built
// once by NewServer and never mutated afterward.
type server struct {
	logger   *log.Logger
	agent    *agentapi.Controller
	tenants  *tenancy.Registry
	eventLog *events.Repository
	flows    *flow.Store
	nodes    *registry.Registry
	fanin    *reliability.FanInChecker
	upload   *uploadapi.Handler
}

func NewServer(
	logger *log.Logger,
	addr string,
	agentController *agentapi.Controller,
	tenants *tenancy.Registry,
	eventLog *events.Repository,
	flows *flow.Store,
	nodes *registry.Registry,
	fanin *reliability.FanInChecker,
	upload *uploadapi.Handler,
) *http.Server {
	s := &server{
		logger:   logger,
		agent:    agentController,
		tenants:  tenants,
		eventLog: eventLog,
		flows:    flows,
		nodes:    nodes,
		fanin:    fanin,
		upload:   upload,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /api/metrics", metrics.Handler())

	mux.HandleFunc("POST /api/agent/chat", s.handleChat)
	if s.upload != nil {
		mux.HandleFunc("POST /api/oss/post-signature", s.upload.ServeHTTP)
	}

	mux.HandleFunc("POST /api/workflow/start", s.handleWorkflowStart)
	mux.HandleFunc("POST /api/workflow/{session}/event", s.handleWorkflowEvent)
	mux.HandleFunc("GET /api/workflow/{session}/state", s.handleWorkflowState)
	mux.HandleFunc("DELETE /api/workflow/{session}", s.handleWorkflowAbort)
	mux.HandleFunc("POST /api/workflow/{session}/callback", s.handleWorkflowCallback)
	mux.HandleFunc("GET /api/workflow/{session}/events", s.handleWorkflowEvents)

	mux.HandleFunc("GET /api/registry/nodes", s.handleListNodes)
	mux.HandleFunc("POST /api/registry/nodes", s.handleRegisterWebhookNode)
	mux.HandleFunc("GET /api/registry/flows", s.handleListFlows)
	mux.HandleFunc("POST /api/registry/flows", s.handleRegisterFlow)
	mux.HandleFunc("GET /api/registry/sessions", s.handleListSessions)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// requestContext pulls the header contract every non-health route
// shares: a required tenant id and an optional trace id the server
// generates when the caller doesn't supply one.
type requestContext struct {
	tenantID string
	userID   string
	traceID  string
}

func (s *server) context(r *http.Request, requireUser bool) (requestContext, *kernelerr.Error) {
	traceID := strings.TrimSpace(r.Header.Get("X-Trace-Id"))
	if traceID == "" {
		traceID = ids.New()
	}
	tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-Id"))
	if tenantID == "" {
		return requestContext{}, kernelerr.New(kernelerr.KindUnauthorized, traceID, "X-Tenant-Id header is required")
	}
	userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if requireUser && userID == "" {
		return requestContext{}, kernelerr.New(kernelerr.KindUnauthorized, traceID, "X-User-Id header is required")
	}
	return requestContext{tenantID: tenantID, userID: userID, traceID: traceID}, nil
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	rc, kerr := s.context(r, true)
	if kerr != nil {
		writeKernelError(w, kerr)
		return
	}

	var body struct {
		SessionID string                 `json:"session_id"`
		Messages  []agentapi.ChatMessage `json:"messages"`
	}
	if err := decodeJSON(r, 4<<20, &body); err != nil {
		writeKernelError(w, kernelerr.New(kernelerr.KindBadRequest, rc.traceID, err.Error()))
		return
	}

	req := agentapi.ChatRequest{
		TenantID:  rc.tenantID,
		UserID:    rc.userID,
		TraceID:   rc.traceID,
		SessionID: body.SessionID,
		Messages:  body.Messages,
	}
	if err := s.agent.HandleChat(r.Context(), w, req); err != nil {
		s.logger.Printf("httpapi: chat handler error: %v", err)
	}
}

type startWorkflowRequest struct {
	FlowID string         `json:"flow_id"`
	NodeID string         `json:"node_id"`
	Params map[string]any `json:"params"`
}

func (s *server) handleWorkflowStart(w http.ResponseWriter, r *http.Request) {
	rc, kerr := s.context(r, false)
	if kerr != nil {
		writeKernelError(w, kerr)
		return
	}

	var req startWorkflowRequest
	if err := decodeJSON(r, 1<<20, &req); err != nil {
		writeKernelError(w, kernelerr.New(kernelerr.KindBadRequest, rc.traceID, err.Error()))
		return
	}
	if (req.FlowID == "") == (req.NodeID == "") {
		writeKernelError(w, kernelerr.New(kernelerr.KindBadRequest, rc.traceID, "exactly one of flow_id or node_id is required"))
		return
	}

	bundle := s.tenants.Get(rc.tenantID)

	var sessionID string
	var err error
	if req.FlowID != "" {
		def, ferr := s.flows.Get(req.FlowID)
		if ferr != nil {
			writeKernelError(w, kernelerr.Wrap(kernelerr.KindBadRequest, rc.traceID, ferr))
			return
		}
		sessionID, err = bundle.Manager.StartFlow(r.Context(), def, req.Params)
	} else {
		sessionID, err = bundle.Manager.StartSingleNode(r.Context(), req.NodeID, req.Params)
	}
	if err != nil {
		writeKernelError(w, kernelerr.Wrap(kernelerr.KindInternal, rc.traceID, err))
		return
	}

	// Every session sits at its bootstrap state with no node bound
	// until this first CMD_EXECUTE runs.
	if err := bundle.Dispatcher.Dispatch(r.Context(), rc.tenantID, sessionID, events.TypeCmdExecute, nil); err != nil {
		writeKernelError(w, kernelerr.Wrap(kernelerr.KindInternal, rc.traceID, err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"session_id": sessionID})
}

var pushableEvents = map[string]events.Type{
	"user_confirm":  events.TypeUserConfirm,
	"user_skip":     events.TypeUserSkip,
	"user_modify":   events.TypeUserModify,
	"user_rollback": events.TypeUserRollback,
}

func (s *server) handleWorkflowEvent(w http.ResponseWriter, r *http.Request) {
	rc, kerr := s.context(r, false)
	if kerr != nil {
		writeKernelError(w, kerr)
		return
	}
	sessionID := r.PathValue("session")

	var body struct {
		Event   string         `json:"event"`
		Payload map[string]any `json:"payload"`
	}
	if err := decodeJSON(r, 1<<20, &body); err != nil {
		writeKernelError(w, kernelerr.New(kernelerr.KindBadRequest, rc.traceID, err.Error()))
		return
	}
	eventType, ok := pushableEvents[strings.ToLower(body.Event)]
	if !ok {
		writeKernelError(w, kernelerr.New(kernelerr.KindBadRequest, rc.traceID, fmt.Sprintf("unsupported event %q", body.Event)))
		return
	}

	bundle := s.tenants.Get(rc.tenantID)
	if err := bundle.Manager.PushEvent(r.Context(), sessionID, eventType, body.Payload); err != nil {
		writeKernelError(w, kernelerr.Wrap(kernelerr.KindInternal, rc.traceID, err))
		return
	}
	if err := bundle.Dispatcher.Dispatch(r.Context(), rc.tenantID, sessionID, eventType, body.Payload); err != nil {
		writeKernelError(w, kernelerr.Wrap(kernelerr.KindInvalidTransition, rc.traceID, err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *server) handleWorkflowState(w http.ResponseWriter, r *http.Request) {
	rc, kerr := s.context(r, false)
	if kerr != nil {
		writeKernelError(w, kerr)
		return
	}
	sessionID := r.PathValue("session")
	bundle := s.tenants.Get(rc.tenantID)

	state, err := bundle.Manager.GetState(r.Context(), sessionID)
	if err != nil {
		writeKernelError(w, kernelerr.Wrap(kernelerr.KindSessionNotFound, rc.traceID, err))
		return
	}
	status, err := bundle.Manager.GetStatus(r.Context(), sessionID)
	if err != nil {
		writeKernelError(w, kernelerr.Wrap(kernelerr.KindInternal, rc.traceID, err))
		return
	}

	resp := map[string]any{
		"session_id": sessionID,
		"status":     status,
		"state":      state,
	}
	if s.fanin != nil {
		if flowID, ok := state["_flow_id"]; ok {
			if def, ferr := s.flows.Get(flowID); ferr == nil {
				if fsmState, serr := bundle.Dispatcher.CurrentState(r.Context(), rc.tenantID, sessionID); serr == nil {
					deps, perr := s.fanin.PendingDeps(r.Context(), sessionID, def.FanInDeps(fsmState))
					if perr == nil {
						resp["pending_fan_in"] = deps
					}
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleWorkflowAbort(w http.ResponseWriter, r *http.Request) {
	rc, kerr := s.context(r, false)
	if kerr != nil {
		writeKernelError(w, kerr)
		return
	}
	sessionID := r.PathValue("session")

	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	if reason == "" {
		reason = "requested_by_caller"
	}
	bundle := s.tenants.Get(rc.tenantID)
	if err := bundle.Stopper.Abort(r.Context(), rc.tenantID, sessionID, reason, rc.traceID); err != nil {
		writeKernelError(w, kernelerr.Wrap(kernelerr.KindInternal, rc.traceID, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// callbackBody matches the wire shape a webhook node posts back:
// events.NodeResult plus enough envelope fields to locate the pending
// callback.
type callbackBody struct {
	Step         string            `json:"step"`
	Attempt      int               `json:"attempt"`
	Status       events.NodeStatus `json:"status"`
	Result       map[string]any    `json:"result"`
	UISchema     map[string]any    `json:"ui_schema"`
	Artifacts    map[string]any    `json:"artifacts"`
	ErrorMessage string            `json:"error_message"`
}

func (s *server) handleWorkflowCallback(w http.ResponseWriter, r *http.Request) {
	rc, kerr := s.context(r, false)
	if kerr != nil {
		writeKernelError(w, kerr)
		return
	}
	sessionID := r.PathValue("session")

	var body callbackBody
	if err := decodeJSON(r, 2<<20, &body); err != nil {
		writeKernelError(w, kernelerr.New(kernelerr.KindBadRequest, rc.traceID, err.Error()))
		return
	}

	message := body.ErrorMessage
	if message == "" {
		if msg, ok := body.Result["message"]; ok {
			message = fmt.Sprint(msg)
		}
	}

	bundle := s.tenants.Get(rc.tenantID)
	result := registry.NodeResult{
		Status:    string(body.Status),
		Message:   message,
		UISchema:  body.UISchema,
		Artifacts: body.Artifacts,
	}
	if err := bundle.Dispatcher.Callback(r.Context(), rc.tenantID, sessionID, body.Step, body.Attempt, result); err != nil {
		writeKernelError(w, kernelerr.Wrap(kernelerr.KindInternal, rc.traceID, err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *server) handleWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	rc, kerr := s.context(r, false)
	if kerr != nil {
		writeKernelError(w, kerr)
		return
	}
	sessionID := r.PathValue("session")

	envs, err := s.eventLog.ForSession(r.Context(), rc.tenantID, sessionID, 0)
	if err != nil {
		writeKernelError(w, kernelerr.Wrap(kernelerr.KindInternal, rc.traceID, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": envs})
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	_, kerr := s.context(r, false)
	if kerr != nil {
		writeKernelError(w, kerr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": s.nodes.ListAll()})
}

type registerWebhookRequest struct {
	ID          string          `json:"id"`
	Endpoint    string          `json:"endpoint"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	ParamSchema json.RawMessage `json:"param_schema"`
}

func (s *server) handleRegisterWebhookNode(w http.ResponseWriter, r *http.Request) {
	rc, kerr := s.context(r, false)
	if kerr != nil {
		writeKernelError(w, kerr)
		return
	}
	var req registerWebhookRequest
	if err := decodeJSON(r, 1<<20, &req); err != nil {
		writeKernelError(w, kernelerr.New(kernelerr.KindBadRequest, rc.traceID, err.Error()))
		return
	}
	if req.ID == "" || req.Endpoint == "" {
		writeKernelError(w, kernelerr.New(kernelerr.KindBadRequest, rc.traceID, "id and endpoint are required"))
		return
	}
	if err := s.nodes.RegisterWebhook(r.Context(), req.ID, req.Endpoint, req.Name, req.Description, req.ParamSchema); err != nil {
		writeKernelError(w, kernelerr.Wrap(kernelerr.KindInternal, rc.traceID, err))
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	_, kerr := s.context(r, false)
	if kerr != nil {
		writeKernelError(w, kerr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flows": s.flows.List()})
}

func (s *server) handleRegisterFlow(w http.ResponseWriter, r *http.Request) {
	rc, kerr := s.context(r, false)
	if kerr != nil {
		writeKernelError(w, kerr)
		return
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeKernelError(w, kernelerr.New(kernelerr.KindBadRequest, rc.traceID, "failed to read body"))
		return
	}
	def, err := flow.LoadString(string(raw))
	if err != nil {
		writeKernelError(w, kernelerr.Wrap(kernelerr.KindBadRequest, rc.traceID, err))
		return
	}
	s.flows.Register(def)
	writeJSON(w, http.StatusCreated, map[string]any{"name": def.Name})
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	rc, kerr := s.context(r, false)
	if kerr != nil {
		writeKernelError(w, kerr)
		return
	}
	bundle := s.tenants.Get(rc.tenantID)
	sessionIDs, err := bundle.Manager.ListSessions(r.Context())
	if err != nil {
		writeKernelError(w, kernelerr.Wrap(kernelerr.KindInternal, rc.traceID, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessionIDs})
}

func decodeJSON(r *http.Request, maxBytes int64, into any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeKernelError(w http.ResponseWriter, kerr *kernelerr.Error) {
	writeJSON(w, kerr.HTTPStatus(), map[string]any{
		"error": map[string]any{
			"kind":      kerr.Kind,
			"message":   kerr.Message,
			"trace_id":  kerr.TraceID,
			"retryable": kerr.Retryable,
		},
	})
}
