// Package api exposes the control plane over a unix-socket HTTP server:
// REST endpoints for sessions, todos, directory and deploy operations, SSE
// for output tails, and the public healthz/metrics pair.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"teleclaude/internal/controlplane"
	"teleclaude/internal/domain"
	"teleclaude/internal/log"
	"teleclaude/internal/metrics"
	"teleclaude/internal/sessions"
)

// identityKey carries the verified caller through the request context.
type contextKey string

const identityKey contextKey = "identity"

// IdentityFrom returns the verified caller, nil on public endpoints.
func IdentityFrom(ctx context.Context) *controlplane.Identity {
	id, _ := ctx.Value(identityKey).(*controlplane.Identity)
	return id
}

// Handler provides the HTTP endpoints for the control plane.
type Handler struct {
	backend  controlplane.Backend
	verifier *controlplane.Verifier
}

// NewHandler creates the API handler over the given backend.
func NewHandler(backend controlplane.Backend, verifier *controlplane.Verifier) *Handler {
	return &Handler{backend: backend, verifier: verifier}
}

// Routes returns the mux with all routes registered. Protected routes run
// the identity and role checks; healthz and metrics stay public.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Public
	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /metrics", metrics.Handler())

	// Sessions
	h.protect(mux, "GET /sessions", h.ListSessions)
	h.protect(mux, "POST /sessions", h.CreateSession)
	h.protect(mux, "POST /sessions/{id}/send", h.Send)
	h.protect(mux, "GET /sessions/{id}/tail", h.Tail)
	h.protect(mux, "GET /sessions/{id}/result", h.Result)
	h.protect(mux, "POST /sessions/{id}/end", h.End)
	h.protect(mux, "POST /sessions/{id}/run", h.Run)
	h.protect(mux, "POST /sessions/{id}/unsubscribe", h.Unsubscribe)
	h.protect(mux, "POST /sessions/{id}/file", h.AttachFile)
	h.protect(mux, "POST /sessions/{id}/widget", h.Widget)
	h.protect(mux, "POST /sessions/{id}/escalate", h.Escalate)

	// Todos
	h.protect(mux, "GET /todos", h.ListTodos)
	h.protect(mux, "POST /todos/{id}/prepare", h.TodoPrepare)
	h.protect(mux, "POST /todos/{id}/work", h.TodoWork)
	h.protect(mux, "POST /todos/{id}/maintain", h.TodoMaintain)
	h.protect(mux, "POST /todos/{id}/phase", h.TodoPhase)
	h.protect(mux, "POST /todos/{id}/deps", h.TodoDeps)

	// Directory
	h.protect(mux, "GET /computers", h.ListComputers)
	h.protect(mux, "POST /computers", h.RegisterComputer)
	h.protect(mux, "GET /projects", h.ListProjects)
	h.protect(mux, "POST /projects", h.UpsertProject)
	h.protect(mux, "GET /channels", h.ListChannels)
	h.protect(mux, "POST /channels/{name}/publish", h.ChannelPublish)

	// Agents
	h.protect(mux, "POST /agents/status", h.AgentStatus)
	h.protect(mux, "GET /agents/availability", h.Availability)

	// Context
	h.protect(mux, "GET /context/query", h.ContextQuery)
	h.protect(mux, "GET /context/help", h.ContextHelp)

	// Deploy
	h.protect(mux, "POST /deploy", h.Deploy)

	return mux
}

// protect registers a route behind the identity and role checks. The
// endpoint pattern doubles as the role matrix key.
func (h *Handler) protect(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		id, err := h.verifier.Verify(
			r.Header.Get(controlplane.HeaderCallerSession),
			r.Header.Get(controlplane.HeaderMuxSession),
		)
		if err != nil {
			metrics.IdentityDenied.Inc()
			h.writeErr(w, err)
			return
		}
		if err := controlplane.Allow(pattern, id); err != nil {
			metrics.RoleDenied.Inc()
			h.writeErr(w, err)
			return
		}
		handler(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

// === Request/Response types ===

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SessionResponse is the response body for a single session.
type SessionResponse struct {
	SessionID      string    `json:"session_id"`
	Computer       string    `json:"computer"`
	ProjectPath    string    `json:"project_path"`
	MuxName        string    `json:"mux_name"`
	OriginAdapter  string    `json:"origin_adapter"`
	Title          string    `json:"title,omitempty"`
	SystemRole     string    `json:"system_role"`
	HumanRole      string    `json:"human_role"`
	State          string    `json:"state"`
	Headless       bool      `json:"headless,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// ListSessionsResponse is the response body for listing sessions.
type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Total    int               `json:"total"`
}

// CreateSessionRequest is the request body for creating a session.
type CreateSessionRequest struct {
	Computer    string `json:"computer,omitempty"`
	ProjectPath string `json:"project_path"`
	Title       string `json:"title,omitempty"`
	SystemRole  string `json:"system_role"`
	HumanRole   string `json:"human_role"`
	Headless    bool   `json:"headless,omitempty"`
}

// SendRequest is the request body for sending text to a session.
type SendRequest struct {
	Text string `json:"text"`
}

// SendResponse reports the queued message.
type SendResponse struct {
	MessageID int64 `json:"message_id"`
	Duplicate bool  `json:"duplicate,omitempty"`
}

// RunRequest is the request body for injecting raw keys.
type RunRequest struct {
	Keys []string `json:"keys"`
}

// EndSessionRequest is the request body for ending a session.
type EndSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// UnsubscribeRequest is the request body for muting an adapter.
type UnsubscribeRequest struct {
	Adapter string `json:"adapter"`
}

// AttachFileRequest is the request body for attaching a file. Content is
// base64 in the JSON wire form.
type AttachFileRequest struct {
	Filename string `json:"filename"`
	Caption  string `json:"caption,omitempty"`
	Content  []byte `json:"content"`
}

// EscalateRequest is the request body for a human escalation.
type EscalateRequest struct {
	Summary  string `json:"summary"`
	Detail   string `json:"detail,omitempty"`
	Severity string `json:"severity,omitempty"`
}

// ResultResponse carries a session's recent output.
type ResultResponse struct {
	SessionID string `json:"session_id"`
	Output    string `json:"output"`
}

// TodoRequest covers the todo mutation bodies.
type TodoRequest struct {
	Title string   `json:"title,omitempty"`
	Phase string   `json:"phase,omitempty"`
	By    string   `json:"by,omitempty"`
	Deps  []string `json:"deps,omitempty"`
}

// ComputerRequest is the request body for registering a computer.
type ComputerRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// ProjectRequest is the request body for upserting a project.
type ProjectRequest struct {
	Computer string `json:"computer"`
	Name     string `json:"name"`
	Path     string `json:"path"`
}

// AgentStatusRequest is the request body for an agent status report.
type AgentStatusRequest struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ChannelPublishRequest is the request body for a channel post.
type ChannelPublishRequest struct {
	Text string `json:"text"`
}

// DeployRequest is the request body for requesting a deploy.
type DeployRequest struct {
	Target string `json:"target"`
	Ref    string `json:"ref,omitempty"`
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// === Session handlers ===

// Health reports liveness.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// ListSessions returns sessions, optionally filtered by state.
// GET /sessions?state=active
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.backend.ListSessions(r.URL.Query().Get("state"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	resp := ListSessionsResponse{Sessions: make([]SessionResponse, 0, len(list)), Total: len(list)}
	for _, sess := range list {
		resp.Sessions = append(resp.Sessions, sessionToResponse(sess))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// CreateSession launches a new agent session.
// POST /sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, domain.NewContractError("create session", "invalid JSON body: %v", err))
		return
	}
	if req.ProjectPath == "" {
		h.writeErr(w, domain.NewContractError("create session", "project_path is required"))
		return
	}

	sess, err := h.backend.CreateSession(r.Context(), sessions.CreateParams{
		Computer:    req.Computer,
		ProjectPath: req.ProjectPath,
		Title:       req.Title,
		SystemRole:  domain.SystemRole(req.SystemRole),
		HumanRole:   domain.HumanRole(req.HumanRole),
		Origin:      "api",
		Headless:    req.Headless,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, sessionToResponse(sess))
}

// Send enqueues text for a session.
// POST /sessions/{id}/send
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, domain.NewContractError("send", "invalid JSON body: %v", err))
		return
	}
	id := IdentityFrom(r.Context())
	msgID, dup, err := h.backend.SendMessage(r.Context(), &domain.InboundMessage{
		SessionID: r.PathValue("id"),
		Origin:    "api",
		Type:      domain.MessageTypeText,
		Content:   req.Text,
		ActorID:   id.SessionID,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, SendResponse{MessageID: msgID, Duplicate: dup})
}

// Tail streams a session's output envelopes via SSE.
// GET /sessions/{id}/tail
func (h *Handler) Tail(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := h.backend.GetSession(sessionID); err != nil {
		h.writeErr(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeErr(w, fmt.Errorf("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	events := h.backend.Events(r.Context())
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			env := ev.Payload
			if env == nil || envelopeSession(env) != sessionID {
				continue
			}
			data, err := json.Marshal(env)
			if err != nil {
				log.ErrorErr(log.CatAPI, "failed to marshal envelope for tail", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, data)
			flusher.Flush()
		}
	}
}

// Result returns a session's recent output.
// GET /sessions/{id}/result
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	output, err := h.backend.SessionResult(r.Context(), sessionID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ResultResponse{SessionID: sessionID, Output: output})
}

// End closes a session. Pending inbound rows expire.
// POST /sessions/{id}/end
func (h *Handler) End(w http.ResponseWriter, r *http.Request) {
	var req EndSessionRequest
	decodeOptional(r, &req)
	if err := h.backend.EndSession(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Run injects raw key sequences into a session's pane.
// POST /sessions/{id}/run
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, domain.NewContractError("run", "invalid JSON body: %v", err))
		return
	}
	if len(req.Keys) == 0 {
		h.writeErr(w, domain.NewContractError("run", "keys are required"))
		return
	}
	if err := h.backend.RunCommand(r.Context(), r.PathValue("id"), req.Keys); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unsubscribe mutes an adapter for a session's output fanout.
// POST /sessions/{id}/unsubscribe
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, domain.NewContractError("unsubscribe", "invalid JSON body: %v", err))
		return
	}
	if req.Adapter == "" {
		h.writeErr(w, domain.NewContractError("unsubscribe", "adapter is required"))
		return
	}
	if err := h.backend.Unsubscribe(r.PathValue("id"), req.Adapter); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AttachFile drops a file into the session's working directory and notifies
// the agent.
// POST /sessions/{id}/file
func (h *Handler) AttachFile(w http.ResponseWriter, r *http.Request) {
	var req AttachFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, domain.NewContractError("attach file", "invalid JSON body: %v", err))
		return
	}
	if req.Filename == "" || len(req.Content) == 0 {
		h.writeErr(w, domain.NewContractError("attach file", "filename and content are required"))
		return
	}
	if err := h.backend.AttachFile(r.Context(), r.PathValue("id"), req.Filename, req.Caption, req.Content); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Widget re-renders and republishes the session's status card.
// POST /sessions/{id}/widget
func (h *Handler) Widget(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.RefreshWidget(r.Context(), r.PathValue("id")); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Escalate raises a human-attention escalation from a session.
// POST /sessions/{id}/escalate
func (h *Handler) Escalate(w http.ResponseWriter, r *http.Request) {
	var req EscalateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, domain.NewContractError("escalate", "invalid JSON body: %v", err))
		return
	}
	if req.Summary == "" {
		h.writeErr(w, domain.NewContractError("escalate", "summary is required"))
		return
	}
	err := h.backend.Escalate(r.Context(), domain.Escalation{
		SessionID: r.PathValue("id"),
		Summary:   req.Summary,
		Detail:    req.Detail,
		Severity:  req.Severity,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// === Todo handlers ===

// ListTodos returns the todo catalog.
// GET /todos
func (h *Handler) ListTodos(w http.ResponseWriter, r *http.Request) {
	list, err := h.backend.ListTodos()
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"todos": list, "total": len(list)})
}

// TodoPrepare starts (or restarts) the prepare phase for a todo.
// POST /todos/{id}/prepare
func (h *Handler) TodoPrepare(w http.ResponseWriter, r *http.Request) {
	var req TodoRequest
	decodeOptional(r, &req)
	st, err := h.backend.TodoPrepare(r.Context(), r.PathValue("id"), req.Title)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// TodoWork moves a todo into the work phase.
// POST /todos/{id}/work
func (h *Handler) TodoWork(w http.ResponseWriter, r *http.Request) {
	st, err := h.backend.TodoWork(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// TodoMaintain moves a todo into the maintain phase.
// POST /todos/{id}/maintain
func (h *Handler) TodoMaintain(w http.ResponseWriter, r *http.Request) {
	st, err := h.backend.TodoMaintain(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// TodoPhase marks an arbitrary phase transition.
// POST /todos/{id}/phase
func (h *Handler) TodoPhase(w http.ResponseWriter, r *http.Request) {
	var req TodoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, domain.NewContractError("todo phase", "invalid JSON body: %v", err))
		return
	}
	if req.Phase == "" {
		h.writeErr(w, domain.NewContractError("todo phase", "phase is required"))
		return
	}
	by := req.By
	if by == "" {
		by = IdentityFrom(r.Context()).SessionID
	}
	st, err := h.backend.TodoMarkPhase(r.Context(), r.PathValue("id"), req.Phase, by)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// TodoDeps replaces a todo's dependency list.
// POST /todos/{id}/deps
func (h *Handler) TodoDeps(w http.ResponseWriter, r *http.Request) {
	var req TodoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, domain.NewContractError("todo deps", "invalid JSON body: %v", err))
		return
	}
	st, err := h.backend.TodoSetDeps(r.Context(), r.PathValue("id"), req.Deps)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// === Directory handlers ===

// ListComputers returns the registered computers.
// GET /computers
func (h *Handler) ListComputers(w http.ResponseWriter, _ *http.Request) {
	list, err := h.backend.ListComputers()
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"computers": list, "total": len(list)})
}

// RegisterComputer registers or refreshes a peer computer.
// POST /computers
func (h *Handler) RegisterComputer(w http.ResponseWriter, r *http.Request) {
	var req ComputerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, domain.NewContractError("register computer", "invalid JSON body: %v", err))
		return
	}
	if req.Name == "" {
		h.writeErr(w, domain.NewContractError("register computer", "name is required"))
		return
	}
	c, err := h.backend.RegisterComputer(r.Context(), req.Name, req.Address)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, c)
}

// ListProjects returns registered projects, optionally per computer.
// GET /projects?computer=devbox
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	list, err := h.backend.ListProjects(r.URL.Query().Get("computer"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"projects": list, "total": len(list)})
}

// UpsertProject registers or updates a project path.
// POST /projects
func (h *Handler) UpsertProject(w http.ResponseWriter, r *http.Request) {
	var req ProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, domain.NewContractError("upsert project", "invalid JSON body: %v", err))
		return
	}
	if req.Name == "" || req.Path == "" {
		h.writeErr(w, domain.NewContractError("upsert project", "name and path are required"))
		return
	}
	p, err := h.backend.UpsertProject(r.Context(), req.Computer, req.Name, req.Path)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, p)
}

// ListChannels returns the configured broadcast channels.
// GET /channels
func (h *Handler) ListChannels(w http.ResponseWriter, _ *http.Request) {
	list, err := h.backend.ListChannels()
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"channels": list, "total": len(list)})
}

// ChannelPublish posts to a broadcast channel.
// POST /channels/{name}/publish
func (h *Handler) ChannelPublish(w http.ResponseWriter, r *http.Request) {
	var req ChannelPublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, domain.NewContractError("channel publish", "invalid JSON body: %v", err))
		return
	}
	if req.Text == "" {
		h.writeErr(w, domain.NewContractError("channel publish", "text is required"))
		return
	}
	sender := IdentityFrom(r.Context()).SessionID
	if err := h.backend.ChannelPublish(r.Context(), r.PathValue("name"), sender, req.Text); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// === Agent handlers ===

// AgentStatus records an agent's self-reported status.
// POST /agents/status
func (h *Handler) AgentStatus(w http.ResponseWriter, r *http.Request) {
	var req AgentStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, domain.NewContractError("agent status", "invalid JSON body: %v", err))
		return
	}
	if req.Status == "" {
		h.writeErr(w, domain.NewContractError("agent status", "status is required"))
		return
	}
	err := h.backend.AgentStatus(r.Context(), domain.AgentStatusUpdate{
		SessionID: IdentityFrom(r.Context()).SessionID,
		Status:    req.Status,
		Detail:    req.Detail,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Availability returns the agent fleet snapshot.
// GET /agents/availability
func (h *Handler) Availability(w http.ResponseWriter, _ *http.Request) {
	av, err := h.backend.Availability()
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, av)
}

// === Context handlers ===

// ContextQuery searches the event log.
// GET /context/query?prefix=domain.todo&since=2026-01-17T00:00:00Z&limit=50
func (h *Handler) ContextQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var since time.Time
	if raw := q.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeErr(w, domain.NewContractError("context query", "since must be RFC3339: %v", err))
			return
		}
		since = parsed
	}

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeErr(w, domain.NewContractError("context query", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	list, err := h.backend.ContextQuery(q.Get("prefix"), since, limit)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"envelopes": list, "total": len(list)})
}

// ContextHelp returns the daemon's self-describing command help.
// GET /context/help
func (h *Handler) ContextHelp(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"help": h.backend.ContextHelp()})
}

// Deploy requests a deploy of a named target.
// POST /deploy
func (h *Handler) Deploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, domain.NewContractError("deploy", "invalid JSON body: %v", err))
		return
	}
	if req.Target == "" {
		h.writeErr(w, domain.NewContractError("deploy", "target is required"))
		return
	}
	err := h.backend.Deploy(r.Context(), domain.DeployRequest{
		Target:    req.Target,
		Ref:       req.Ref,
		By:        IdentityFrom(r.Context()).SessionID,
		SessionID: IdentityFrom(r.Context()).SessionID,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// === Helpers ===

func sessionToResponse(sess *domain.Session) SessionResponse {
	return SessionResponse{
		SessionID:      sess.SessionID,
		Computer:       sess.Computer,
		ProjectPath:    sess.ProjectPath,
		MuxName:        sess.MuxName,
		OriginAdapter:  sess.OriginAdapter,
		Title:          sess.Title,
		SystemRole:     string(sess.SystemRole),
		HumanRole:      string(sess.HumanRole),
		State:          sess.State.String(),
		Headless:       sess.Headless,
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivityAt,
	}
}

// envelopeSession extracts the session scope from an envelope payload.
func envelopeSession(env *domain.EventEnvelope) string {
	var scope struct {
		SessionID string `json:"session_id"`
	}
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &scope)
	}
	return scope.SessionID
}

// decodeOptional decodes a body that is allowed to be absent.
func decodeOptional(r *http.Request, dst any) {
	if r.Body != nil && r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(dst)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatAPI, "failed to encode JSON response", err)
	}
}

// writeErr maps the error taxonomy onto HTTP statuses and the wire codes.
func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	h.writeJSON(w, status, ErrorResponse{
		Error: err.Error(),
		Code:  code,
	})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, controlplane.ErrMissingIdentity),
		errors.Is(err, controlplane.ErrUnknownCaller):
		return http.StatusUnauthorized, "identity_error"
	case errors.Is(err, controlplane.ErrNotFound):
		return http.StatusNotFound, "not_found"
	}

	switch domain.Classify(err) {
	case domain.ClassContract:
		return http.StatusBadRequest, "contract_error"
	case domain.ClassIdentity:
		return http.StatusForbidden, "identity_error"
	case domain.ClassRole:
		return http.StatusForbidden, "role_error"
	case domain.ClassTransient:
		return http.StatusServiceUnavailable, "transient_dependency_error"
	case domain.ClassPermanent:
		return http.StatusBadGateway, "permanent_delivery_error"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
