package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleclaude/internal/controlplane"
	"teleclaude/internal/domain"
	"teleclaude/internal/pubsub"
	"teleclaude/internal/sessions"
	"teleclaude/internal/todos"
)

var errNotFound = errors.New("session not found")

// fakeBackend records mutations and serves canned reads.
type fakeBackend struct {
	sessions map[string]*domain.Session
	events   chan pubsub.Event[*domain.EventEnvelope]

	created    []sessions.CreateParams
	sent       []*domain.InboundMessage
	ended      []string
	escalated  []domain.Escalation
	statuses   []domain.AgentStatusUpdate
	deploys    []domain.DeployRequest
	err        error
	mutations  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		sessions: map[string]*domain.Session{},
		events:   make(chan pubsub.Event[*domain.EventEnvelope], 16),
	}
}

func (b *fakeBackend) ListSessions(string) ([]*domain.Session, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := make([]*domain.Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (b *fakeBackend) GetSession(id string) (*domain.Session, error) {
	if s, ok := b.sessions[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("session %s: %w", id, controlplane.ErrNotFound)
}

func (b *fakeBackend) CreateSession(_ context.Context, p sessions.CreateParams) (*domain.Session, error) {
	b.mutations++
	if b.err != nil {
		return nil, b.err
	}
	b.created = append(b.created, p)
	return &domain.Session{
		SessionID:  "newsession00000000000000000000ff",
		Computer:   p.Computer,
		MuxName:    "tc-newsession0",
		SystemRole: p.SystemRole,
		HumanRole:  p.HumanRole,
		State:      domain.SessionStateInitializing,
	}, nil
}

func (b *fakeBackend) SendMessage(_ context.Context, msg *domain.InboundMessage) (int64, bool, error) {
	b.mutations++
	if b.err != nil {
		return 0, false, b.err
	}
	if _, ok := b.sessions[msg.SessionID]; !ok {
		return 0, false, fmt.Errorf("session %s: %w", msg.SessionID, controlplane.ErrNotFound)
	}
	b.sent = append(b.sent, msg)
	return int64(len(b.sent)), false, nil
}

func (b *fakeBackend) RunCommand(context.Context, string, []string) error { b.mutations++; return b.err }

func (b *fakeBackend) EndSession(_ context.Context, id, _ string) error {
	b.mutations++
	b.ended = append(b.ended, id)
	return b.err
}

func (b *fakeBackend) Unsubscribe(string, string) error { b.mutations++; return b.err }

func (b *fakeBackend) AttachFile(context.Context, string, string, string, []byte) error {
	b.mutations++
	return b.err
}

func (b *fakeBackend) RefreshWidget(context.Context, string) error { b.mutations++; return b.err }

func (b *fakeBackend) Escalate(_ context.Context, esc domain.Escalation) error {
	b.mutations++
	b.escalated = append(b.escalated, esc)
	return b.err
}

func (b *fakeBackend) SessionResult(_ context.Context, id string) (string, error) {
	if _, ok := b.sessions[id]; !ok {
		return "", fmt.Errorf("session %s: %w", id, controlplane.ErrNotFound)
	}
	return "recent output", nil
}

func (b *fakeBackend) Events(context.Context) <-chan pubsub.Event[*domain.EventEnvelope] {
	return b.events
}

func (b *fakeBackend) ListTodos() ([]*todos.State, error) { return nil, b.err }

func (b *fakeBackend) TodoPrepare(context.Context, string, string) (*todos.State, error) {
	b.mutations++
	return &todos.State{}, b.err
}

func (b *fakeBackend) TodoWork(context.Context, string) (*todos.State, error) {
	b.mutations++
	return &todos.State{}, b.err
}

func (b *fakeBackend) TodoMaintain(context.Context, string) (*todos.State, error) {
	b.mutations++
	return &todos.State{}, b.err
}

func (b *fakeBackend) TodoMarkPhase(context.Context, string, string, string) (*todos.State, error) {
	b.mutations++
	return &todos.State{}, b.err
}

func (b *fakeBackend) TodoSetDeps(context.Context, string, []string) (*todos.State, error) {
	b.mutations++
	return &todos.State{}, b.err
}

func (b *fakeBackend) ListComputers() ([]*domain.Computer, error) { return nil, b.err }

func (b *fakeBackend) RegisterComputer(context.Context, string, string) (*domain.Computer, error) {
	b.mutations++
	return &domain.Computer{Name: "devbox"}, b.err
}

func (b *fakeBackend) ListProjects(string) ([]*domain.Project, error) { return nil, b.err }

func (b *fakeBackend) UpsertProject(context.Context, string, string, string) (*domain.Project, error) {
	b.mutations++
	return &domain.Project{}, b.err
}

func (b *fakeBackend) ListChannels() ([]*domain.Channel, error) { return nil, b.err }

func (b *fakeBackend) ChannelPublish(context.Context, string, string, string) error {
	b.mutations++
	return b.err
}

func (b *fakeBackend) AgentStatus(_ context.Context, update domain.AgentStatusUpdate) error {
	b.mutations++
	b.statuses = append(b.statuses, update)
	return b.err
}

func (b *fakeBackend) Availability() (*controlplane.Availability, error) {
	return &controlplane.Availability{}, b.err
}

func (b *fakeBackend) ContextQuery(string, time.Time, int) ([]*domain.EventEnvelope, error) {
	return nil, b.err
}

func (b *fakeBackend) ContextHelp() string { return "help text" }

func (b *fakeBackend) Deploy(_ context.Context, req domain.DeployRequest) error {
	b.mutations++
	b.deploys = append(b.deploys, req)
	return b.err
}

type fakeLookup struct {
	sessions map[string]*domain.Session
}

func (f *fakeLookup) GetBySessionID(id string) (*domain.Session, error) {
	if s, ok := f.sessions[id]; ok {
		return s, nil
	}
	return nil, errNotFound
}

// fixture wires a handler with two sessions: an orchestrator/admin and a
// worker/worker.
type fixture struct {
	backend *fakeBackend
	routes  *http.ServeMux
}

const (
	adminSession  = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	adminMux      = "tc-aaaaaaaaaaaa"
	workerSession = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	workerMux     = "tc-bbbbbbbbbbbb"
)

func newFixture(t *testing.T) *fixture {
	t.Helper()

	admin := &domain.Session{
		SessionID: adminSession, Computer: "devbox", MuxName: adminMux,
		SystemRole: domain.SystemRoleOrchestrator, HumanRole: domain.HumanRoleAdmin,
		State: domain.SessionStateActive,
	}
	worker := &domain.Session{
		SessionID: workerSession, Computer: "devbox", MuxName: workerMux,
		SystemRole: domain.SystemRoleWorker, HumanRole: domain.HumanRoleWorker,
		State: domain.SessionStateActive,
	}

	backend := newFakeBackend()
	backend.sessions[adminSession] = admin
	backend.sessions[workerSession] = worker

	lookup := &fakeLookup{sessions: map[string]*domain.Session{
		adminSession:  admin,
		workerSession: worker,
	}}
	verifier := controlplane.NewVerifier(lookup, errNotFound)
	handler := NewHandler(backend, verifier)
	return &fixture{backend: backend, routes: handler.Routes()}
}

func (f *fixture) request(t *testing.T, method, path, caller, mux string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if caller != "" {
		req.Header.Set(controlplane.HeaderCallerSession, caller)
	}
	if mux != "" {
		req.Header.Set(controlplane.HeaderMuxSession, mux)
	}
	rec := httptest.NewRecorder()
	f.routes.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Code
}

func TestHealthz_Public(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodGet, "/healthz", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMissingIdentity_Unauthorized(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodGet, "/sessions", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "identity_error", errorCode(t, rec))
}

func TestUnknownCaller_Unauthorized(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodGet, "/sessions", "cccccccccccccccccccccccccccccccc", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "identity_error", errorCode(t, rec))
}

func TestIdentityMismatch_ForbiddenAndNoWrites(t *testing.T) {
	f := newFixture(t)

	// The admin session claims its id but attests the worker's pane.
	rec := f.request(t, http.MethodPost, "/sessions", adminSession, workerMux,
		CreateSessionRequest{ProjectPath: "/work"})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "identity_error", errorCode(t, rec))
	assert.Zero(t, f.backend.mutations, "backend must stay untouched")
}

func TestRoleDenied_ForbiddenAndNoWrites(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/sessions", workerSession, workerMux,
		CreateSessionRequest{ProjectPath: "/work"})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "role_error", errorCode(t, rec))
	assert.Zero(t, f.backend.mutations)
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/sessions", adminSession, adminMux,
		CreateSessionRequest{ProjectPath: "/work", SystemRole: "worker", HumanRole: "member"})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, f.backend.created, 1)
	assert.Equal(t, "/work", f.backend.created[0].ProjectPath)
	assert.Equal(t, "api", f.backend.created[0].Origin)

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SessionID)
}

func TestCreateSession_MissingProjectPath(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodPost, "/sessions", adminSession, adminMux, CreateSessionRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "contract_error", errorCode(t, rec))
}

func TestSend_WorkerAllowed(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/sessions/"+adminSession+"/send",
		workerSession, workerMux, SendRequest{Text: "hello"})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, f.backend.sent, 1)
	assert.Equal(t, adminSession, f.backend.sent[0].SessionID)
	assert.Equal(t, workerSession, f.backend.sent[0].ActorID)

	var resp SendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.MessageID)
}

func TestSend_UnknownSessionNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodPost, "/sessions/cccccccccccccccccccccccccccccccc/send",
		workerSession, workerMux, SendRequest{Text: "hello"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorCode(t, rec))
}

func TestTransientBackendFailure_ServiceUnavailable(t *testing.T) {
	f := newFixture(t)
	f.backend.err = domain.Transient("store", errors.New("db locked"))

	rec := f.request(t, http.MethodGet, "/sessions", workerSession, workerMux, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "transient_dependency_error", errorCode(t, rec))
}

func TestEscalate_WorkerAllowed(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/sessions/"+workerSession+"/escalate",
		workerSession, workerMux, EscalateRequest{Summary: "stuck on merge conflict"})

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.backend.escalated, 1)
	assert.Equal(t, workerSession, f.backend.escalated[0].SessionID)
}

func TestAgentStatus_SessionFromIdentity(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/agents/status",
		workerSession, workerMux, AgentStatusRequest{Status: "working"})

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.backend.statuses, 1)
	assert.Equal(t, workerSession, f.backend.statuses[0].SessionID)
}

func TestDeploy_NeedsOrchestratorAdmin(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/deploy", workerSession, workerMux,
		DeployRequest{Target: "staging"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.request(t, http.MethodPost, "/deploy", adminSession, adminMux,
		DeployRequest{Target: "staging"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.backend.deploys, 1)
	assert.Equal(t, "staging", f.backend.deploys[0].Target)
	assert.Equal(t, adminSession, f.backend.deploys[0].By)
}

func TestTail_StreamsSessionEnvelopes(t *testing.T) {
	f := newFixture(t)
	server := httptest.NewServer(f.routes)
	defer server.Close()

	mine, err := domain.NewEnvelope(domain.EventSessionOutput,
		domain.OutputUpdate{SessionID: adminSession, Text: "hi"}, time.Now())
	require.NoError(t, err)
	other, err := domain.NewEnvelope(domain.EventSessionOutput,
		domain.OutputUpdate{SessionID: workerSession, Text: "nope"}, time.Now())
	require.NoError(t, err)
	f.backend.events <- pubsub.Event[*domain.EventEnvelope]{Payload: other}
	f.backend.events <- pubsub.Event[*domain.EventEnvelope]{Payload: mine}

	req, err := http.NewRequest(http.MethodGet, server.URL+"/sessions/"+adminSession+"/tail", nil)
	require.NoError(t, err)
	req.Header.Set(controlplane.HeaderCallerSession, workerSession)
	req.Header.Set(controlplane.HeaderMuxSession, workerMux)

	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 4 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if trimmed := strings.TrimRight(line, "\n"); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}

	assert.Equal(t, "event: connected", lines[0])
	assert.Equal(t, "event: "+domain.EventSessionOutput, lines[2])
	assert.Contains(t, lines[3], adminSession)
	assert.NotContains(t, strings.Join(lines, "\n"), "nope",
		"other sessions' envelopes must be filtered out")
}

func TestTail_UnknownSession(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodGet, "/sessions/cccccccccccccccccccccccccccccccc/tail",
		workerSession, workerMux, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_UnixSocketRoundTrip(t *testing.T) {
	f := newFixture(t)
	socketPath := filepath.Join(t.TempDir(), "run", "daemon.sock")

	srv, err := NewServer(ServerConfig{SocketPath: socketPath, Handler: NewHandler(f.backend, newTestVerifier())})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}

	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = client.Get("http://unix/healthz")
		return err == nil
	}, time.Second, 10*time.Millisecond)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, <-done)

	_, err = net.Dial("unix", socketPath)
	assert.Error(t, err, "socket must be removed on stop")
}

func TestServer_UnlinksStaleSocket(t *testing.T) {
	f := newFixture(t)
	socketPath := filepath.Join(t.TempDir(), "daemon.sock")

	// A listener nobody answers on anymore.
	l, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	srv, err := NewServer(ServerConfig{SocketPath: socketPath, Handler: NewHandler(f.backend, newTestVerifier())})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
}

func newTestVerifier() *controlplane.Verifier {
	return controlplane.NewVerifier(&fakeLookup{sessions: map[string]*domain.Session{}}, errNotFound)
}
