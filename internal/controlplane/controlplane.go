// Package controlplane defines the contract between the unix-socket API and
// the daemon behind it: the Backend interface the handlers call, the
// dual-factor identity verifier, and the static role matrix. The HTTP layer
// itself lives in the api subpackage.
package controlplane

import (
	"context"
	"errors"
	"time"

	"teleclaude/internal/domain"
	"teleclaude/internal/pubsub"
	"teleclaude/internal/sessions"
	"teleclaude/internal/todos"
)

// ErrNotFound marks lookups of ids that do not exist. The backend wraps
// store sentinels in it so the API layer can answer 404 without knowing the
// store.
var ErrNotFound = errors.New("not found")

// Backend is the daemon surface the control plane exposes. The orchestrator
// implements it.
type Backend interface {
	// Sessions
	ListSessions(state string) ([]*domain.Session, error)
	GetSession(sessionID string) (*domain.Session, error)
	CreateSession(ctx context.Context, p sessions.CreateParams) (*domain.Session, error)
	SendMessage(ctx context.Context, msg *domain.InboundMessage) (int64, bool, error)
	RunCommand(ctx context.Context, sessionID string, keys []string) error
	EndSession(ctx context.Context, sessionID, reason string) error
	Unsubscribe(sessionID, adapter string) error
	AttachFile(ctx context.Context, sessionID, filename, caption string, content []byte) error
	RefreshWidget(ctx context.Context, sessionID string) error
	Escalate(ctx context.Context, esc domain.Escalation) error
	SessionResult(ctx context.Context, sessionID string) (string, error)

	// Events is the live envelope stream; the subscription ends with ctx.
	Events(ctx context.Context) <-chan pubsub.Event[*domain.EventEnvelope]

	// Todos
	ListTodos() ([]*todos.State, error)
	TodoPrepare(ctx context.Context, id, title string) (*todos.State, error)
	TodoWork(ctx context.Context, id string) (*todos.State, error)
	TodoMaintain(ctx context.Context, id string) (*todos.State, error)
	TodoMarkPhase(ctx context.Context, id, phase, by string) (*todos.State, error)
	TodoSetDeps(ctx context.Context, id string, deps []string) (*todos.State, error)

	// Directory
	ListComputers() ([]*domain.Computer, error)
	RegisterComputer(ctx context.Context, name, address string) (*domain.Computer, error)
	ListProjects(computer string) ([]*domain.Project, error)
	UpsertProject(ctx context.Context, computer, name, path string) (*domain.Project, error)
	ListChannels() ([]*domain.Channel, error)
	ChannelPublish(ctx context.Context, channel, sender, text string) error

	// Agents
	AgentStatus(ctx context.Context, update domain.AgentStatusUpdate) error
	Availability() (*Availability, error)

	// Context
	ContextQuery(prefix string, since time.Time, limit int) ([]*domain.EventEnvelope, error)
	ContextHelp() string

	// Deploy
	Deploy(ctx context.Context, req domain.DeployRequest) error
}

// Availability is the agent fleet snapshot served by GET /agents/availability.
type Availability struct {
	Computers []*domain.Computer  `json:"computers"`
	Agents    []AgentAvailability `json:"agents"`
}

// AgentAvailability is one agent session's standing in the fleet.
type AgentAvailability struct {
	SessionID      string    `json:"session_id"`
	Computer       string    `json:"computer"`
	Title          string    `json:"title,omitempty"`
	SystemRole     string    `json:"system_role"`
	State          string    `json:"state"`
	QueueDepth     int       `json:"queue_depth"`
	LastActivityAt time.Time `json:"last_activity_at"`
}
