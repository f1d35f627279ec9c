// Package domain defines the entities the daemon persists and routes:
// sessions, inbound messages, event envelopes, outbound rows, notifications,
// and the directory records (computers, projects, people, channels). It also
// owns the error taxonomy shared by the queue workers and the control plane.
//
// Records here are plain structs with exported fields. Rows handed out by the
// store are snapshots; mutation happens through repository methods, never by
// editing a fetched struct.
package domain

import (
	"encoding/json"
	"time"
)

// SessionState represents the lifecycle state of a session.
type SessionState string

const (
	// SessionStateInitializing indicates the mux session exists but the
	// agent inside it has not signalled readiness yet.
	SessionStateInitializing SessionState = "initializing"

	// SessionStateActive indicates the session is running and deliverable.
	SessionStateActive SessionState = "active"

	// SessionStatePaused indicates input queues but is not delivered.
	SessionStatePaused SessionState = "paused"

	// SessionStateClosed indicates the session ended; pending input expires.
	SessionStateClosed SessionState = "closed"
)

// String returns the string representation of the session state.
func (s SessionState) String() string {
	return string(s)
}

// IsValid returns true if the state is a recognized session state.
func (s SessionState) IsValid() bool {
	switch s {
	case SessionStateInitializing, SessionStateActive, SessionStatePaused, SessionStateClosed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true once the session can never deliver again.
func (s SessionState) IsTerminal() bool {
	return s == SessionStateClosed
}

// AcceptsInput returns true if new inbound messages may still be enqueued.
// Paused sessions accept input; it stays queued until they resume.
func (s SessionState) AcceptsInput() bool {
	return s != SessionStateClosed
}

// SystemRole identifies what kind of process a session hosts.
type SystemRole string

const (
	// SystemRoleOrchestrator is the coordinating agent session.
	SystemRoleOrchestrator SystemRole = "orchestrator"
	// SystemRoleWorker is a task-executing agent session.
	SystemRoleWorker SystemRole = "worker"
	// SystemRoleObserver is a read-only session; it may watch but not mutate.
	SystemRoleObserver SystemRole = "observer"
	// SystemRolePeer is a remote daemon acting on behalf of another computer.
	SystemRolePeer SystemRole = "peer"
)

// IsValid returns true if the role is a recognized system role.
func (r SystemRole) IsValid() bool {
	switch r {
	case SystemRoleOrchestrator, SystemRoleWorker, SystemRoleObserver, SystemRolePeer:
		return true
	default:
		return false
	}
}

// HumanRole identifies the trust level of the person behind a session.
type HumanRole string

const (
	// HumanRoleAdmin may administer the daemon and all sessions.
	HumanRoleAdmin HumanRole = "admin"
	// HumanRoleMember is a regular trusted user.
	HumanRoleMember HumanRole = "member"
	// HumanRoleWorker is an agent-owned identity with narrow write access.
	HumanRoleWorker HumanRole = "worker"
	// HumanRoleHelpDesk handles customer conversations.
	HumanRoleHelpDesk HumanRole = "help-desk"
	// HumanRoleCustomer is an external person; read-mostly.
	HumanRoleCustomer HumanRole = "customer"
)

// IsValid returns true if the role is a recognized human role.
func (r HumanRole) IsValid() bool {
	switch r {
	case HumanRoleAdmin, HumanRoleMember, HumanRoleWorker, HumanRoleHelpDesk, HumanRoleCustomer:
		return true
	default:
		return false
	}
}

// AdapterMetadata maps an adapter name to that adapter's private delivery
// state for a session (platform chat ids, posted message refs, widget refs).
// Each adapter owns its slice exclusively; writers must go through
// the sessions repository so concurrent adapters never clobber each other.
type AdapterMetadata map[string]json.RawMessage

// Session is the daemon's record of one agent session. The session id is an
// opaque 128-bit value; the mux name is derived from it at creation and acts
// as the second identity factor for control-plane calls.
type Session struct {
	// ID is the database row id.
	ID int64
	// SessionID is the opaque identifier (32 lowercase hex chars).
	SessionID string
	// Computer is the daemon instance that owns the session.
	Computer string
	// ProjectPath is the working directory the session runs in.
	ProjectPath string
	// MuxName is the terminal multiplexer session name (unique per computer).
	MuxName string
	// OriginAdapter is the adapter that created the session ("api" for local).
	OriginAdapter string
	// Title is the human-readable session title.
	Title string
	// SystemRole is what kind of process the session hosts.
	SystemRole SystemRole
	// HumanRole is the trust level of the person behind the session.
	HumanRole HumanRole
	// State is the lifecycle state.
	State SessionState
	// Headless is true when no interactive pane is expected to survive;
	// delivery re-creates the mux session on demand.
	Headless bool
	// AdapterMetadata holds per-adapter delivery state.
	AdapterMetadata AdapterMetadata
	// CreatedAt is when the session record was created.
	CreatedAt time.Time
	// LastActivityAt is the last time input or output moved through.
	LastActivityAt time.Time
	// LastInputOrigin is the adapter the most recent input arrived from.
	LastInputOrigin string
	// LastMessageSent is when input was last delivered to the agent, nil if
	// never.
	LastMessageSent *time.Time
}

// IsActive returns true if the session is in the active state.
func (s *Session) IsActive() bool {
	return s.State == SessionStateActive
}

// MetadataFor returns the metadata slice for one adapter, nil if absent.
func (s *Session) MetadataFor(adapter string) json.RawMessage {
	if s.AdapterMetadata == nil {
		return nil
	}
	return s.AdapterMetadata[adapter]
}

// Unsubscribed reports whether the adapter opted out of this session's
// output fanout. The flag lives in the adapter's metadata slice.
func (s *Session) Unsubscribed(adapter string) bool {
	raw := s.MetadataFor(adapter)
	if len(raw) == 0 {
		return false
	}
	var probe struct {
		Unsubscribed bool `json:"unsubscribed"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Unsubscribed
}
