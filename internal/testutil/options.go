package testutil

import (
	"encoding/json"
	"time"

	"teleclaude/internal/domain"
)

func defaultSession(sessionID string) *domain.Session {
	return &domain.Session{
		SessionID:      sessionID,
		Computer:       "test-computer",
		ProjectPath:    "/tmp/project",
		MuxName:        domain.MuxNameFor(sessionID),
		OriginAdapter:  "telegram",
		Title:          "test session",
		SystemRole:     domain.SystemRoleWorker,
		HumanRole:      domain.HumanRoleMember,
		State:          domain.SessionStateActive,
		CreatedAt:      Now,
		LastActivityAt: Now,
	}
}

func defaultInbound(sessionID, content string) *domain.InboundMessage {
	return &domain.InboundMessage{
		SessionID: sessionID,
		Origin:    "telegram",
		Type:      domain.MessageTypeText,
		Content:   content,
		ActorID:   "1000",
		ActorName: "tester",
		CreatedAt: Now,
	}
}

// SessionOption configures a seeded session.
type SessionOption func(*domain.Session)

// OnComputer sets the computer the session runs on.
func OnComputer(name string) SessionOption {
	return func(s *domain.Session) { s.Computer = name }
}

// InState sets the session lifecycle state.
func InState(state domain.SessionState) SessionOption {
	return func(s *domain.Session) { s.State = state }
}

// Titled sets the session title.
func Titled(title string) SessionOption {
	return func(s *domain.Session) { s.Title = title }
}

// AsSystemRole sets the session's system role.
func AsSystemRole(role domain.SystemRole) SessionOption {
	return func(s *domain.Session) { s.SystemRole = role }
}

// AsHumanRole sets the session's human role.
func AsHumanRole(role domain.HumanRole) SessionOption {
	return func(s *domain.Session) { s.HumanRole = role }
}

// Headless marks the session as running without an attached terminal.
func Headless() SessionOption {
	return func(s *domain.Session) { s.Headless = true }
}

// FromAdapter sets the adapter the session was created from.
func FromAdapter(adapter string) SessionOption {
	return func(s *domain.Session) { s.OriginAdapter = adapter }
}

// InProject sets the session's project path.
func InProject(path string) SessionOption {
	return func(s *domain.Session) { s.ProjectPath = path }
}

// CreatedAt sets the session creation time.
func CreatedAt(at time.Time) SessionOption {
	return func(s *domain.Session) {
		s.CreatedAt = at
		s.LastActivityAt = at
	}
}

// WithMetadata sets one adapter's metadata slice on the session.
func WithMetadata(adapter string, meta json.RawMessage) SessionOption {
	return func(s *domain.Session) {
		if s.AdapterMetadata == nil {
			s.AdapterMetadata = domain.AdapterMetadata{}
		}
		s.AdapterMetadata[adapter] = meta
	}
}

// InboundOption configures a seeded inbound message.
type InboundOption func(*domain.InboundMessage)

// ViaOrigin sets the adapter the message arrived through.
func ViaOrigin(origin string) InboundOption {
	return func(m *domain.InboundMessage) { m.Origin = origin }
}

// OfType sets the message type.
func OfType(mt domain.MessageType) InboundOption {
	return func(m *domain.InboundMessage) { m.Type = mt }
}

// SentBy sets the platform actor.
func SentBy(actorID, actorName string) InboundOption {
	return func(m *domain.InboundMessage) {
		m.ActorID = actorID
		m.ActorName = actorName
	}
}

// WithSourceMessage sets the platform message id used for dedup.
func WithSourceMessage(sourceID, channelID string) InboundOption {
	return func(m *domain.InboundMessage) {
		m.SourceMessageID = sourceID
		m.SourceChannelID = channelID
	}
}

// WithPayload sets the raw platform payload.
func WithPayload(payload json.RawMessage) InboundOption {
	return func(m *domain.InboundMessage) { m.Payload = payload }
}

// EnqueuedAt sets the message enqueue time.
func EnqueuedAt(at time.Time) InboundOption {
	return func(m *domain.InboundMessage) { m.CreatedAt = at }
}
