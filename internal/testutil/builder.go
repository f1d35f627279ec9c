package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"teleclaude/internal/domain"
	"teleclaude/internal/infrastructure/sqlite"
)

// Builder accumulates test fixtures and inserts them in dependency order.
type Builder struct {
	t        *testing.T
	db       *sqlite.DB
	sessions []*domain.Session
	messages []*domain.InboundMessage
}

// NewBuilder creates a builder for the given test database.
func NewBuilder(t *testing.T, db *sqlite.DB) *Builder {
	t.Helper()
	return &Builder{t: t, db: db}
}

// WithSession adds a session with optional configuration.
func (b *Builder) WithSession(sessionID string, opts ...SessionOption) *Builder {
	s := defaultSession(sessionID)
	for _, opt := range opts {
		opt(s)
	}
	b.sessions = append(b.sessions, s)
	return b
}

// WithInbound adds a queued inbound message for a session.
func (b *Builder) WithInbound(sessionID, content string, opts ...InboundOption) *Builder {
	m := defaultInbound(sessionID, content)
	for _, opt := range opts {
		opt(m)
	}
	b.messages = append(b.messages, m)
	return b
}

// Build inserts all accumulated fixtures: sessions first, then messages.
func (b *Builder) Build() {
	b.t.Helper()
	for _, s := range b.sessions {
		require.NoError(b.t, b.db.Sessions().Save(s))
	}
	for _, m := range b.messages {
		_, _, err := b.db.Inbound().Enqueue(m, m.CreatedAt)
		require.NoError(b.t, err)
	}
}

// Sessions returns the accumulated sessions, in insertion order.
func (b *Builder) Sessions() []*domain.Session {
	return b.sessions
}
