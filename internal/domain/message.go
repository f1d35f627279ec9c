package domain

import (
	"encoding/json"
	"time"
)

// MessageType classifies inbound payloads.
type MessageType string

const (
	// MessageTypeText is plain text destined for the session's agent.
	MessageTypeText MessageType = "text"
	// MessageTypeVoice is an audio payload resolved to text before delivery.
	MessageTypeVoice MessageType = "voice"
	// MessageTypeFile is a file reference dropped into the session directory.
	MessageTypeFile MessageType = "file"
	// MessageTypeKeys is a raw key sequence sent to the pane verbatim.
	MessageTypeKeys MessageType = "keys"
)

// IsValid returns true if the type is a recognized message type.
func (t MessageType) IsValid() bool {
	switch t {
	case MessageTypeText, MessageTypeVoice, MessageTypeFile, MessageTypeKeys:
		return true
	default:
		return false
	}
}

// MessageStatus is the delivery state of a queued row. The same state machine
// serves the inbound queue and the outbound event queue.
type MessageStatus string

const (
	// MessageStatusPending means the row waits for a worker.
	MessageStatusPending MessageStatus = "pending"
	// MessageStatusProcessing means a worker holds the claim.
	MessageStatusProcessing MessageStatus = "processing"
	// MessageStatusDelivered means delivery succeeded; terminal.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusFailed means the last attempt failed and the row waits
	// out its backoff before the next retry.
	MessageStatusFailed MessageStatus = "failed"
	// MessageStatusExpired means the row was abandoned (session closed,
	// retry budget exhausted, or permanently undeliverable); terminal.
	MessageStatusExpired MessageStatus = "expired"
)

// IsValid returns true if the status is a recognized message status.
func (s MessageStatus) IsValid() bool {
	switch s {
	case MessageStatusPending, MessageStatusProcessing, MessageStatusDelivered,
		MessageStatusFailed, MessageStatusExpired:
		return true
	default:
		return false
	}
}

// IsTerminal returns true once the row will never be picked up again.
func (s MessageStatus) IsTerminal() bool {
	switch s {
	case MessageStatusDelivered, MessageStatusExpired:
		return true
	default:
		return false
	}
}

// InboundMessage is one row of the durable inbound queue. Rows are immutable
// snapshots; status transitions happen through the inbound repository.
type InboundMessage struct {
	// ID is the database row id; per-session FIFO order is ascending ID.
	ID int64
	// SessionID is the target session.
	SessionID string
	// Origin names the source adapter ("telegram", "discord", "webui",
	// "peer") or "api" for control-plane sends.
	Origin string
	// Type classifies the payload.
	Type MessageType
	// Content is the deliverable text. Empty for voice rows until the
	// transcriber resolves them.
	Content string
	// Payload carries origin-specific extras (source_url, file name, mime).
	Payload json.RawMessage
	// ActorID identifies the sender on the origin platform.
	ActorID string
	// ActorName is the sender's display name at enqueue time.
	ActorName string
	// Status is the delivery state.
	Status MessageStatus
	// CreatedAt is when the row was enqueued.
	CreatedAt time.Time
	// ProcessedAt is when the row reached a terminal state, nil before that.
	ProcessedAt *time.Time
	// AttemptCount is how many delivery attempts have failed so far.
	AttemptCount int
	// NextRetryAt gates re-fetching after a transient failure.
	NextRetryAt *time.Time
	// LastError is a classification-prefixed summary of the last failure.
	LastError string
	// LockedAt is when the current claim was taken, nil when unclaimed.
	LockedAt *time.Time
	// SourceMessageID is the platform's message id, used for replay dedup.
	SourceMessageID string
	// SourceChannelID is the platform's channel or chat id.
	SourceChannelID string
}

// HasSourceID returns true when the origin supplied a platform message id,
// which makes the row eligible for replay dedup.
func (m *InboundMessage) HasSourceID() bool {
	return m.SourceMessageID != ""
}
