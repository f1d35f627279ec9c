package domain

import (
	"encoding/json"
	"time"
)

// AgentStatus tracks whether an agent has taken ownership of a notification.
type AgentStatus string

const (
	// AgentStatusNone means no agent has claimed the notification.
	AgentStatusNone AgentStatus = "none"
	// AgentStatusClaimed means an agent is working the notification.
	AgentStatusClaimed AgentStatus = "claimed"
	// AgentStatusResolved means the notification's work is done.
	AgentStatusResolved AgentStatus = "resolved"
)

// IsValid returns true if the status is a recognized agent status.
func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentStatusNone, AgentStatusClaimed, AgentStatusResolved:
		return true
	default:
		return false
	}
}

// Notification is a projected, human-facing record derived from envelopes by
// the notification projector cartridge. The idempotency key makes projection
// replay-safe; the group key coalesces bursts into one visible row.
type Notification struct {
	// ID is the database row id.
	ID int64
	// IdempotencyKey dedups projection; unique across the table.
	IdempotencyKey string
	// GroupKey identifies the coalescing group.
	GroupKey string
	// EnvelopeID references the latest envelope folded into this row.
	EnvelopeID string
	// Summary is the one-line human description.
	Summary string
	// AgentStatus tracks agent ownership.
	AgentStatus AgentStatus
	// ClaimedBy is the session id of the claiming agent, empty if none.
	ClaimedBy string
	// ResolvedBy is the session id that resolved the row, empty if open.
	ResolvedBy string
	// ResolvedAt is when the row was resolved, nil while open.
	ResolvedAt *time.Time
	// Payload carries the envelope body for display.
	Payload json.RawMessage
	// CreatedAt is when the row was first projected.
	CreatedAt time.Time
	// UpdatedAt is when the row last changed.
	UpdatedAt time.Time
}

// IsOpen returns true while the notification awaits resolution.
func (n *Notification) IsOpen() bool {
	return n.AgentStatus != AgentStatusResolved
}
