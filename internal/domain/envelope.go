package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types carried by envelopes. Dotted namespaces; prefix queries on the
// envelope log rely on these exact strings.
const (
	EventSessionCreated = "domain.session.created"
	EventSessionPaused  = "domain.session.paused"
	EventSessionResumed = "domain.session.resumed"
	EventSessionClosed  = "domain.session.closed"
	EventSessionMissing = "domain.session.missing"
	EventSessionOutput  = "domain.session.output"
	EventSessionWidget  = "domain.session.widget"

	EventMessageFailed = "domain.message.failed"

	EventAgentEscalated = "domain.agent.escalated"
	EventAgentStatus    = "domain.agent.status"

	EventTodoPlanWritten = "domain.todo.plan.written"
	EventTodoPhaseMarked = "domain.todo.phase.marked"
	EventTodoDepsSet     = "domain.todo.deps.set"

	EventChannelPublished = "domain.channel.published"
	EventDeployRequested  = "domain.deploy.requested"
)

// EventEnvelope is an immutable record in the event log. Once inserted it is
// never updated; downstream effects key off envelope_id and idempotency_key.
type EventEnvelope struct {
	// ID is the database row id.
	ID int64
	// EnvelopeID is a time-ordered ULID, unique across the log.
	EnvelopeID string
	// Type is one of the Event* constants.
	Type string
	// Payload is the event body.
	Payload json.RawMessage
	// GroupKey coalesces related envelopes (e.g. successive output updates
	// of one session share a group).
	GroupKey string
	// IdempotencyKey deduplicates republished envelopes. Empty disables
	// dedup for this envelope.
	IdempotencyKey string
	// ProducedAt is when the producer created the envelope.
	ProducedAt time.Time
	// ProducerID names the producing component or session.
	ProducerID string
}

// NewEnvelope builds an envelope with a fresh ULID, marshalling the payload.
func NewEnvelope(eventType string, payload any, now time.Time) (*EventEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &EventEnvelope{
		EnvelopeID: NewEnvelopeID(now),
		Type:       eventType,
		Payload:    raw,
		ProducedAt: now,
	}, nil
}

// WithGroup sets the group key and returns the envelope for chaining.
func (e *EventEnvelope) WithGroup(key string) *EventEnvelope {
	e.GroupKey = key
	return e
}

// WithIdempotency sets the idempotency key and returns the envelope.
func (e *EventEnvelope) WithIdempotency(key string) *EventEnvelope {
	e.IdempotencyKey = key
	return e
}

// WithProducer sets the producer id and returns the envelope.
func (e *EventEnvelope) WithProducer(id string) *EventEnvelope {
	e.ProducerID = id
	return e
}

// OutboxRow is one row of the durable outbound event queue. An envelope
// expands to one row per target adapter at publish time; envelopes with no
// session or channel scope expand to every registered adapter.
type OutboxRow struct {
	// ID is the database row id; per-adapter FIFO order is ascending ID.
	ID int64
	// EnvelopeID references the envelope this row delivers.
	EnvelopeID string
	// TargetAdapter names the delivering adapter.
	TargetAdapter string
	// Payload is the wire-encoded envelope, denormalized so delivery never
	// reads the envelope log.
	Payload json.RawMessage
	// Status is the delivery state.
	Status MessageStatus
	// Attempts is how many delivery attempts have failed so far.
	Attempts int
	// NextRetryAt gates re-fetching after a transient failure.
	NextRetryAt *time.Time
	// LastError is a classification-prefixed summary of the last failure.
	LastError string
	// LockedAt is when the current claim was taken, nil when unclaimed.
	LockedAt *time.Time
	// ProcessedAt is when the row reached a terminal state, nil before.
	ProcessedAt *time.Time
	// CreatedAt is when the row was inserted.
	CreatedAt time.Time
}

// envelopeWire is the JSON shape an envelope takes inside an outbox row's
// payload.
type envelopeWire struct {
	EnvelopeID     string          `json:"envelope_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	GroupKey       string          `json:"group_key,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ProducedAt     int64           `json:"produced_at"`
	ProducerID     string          `json:"producer_id,omitempty"`
}

// EncodeEnvelope serializes an envelope for embedding in an outbox row.
func EncodeEnvelope(e *EventEnvelope) ([]byte, error) {
	return json.Marshal(envelopeWire{
		EnvelopeID:     e.EnvelopeID,
		Type:           e.Type,
		Payload:        e.Payload,
		GroupKey:       e.GroupKey,
		IdempotencyKey: e.IdempotencyKey,
		ProducedAt:     e.ProducedAt.UnixMilli(),
		ProducerID:     e.ProducerID,
	})
}

// DecodeEnvelope is the inverse of EncodeEnvelope.
func DecodeEnvelope(data []byte) (*EventEnvelope, error) {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if w.EnvelopeID == "" || w.Type == "" {
		return nil, fmt.Errorf("decode envelope: missing envelope_id or type")
	}
	return &EventEnvelope{
		EnvelopeID:     w.EnvelopeID,
		Type:           w.Type,
		Payload:        w.Payload,
		GroupKey:       w.GroupKey,
		IdempotencyKey: w.IdempotencyKey,
		ProducedAt:     time.UnixMilli(w.ProducedAt),
		ProducerID:     w.ProducerID,
	}, nil
}

// OutputUpdate is the payload of a domain.session.output envelope. Adapters
// render it by editing the previously posted message in place when the
// platform supports edits.
type OutputUpdate struct {
	SessionID     string `json:"session_id"`
	Text          string `json:"text"`
	StartedAt     int64  `json:"started_at"`
	LastChangedAt int64  `json:"last_changed_at"`
}

// SessionEvent is the payload of session lifecycle envelopes
// (created, paused, resumed, closed, missing).
type SessionEvent struct {
	SessionID string `json:"session_id"`
	Computer  string `json:"computer"`
	Title     string `json:"title,omitempty"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
}

// WidgetUpdate is the payload of a domain.session.widget envelope.
type WidgetUpdate struct {
	SessionID    string `json:"session_id"`
	Text         string `json:"text"`
	State        string `json:"state"`
	QueueDepth   int    `json:"queue_depth"`
	LastActivity int64  `json:"last_activity"`
	RefreshedAt  int64  `json:"refreshed_at"`
}

// MessageFailed is the payload of a domain.message.failed envelope, emitted
// when an inbound row exhausts its retry budget or fails permanently.
type MessageFailed struct {
	SessionID string `json:"session_id"`
	MessageID int64  `json:"message_id"`
	Origin    string `json:"origin"`
	Error     string `json:"error"`
	Attempts  int    `json:"attempts"`
}

// Escalation is the payload of a domain.agent.escalated envelope.
type Escalation struct {
	SessionID string `json:"session_id"`
	Summary   string `json:"summary"`
	Detail    string `json:"detail,omitempty"`
	Severity  string `json:"severity,omitempty"`
}

// AgentStatusUpdate is the payload of a domain.agent.status envelope.
type AgentStatusUpdate struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// ChannelPost is the payload of a domain.channel.published envelope.
type ChannelPost struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
	Sender  string `json:"sender"`
}

// TodoPlanWritten is the payload of a domain.todo.plan.written envelope. Path
// points at the planning artifact the agent wrote.
type TodoPlanWritten struct {
	TodoID    string `json:"todo_id"`
	Path      string `json:"path"`
	SessionID string `json:"session_id,omitempty"`
}

// TodoPhaseMarked is the payload of a domain.todo.phase.marked envelope.
type TodoPhaseMarked struct {
	TodoID string `json:"todo_id"`
	Phase  string `json:"phase"`
	By     string `json:"by,omitempty"`
}

// TodoDepsSet is the payload of a domain.todo.deps.set envelope.
type TodoDepsSet struct {
	TodoID string   `json:"todo_id"`
	Deps   []string `json:"deps"`
}

// DeployRequest is the payload of a domain.deploy.requested envelope.
type DeployRequest struct {
	Target    string `json:"target"`
	Ref       string `json:"ref,omitempty"`
	By        string `json:"by,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}
