package sqlite

import (
	"encoding/json"
	"time"

	"teleclaude/internal/domain"
)

// All timestamps are stored as Unix milliseconds. Helpers below convert at
// the model boundary so repositories never touch raw integers.

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func toMillisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromMillisPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func stringOf(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// SessionModel is the database row for the sessions table.
type SessionModel struct {
	ID              int64
	SessionID       string
	Computer        string
	ProjectPath     string
	MuxName         string
	OriginAdapter   string
	Title           string
	SystemRole      string
	HumanRole       string
	State           string
	Headless        bool
	AdapterMetadata string
	CreatedAt       int64
	LastActivityAt  int64
	LastInputOrigin string
	LastMessageSent *int64
}

func toSessionModel(s *domain.Session) *SessionModel {
	meta := "{}"
	if len(s.AdapterMetadata) > 0 {
		if raw, err := json.Marshal(s.AdapterMetadata); err == nil {
			meta = string(raw)
		}
	}
	return &SessionModel{
		ID:              s.ID,
		SessionID:       s.SessionID,
		Computer:        s.Computer,
		ProjectPath:     s.ProjectPath,
		MuxName:         s.MuxName,
		OriginAdapter:   s.OriginAdapter,
		Title:           s.Title,
		SystemRole:      string(s.SystemRole),
		HumanRole:       string(s.HumanRole),
		State:           string(s.State),
		Headless:        s.Headless,
		AdapterMetadata: meta,
		CreatedAt:       toMillis(s.CreatedAt),
		LastActivityAt:  toMillis(s.LastActivityAt),
		LastInputOrigin: s.LastInputOrigin,
		LastMessageSent: toMillisPtr(s.LastMessageSent),
	}
}

func (m *SessionModel) toDomain() *domain.Session {
	var meta domain.AdapterMetadata
	if m.AdapterMetadata != "" {
		_ = json.Unmarshal([]byte(m.AdapterMetadata), &meta)
	}
	return &domain.Session{
		ID:              m.ID,
		SessionID:       m.SessionID,
		Computer:        m.Computer,
		ProjectPath:     m.ProjectPath,
		MuxName:         m.MuxName,
		OriginAdapter:   m.OriginAdapter,
		Title:           m.Title,
		SystemRole:      domain.SystemRole(m.SystemRole),
		HumanRole:       domain.HumanRole(m.HumanRole),
		State:           domain.SessionState(m.State),
		Headless:        m.Headless,
		AdapterMetadata: meta,
		CreatedAt:       fromMillis(m.CreatedAt),
		LastActivityAt:  fromMillis(m.LastActivityAt),
		LastInputOrigin: m.LastInputOrigin,
		LastMessageSent: fromMillisPtr(m.LastMessageSent),
	}
}

// InboundModel is the database row for the inbound_queue table.
type InboundModel struct {
	ID              int64
	SessionID       string
	Origin          string
	MessageType     string
	Content         string
	Payload         *string
	ActorID         string
	ActorName       string
	Status          string
	CreatedAt       int64
	ProcessedAt     *int64
	AttemptCount    int
	NextRetryAt     *int64
	LastError       string
	LockedAt        *int64
	SourceMessageID *string
	SourceChannelID *string
}

func toInboundModel(msg *domain.InboundMessage) *InboundModel {
	var payload *string
	if len(msg.Payload) > 0 {
		p := string(msg.Payload)
		payload = &p
	}
	return &InboundModel{
		ID:              msg.ID,
		SessionID:       msg.SessionID,
		Origin:          msg.Origin,
		MessageType:     string(msg.Type),
		Content:         msg.Content,
		Payload:         payload,
		ActorID:         msg.ActorID,
		ActorName:       msg.ActorName,
		Status:          string(msg.Status),
		CreatedAt:       toMillis(msg.CreatedAt),
		ProcessedAt:     toMillisPtr(msg.ProcessedAt),
		AttemptCount:    msg.AttemptCount,
		NextRetryAt:     toMillisPtr(msg.NextRetryAt),
		LastError:       msg.LastError,
		LockedAt:        toMillisPtr(msg.LockedAt),
		SourceMessageID: nullable(msg.SourceMessageID),
		SourceChannelID: nullable(msg.SourceChannelID),
	}
}

func (m *InboundModel) toDomain() *domain.InboundMessage {
	var payload json.RawMessage
	if m.Payload != nil {
		payload = json.RawMessage(*m.Payload)
	}
	return &domain.InboundMessage{
		ID:              m.ID,
		SessionID:       m.SessionID,
		Origin:          m.Origin,
		Type:            domain.MessageType(m.MessageType),
		Content:         m.Content,
		Payload:         payload,
		ActorID:         m.ActorID,
		ActorName:       m.ActorName,
		Status:          domain.MessageStatus(m.Status),
		CreatedAt:       fromMillis(m.CreatedAt),
		ProcessedAt:     fromMillisPtr(m.ProcessedAt),
		AttemptCount:    m.AttemptCount,
		NextRetryAt:     fromMillisPtr(m.NextRetryAt),
		LastError:       m.LastError,
		LockedAt:        fromMillisPtr(m.LockedAt),
		SourceMessageID: stringOf(m.SourceMessageID),
		SourceChannelID: stringOf(m.SourceChannelID),
	}
}

// OutboxModel is the database row for the outbound_event_queue table.
type OutboxModel struct {
	ID            int64
	EnvelopeID    string
	TargetAdapter *string
	Payload       string
	Status        string
	Attempts      int
	NextRetryAt   *int64
	LastError     string
	LockedAt      *int64
	ProcessedAt   *int64
	CreatedAt     int64
}

func toOutboxModel(row *domain.OutboxRow) *OutboxModel {
	payload := "{}"
	if len(row.Payload) > 0 {
		payload = string(row.Payload)
	}
	return &OutboxModel{
		ID:            row.ID,
		EnvelopeID:    row.EnvelopeID,
		TargetAdapter: nullable(row.TargetAdapter),
		Payload:       payload,
		Status:        string(row.Status),
		Attempts:      row.Attempts,
		NextRetryAt:   toMillisPtr(row.NextRetryAt),
		LastError:     row.LastError,
		LockedAt:      toMillisPtr(row.LockedAt),
		ProcessedAt:   toMillisPtr(row.ProcessedAt),
		CreatedAt:     toMillis(row.CreatedAt),
	}
}

func (m *OutboxModel) toDomain() *domain.OutboxRow {
	return &domain.OutboxRow{
		ID:            m.ID,
		EnvelopeID:    m.EnvelopeID,
		TargetAdapter: stringOf(m.TargetAdapter),
		Payload:       json.RawMessage(m.Payload),
		Status:        domain.MessageStatus(m.Status),
		Attempts:      m.Attempts,
		NextRetryAt:   fromMillisPtr(m.NextRetryAt),
		LastError:     m.LastError,
		LockedAt:      fromMillisPtr(m.LockedAt),
		ProcessedAt:   fromMillisPtr(m.ProcessedAt),
		CreatedAt:     fromMillis(m.CreatedAt),
	}
}

// EnvelopeModel is the database row for the event_envelopes table.
type EnvelopeModel struct {
	ID             int64
	EnvelopeID     string
	Type           string
	Payload        string
	GroupKey       string
	IdempotencyKey string
	ProducedAt     int64
	ProducerID     string
}

func toEnvelopeModel(e *domain.EventEnvelope) *EnvelopeModel {
	payload := "{}"
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}
	return &EnvelopeModel{
		ID:             e.ID,
		EnvelopeID:     e.EnvelopeID,
		Type:           e.Type,
		Payload:        payload,
		GroupKey:       e.GroupKey,
		IdempotencyKey: e.IdempotencyKey,
		ProducedAt:     toMillis(e.ProducedAt),
		ProducerID:     e.ProducerID,
	}
}

func (m *EnvelopeModel) toDomain() *domain.EventEnvelope {
	return &domain.EventEnvelope{
		ID:             m.ID,
		EnvelopeID:     m.EnvelopeID,
		Type:           m.Type,
		Payload:        json.RawMessage(m.Payload),
		GroupKey:       m.GroupKey,
		IdempotencyKey: m.IdempotencyKey,
		ProducedAt:     fromMillis(m.ProducedAt),
		ProducerID:     m.ProducerID,
	}
}

// NotificationModel is the database row for the notifications table.
type NotificationModel struct {
	ID             int64
	IdempotencyKey string
	GroupKey       string
	EnvelopeID     string
	Summary        string
	AgentStatus    string
	ClaimedBy      string
	ResolvedBy     string
	ResolvedAt     *int64
	Payload        *string
	CreatedAt      int64
	UpdatedAt      int64
}

func (m *NotificationModel) toDomain() *domain.Notification {
	var payload json.RawMessage
	if m.Payload != nil {
		payload = json.RawMessage(*m.Payload)
	}
	return &domain.Notification{
		ID:             m.ID,
		IdempotencyKey: m.IdempotencyKey,
		GroupKey:       m.GroupKey,
		EnvelopeID:     m.EnvelopeID,
		Summary:        m.Summary,
		AgentStatus:    domain.AgentStatus(m.AgentStatus),
		ClaimedBy:      m.ClaimedBy,
		ResolvedBy:     m.ResolvedBy,
		ResolvedAt:     fromMillisPtr(m.ResolvedAt),
		Payload:        payload,
		CreatedAt:      fromMillis(m.CreatedAt),
		UpdatedAt:      fromMillis(m.UpdatedAt),
	}
}
