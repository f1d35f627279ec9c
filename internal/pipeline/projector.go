package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"teleclaude/internal/clock"
	"teleclaude/internal/domain"
)

// ProjectionStore is the slice of the notification repository the projector
// writes. *sqlite.NotificationRepository satisfies it.
type ProjectionStore interface {
	Project(env *domain.EventEnvelope, summary string, now time.Time) (bool, error)
}

// Projector folds envelopes into the notification table. Output and widget
// envelopes are skipped: they are rendering traffic, not work items, and a
// busy session would bury every real notification under its own scroll.
type Projector struct {
	store ProjectionStore
	clk   clock.Clock
}

// NewProjector builds the notification projector cartridge.
func NewProjector(store ProjectionStore, clk clock.Clock) *Projector {
	return &Projector{store: store, clk: clk}
}

// Name implements Cartridge.
func (p *Projector) Name() string { return "notification-projector" }

// Process implements Cartridge. Projection failures surface as cartridge
// errors; the envelope itself always passes through.
func (p *Projector) Process(_ context.Context, env *domain.EventEnvelope) (*domain.EventEnvelope, error) {
	switch env.Type {
	case domain.EventSessionOutput, domain.EventSessionWidget:
		return env, nil
	}

	if _, err := p.store.Project(env, Summarize(env), p.clk.Now()); err != nil {
		return env, err
	}
	return env, nil
}

// Summarize renders the one-line notification summary for an envelope.
func Summarize(env *domain.EventEnvelope) string {
	switch env.Type {
	case domain.EventSessionCreated, domain.EventSessionPaused,
		domain.EventSessionResumed, domain.EventSessionClosed,
		domain.EventSessionMissing:
		var ev domain.SessionEvent
		if json.Unmarshal(env.Payload, &ev) == nil {
			verb := env.Type[len("domain.session."):]
			name := ev.Title
			if name == "" {
				name = shortID(ev.SessionID)
			}
			if ev.Reason != "" {
				return fmt.Sprintf("session %s %s: %s", name, verb, ev.Reason)
			}
			return fmt.Sprintf("session %s %s", name, verb)
		}
	case domain.EventMessageFailed:
		var ev domain.MessageFailed
		if json.Unmarshal(env.Payload, &ev) == nil {
			return fmt.Sprintf("message %d to session %s failed after %d attempts: %s",
				ev.MessageID, shortID(ev.SessionID), ev.Attempts, ev.Error)
		}
	case domain.EventAgentEscalated:
		var ev domain.Escalation
		if json.Unmarshal(env.Payload, &ev) == nil {
			return fmt.Sprintf("escalation from session %s: %s", shortID(ev.SessionID), ev.Summary)
		}
	case domain.EventAgentStatus:
		var ev domain.AgentStatusUpdate
		if json.Unmarshal(env.Payload, &ev) == nil {
			return fmt.Sprintf("agent %s reports %s", shortID(ev.SessionID), ev.Status)
		}
	case domain.EventTodoPlanWritten:
		var ev domain.TodoPlanWritten
		if json.Unmarshal(env.Payload, &ev) == nil {
			return fmt.Sprintf("plan written for todo %s", ev.TodoID)
		}
	case domain.EventTodoPhaseMarked:
		var ev domain.TodoPhaseMarked
		if json.Unmarshal(env.Payload, &ev) == nil {
			return fmt.Sprintf("todo %s entered %s", ev.TodoID, ev.Phase)
		}
	case domain.EventTodoDepsSet:
		var ev domain.TodoDepsSet
		if json.Unmarshal(env.Payload, &ev) == nil {
			return fmt.Sprintf("todo %s depends on %d items", ev.TodoID, len(ev.Deps))
		}
	case domain.EventChannelPublished:
		var ev domain.ChannelPost
		if json.Unmarshal(env.Payload, &ev) == nil {
			return fmt.Sprintf("post to #%s by %s", ev.Channel, ev.Sender)
		}
	case domain.EventDeployRequested:
		var ev domain.DeployRequest
		if json.Unmarshal(env.Payload, &ev) == nil {
			return fmt.Sprintf("deploy requested for %s", ev.Target)
		}
	}
	return env.Type
}

func shortID(sessionID string) string {
	if len(sessionID) > 12 {
		return sessionID[:12]
	}
	return sessionID
}
