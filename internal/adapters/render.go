package adapters

import (
	"encoding/json"
	"fmt"
	"strings"

	"teleclaude/internal/domain"
)

// RenderOutput renders an output update as a chat message body under the
// platform's size limit. The session title heads the message so edits keep a
// stable anchor; when the text overflows, the tail survives because readers
// follow the newest output.
func RenderOutput(title, text string, limit int) string {
	header := "▸ " + title + "\n\n"
	body := strings.TrimRight(text, "\n")
	if body == "" {
		body = "…"
	}

	room := limit - len([]rune(header))
	runes := []rune(body)
	if len(runes) > room {
		clipped := string(runes[len(runes)-room+1:])
		if idx := strings.IndexByte(clipped, '\n'); idx >= 0 && idx < len(clipped)-1 {
			clipped = clipped[idx+1:]
		}
		body = "…" + clipped
	}
	return header + body
}

// RenderWidget renders a session status card as a chat message body.
func RenderWidget(w *domain.WidgetUpdate, title string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "▦ %s\n", title)
	fmt.Fprintf(&b, "state: %s\n", w.State)
	fmt.Fprintf(&b, "queued: %d\n", w.QueueDepth)
	if w.Text != "" {
		b.WriteString(w.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderMirror renders input that arrived on another surface. The origin and
// actor stay visible so readers know who is driving the session.
func RenderMirror(sess *domain.Session, msg *domain.InboundMessage) string {
	actor := msg.ActorName
	if actor == "" {
		actor = msg.ActorID
	}
	content := msg.Content
	if content == "" {
		content = "(" + string(msg.Type) + ")"
	}
	return fmt.Sprintf("✉ %s via %s → %s:\n%s", actor, msg.Origin, sessionTitle(sess.Title, sess.SessionID), content)
}

// RenderNotice renders an envelope as a one-shot chat notice. ok is false
// for types chat surfaces do not post: output and widget updates edit in
// place, and workflow events (todos, agent status, deploys) stay on the web
// surface.
func RenderNotice(env *domain.EventEnvelope) (string, bool) {
	switch env.Type {
	case domain.EventSessionCreated, domain.EventSessionPaused,
		domain.EventSessionResumed, domain.EventSessionClosed,
		domain.EventSessionMissing:
		var ev domain.SessionEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return "", false
		}
		return renderSessionEvent(env.Type, &ev), true

	case domain.EventMessageFailed:
		var f domain.MessageFailed
		if err := json.Unmarshal(env.Payload, &f); err != nil {
			return "", false
		}
		return fmt.Sprintf("⚠ input from %s was dropped after %d attempts: %s", f.Origin, f.Attempts, f.Error), true

	case domain.EventAgentEscalated:
		var esc domain.Escalation
		if err := json.Unmarshal(env.Payload, &esc); err != nil {
			return "", false
		}
		text := fmt.Sprintf("⚑ escalation (%s): %s", esc.Severity, esc.Summary)
		if esc.Detail != "" {
			text += "\n" + esc.Detail
		}
		return text, true

	default:
		return "", false
	}
}

// RenderChannelPost renders a channel publish for the platform channel.
func RenderChannelPost(p *domain.ChannelPost) string {
	if p.Sender == "" {
		return p.Text
	}
	return fmt.Sprintf("%s:\n%s", p.Sender, p.Text)
}

func renderSessionEvent(eventType string, ev *domain.SessionEvent) string {
	title := sessionTitle(ev.Title, ev.SessionID)
	var text string
	switch eventType {
	case domain.EventSessionCreated:
		text = "● session started: " + title
		if ev.Computer != "" {
			text += " on " + ev.Computer
		}
	case domain.EventSessionPaused:
		text = "◌ session paused: " + title
	case domain.EventSessionResumed:
		text = "● session resumed: " + title
	case domain.EventSessionClosed:
		text = "○ session closed: " + title
	case domain.EventSessionMissing:
		text = "⚠ session lost its terminal: " + title
	}
	if ev.Reason != "" {
		text += " (" + ev.Reason + ")"
	}
	return text
}

// sessionTitle falls back to a short id when the session has no title.
func sessionTitle(title, sessionID string) string {
	if title != "" {
		return title
	}
	if len(sessionID) > 12 {
		return sessionID[:12]
	}
	return sessionID
}
