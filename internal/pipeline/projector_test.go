package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleclaude/internal/clock"
	"teleclaude/internal/domain"
)

type fakeProjectionStore struct {
	projected []projectedCall
	err       error
}

type projectedCall struct {
	envelopeID string
	summary    string
	now        time.Time
}

func (s *fakeProjectionStore) Project(env *domain.EventEnvelope, summary string, now time.Time) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.projected = append(s.projected, projectedCall{env.EnvelopeID, summary, now})
	return true, nil
}

func TestProjector_ProjectsWorkEnvelopes(t *testing.T) {
	store := &fakeProjectionStore{}
	p := NewProjector(store, clock.NewFakeAt(testNow))

	env := testEnvelope(t, domain.EventAgentEscalated,
		domain.Escalation{SessionID: "tc_abcdef123456ffff", Summary: "needs review"})
	out, err := p.Process(context.Background(), env)

	require.NoError(t, err)
	assert.Same(t, env, out)
	require.Len(t, store.projected, 1)
	assert.Equal(t, env.EnvelopeID, store.projected[0].envelopeID)
	assert.Equal(t, "escalation from session tc_abcdef123: needs review", store.projected[0].summary)
	assert.Equal(t, testNow, store.projected[0].now)
}

func TestProjector_SkipsRenderingTraffic(t *testing.T) {
	store := &fakeProjectionStore{}
	p := NewProjector(store, clock.NewFakeAt(testNow))

	for _, eventType := range []string{domain.EventSessionOutput, domain.EventSessionWidget} {
		env := testEnvelope(t, eventType, domain.OutputUpdate{SessionID: "s-1", Text: "…"})
		out, err := p.Process(context.Background(), env)
		require.NoError(t, err)
		assert.Same(t, env, out)
	}
	assert.Empty(t, store.projected)
}

func TestProjector_StoreErrorPassesEnvelopeThrough(t *testing.T) {
	store := &fakeProjectionStore{err: errors.New("locked")}
	p := NewProjector(store, clock.NewFakeAt(testNow))

	env := testEnvelope(t, domain.EventTodoPlanWritten,
		domain.TodoPlanWritten{TodoID: "fix-login", Path: "/tmp/plan.md"})
	out, err := p.Process(context.Background(), env)

	require.Error(t, err)
	assert.Same(t, env, out)
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		payload   any
		want      string
	}{
		{
			name:      "session closed with reason",
			eventType: domain.EventSessionClosed,
			payload:   domain.SessionEvent{SessionID: "tc_1", Title: "triage", Reason: "user request"},
			want:      "session triage closed: user request",
		},
		{
			name:      "session created without title",
			eventType: domain.EventSessionCreated,
			payload:   domain.SessionEvent{SessionID: "tc_abcdef123456ffff"},
			want:      "session tc_abcdef123 created",
		},
		{
			name:      "message failed",
			eventType: domain.EventMessageFailed,
			payload:   domain.MessageFailed{MessageID: 7, SessionID: "tc_1", Attempts: 5, Error: "gone"},
			want:      "message 7 to session tc_1 failed after 5 attempts: gone",
		},
		{
			name:      "plan written",
			eventType: domain.EventTodoPlanWritten,
			payload:   domain.TodoPlanWritten{TodoID: "fix-login", Path: "/p"},
			want:      "plan written for todo fix-login",
		},
		{
			name:      "channel post",
			eventType: domain.EventChannelPublished,
			payload:   domain.ChannelPost{Channel: "deploys", Sender: "tc_1", Text: "hi"},
			want:      "post to #deploys by tc_1",
		},
		{
			name:      "unknown type falls back to the type string",
			eventType: "domain.something.new",
			payload:   map[string]string{"k": "v"},
			want:      "domain.something.new",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testEnvelope(t, tt.eventType, tt.payload)
			assert.Equal(t, tt.want, Summarize(env))
		})
	}
}
