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

var testNow = time.Date(2026, 1, 17, 12, 0, 0, 0, time.UTC)

func testEnvelope(t *testing.T, eventType string, payload any) *domain.EventEnvelope {
	t.Helper()
	env, err := domain.NewEnvelope(eventType, payload, testNow)
	require.NoError(t, err)
	return env
}

// recordingCartridge logs every envelope it sees and applies a canned verdict.
type recordingCartridge struct {
	name string
	seen []string
	err  error
	drop bool
}

func (c *recordingCartridge) Name() string { return c.name }

func (c *recordingCartridge) Process(_ context.Context, env *domain.EventEnvelope) (*domain.EventEnvelope, error) {
	c.seen = append(c.seen, env.EnvelopeID)
	if c.err != nil {
		return env, c.err
	}
	if c.drop {
		return nil, nil
	}
	return env, nil
}

func TestPipeline_RunsCartridgesInOrder(t *testing.T) {
	first := &recordingCartridge{name: "first"}
	second := &recordingCartridge{name: "second"}
	p := New(clock.NewFake(), first, second)

	env := testEnvelope(t, domain.EventAgentEscalated, domain.Escalation{SessionID: "s-1", Summary: "stuck"})
	out := p.Run(context.Background(), env)

	require.NotNil(t, out)
	assert.Equal(t, []string{env.EnvelopeID}, first.seen)
	assert.Equal(t, []string{env.EnvelopeID}, second.seen)
	assert.Equal(t, []string{"first", "second"}, p.Names())
}

func TestPipeline_DropShortCircuits(t *testing.T) {
	dropper := &recordingCartridge{name: "dropper", drop: true}
	after := &recordingCartridge{name: "after"}
	p := New(clock.NewFake(), dropper, after)

	env := testEnvelope(t, domain.EventAgentEscalated, domain.Escalation{SessionID: "s-1"})
	out := p.Run(context.Background(), env)

	assert.Nil(t, out)
	assert.Empty(t, after.seen, "cartridges after a drop must not run")
}

func TestPipeline_CartridgeErrorDoesNotDropEnvelope(t *testing.T) {
	failing := &recordingCartridge{name: "failing", err: errors.New("boom")}
	after := &recordingCartridge{name: "after"}
	p := New(clock.NewFake(), failing, after)

	env := testEnvelope(t, domain.EventAgentEscalated, domain.Escalation{SessionID: "s-1"})
	out := p.Run(context.Background(), env)

	require.NotNil(t, out, "a failing cartridge must not lose the envelope")
	assert.Equal(t, []string{env.EnvelopeID}, after.seen)
}

func TestPipeline_Empty(t *testing.T) {
	p := New(clock.NewFake())
	env := testEnvelope(t, domain.EventAgentEscalated, domain.Escalation{SessionID: "s-1"})
	assert.Same(t, env, p.Run(context.Background(), env))
}
