package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"teleclaude/internal/domain"
)

type stubSessions map[string]*domain.Session

func (s stubSessions) Get(id string) (*domain.Session, error) {
	if sess, ok := s[id]; ok {
		return sess, nil
	}
	return nil, fmt.Errorf("unknown session %s", id)
}

func testEnvelope(t *testing.T) *domain.EventEnvelope {
	t.Helper()
	env, err := domain.NewEnvelope(domain.EventSessionOutput, domain.OutputUpdate{
		SessionID: "sess-fan",
		Text:      "out",
	}, time.Now())
	require.NoError(t, err)
	return env
}

func TestDeliver_UnregisteredAdapterIsTransient(t *testing.T) {
	f := NewFanout(NewRegistry(), stubSessions{})

	err := f.Deliver(context.Background(), "whatsapp", testEnvelope(t))
	require.Equal(t, domain.ClassTransient, domain.Classify(err))
}

func TestDeliver_BreakerOpensAfterConsecutiveTransientFailures(t *testing.T) {
	down := &fakeAdapter{
		name:       "telegram",
		deliverErr: domain.Transient("deliver", fmt.Errorf("socket timeout")),
	}
	r := NewRegistry()
	require.NoError(t, r.Register(down))
	f := NewFanout(r, stubSessions{})
	env := testEnvelope(t)

	for i := 0; i < breakerTripAfter; i++ {
		err := f.Deliver(context.Background(), "telegram", env)
		require.Equal(t, domain.ClassTransient, domain.Classify(err))
	}
	require.Equal(t, breakerTripAfter, down.deliverCalls)

	// Open breaker fails fast; the adapter is not probed again.
	err := f.Deliver(context.Background(), "telegram", env)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	require.Equal(t, domain.ClassTransient, domain.Classify(err))
	require.Equal(t, breakerTripAfter, down.deliverCalls)
}

func TestDeliver_PermanentFailuresDoNotTrip(t *testing.T) {
	poison := &fakeAdapter{
		name:       "discord",
		deliverErr: domain.Permanent("deliver", "unknown session"),
	}
	r := NewRegistry()
	require.NoError(t, r.Register(poison))
	f := NewFanout(r, stubSessions{})
	env := testEnvelope(t)

	for i := 0; i < breakerTripAfter*2; i++ {
		err := f.Deliver(context.Background(), "discord", env)
		require.Equal(t, domain.ClassPermanent, domain.Classify(err))
	}
	require.Equal(t, breakerTripAfter*2, poison.deliverCalls)
}

func TestBreakThread_ReachesEveryAdapter(t *testing.T) {
	a := &fakeAdapter{name: "telegram"}
	b := &fakeAdapter{name: "discord"}
	r := NewRegistry()
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	sess := &domain.Session{SessionID: "sess-fan"}
	f := NewFanout(r, stubSessions{"sess-fan": sess})

	f.BreakThread(context.Background(), "sess-fan")
	require.Equal(t, []string{"sess-fan"}, a.breaks)
	require.Equal(t, []string{"sess-fan"}, b.breaks)

	f.BreakThread(context.Background(), "sess-missing")
	require.Len(t, a.breaks, 1)
}

func TestMirrorInput_SkipsOriginAndUnsubscribed(t *testing.T) {
	origin := &fakeAdapter{name: "telegram"}
	mirror := &fakeAdapter{name: "discord"}
	muted := &fakeAdapter{name: "webui"}
	r := NewRegistry()
	for _, a := range []*fakeAdapter{origin, mirror, muted} {
		require.NoError(t, r.Register(a))
	}
	f := NewFanout(r, stubSessions{})

	sess := &domain.Session{
		SessionID: "sess-fan",
		AdapterMetadata: domain.AdapterMetadata{
			"webui": json.RawMessage(`{"unsubscribed":true}`),
		},
	}
	f.MirrorInput(context.Background(), sess, &domain.InboundMessage{
		Origin:  "telegram",
		Content: "try main instead",
	})

	require.Empty(t, origin.mirrored)
	require.Equal(t, []string{"try main instead"}, mirror.mirrored)
	require.Empty(t, muted.mirrored)
}

func TestTyping_DebouncesPerSessionAndOrigin(t *testing.T) {
	a := &fakeAdapter{name: "telegram"}
	r := NewRegistry()
	require.NoError(t, r.Register(a))
	f := NewFanout(r, stubSessions{})

	one := &domain.Session{SessionID: "sess-one"}
	two := &domain.Session{SessionID: "sess-two"}

	f.Typing(context.Background(), one, "telegram")
	f.Typing(context.Background(), one, "telegram")
	f.Typing(context.Background(), two, "telegram")
	require.Equal(t, 2, a.typings)

	f.Typing(context.Background(), one, "discord")
	require.Equal(t, 2, a.typings)
}
