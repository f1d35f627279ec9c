package adapters

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"teleclaude/internal/domain"
)

// fakeAdapter records calls; errors are scriptable per method.
type fakeAdapter struct {
	name       string
	startErr   error
	deliverErr error

	mu           sync.Mutex
	started      int
	stopped      int
	deliverCalls int
	breaks       []string
	mirrored     []string
	typings      int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started++
	return nil
}

func (f *fakeAdapter) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeAdapter) Deliver(ctx context.Context, env *domain.EventEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliverCalls++
	return f.deliverErr
}

func (f *fakeAdapter) BreakThread(ctx context.Context, sess *domain.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breaks = append(f.breaks, sess.SessionID)
}

func (f *fakeAdapter) MirrorInput(ctx context.Context, sess *domain.Session, msg *domain.InboundMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mirrored = append(f.mirrored, msg.Content)
}

func (f *fakeAdapter) Typing(ctx context.Context, sess *domain.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typings++
}

func TestRegistry_RejectsDuplicateAndEmptyNames(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeAdapter{name: "telegram"}))
	require.Error(t, r.Register(&fakeAdapter{name: "telegram"}))
	require.Error(t, r.Register(&fakeAdapter{name: ""}))
}

func TestRegistry_NamesPreserveRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"telegram", "discord", "webui"} {
		require.NoError(t, r.Register(&fakeAdapter{name: name}))
	}
	require.Equal(t, []string{"telegram", "discord", "webui"}, r.Names())
}

func TestRegistry_StartAllStopsStartedOnFailure(t *testing.T) {
	healthy := &fakeAdapter{name: "healthy"}
	broken := &fakeAdapter{name: "broken", startErr: errors.New("bad token")}
	never := &fakeAdapter{name: "never"}

	r := NewRegistry()
	require.NoError(t, r.Register(healthy))
	require.NoError(t, r.Register(broken))
	require.NoError(t, r.Register(never))

	require.Error(t, r.StartAll(context.Background()))
	require.Equal(t, 1, healthy.started)
	require.Equal(t, 1, healthy.stopped)
	require.Equal(t, 0, never.started)
}

func TestRegistry_RegisterAfterStartFails(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeAdapter{name: "telegram"}))
	require.NoError(t, r.StartAll(context.Background()))
	require.Error(t, r.Register(&fakeAdapter{name: "discord"}))
}

func TestRegistry_StopAllRunsOnce(t *testing.T) {
	a := &fakeAdapter{name: "telegram"}
	r := NewRegistry()
	require.NoError(t, r.Register(a))
	require.NoError(t, r.StartAll(context.Background()))

	r.StopAll()
	r.StopAll()
	require.Equal(t, 1, a.stopped)
}
