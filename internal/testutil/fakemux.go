package testutil

import (
	"context"
	"sort"
	"sync"

	"teleclaude/internal/mux"
)

// Compile-time check that FakeMux implements the bridge interface.
var _ mux.Client = (*FakeMux)(nil)

// FakeMux implements mux.Client in memory. Tests script failures with
// FailNextSends and simulate external kills with RemoveSession.
type FakeMux struct {
	mu          sync.Mutex
	sessions    map[string]mux.NewSessionOpts
	sent        map[string][]string
	rawSent     map[string][][]string
	captures    map[string]string
	killed      []string
	sendErr     error
	sendFails   int
	createErr   error
	createFails int
	Attestation string
}

// NewFakeMux returns an empty fake multiplexer server.
func NewFakeMux() *FakeMux {
	return &FakeMux{
		sessions: make(map[string]mux.NewSessionOpts),
		sent:     make(map[string][]string),
		rawSent:  make(map[string][][]string),
		captures: make(map[string]string),
	}
}

// NewSession records the session. Duplicate names fail like tmux does.
func (f *FakeMux) NewSession(_ context.Context, name string, opts mux.NewSessionOpts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createFails > 0 {
		f.createFails--
		return f.createErr
	}
	if _, ok := f.sessions[name]; ok {
		return mux.ErrDuplicateSession
	}
	f.sessions[name] = opts
	return nil
}

// HasSession reports whether the named session exists.
func (f *FakeMux) HasSession(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[name]
	return ok, nil
}

// KillSession removes the session, failing when it never existed.
func (f *FakeMux) KillSession(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[name]; !ok {
		return mux.ErrSessionNotFound
	}
	delete(f.sessions, name)
	f.killed = append(f.killed, name)
	return nil
}

// SendKeys records the text, honoring scripted failures first.
func (f *FakeMux) SendKeys(_ context.Context, name, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendFails > 0 {
		f.sendFails--
		return f.sendErr
	}
	if _, ok := f.sessions[name]; !ok {
		return mux.ErrSessionNotFound
	}
	f.sent[name] = append(f.sent[name], text)
	return nil
}

// SendRawKeys records the key names, honoring scripted failures first.
func (f *FakeMux) SendRawKeys(_ context.Context, name string, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendFails > 0 {
		f.sendFails--
		return f.sendErr
	}
	if _, ok := f.sessions[name]; !ok {
		return mux.ErrSessionNotFound
	}
	f.rawSent[name] = append(f.rawSent[name], append([]string(nil), keys...))
	return nil
}

// CapturePane serves the text set by SetCapture.
func (f *FakeMux) CapturePane(_ context.Context, name string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[name]; !ok {
		return "", mux.ErrSessionNotFound
	}
	return f.captures[name], nil
}

// ListSessions returns the live session names, sorted.
func (f *FakeMux) ListSessions(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.sessions))
	for name := range f.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// AttestSession returns the scripted attestation.
func (f *FakeMux) AttestSession(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Attestation, nil
}

// FailNextSends makes the next n SendKeys/SendRawKeys calls return err.
func (f *FakeMux) FailNextSends(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendFails = n
	f.sendErr = err
}

// FailNextCreates makes the next n NewSession calls return err.
func (f *FakeMux) FailNextCreates(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createFails = n
	f.createErr = err
}

// RemoveSession drops a session without recording a kill, as if it died
// outside the daemon.
func (f *FakeMux) RemoveSession(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
}

// SetCapture sets the pane content CapturePane serves for name.
func (f *FakeMux) SetCapture(name, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures[name] = text
}

// Exists reports whether the named session is currently live.
func (f *FakeMux) Exists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[name]
	return ok
}

// Sent returns the texts delivered to name, in order.
func (f *FakeMux) Sent(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[name]...)
}

// RawSent returns the raw key sequences delivered to name, in order.
func (f *FakeMux) RawSent(name string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.rawSent[name]))
	copy(out, f.rawSent[name])
	return out
}

// Killed returns the names killed through KillSession, in order.
func (f *FakeMux) Killed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killed...)
}

// CreatedOpts returns the options the named session was created with.
func (f *FakeMux) CreatedOpts(name string) (mux.NewSessionOpts, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	opts, ok := f.sessions[name]
	return opts, ok
}
