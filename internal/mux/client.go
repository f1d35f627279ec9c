// Package mux bridges the daemon to the terminal multiplexer hosting agent
// sessions. All subprocess calls are bounded by a per-call timeout; timeouts
// surface as transient errors so queue workers retry with backoff.
package mux

import "context"

// NewSessionOpts carries the optional parts of session creation.
type NewSessionOpts struct {
	// Dir is the working directory of the new session's first pane.
	Dir string
	// Env is exported into the session environment (identity and socket
	// variables, guarded PATH).
	Env map[string]string
	// Headless marks sessions no human attaches to; they get a fixed wide
	// geometry instead of inheriting a terminal size on attach.
	Headless bool
}

// Client is the multiplexer bridge. Session names are derived from session
// ids (domain.MuxNameFor) and never typed by humans.
type Client interface {
	// NewSession creates a detached session with the given name.
	NewSession(ctx context.Context, name string, opts NewSessionOpts) error
	// HasSession reports whether the named session is alive. Answers are
	// cached briefly; NewSession and KillSession invalidate the cache.
	HasSession(ctx context.Context, name string) (bool, error)
	// KillSession destroys the named session. Returns ErrSessionNotFound
	// when it is already gone; callers closing a session ignore that.
	KillSession(ctx context.Context, name string) error
	// SendKeys injects text into the session's active pane wrapped in
	// bracketed-paste delimiters and submitted with a carriage return, as
	// a single injection call.
	SendKeys(ctx context.Context, name, text string) error
	// SendRawKeys injects key names (e.g. "C-c", "Escape") verbatim,
	// without paste wrapping.
	SendRawKeys(ctx context.Context, name string, keys ...string) error
	// CapturePane returns the last lines of the session's active pane.
	CapturePane(ctx context.Context, name string, lines int) (string, error)
	// ListSessions returns all live session names. A stopped multiplexer
	// server yields an empty list, not an error.
	ListSessions(ctx context.Context) ([]string, error)
	// AttestSession returns the name of the session the current process
	// runs inside, or "" outside any session. CLI callers present this
	// value as the second identity factor.
	AttestSession(ctx context.Context) (string, error)
}
