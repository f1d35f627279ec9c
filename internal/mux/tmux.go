package mux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"teleclaude/internal/domain"
)

// Multiplexer-specific errors mapped from tmux stderr.
var (
	// ErrServerDown indicates no multiplexer server is running.
	ErrServerDown = errors.New("no multiplexer server running")

	// ErrSessionNotFound indicates the target session does not exist.
	ErrSessionNotFound = errors.New("multiplexer session not found")

	// ErrDuplicateSession indicates a session with that name already exists.
	ErrDuplicateSession = errors.New("multiplexer session already exists")
)

const (
	// commandTimeout bounds every tmux subprocess. tmux talks to a local
	// socket; anything slower than this is a hung server.
	commandTimeout = 10 * time.Second

	// livenessTTL is how long HasSession answers are served from cache.
	livenessTTL = 2 * time.Second

	pasteBegin = "\x1b[200~"
	pasteEnd   = "\x1b[201~"
)

// Headless sessions get a fixed wide geometry so agent output wraps
// consistently; attended sessions size themselves on attach.
const (
	headlessWidth  = "220"
	headlessHeight = "50"
)

// Compile-time check that TmuxClient implements Client.
var _ Client = (*TmuxClient)(nil)

// TmuxClient implements Client by shelling out to the tmux binary.
type TmuxClient struct {
	binary  string
	timeout time.Duration
	alive   *cache.Cache
}

// NewTmuxClient creates a TmuxClient for the given binary (usually "tmux").
func NewTmuxClient(binary string) *TmuxClient {
	return &TmuxClient{
		binary:  binary,
		timeout: commandTimeout,
		alive:   cache.New(livenessTTL, time.Minute),
	}
}

// runTmux executes a tmux command and returns an error if it fails.
func (c *TmuxClient) runTmux(ctx context.Context, args ...string) error {
	_, err := c.runTmuxOutput(ctx, args...)
	return err
}

// runTmuxOutput executes a tmux command and returns stdout and any error.
func (c *TmuxClient) runTmuxOutput(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	//nolint:gosec // G204: args are built from internally derived session names
	cmd := exec.CommandContext(ctx, c.binary, args...)
	// Descendants of a hung tmux can hold the output pipes open past the
	// kill; force the pipes closed shortly after cancellation.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", domain.Transient(c.binary+" "+args[0], ctx.Err())
		}
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", parseTmuxError(stderrStr, err)
		}
		return "", fmt.Errorf("%s %s: %w", c.binary, strings.Join(args, " "), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// parseTmuxError converts tmux stderr messages to specific error types.
func parseTmuxError(stderr string, originalErr error) error {
	stderrLower := strings.ToLower(stderr)

	// Server not started, or its socket vanished:
	// "no server running on /tmp/tmux-1000/default"
	// "error connecting to /tmp/tmux-1000/default (No such file or directory)"
	if strings.Contains(stderrLower, "no server running") ||
		strings.Contains(stderrLower, "error connecting to") {
		return fmt.Errorf("%w: %s", ErrServerDown, stderr)
	}

	// Missing target: "can't find session: tc-abc123"
	if strings.Contains(stderrLower, "can't find session") ||
		strings.Contains(stderrLower, "session not found") ||
		strings.Contains(stderrLower, "no such session") {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, stderr)
	}

	// Name collision on create: "duplicate session: tc-abc123"
	if strings.Contains(stderrLower, "duplicate session") {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, stderr)
	}

	return fmt.Errorf("mux command failed: %s: %w", stderr, originalErr)
}

// exactTarget prefixes a session name so tmux matches it exactly instead of
// treating it as a prefix pattern.
func exactTarget(name string) string {
	return "=" + name
}

// NewSession creates a detached session and marks it alive in the cache.
func (c *TmuxClient) NewSession(ctx context.Context, name string, opts NewSessionOpts) error {
	args := []string{"new-session", "-d", "-s", name}
	if opts.Dir != "" {
		args = append(args, "-c", opts.Dir)
	}
	if opts.Headless {
		args = append(args, "-x", headlessWidth, "-y", headlessHeight)
	}
	// Deterministic flag order keeps create calls reproducible in logs.
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+opts.Env[k])
	}

	if err := c.runTmux(ctx, args...); err != nil {
		return err
	}
	c.alive.Set(name, true, cache.DefaultExpiration)
	return nil
}

// HasSession reports liveness, serving cached answers for livenessTTL.
func (c *TmuxClient) HasSession(ctx context.Context, name string) (bool, error) {
	if v, ok := c.alive.Get(name); ok {
		return v.(bool), nil
	}

	err := c.runTmux(ctx, "has-session", "-t", exactTarget(name))
	switch {
	case err == nil:
		c.alive.Set(name, true, cache.DefaultExpiration)
		return true, nil
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrServerDown):
		c.alive.Set(name, false, cache.DefaultExpiration)
		return false, nil
	}
	return false, err
}

// KillSession destroys the session and drops its liveness cache entry.
func (c *TmuxClient) KillSession(ctx context.Context, name string) error {
	err := c.runTmux(ctx, "kill-session", "-t", exactTarget(name))
	c.alive.Delete(name)
	if errors.Is(err, ErrServerDown) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	return err
}

// SendKeys injects text as one literal keystroke batch: bracketed-paste
// delimiters around the text, then a carriage return to submit. Exactly one
// send-keys invocation per message.
func (c *TmuxClient) SendKeys(ctx context.Context, name, text string) error {
	payload := pasteBegin + text + pasteEnd + "\r"
	err := c.runTmux(ctx, "send-keys", "-t", exactTarget(name), "-l", "--", payload)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrServerDown) {
		c.alive.Delete(name)
	}
	return err
}

// SendRawKeys injects tmux key names verbatim ("C-c", "Escape", "Up").
func (c *TmuxClient) SendRawKeys(ctx context.Context, name string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := append([]string{"send-keys", "-t", exactTarget(name), "--"}, keys...)
	err := c.runTmux(ctx, args...)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrServerDown) {
		c.alive.Delete(name)
	}
	return err
}

// CapturePane returns the last lines of the session's active pane, with
// wrapped lines joined so diffs track logical output lines.
func (c *TmuxClient) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	return c.runTmuxOutput(ctx,
		"capture-pane", "-p", "-J", "-t", exactTarget(name), "-S", fmt.Sprintf("-%d", lines))
}

// ListSessions returns all live session names. A stopped server is an empty
// fleet, not an error.
func (c *TmuxClient) ListSessions(ctx context.Context) ([]string, error) {
	out, err := c.runTmuxOutput(ctx, "list-sessions", "-F", "#{session_name}")
	if errors.Is(err, ErrServerDown) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			names = append(names, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse session list: %w", err)
	}
	return names, nil
}

// AttestSession returns the name of the session the current process runs
// inside by asking the server, or "" when $TMUX is unset.
func (c *TmuxClient) AttestSession(ctx context.Context) (string, error) {
	if os.Getenv("TMUX") == "" {
		return "", nil
	}
	return c.runTmuxOutput(ctx, "display-message", "-p", "#{session_name}")
}
