package sessions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"teleclaude/internal/clock"
	"teleclaude/internal/config"
	"teleclaude/internal/domain"
	"teleclaude/internal/log"
	"teleclaude/internal/mux"
)

// Environment exported into every managed pane. Agents read these to call
// the control plane back with their own identity.
const (
	EnvSessionID = "TELECLAUDE_SESSION_ID"
	EnvSocket    = "TELECLAUDE_SOCKET"
)

// initPollEvery is how often the init gate re-checks a session's state.
const initPollEvery = 250 * time.Millisecond

// PublishFunc hands an envelope to the outbound pipeline. Injected so this
// package does not depend on the outbox.
type PublishFunc func(ctx context.Context, env *domain.EventEnvelope) error

// Service drives session lifecycle against the multiplexer: create, close,
// keystroke injection, the init gate, and liveness reconciliation. Queue
// expiry and worker cancellation compose above it in the orchestrator.
type Service struct {
	cfg       config.Config
	registry  *Registry
	mux       mux.Client
	clk       clock.Clock
	observers *ObserverManager
	publish   PublishFunc
	guardDir  string
}

// NewService wires a session service. The guard shim under
// cfg.GuardDirOrDefault() is expected to be installed by the caller before
// sessions launch; panes get it prepended to PATH either way.
func NewService(cfg config.Config, registry *Registry, muxClient mux.Client, clk clock.Clock, observers *ObserverManager, publish PublishFunc) *Service {
	return &Service{
		cfg:       cfg,
		registry:  registry,
		mux:       muxClient,
		clk:       clk,
		observers: observers,
		publish:   publish,
		guardDir:  cfg.GuardDirOrDefault(),
	}
}

// CreateParams describes a session to create. Computer defaults to this
// daemon's name; routing to other computers happens above this service.
type CreateParams struct {
	Computer    string
	ProjectPath string
	Title       string
	SystemRole  domain.SystemRole
	HumanRole   domain.HumanRole
	Origin      string // adapter that asked for the session, "api" for local
	Headless    bool
}

// Create reserves a session id, launches the multiplexer session under the
// unforgeable derived name, records the session, and announces it. The
// record exists in state initializing while the pane comes up; delivery
// gates on that through WaitReady.
func (s *Service) Create(ctx context.Context, p CreateParams) (*domain.Session, error) {
	if !p.SystemRole.IsValid() {
		return nil, domain.NewContractError("create_session", "invalid system role %q", p.SystemRole)
	}
	if !p.HumanRole.IsValid() {
		return nil, domain.NewContractError("create_session", "invalid human role %q", p.HumanRole)
	}
	if p.ProjectPath == "" {
		return nil, domain.NewContractError("create_session", "project path is required")
	}
	if info, err := os.Stat(p.ProjectPath); err != nil || !info.IsDir() {
		return nil, domain.NewContractError("create_session", "project path %s is not a directory", p.ProjectPath)
	}
	if p.Computer == "" {
		p.Computer = s.cfg.ComputerName
	}
	if p.Title == "" {
		p.Title = filepath.Base(p.ProjectPath)
	}

	now := s.clk.Now()
	sess := &domain.Session{
		SessionID:      domain.NewSessionID(),
		Computer:       p.Computer,
		ProjectPath:    p.ProjectPath,
		OriginAdapter:  p.Origin,
		Title:          p.Title,
		SystemRole:     p.SystemRole,
		HumanRole:      p.HumanRole,
		State:          domain.SessionStateInitializing,
		Headless:       p.Headless,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	sess.MuxName = domain.MuxNameFor(sess.SessionID)

	if err := s.registry.Save(sess); err != nil {
		return nil, fmt.Errorf("recording session: %w", err)
	}

	// The run file and sink dir must exist before the pane shell starts:
	// the agent reads the run file for its identity on first prompt.
	if err := s.writeRunFile(sess); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.cfg.SessionSinkDir(sess.SessionID), 0700); err != nil {
		return nil, fmt.Errorf("creating session sink dir: %w", err)
	}

	if err := s.mux.NewSession(ctx, sess.MuxName, s.paneOpts(sess)); err != nil {
		// Close the half-created record so it cannot be delivered to.
		if stateErr := s.registry.UpdateState(sess.SessionID, domain.SessionStateClosed, s.clk.Now()); stateErr != nil {
			log.ErrorErr(log.CatSession, "failed to close half-created session", stateErr,
				"sessionID", sess.SessionID)
		}
		_ = os.Remove(s.runFilePath(sess.MuxName))
		return nil, fmt.Errorf("creating multiplexer session: %w", err)
	}

	if err := s.registry.UpdateState(sess.SessionID, domain.SessionStateActive, s.clk.Now()); err != nil {
		return nil, fmt.Errorf("activating session: %w", err)
	}
	sess, err := s.registry.Get(sess.SessionID)
	if err != nil {
		return nil, err
	}

	log.Info(log.CatSession, "session created",
		"sessionID", sess.SessionID,
		"muxName", sess.MuxName,
		"computer", sess.Computer,
		"project", sess.ProjectPath,
		"headless", sess.Headless)

	s.announce(ctx, domain.EventSessionCreated, sess, "")
	s.observers.Ensure(sess)

	return sess, nil
}

// Close kills the multiplexer session and marks the record closed. Already
// closed sessions return nil. Pending queue rows are expired by the caller.
func (s *Service) Close(ctx context.Context, sessionID, reason string) error {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.State == domain.SessionStateClosed {
		return nil
	}

	s.observers.Stop(sessionID)

	if err := s.mux.KillSession(ctx, sess.MuxName); err != nil && !errors.Is(err, mux.ErrSessionNotFound) {
		return fmt.Errorf("killing multiplexer session: %w", err)
	}

	if err := s.registry.UpdateState(sessionID, domain.SessionStateClosed, s.clk.Now()); err != nil {
		return err
	}
	_ = os.Remove(s.runFilePath(sess.MuxName))

	log.Info(log.CatSession, "session closed",
		"sessionID", sessionID,
		"reason", reason)

	s.announce(ctx, domain.EventSessionClosed, sess, reason)
	return nil
}

// SendText injects text into the session's pane wrapped in bracketed paste.
// Existence is verified once through the registry; the multiplexer call is
// made exactly once.
func (s *Service) SendText(ctx context.Context, sessionID, text string) error {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	return s.mux.SendKeys(ctx, sess.MuxName, text)
}

// SendRaw injects raw key names (Enter, Escape, C-c) without paste wrapping.
func (s *Service) SendRaw(ctx context.Context, sessionID string, keys ...string) error {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	return s.mux.SendRawKeys(ctx, sess.MuxName, keys...)
}

// WaitReady gates delivery on session readiness: it polls the registry until
// the state leaves initializing, up to queue.init_gate_timeout. Timeout is a
// retryable condition; a closed session is permanent.
func (s *Service) WaitReady(ctx context.Context, sessionID string) (*domain.Session, error) {
	deadline := s.clk.Now().Add(s.cfg.Queue.InitGateTimeout)
	for {
		sess, err := s.registry.Get(sessionID)
		if err != nil {
			return nil, err
		}
		switch sess.State {
		case domain.SessionStateClosed:
			return nil, domain.Permanent("deliver", "session is closed")
		case domain.SessionStateInitializing:
		default:
			return sess, nil
		}

		if !s.clk.Now().Before(deadline) {
			return nil, domain.Transient("deliver",
				fmt.Errorf("session %s still initializing after %s", sessionID, s.cfg.Queue.InitGateTimeout))
		}

		timer := s.clk.NewTimer(initPollEvery)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, domain.Transient("deliver", ctx.Err())
		case <-timer.C():
		}
	}
}

// EnsureLive reconciles the record against the multiplexer server before
// delivery. A missing pane on a headless session is re-created in place; on
// an attended session the record is paused with a diagnostic event and the
// delivery is retryable, so queued input survives until the pane returns. A
// paused session whose pane reappeared resumes.
func (s *Service) EnsureLive(ctx context.Context, sess *domain.Session) (*domain.Session, error) {
	alive, err := s.mux.HasSession(ctx, sess.MuxName)
	if err != nil {
		return nil, err
	}

	if alive {
		if sess.State != domain.SessionStatePaused {
			return sess, nil
		}
		if err := s.registry.UpdateState(sess.SessionID, domain.SessionStateActive, s.clk.Now()); err != nil {
			return nil, err
		}
		log.Info(log.CatSession, "session resumed", "sessionID", sess.SessionID)
		s.announce(ctx, domain.EventSessionResumed, sess, "multiplexer session reappeared")
		return s.registry.Get(sess.SessionID)
	}

	if sess.Headless {
		if err := s.mux.NewSession(ctx, sess.MuxName, s.paneOpts(sess)); err != nil {
			return nil, fmt.Errorf("recreating headless session: %w", err)
		}
		log.Info(log.CatSession, "headless session recreated",
			"sessionID", sess.SessionID,
			"muxName", sess.MuxName)
		s.observers.Ensure(sess)
		return sess, nil
	}

	if sess.State != domain.SessionStatePaused {
		if err := s.registry.UpdateState(sess.SessionID, domain.SessionStatePaused, s.clk.Now()); err != nil {
			return nil, err
		}
		log.Warn(log.CatSession, "multiplexer session missing, pausing",
			"sessionID", sess.SessionID,
			"muxName", sess.MuxName)
		s.announce(ctx, domain.EventSessionMissing, sess, "multiplexer session missing")
	}
	return nil, domain.Transient("deliver",
		fmt.Errorf("multiplexer session %s missing, session paused", sess.MuxName))
}

// EnsureObserver starts the output observer for a session if none is
// running. Delivery calls this after every successful injection so output
// flows even when the observer died or the daemon restarted mid-session.
func (s *Service) EnsureObserver(sess *domain.Session) {
	s.observers.Ensure(sess)
}

// Output returns the session's current observed output: the observer's
// accumulated text when one is running, otherwise a direct pane capture.
func (s *Service) Output(ctx context.Context, sessionID string) (string, error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return "", err
	}
	if text, ok := s.observers.Snapshot(sessionID); ok {
		return text, nil
	}
	return s.mux.CapturePane(ctx, sess.MuxName, s.cfg.Mux.CaptureLines)
}

// Registry exposes the underlying registry for identity checks and lookups.
func (s *Service) Registry() *Registry {
	return s.registry
}

// announce publishes a lifecycle envelope. Failures are logged, never
// propagated: the state change already happened.
func (s *Service) announce(ctx context.Context, eventType string, sess *domain.Session, reason string) {
	state := sess.State
	switch eventType {
	case domain.EventSessionCreated, domain.EventSessionResumed:
		state = domain.SessionStateActive
	case domain.EventSessionClosed:
		state = domain.SessionStateClosed
	case domain.EventSessionPaused, domain.EventSessionMissing:
		state = domain.SessionStatePaused
	}

	env, err := domain.NewEnvelope(eventType, domain.SessionEvent{
		SessionID: sess.SessionID,
		Computer:  sess.Computer,
		Title:     sess.Title,
		State:     state.String(),
		Reason:    reason,
	}, s.clk.Now())
	if err != nil {
		log.ErrorErr(log.CatSession, "failed to build lifecycle envelope", err,
			"sessionID", sess.SessionID, "type", eventType)
		return
	}
	env.WithGroup("session:" + sess.SessionID).WithProducer("sessions")

	if err := s.publish(ctx, env); err != nil {
		log.ErrorErr(log.CatSession, "failed to publish lifecycle envelope", err,
			"sessionID", sess.SessionID, "type", eventType)
	}
}

// paneOpts builds the multiplexer launch options for a session: working dir,
// identity environment, and the guard shim on PATH.
func (s *Service) paneOpts(sess *domain.Session) mux.NewSessionOpts {
	return mux.NewSessionOpts{
		Dir: sess.ProjectPath,
		Env: map[string]string{
			EnvSessionID: sess.SessionID,
			EnvSocket:    s.cfg.SocketPath,
			"PATH":       s.guardDir + string(os.PathListSeparator) + os.Getenv("PATH"),
		},
		Headless: sess.Headless,
	}
}

func (s *Service) writeRunFile(sess *domain.Session) error {
	if err := os.MkdirAll(s.cfg.RunDir(), 0700); err != nil {
		return fmt.Errorf("creating run dir: %w", err)
	}
	path := s.runFilePath(sess.MuxName)
	if err := os.WriteFile(path, []byte(sess.SessionID), 0600); err != nil {
		return fmt.Errorf("writing run file: %w", err)
	}
	return nil
}

func (s *Service) runFilePath(muxName string) string {
	return RunFilePath(s.cfg.RunDir(), muxName)
}

// RunFilePath returns the per-session run file: it holds the session id the
// agent presents as Caller-Session-Id.
func RunFilePath(runDir, muxName string) string {
	return filepath.Join(runDir, muxName+".session-id")
}
