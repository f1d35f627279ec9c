package sessions

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"teleclaude/internal/clock"
	"teleclaude/internal/config"
	"teleclaude/internal/domain"
	"teleclaude/internal/infrastructure/sqlite"
	"teleclaude/internal/mux"
	"teleclaude/internal/testutil"
)

// publishRecorder captures envelopes handed to the outbound pipeline.
type publishRecorder struct {
	mu   sync.Mutex
	envs []*domain.EventEnvelope
}

func (p *publishRecorder) publish(_ context.Context, env *domain.EventEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return nil
}

func (p *publishRecorder) ofType(eventType string) []*domain.EventEnvelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*domain.EventEnvelope
	for _, env := range p.envs {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.ComputerName = "workstation"
	cfg.StateDir = t.TempDir()
	cfg.SocketPath = filepath.Join(cfg.StateDir, "daemon.sock")
	cfg.DBPath = filepath.Join(cfg.StateDir, "teleclaude.db")
	return cfg
}

type serviceFixture struct {
	svc  *Service
	fake *testutil.FakeMux
	rec  *publishRecorder
	reg  *Registry
	repo *sqlite.SessionRepository
	clk  *clock.Fake
	cfg  config.Config
}

func newTestService(t *testing.T) *serviceFixture {
	t.Helper()
	cfg := testConfig(t)
	repo := testutil.NewTestDB(t).Sessions()
	reg := NewRegistry(repo)
	require.NoError(t, reg.Hydrate())

	fake := testutil.NewFakeMux()
	rec := &publishRecorder{}
	clk := clock.NewFake()

	observers := NewObserverManager(cfg, fake, clk, rec.publish)
	t.Cleanup(observers.StopAll)

	svc := NewService(cfg, reg, fake, clk, observers, rec.publish)
	return &serviceFixture{svc: svc, fake: fake, rec: rec, reg: reg, repo: repo, clk: clk, cfg: cfg}
}

func (f *serviceFixture) createSession(t *testing.T, headless bool) *domain.Session {
	t.Helper()
	sess, err := f.svc.Create(context.Background(), CreateParams{
		ProjectPath: t.TempDir(),
		Title:       "demo",
		SystemRole:  domain.SystemRoleWorker,
		HumanRole:   domain.HumanRoleMember,
		Origin:      "api",
		Headless:    headless,
	})
	require.NoError(t, err)
	return sess
}

func TestService_Create(t *testing.T) {
	f := newTestService(t)
	project := t.TempDir()

	sess, err := f.svc.Create(context.Background(), CreateParams{
		ProjectPath: project,
		Title:       "build agent",
		SystemRole:  domain.SystemRoleOrchestrator,
		HumanRole:   domain.HumanRoleAdmin,
		Origin:      "telegram",
	})
	require.NoError(t, err)

	require.Equal(t, domain.SessionStateActive, sess.State)
	require.Equal(t, "workstation", sess.Computer, "empty computer defaults to this daemon")
	require.Equal(t, domain.MuxNameFor(sess.SessionID), sess.MuxName)
	require.True(t, f.fake.Exists(sess.MuxName))

	// The run file holds the id the agent presents as Caller-Session-Id.
	data, err := os.ReadFile(RunFilePath(f.cfg.RunDir(), sess.MuxName))
	require.NoError(t, err)
	require.Equal(t, sess.SessionID, string(data))

	info, err := os.Stat(f.cfg.SessionSinkDir(sess.SessionID))
	require.NoError(t, err)
	require.True(t, info.IsDir())

	opts, ok := f.fake.CreatedOpts(sess.MuxName)
	require.True(t, ok)
	require.Equal(t, project, opts.Dir)
	require.Equal(t, sess.SessionID, opts.Env[EnvSessionID])
	require.Equal(t, f.cfg.SocketPath, opts.Env[EnvSocket])
	require.True(t, strings.HasPrefix(opts.Env["PATH"], f.cfg.GuardDirOrDefault()),
		"guard shim dir must lead the pane PATH")

	created := f.rec.ofType(domain.EventSessionCreated)
	require.Len(t, created, 1)
	require.Equal(t, "session:"+sess.SessionID, created[0].GroupKey)

	var payload domain.SessionEvent
	require.NoError(t, json.Unmarshal(created[0].Payload, &payload))
	require.Equal(t, sess.SessionID, payload.SessionID)
	require.Equal(t, "active", payload.State)
}

func TestService_Create_DefaultsTitleToProjectBase(t *testing.T) {
	f := newTestService(t)
	project := filepath.Join(t.TempDir(), "acme-api")
	require.NoError(t, os.Mkdir(project, 0755))

	sess, err := f.svc.Create(context.Background(), CreateParams{
		ProjectPath: project,
		SystemRole:  domain.SystemRoleWorker,
		HumanRole:   domain.HumanRoleMember,
		Origin:      "api",
	})
	require.NoError(t, err)
	require.Equal(t, "acme-api", sess.Title)
}

func TestService_Create_Validation(t *testing.T) {
	f := newTestService(t)

	cases := []struct {
		name   string
		params CreateParams
	}{
		{"invalid system role", CreateParams{ProjectPath: t.TempDir(), SystemRole: "boss", HumanRole: domain.HumanRoleMember}},
		{"invalid human role", CreateParams{ProjectPath: t.TempDir(), SystemRole: domain.SystemRoleWorker, HumanRole: "vip"}},
		{"missing project path", CreateParams{SystemRole: domain.SystemRoleWorker, HumanRole: domain.HumanRoleMember}},
		{"project path not a dir", CreateParams{ProjectPath: "/no/such/path", SystemRole: domain.SystemRoleWorker, HumanRole: domain.HumanRoleMember}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), tc.params)
			require.Error(t, err)
			require.Equal(t, domain.ClassContract, domain.Classify(err))
		})
	}
}

func TestService_Create_MuxFailureClosesRecord(t *testing.T) {
	f := newTestService(t)
	f.fake.FailNextCreates(1, mux.ErrServerDown)

	_, err := f.svc.Create(context.Background(), CreateParams{
		ProjectPath: t.TempDir(),
		SystemRole:  domain.SystemRoleWorker,
		HumanRole:   domain.HumanRoleMember,
		Origin:      "api",
	})
	require.Error(t, err)

	// The half-created record must not stay deliverable.
	all, listErr := f.reg.List(sqlite.SessionFilter{IncludeClosed: true})
	require.NoError(t, listErr)
	require.Len(t, all, 1)
	require.Equal(t, domain.SessionStateClosed, all[0].State)
	require.Empty(t, f.reg.Live())
}

func TestService_Close(t *testing.T) {
	f := newTestService(t)
	sess := f.createSession(t, false)

	require.NoError(t, f.svc.Close(context.Background(), sess.SessionID, "user request"))

	require.False(t, f.fake.Exists(sess.MuxName))
	require.Equal(t, []string{sess.MuxName}, f.fake.Killed())
	require.Empty(t, f.reg.Live())

	_, err := os.Stat(RunFilePath(f.cfg.RunDir(), sess.MuxName))
	require.True(t, os.IsNotExist(err), "run file must be removed on close")

	got, err := f.reg.Get(sess.SessionID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStateClosed, got.State)

	closed := f.rec.ofType(domain.EventSessionClosed)
	require.Len(t, closed, 1)

	var payload domain.SessionEvent
	require.NoError(t, json.Unmarshal(closed[0].Payload, &payload))
	require.Equal(t, "user request", payload.Reason)
}

func TestService_Close_Idempotent(t *testing.T) {
	f := newTestService(t)
	sess := f.createSession(t, false)

	require.NoError(t, f.svc.Close(context.Background(), sess.SessionID, "done"))
	require.NoError(t, f.svc.Close(context.Background(), sess.SessionID, "done"))

	require.Len(t, f.rec.ofType(domain.EventSessionClosed), 1,
		"a second close must not announce again")
}

func TestService_Close_SurvivesDeadPane(t *testing.T) {
	f := newTestService(t)
	sess := f.createSession(t, false)

	// Pane died outside the daemon; close must still succeed.
	f.fake.RemoveSession(sess.MuxName)

	require.NoError(t, f.svc.Close(context.Background(), sess.SessionID, "cleanup"))

	got, err := f.reg.Get(sess.SessionID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStateClosed, got.State)
}

func TestService_SendText(t *testing.T) {
	f := newTestService(t)
	sess := f.createSession(t, false)

	require.NoError(t, f.svc.SendText(context.Background(), sess.SessionID, "hello agent"))
	require.Equal(t, []string{"hello agent"}, f.fake.Sent(sess.MuxName))
}

func TestService_SendText_UnknownSession(t *testing.T) {
	f := newTestService(t)

	err := f.svc.SendText(context.Background(), "missing", "hello")
	require.ErrorIs(t, err, sqlite.ErrSessionNotFound)
}

func TestService_SendRaw(t *testing.T) {
	f := newTestService(t)
	sess := f.createSession(t, false)

	require.NoError(t, f.svc.SendRaw(context.Background(), sess.SessionID, "Escape", "Enter"))
	require.Equal(t, [][]string{{"Escape", "Enter"}}, f.fake.RawSent(sess.MuxName))
}

func TestService_WaitReady_ActiveReturnsImmediately(t *testing.T) {
	f := newTestService(t)
	sess := f.createSession(t, false)

	got, err := f.svc.WaitReady(context.Background(), sess.SessionID)
	require.NoError(t, err)
	require.Equal(t, sess.SessionID, got.SessionID)
}

func TestService_WaitReady_ClosedIsPermanent(t *testing.T) {
	f := newTestService(t)
	sess := f.createSession(t, false)
	require.NoError(t, f.svc.Close(context.Background(), sess.SessionID, "done"))

	_, err := f.svc.WaitReady(context.Background(), sess.SessionID)
	require.Error(t, err)
	require.True(t, domain.IsPermanent(err), "delivery to a closed session can never succeed")
}

func TestService_WaitReady_ReturnsOnceInitialized(t *testing.T) {
	f := newTestService(t)
	sess := seedSession(t, f.repo, domain.NewSessionID(), domain.SessionStateInitializing)
	require.NoError(t, f.reg.Hydrate())

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.WaitReady(context.Background(), sess.SessionID)
		done <- err
	}()

	require.NoError(t, f.reg.UpdateState(sess.SessionID, domain.SessionStateActive, f.clk.Now()))

	var gotErr error
	require.Eventually(t, func() bool {
		f.clk.Advance(initPollEvery)
		select {
		case gotErr = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, gotErr)
}

func TestService_WaitReady_GateTimeoutIsTransient(t *testing.T) {
	f := newTestService(t)
	sess := seedSession(t, f.repo, domain.NewSessionID(), domain.SessionStateInitializing)
	require.NoError(t, f.reg.Hydrate())

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.WaitReady(context.Background(), sess.SessionID)
		done <- err
	}()

	var gotErr error
	require.Eventually(t, func() bool {
		f.clk.Advance(f.cfg.Queue.InitGateTimeout)
		select {
		case gotErr = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	require.Error(t, gotErr)
	require.True(t, domain.IsTransient(gotErr),
		"a session stuck initializing must stay retryable")
}

func TestService_EnsureLive_AliveSessionPassesThrough(t *testing.T) {
	f := newTestService(t)
	sess := f.createSession(t, false)

	got, err := f.svc.EnsureLive(context.Background(), sess)
	require.NoError(t, err)
	require.Equal(t, sess.SessionID, got.SessionID)
	require.Empty(t, f.rec.ofType(domain.EventSessionMissing))
}

func TestService_EnsureLive_HeadlessRecreates(t *testing.T) {
	f := newTestService(t)
	sess := f.createSession(t, true)

	f.fake.RemoveSession(sess.MuxName)

	got, err := f.svc.EnsureLive(context.Background(), sess)
	require.NoError(t, err)
	require.Equal(t, sess.SessionID, got.SessionID)
	require.True(t, f.fake.Exists(sess.MuxName), "headless pane must be recreated in place")

	opts, ok := f.fake.CreatedOpts(sess.MuxName)
	require.True(t, ok)
	require.Equal(t, sess.SessionID, opts.Env[EnvSessionID])
	require.True(t, opts.Headless)
}

func TestService_EnsureLive_AttendedPausesWithDiagnostic(t *testing.T) {
	f := newTestService(t)
	sess := f.createSession(t, false)

	f.fake.RemoveSession(sess.MuxName)

	_, err := f.svc.EnsureLive(context.Background(), sess)
	require.Error(t, err)
	require.True(t, domain.IsTransient(err),
		"queued input must survive until the pane returns")

	got, getErr := f.reg.Get(sess.SessionID)
	require.NoError(t, getErr)
	require.Equal(t, domain.SessionStatePaused, got.State)
	require.Len(t, f.rec.ofType(domain.EventSessionMissing), 1)

	// A second delivery attempt against the still-missing pane does not
	// announce again.
	_, err = f.svc.EnsureLive(context.Background(), got)
	require.Error(t, err)
	require.Len(t, f.rec.ofType(domain.EventSessionMissing), 1)
}

func TestService_EnsureLive_ResumesPausedSession(t *testing.T) {
	f := newTestService(t)
	sess := f.createSession(t, false)

	f.fake.RemoveSession(sess.MuxName)
	_, err := f.svc.EnsureLive(context.Background(), sess)
	require.Error(t, err)

	// The user reattached and the pane is back.
	require.NoError(t, f.fake.NewSession(context.Background(), sess.MuxName, mux.NewSessionOpts{}))

	paused, err := f.reg.Get(sess.SessionID)
	require.NoError(t, err)
	got, err := f.svc.EnsureLive(context.Background(), paused)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStateActive, got.State)
	require.Len(t, f.rec.ofType(domain.EventSessionResumed), 1)
}

func TestService_Output_FallsBackToPaneCapture(t *testing.T) {
	f := newTestService(t)
	sess := f.createSession(t, false)
	f.fake.SetCapture(sess.MuxName, "$ make test\nok")

	out, err := f.svc.Output(context.Background(), sess.SessionID)
	require.NoError(t, err)
	require.Equal(t, "$ make test\nok", out)
}
