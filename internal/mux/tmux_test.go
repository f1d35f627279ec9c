package mux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/require"

	"teleclaude/internal/domain"
)

// stubTmux writes a fake tmux binary built by makeScript and returns a client
// pointed at it plus the path of the call log the script may append to.
func stubTmux(t *testing.T, makeScript func(logPath string) string) (*TmuxClient, string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "calls.log")
	bin := filepath.Join(dir, "tmux")
	require.NoError(t, os.WriteFile(bin, []byte(makeScript(logPath)), 0o755))
	return NewTmuxClient(bin), logPath
}

// recorderScript logs each invocation as one line of unit-separated args.
func recorderScript(logPath string) string {
	return "#!/bin/sh\n" +
		"printf '%s\\037' \"$@\" >> '" + logPath + "'\n" +
		"printf '\\n' >> '" + logPath + "'\n"
}

func recordedCalls(t *testing.T, logPath string) [][]string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)

	var calls [][]string
	for _, line := range strings.Split(strings.TrimSuffix(string(data), "\n"), "\n") {
		fields := strings.Split(line, "\x1f")
		calls = append(calls, fields[:len(fields)-1])
	}
	return calls
}

func TestParseTmuxError(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   error
	}{
		{"no server", "no server running on /tmp/tmux-1000/default", ErrServerDown},
		{"socket gone", "error connecting to /tmp/tmux-1000/default (No such file or directory)", ErrServerDown},
		{"missing session", "can't find session: tc-abc123def456", ErrSessionNotFound},
		{"missing session alt", "session not found: tc-abc123def456", ErrSessionNotFound},
		{"duplicate", "duplicate session: tc-abc123def456", ErrDuplicateSession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := parseTmuxError(tt.stderr, errors.New("exit status 1"))
			require.ErrorIs(t, err, tt.want)
			require.Contains(t, err.Error(), tt.stderr, "The raw stderr stays visible for logs")
		})
	}

	t.Run("unknown stderr passes through", func(t *testing.T) {
		err := parseTmuxError("some novel complaint", errors.New("exit status 1"))
		require.NotErrorIs(t, err, ErrServerDown)
		require.NotErrorIs(t, err, ErrSessionNotFound)
		require.Contains(t, err.Error(), "some novel complaint")
	})
}

func TestTmuxClient_SendKeys_SinglePasteWrappedInvocation(t *testing.T) {
	client, logPath := stubTmux(t, recorderScript)

	require.NoError(t, client.SendKeys(context.Background(), "tc-abc123def456", "hello agent"))

	calls := recordedCalls(t, logPath)
	require.Len(t, calls, 1, "One message means one send-keys invocation")
	require.Equal(t, []string{
		"send-keys", "-t", "=tc-abc123def456", "-l", "--",
		"\x1b[200~hello agent\x1b[201~\r",
	}, calls[0])
}

func TestTmuxClient_SendRawKeys_NoPasteWrap(t *testing.T) {
	client, logPath := stubTmux(t, recorderScript)

	require.NoError(t, client.SendRawKeys(context.Background(), "tc-abc123def456", "C-c", "Enter"))

	calls := recordedCalls(t, logPath)
	require.Len(t, calls, 1)
	require.Equal(t, []string{"send-keys", "-t", "=tc-abc123def456", "--", "C-c", "Enter"}, calls[0])
}

func TestTmuxClient_SendRawKeys_EmptyIsNoop(t *testing.T) {
	client, logPath := stubTmux(t, recorderScript)

	require.NoError(t, client.SendRawKeys(context.Background(), "tc-abc123def456"))

	_, err := os.ReadFile(logPath)
	require.True(t, os.IsNotExist(err), "No keys means no subprocess")
}

func TestTmuxClient_NewSession_BuildsDeterministicArgs(t *testing.T) {
	client, logPath := stubTmux(t, recorderScript)

	err := client.NewSession(context.Background(), "tc-abc123def456", NewSessionOpts{
		Dir:      "/work/project",
		Env:      map[string]string{"ZED": "3", "ALPHA": "1"},
		Headless: true,
	})
	require.NoError(t, err)

	calls := recordedCalls(t, logPath)
	require.Len(t, calls, 1)
	require.Equal(t, []string{
		"new-session", "-d", "-s", "tc-abc123def456",
		"-c", "/work/project",
		"-x", headlessWidth, "-y", headlessHeight,
		"-e", "ALPHA=1", "-e", "ZED=3",
	}, calls[0], "Env flags come out sorted by key")
}

func TestTmuxClient_HasSession_CachesLiveness(t *testing.T) {
	client, logPath := stubTmux(t, func(logPath string) string {
		return "#!/bin/sh\necho probe >> '" + logPath + "'\nexit 0\n"
	})

	for i := 0; i < 3; i++ {
		alive, err := client.HasSession(context.Background(), "tc-abc123def456")
		require.NoError(t, err)
		require.True(t, alive)
	}

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(data), "probe"),
		"Repeated liveness checks inside the TTL hit the cache, not tmux")
}

func TestTmuxClient_HasSession_MissingSessionIsFalse(t *testing.T) {
	client, _ := stubTmux(t, func(string) string {
		return "#!/bin/sh\necho \"can't find session: tc-abc123def456\" >&2\nexit 1\n"
	})

	alive, err := client.HasSession(context.Background(), "tc-abc123def456")
	require.NoError(t, err)
	require.False(t, alive)
}

func TestTmuxClient_HasSession_ServerDownIsFalse(t *testing.T) {
	client, _ := stubTmux(t, func(string) string {
		return "#!/bin/sh\necho 'no server running on /tmp/tmux-1000/default' >&2\nexit 1\n"
	})

	alive, err := client.HasSession(context.Background(), "tc-abc123def456")
	require.NoError(t, err)
	require.False(t, alive)
}

func TestTmuxClient_KillSession_MissingMapsToSentinel(t *testing.T) {
	client, _ := stubTmux(t, func(string) string {
		return "#!/bin/sh\necho \"can't find session: tc-abc123def456\" >&2\nexit 1\n"
	})

	err := client.KillSession(context.Background(), "tc-abc123def456")
	require.ErrorIs(t, err, ErrSessionNotFound,
		"Callers closing a session treat already-gone as done")
}

func TestTmuxClient_ListSessions(t *testing.T) {
	client, _ := stubTmux(t, func(string) string {
		return "#!/bin/sh\nprintf 'tc-aaa111bbb222\\ntc-ccc333ddd444\\n'\n"
	})

	names, err := client.ListSessions(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"tc-aaa111bbb222", "tc-ccc333ddd444"}, names)
}

func TestTmuxClient_ListSessions_NoServerIsEmpty(t *testing.T) {
	client, _ := stubTmux(t, func(string) string {
		return "#!/bin/sh\necho 'no server running on /tmp/tmux-1000/default' >&2\nexit 1\n"
	})

	names, err := client.ListSessions(context.Background())
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestTmuxClient_CommandTimeoutIsTransient(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "tmux")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\nexec sleep 5\n"), 0o755))

	client := &TmuxClient{
		binary:  bin,
		timeout: 100 * time.Millisecond,
		alive:   cache.New(livenessTTL, time.Minute),
	}

	err := client.KillSession(context.Background(), "tc-abc123def456")
	require.Error(t, err)
	require.True(t, domain.IsTransient(err), "A hung server is a retryable condition, got: %v", err)
}

func TestTmuxClient_CapturePane_Args(t *testing.T) {
	client, logPath := stubTmux(t, recorderScript)

	_, err := client.CapturePane(context.Background(), "tc-abc123def456", 200)
	require.NoError(t, err)

	calls := recordedCalls(t, logPath)
	require.Len(t, calls, 1)
	require.Equal(t, []string{
		"capture-pane", "-p", "-J", "-t", "=tc-abc123def456", "-S", "-200",
	}, calls[0])
}

func TestInstallGuard_WritesExecutableShim(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "guard")

	got, err := InstallGuard(dir)
	require.NoError(t, err)
	require.Equal(t, dir, got)

	info, err := os.Stat(filepath.Join(dir, "git"))
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&0o111, "The shim must be executable")

	content, err := os.ReadFile(filepath.Join(dir, "git"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(content), "#!/bin/sh"))
}

// runGuard executes the installed shim with a stub real-git placed after the
// guard on PATH, returning the exit code, stderr, and whether the stub ran.
func runGuard(t *testing.T, guardDir, realDir, realLog string, args ...string) (int, string, bool) {
	t.Helper()

	//nolint:gosec // G204: test fixture paths
	cmd := exec.Command(filepath.Join(guardDir, "git"), args...)
	cmd.Env = []string{"PATH=" + guardDir + ":" + realDir + ":/usr/bin:/bin"}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	code := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		require.ErrorAs(t, err, &exitErr)
		code = exitErr.ExitCode()
	}

	_, statErr := os.Stat(realLog)
	reachedReal := statErr == nil
	if reachedReal {
		require.NoError(t, os.Remove(realLog))
	}
	return code, stderr.String(), reachedReal
}

func TestGitGuard(t *testing.T) {
	guardDir, err := InstallGuard(filepath.Join(t.TempDir(), "guard"))
	require.NoError(t, err)

	realDir := t.TempDir()
	realLog := filepath.Join(realDir, "real.log")
	realGit := "#!/bin/sh\nprintf 'real-git %s\\n' \"$*\" > '" + realLog + "'\n"
	require.NoError(t, os.WriteFile(filepath.Join(realDir, "git"), []byte(realGit), 0o755))

	blocked := [][]string{
		{"stash"},
		{"stash", "pop"},
		{"clean", "-fd"},
		{"reset", "--hard", "HEAD~1"},
		{"reset", "--merge"},
		{"checkout", "--", "."},
		{"checkout", "-f", "main"},
		{"restore", "."},
		{"restore", "--staged", "--worktree", "."},
		{"-C", ".", "stash"},
	}
	for _, args := range blocked {
		t.Run("blocks "+strings.Join(args, " "), func(t *testing.T) {
			code, stderr, reachedReal := runGuard(t, guardDir, realDir, realLog, args...)
			require.Equal(t, 1, code)
			require.Contains(t, stderr, "git guard")
			require.False(t, reachedReal, "Blocked commands never reach the real git")
		})
	}

	allowed := [][]string{
		{"status"},
		{"log", "--oneline"},
		{"reset", "--soft", "HEAD~1"},
		{"checkout", "main"},
		{"checkout", "-b", "feature"},
		{"restore", "--staged", "main.go"},
		{"commit", "-m", "clean up the stash logic"},
	}
	for _, args := range allowed {
		t.Run("allows "+strings.Join(args, " "), func(t *testing.T) {
			code, _, reachedReal := runGuard(t, guardDir, realDir, realLog, args...)
			require.Equal(t, 0, code)
			require.True(t, reachedReal, "Allowed commands pass through to the real git")
		})
	}
}

func TestGuardedPath(t *testing.T) {
	require.Equal(t, "/g", GuardedPath("/g", ""))
	require.Equal(t, fmt.Sprintf("/g%c/usr/bin", os.PathListSeparator), GuardedPath("/g", "/usr/bin"))
}
