package log

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"teleclaude/internal/pubsub"
)

// newTestLogger builds a logger writing to a temp file without touching the
// package-global sync.Once.
func newTestLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daemon.log")
	l, err := newLogger(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.file.Close() })
	return l, path
}

func withLogger(t *testing.T, l *Logger) {
	t.Helper()
	prev := defaultLogger
	defaultLogger = l
	t.Cleanup(func() { defaultLogger = prev })
}

func TestLog_FormatsFields(t *testing.T) {
	l, path := newTestLogger(t)
	withLogger(t, l)

	Info(CatQueue, "message enqueued", "session", "abc123", "row", 42)

	data, err := os.ReadFile(path) //nolint:gosec // test temp file
	require.NoError(t, err)

	line := string(data)
	require.Contains(t, line, "[INFO]")
	require.Contains(t, line, "[queue]")
	require.Contains(t, line, "message enqueued")
	require.Contains(t, line, "session=abc123")
	require.Contains(t, line, "row=42")
}

func TestLog_OddFieldCount(t *testing.T) {
	l, path := newTestLogger(t)
	withLogger(t, l)

	Warn(CatMux, "orphan field", "dangling")

	data, err := os.ReadFile(path) //nolint:gosec // test temp file
	require.NoError(t, err)
	require.Contains(t, string(data), "dangling=<missing>")
}

func TestLog_MinLevelFilters(t *testing.T) {
	l, path := newTestLogger(t)
	l.minLevel = LevelWarn
	withLogger(t, l)

	Debug(CatDB, "should not appear")
	Error(CatDB, "should appear")

	data, err := os.ReadFile(path) //nolint:gosec // test temp file
	require.NoError(t, err)
	require.NotContains(t, string(data), "should not appear")
	require.Contains(t, string(data), "should appear")
}

func TestErrorErr_NilError(t *testing.T) {
	l, path := newTestLogger(t)
	withLogger(t, l)

	ErrorErr(CatAPI, "operation failed", nil)

	data, err := os.ReadFile(path) //nolint:gosec // test temp file
	require.NoError(t, err)
	require.Contains(t, string(data), "error=<nil>")
}

func TestLog_PublishesToBroker(t *testing.T) {
	l, _ := newTestLogger(t)
	withLogger(t, l)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := l.broker.Subscribe(ctx)
	Info(CatDaemon, "broker line")

	select {
	case ev := <-ch:
		require.Equal(t, pubsub.CreatedEvent, ev.Type)
		require.True(t, strings.Contains(ev.Payload, "broker line"))
	case <-time.After(200 * time.Millisecond):
		require.Fail(t, "no log event received")
	}
}

func TestSafeGo_RecoversPanic(t *testing.T) {
	l, path := newTestLogger(t)
	withLogger(t, l)

	var wg sync.WaitGroup
	wg.Add(1)
	SafeGo("exploding-worker", func() {
		defer wg.Done()
		panic("boom")
	})
	wg.Wait()

	// Recovery logging happens after the deferred wg.Done; poll briefly.
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path) //nolint:gosec // test temp file
		if err != nil {
			return false
		}
		return strings.Contains(string(data), "goroutine panic recovered") &&
			strings.Contains(string(data), "exploding-worker")
	}, time.Second, 10*time.Millisecond)
}
