package persist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type counterComponent struct {
	name       string
	count      int
	captureErr error
	restoreErr error
}

func (c *counterComponent) Name() string { return c.name }

func (c *counterComponent) CaptureState() (json.RawMessage, error) {
	if c.captureErr != nil {
		return nil, c.captureErr
	}
	return json.Marshal(map[string]int{"count": c.count})
}

func (c *counterComponent) RestoreState(raw json.RawMessage) error {
	if c.restoreErr != nil {
		return c.restoreErr
	}
	var state map[string]int
	if err := json.Unmarshal(raw, &state); err != nil {
		return err
	}
	c.count = state["count"]
	return nil
}

func TestHost_SaveRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()

	host := NewHost(dir)
	a := &counterComponent{name: "observer-offsets", count: 42}
	b := &counterComponent{name: "widget-cache", count: 7}
	host.Register(a)
	host.Register(b)

	require.NoError(t, host.Save())

	restored := NewHost(dir)
	a2 := &counterComponent{name: "observer-offsets"}
	b2 := &counterComponent{name: "widget-cache"}
	restored.Register(a2)
	restored.Register(b2)

	require.NoError(t, restored.Restore())
	require.Equal(t, 42, a2.count)
	require.Equal(t, 7, b2.count)
}

func TestHost_RestoreMissingFileIsNotAnError(t *testing.T) {
	host := NewHost(t.TempDir())
	c := &counterComponent{name: "observer-offsets", count: 99}
	host.Register(c)

	require.NoError(t, host.Restore())
	require.Equal(t, 99, c.count, "missing state file must leave components untouched")
}

func TestHost_RestoreUnknownSliceIsSkipped(t *testing.T) {
	dir := t.TempDir()

	host := NewHost(dir)
	host.Register(&counterComponent{name: "observer-offsets", count: 1})
	require.NoError(t, host.Save())

	restored := NewHost(dir)
	other := &counterComponent{name: "widget-cache", count: 5}
	restored.Register(other)

	require.NoError(t, restored.Restore())
	require.Equal(t, 5, other.count)
}

func TestHost_CaptureFailureSkipsComponentOnly(t *testing.T) {
	dir := t.TempDir()

	host := NewHost(dir)
	broken := &counterComponent{name: "broken", captureErr: errors.New("capture boom")}
	healthy := &counterComponent{name: "healthy", count: 3}
	host.Register(broken)
	host.Register(healthy)

	require.NoError(t, host.Save())

	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	require.NoError(t, err)

	var state map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &state))
	require.Contains(t, state, "healthy")
	require.NotContains(t, state, "broken")
}

func TestHost_RestoreFailureLeavesOthersRestored(t *testing.T) {
	dir := t.TempDir()

	host := NewHost(dir)
	host.Register(&counterComponent{name: "flaky", count: 10})
	host.Register(&counterComponent{name: "solid", count: 20})
	require.NoError(t, host.Save())

	restored := NewHost(dir)
	flaky := &counterComponent{name: "flaky", restoreErr: errors.New("restore boom")}
	solid := &counterComponent{name: "solid"}
	restored.Register(flaky)
	restored.Register(solid)

	require.NoError(t, restored.Restore())
	require.Equal(t, 0, flaky.count)
	require.Equal(t, 20, solid.count)
}

func TestHost_RestoreCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("not json {"), 0600))

	host := NewHost(dir)
	host.Register(&counterComponent{name: "observer-offsets"})

	require.Error(t, host.Restore())
}

func TestHost_SaveCreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	host := NewHost(dir)
	host.Register(&counterComponent{name: "observer-offsets", count: 1})

	require.NoError(t, host.Save())
	_, err := os.Stat(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
}
