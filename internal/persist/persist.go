// Package persist carries component state across daemon restarts.
//
// Components register a Persistable with the Host. On shutdown the Host
// captures every component's state into a single JSON file under the state
// directory; on boot it hands each component its slice back. State here is
// best-effort runtime memory (observer offsets, widget caches), never the
// source of truth: a missing or corrupt file means components start fresh.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"teleclaude/internal/log"
)

const stateFilename = "state.json"

// Persistable is a component whose in-memory state should survive restarts.
type Persistable interface {
	// Name keys the component's slice of the state file. Must be unique
	// within one host and stable across versions.
	Name() string

	// CaptureState serializes the component's current state.
	CaptureState() (json.RawMessage, error)

	// RestoreState loads previously captured state. Called before the
	// component starts serving; never called with nil.
	RestoreState(raw json.RawMessage) error
}

// Host moves registered components' state through <dir>/state.json.
type Host struct {
	mu         sync.Mutex
	dir        string
	components []Persistable
}

// NewHost returns a Host writing under dir.
func NewHost(dir string) *Host {
	return &Host{dir: dir}
}

// Register adds a component to the host's set.
func (h *Host) Register(p Persistable) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components = append(h.components, p)
}

// Save captures every registered component into the state file. A component
// whose capture fails is logged and skipped; the rest still save.
func (h *Host) Save() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	state := make(map[string]json.RawMessage, len(h.components))
	for _, p := range h.components {
		raw, err := p.CaptureState()
		if err != nil {
			log.ErrorErr(log.CatDaemon, "state capture failed", err, "component", p.Name())
			continue
		}
		state[p.Name()] = raw
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if err := os.MkdirAll(h.dir, 0700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	if err := os.WriteFile(h.path(), data, 0600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

// Restore hands each registered component its slice of the state file.
// A missing file or a missing slice is not an error. A component whose
// restore fails is logged and starts fresh.
func (h *Host) Restore() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := os.ReadFile(h.path()) //nolint:gosec // G304: path is built from the trusted state dir
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading state file: %w", err)
	}

	var state map[string]json.RawMessage
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("unmarshaling state file: %w", err)
	}

	for _, p := range h.components {
		raw, ok := state[p.Name()]
		if !ok {
			continue
		}
		if err := p.RestoreState(raw); err != nil {
			log.ErrorErr(log.CatDaemon, "state restore failed", err, "component", p.Name())
		}
	}
	return nil
}

func (h *Host) path() string {
	return filepath.Join(h.dir, stateFilename)
}
