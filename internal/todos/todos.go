// Package todos owns the workflow catalog: one directory per todo under the
// configured catalog dir, with a state.yaml both the daemon and the agents
// read. The daemon records phase marks, dependencies, and plan-quality
// results; phase gating beyond validation is the orchestrating agents'
// business, not the catalog's.
package todos

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"teleclaude/internal/clock"
	"teleclaude/internal/log"
)

const stateFile = "state.yaml"

// ErrTodoNotFound is returned when no todo directory carries the id.
var ErrTodoNotFound = errors.New("todo not found")

// Phase is a todo's workflow phase.
type Phase string

const (
	PhasePrepare  Phase = "prepare"
	PhaseWork     Phase = "work"
	PhaseMaintain Phase = "maintain"
	PhaseDone     Phase = "done"
)

// IsValid reports whether p is a known phase.
func (p Phase) IsValid() bool {
	switch p {
	case PhasePrepare, PhaseWork, PhaseMaintain, PhaseDone:
		return true
	}
	return false
}

// PrepareState tracks planning-phase artifacts.
type PrepareState struct {
	// Plan is the planning artifact path, relative to the todo dir.
	Plan          string  `yaml:"plan,omitempty"`
	QualityScore  float64 `yaml:"quality_score,omitempty"`
	QualityReport string  `yaml:"quality_report,omitempty"`
}

// State is one todo's state.yaml.
type State struct {
	ID        string       `yaml:"id"`
	Title     string       `yaml:"title,omitempty"`
	Phase     Phase        `yaml:"phase"`
	Deps      []string     `yaml:"deps,omitempty"`
	Prepare   PrepareState `yaml:"prepare,omitempty"`
	CreatedAt time.Time    `yaml:"created_at"`
	UpdatedAt time.Time    `yaml:"updated_at"`
}

// Catalog reads and writes todo state under one directory. All mutation is
// read-modify-write of a whole state.yaml, serialized by the catalog mutex.
type Catalog struct {
	dir string
	clk clock.Clock

	mu sync.Mutex
}

// NewCatalog creates a catalog over dir. The directory is created lazily on
// first write.
func NewCatalog(dir string, clk clock.Clock) *Catalog {
	return &Catalog{dir: dir, clk: clk}
}

// Dir returns the todo's directory under the catalog.
func (c *Catalog) Dir(id string) string {
	return filepath.Join(c.dir, id)
}

// List returns every todo in the catalog, sorted by id. Directories whose
// state.yaml does not parse are skipped with a warning.
func (c *Catalog) List() ([]*State, error) {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}

	var out []*State
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		st, err := c.Get(e.Name())
		if err != nil {
			if !errors.Is(err, ErrTodoNotFound) {
				log.Warn(log.CatTodo, "unreadable todo skipped", "todo", e.Name(), "error", err)
			}
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get reads one todo's state.
func (c *Catalog) Get(id string) (*State, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	return c.read(id)
}

// Ensure returns the todo, creating it in phase prepare when missing.
func (c *Catalog) Ensure(id, title string) (*State, error) {
	if err := validID(id); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.read(id)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrTodoNotFound) {
		return nil, err
	}

	now := c.clk.Now().UTC()
	st = &State{
		ID:        id,
		Title:     title,
		Phase:     PhasePrepare,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.write(st); err != nil {
		return nil, err
	}
	log.Info(log.CatTodo, "todo created", "todo", id, "title", title)
	return st, nil
}

// SetPhase records a phase mark.
func (c *Catalog) SetPhase(id string, phase Phase) (*State, error) {
	if !phase.IsValid() {
		return nil, fmt.Errorf("invalid phase %q", phase)
	}
	return c.update(id, func(st *State) {
		st.Phase = phase
	})
}

// SetDeps replaces the todo's dependency list.
func (c *Catalog) SetDeps(id string, deps []string) (*State, error) {
	for _, dep := range deps {
		if err := validID(dep); err != nil {
			return nil, fmt.Errorf("dep %q: %w", dep, err)
		}
	}
	return c.update(id, func(st *State) {
		st.Deps = append([]string(nil), deps...)
	})
}

// RecordPlanQuality stores a plan-quality result against the todo.
func (c *Catalog) RecordPlanQuality(id, planPath, reportPath string, score float64) (*State, error) {
	return c.update(id, func(st *State) {
		st.Prepare.Plan = planPath
		st.Prepare.QualityScore = score
		st.Prepare.QualityReport = reportPath
	})
}

func (c *Catalog) update(id string, mutate func(*State)) (*State, error) {
	if err := validID(id); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.read(id)
	if err != nil {
		return nil, err
	}
	mutate(st)
	st.UpdatedAt = c.clk.Now().UTC()
	if err := c.write(st); err != nil {
		return nil, err
	}
	return st, nil
}

func (c *Catalog) read(id string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(c.Dir(id), stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("todo %s: %w", id, ErrTodoNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read todo %s: %w", id, err)
	}

	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse todo %s state: %w", id, err)
	}
	if st.ID == "" {
		st.ID = id
	}
	return &st, nil
}

func (c *Catalog) write(st *State) error {
	dir := c.Dir(st.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create todo dir: %w", err)
	}
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal todo %s state: %w", st.ID, err)
	}
	if err := os.WriteFile(filepath.Join(dir, stateFile), data, 0o644); err != nil {
		return fmt.Errorf("write todo %s state: %w", st.ID, err)
	}
	return nil
}

func validID(id string) error {
	if id == "" {
		return fmt.Errorf("todo id must not be empty")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("todo id %q must be a bare directory name", id)
	}
	return nil
}
