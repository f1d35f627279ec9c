// Package sessions owns the lifecycle of multiplexer-hosted agent sessions:
// the registry that answers identity lookups, the service that creates,
// feeds, and closes sessions, and the observers that turn agent output into
// events.
package sessions

import (
	"encoding/json"
	"sync"
	"time"

	"teleclaude/internal/domain"
	"teleclaude/internal/infrastructure/sqlite"
)

// Store is the slice of the session repository the registry drives.
// *sqlite.SessionRepository satisfies it.
type Store interface {
	Save(s *domain.Session) error
	GetBySessionID(sessionID string) (*domain.Session, error)
	GetByMuxName(computer, muxName string) (*domain.Session, error)
	List(filter sqlite.SessionFilter) ([]*domain.Session, error)
	UpdateState(sessionID string, state domain.SessionState, now time.Time) error
	UpdateActivity(sessionID, origin string, now time.Time) error
	TouchMessageSent(sessionID string, now time.Time) error
	UpdateAdapterMetadata(sessionID, adapter string, meta json.RawMessage, now time.Time) error
}

// Registry is the in-memory session map persisted through the durable store.
//
// Architecture:
//   - store (persisted) = source of truth for identity, roles, state
//   - records (runtime) = live sessions kept hot for identity checks and
//     queue workers
//
// Writes go to the store first, then refresh the map, so the map never leads
// the database. Closed sessions drop out of the map on refresh and are
// answered straight from the store. Records handed out are shared snapshots;
// callers must treat them as read-only and mutate through Registry methods.
type Registry struct {
	store Store

	mu      sync.RWMutex
	records map[string]*domain.Session
}

// NewRegistry creates a registry over the given store. Call Hydrate before
// serving lookups so restarts see their live sessions.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store:   store,
		records: make(map[string]*domain.Session),
	}
}

// Hydrate loads every non-closed session into the map. Called once at boot.
func (r *Registry) Hydrate() error {
	live, err := r.store.List(sqlite.SessionFilter{})
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]*domain.Session, len(live))
	for _, s := range live {
		r.records[s.SessionID] = s
	}
	return nil
}

// Get retrieves a session, map first, store on miss. A store hit on a live
// session populates the map.
func (r *Registry) Get(sessionID string) (*domain.Session, error) {
	r.mu.RLock()
	s, ok := r.records[sessionID]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	return r.Fresh(sessionID)
}

// Fresh retrieves a session straight from the store and refreshes the map.
// Use when the row may have changed behind the registry.
func (r *Registry) Fresh(sessionID string) (*domain.Session, error) {
	s, err := r.store.GetBySessionID(sessionID)
	if err != nil {
		return nil, err
	}
	r.cache(s)
	return s, nil
}

// GetByMuxName resolves the second identity factor: the multiplexer's own
// session name. Map scan first, store on miss.
func (r *Registry) GetByMuxName(computer, muxName string) (*domain.Session, error) {
	r.mu.RLock()
	for _, s := range r.records {
		if s.Computer == computer && s.MuxName == muxName {
			r.mu.RUnlock()
			return s, nil
		}
	}
	r.mu.RUnlock()

	s, err := r.store.GetByMuxName(computer, muxName)
	if err != nil {
		return nil, err
	}
	r.cache(s)
	return s, nil
}

// List passes through to the store; filtering lives in SQL.
func (r *Registry) List(filter sqlite.SessionFilter) ([]*domain.Session, error) {
	return r.store.List(filter)
}

// Save persists a session and refreshes the map.
func (r *Registry) Save(s *domain.Session) error {
	if err := r.store.Save(s); err != nil {
		return err
	}
	return r.refresh(s.SessionID)
}

// UpdateState transitions a session's lifecycle state.
func (r *Registry) UpdateState(sessionID string, state domain.SessionState, now time.Time) error {
	if err := r.store.UpdateState(sessionID, state, now); err != nil {
		return err
	}
	return r.refresh(sessionID)
}

// UpdateActivity stamps last_activity_at and the input origin.
func (r *Registry) UpdateActivity(sessionID, origin string, now time.Time) error {
	if err := r.store.UpdateActivity(sessionID, origin, now); err != nil {
		return err
	}
	return r.refresh(sessionID)
}

// TouchMessageSent stamps the time of the last outbound post.
func (r *Registry) TouchMessageSent(sessionID string, now time.Time) error {
	if err := r.store.TouchMessageSent(sessionID, now); err != nil {
		return err
	}
	return r.refresh(sessionID)
}

// UpdateAdapterMetadata rewrites one adapter's metadata slice.
func (r *Registry) UpdateAdapterMetadata(sessionID, adapter string, meta json.RawMessage, now time.Time) error {
	if err := r.store.UpdateAdapterMetadata(sessionID, adapter, meta, now); err != nil {
		return err
	}
	return r.refresh(sessionID)
}

// Forget drops a session from the map. The store row is untouched.
func (r *Registry) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, sessionID)
}

// Live returns the session ids currently held in the map.
func (r *Registry) Live() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	return ids
}

// refresh re-reads one row into the map after a store write.
func (r *Registry) refresh(sessionID string) error {
	s, err := r.store.GetBySessionID(sessionID)
	if err != nil {
		return err
	}
	r.cache(s)
	return nil
}

// cache inserts a record, evicting it instead once closed so the map holds
// live sessions only.
func (r *Registry) cache(s *domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.State == domain.SessionStateClosed {
		delete(r.records, s.SessionID)
		return
	}
	r.records[s.SessionID] = s
}
