// Package adapters defines the chat-surface contract and the fanout that
// carries events to every registered surface. An adapter converts platform
// traffic into inbound enqueues and renders outbound envelopes back onto its
// platform; the daemon never talks to a platform SDK outside an adapter.
package adapters

import (
	"context"
	"errors"
	"sync"

	"teleclaude/internal/domain"
	"teleclaude/internal/log"
)

// Adapter is one chat surface wired into the daemon. Name doubles as the
// inbound origin, the outbox target, and the adapter_metadata key, so it must
// be stable across restarts.
type Adapter interface {
	Name() string

	// Start connects to the platform and begins consuming inbound events.
	// It returns once the adapter accepts traffic; long-poll and gateway
	// loops run on their own goroutines until ctx is cancelled.
	Start(ctx context.Context) error

	// Stop disconnects from the platform. Safe to call without Start.
	Stop() error

	// Deliver renders one envelope onto the platform. Output and widget
	// updates edit a previously posted message in place; the reference
	// lives under the adapter's slice of the session's adapter_metadata.
	// Envelope types an adapter does not surface return nil.
	Deliver(ctx context.Context, env *domain.EventEnvelope) error

	// BreakThread drops the adapter's edit reference for the session so the
	// next output update posts a fresh message below newer conversation.
	BreakThread(ctx context.Context, sess *domain.Session)

	// MirrorInput reposts input that arrived on another adapter, keeping
	// every surface's view of the conversation complete. Best effort.
	MirrorInput(ctx context.Context, sess *domain.Session, msg *domain.InboundMessage)

	// Typing signals a platform-native typing indicator for the session.
	Typing(ctx context.Context, sess *domain.Session)
}

// Enqueuer is the slice of the inbound queue adapters push into.
// *queue.Service satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *domain.InboundMessage) (int64, bool, error)
}

// Registry holds the adapters registered at boot. Registration order is
// preserved so broadcast expansion and fanout iterate deterministically.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]Adapter
	ordered  []Adapter
	started  bool
	stopOnce sync.Once
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Adapter)}
}

// Register adds an adapter. Registering a duplicate name or registering
// after StartAll is a wiring bug and returns an error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("adapter registry already started")
	}
	name := a.Name()
	if name == "" {
		return errors.New("adapter name must not be empty")
	}
	if _, dup := r.byName[name]; dup {
		return errors.New("adapter " + name + " already registered")
	}
	r.byName[name] = a
	r.ordered = append(r.ordered, a)
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[name]
	return a, ok
}

// Names returns the registered adapter names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.ordered))
	for i, a := range r.ordered {
		names[i] = a.Name()
	}
	return names
}

// All returns the registered adapters in registration order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// StartAll starts every adapter in registration order. The first failure
// stops the ones already started and is returned; a daemon with a
// misconfigured transport should not come up half-deaf.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	r.started = true
	adapters := make([]Adapter, len(r.ordered))
	copy(adapters, r.ordered)
	r.mu.Unlock()

	for i, a := range adapters {
		if err := a.Start(ctx); err != nil {
			log.ErrorErr(log.CatAdapter, "adapter failed to start", err, "adapter", a.Name())
			for j := i - 1; j >= 0; j-- {
				if stopErr := adapters[j].Stop(); stopErr != nil {
					log.ErrorErr(log.CatAdapter, "adapter stop failed", stopErr, "adapter", adapters[j].Name())
				}
			}
			return err
		}
		log.Info(log.CatAdapter, "adapter started", "adapter", a.Name())
	}
	return nil
}

// StopAll stops every adapter in reverse registration order. Idempotent.
func (r *Registry) StopAll() {
	r.stopOnce.Do(func() {
		adapters := r.All()
		for i := len(adapters) - 1; i >= 0; i-- {
			if err := adapters[i].Stop(); err != nil {
				log.ErrorErr(log.CatAdapter, "adapter stop failed", err, "adapter", adapters[i].Name())
			}
		}
	})
}
