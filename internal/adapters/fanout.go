package adapters

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sony/gobreaker"

	"teleclaude/internal/domain"
	"teleclaude/internal/log"
	"teleclaude/internal/metrics"
)

const (
	// typingDebounce suppresses repeat typing signals for a session while a
	// previous indicator is still visible on the platform.
	typingDebounce = 4 * time.Second

	// breakerTimeout is how long an open breaker waits before probing the
	// platform again.
	breakerTimeout = 30 * time.Second

	// breakerTripAfter is the consecutive-failure count that opens a
	// breaker. Permanent and contract failures do not count; they are the
	// row's fault, not the platform's.
	breakerTripAfter = 5
)

// SessionSource resolves session ids for thread breaking.
// *sessions.Registry satisfies it.
type SessionSource interface {
	Get(sessionID string) (*domain.Session, error)
}

// Fanout carries events from the outbox workers to the registered adapters.
// Each adapter sits behind its own circuit breaker so one dead platform
// degrades to fast transient failures instead of stalling its delivery lane
// on full platform timeouts.
type Fanout struct {
	registry *Registry
	sessions SessionSource

	breakers *breakerSet
	typing   *cache.Cache
}

// NewFanout wires the fanout over the adapter registry.
func NewFanout(registry *Registry, sessions SessionSource) *Fanout {
	return &Fanout{
		registry: registry,
		sessions: sessions,
		breakers: newBreakerSet(),
		typing:   cache.New(typingDebounce, time.Minute),
	}
}

// Names returns the registered adapter names. The outbox publisher expands
// broadcast envelopes over this set.
func (f *Fanout) Names() []string {
	return f.registry.Names()
}

// Deliver pushes one envelope to one adapter through its breaker. An
// unregistered adapter and an open breaker are both transient: the adapter
// may return on the next config reload, the platform on the next probe.
func (f *Fanout) Deliver(ctx context.Context, name string, env *domain.EventEnvelope) error {
	a, ok := f.registry.Get(name)
	if !ok {
		return domain.Transient("deliver", fmt.Errorf("adapter %q not registered", name))
	}

	_, err := f.breakers.get(name).Execute(func() (any, error) {
		return nil, a.Deliver(ctx, env)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.Transient("deliver", fmt.Errorf("adapter %s: %w", name, err))
		}
		return err
	}

	metrics.OutboxDelivered.WithLabelValues(name).Inc()
	return nil
}

// BreakThread tells every adapter to forget its edit reference for the
// session. Called before new input is injected so the next output lands
// below the input on every surface.
func (f *Fanout) BreakThread(ctx context.Context, sessionID string) {
	sess, err := f.sessions.Get(sessionID)
	if err != nil {
		log.Warn(log.CatAdapter, "thread break for unknown session", "session_id", sessionID, "error", err)
		return
	}
	for _, a := range f.registry.All() {
		a.BreakThread(ctx, sess)
	}
}

// MirrorInput reposts an inbound message to every adapter except its origin,
// skipping adapters the session has unsubscribed.
func (f *Fanout) MirrorInput(ctx context.Context, sess *domain.Session, msg *domain.InboundMessage) {
	for _, a := range f.registry.All() {
		name := a.Name()
		if name == msg.Origin || sess.Unsubscribed(name) {
			continue
		}
		a.MirrorInput(ctx, sess, msg)
	}
}

// Typing signals a typing indicator on the origin adapter, debounced per
// (session, adapter) while the previous indicator is still visible.
func (f *Fanout) Typing(ctx context.Context, sess *domain.Session, origin string) {
	a, ok := f.registry.Get(origin)
	if !ok {
		return
	}
	key := sess.SessionID + ":" + origin
	if _, held := f.typing.Get(key); held {
		return
	}
	f.typing.Set(key, struct{}{}, cache.DefaultExpiration)
	a.Typing(ctx, sess)
}

// breakerSet lazily creates one circuit breaker per adapter name.
type breakerSet struct {
	mu  sync.Mutex
	set map[string]*gobreaker.CircuitBreaker
}

func newBreakerSet() *breakerSet {
	return &breakerSet{set: make(map[string]*gobreaker.CircuitBreaker)}
}

func (s *breakerSet) get(name string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.set[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripAfter
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch domain.Classify(err) {
			case domain.ClassPermanent, domain.ClassContract:
				return true
			default:
				return false
			}
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn(log.CatAdapter, "adapter breaker state changed",
				"adapter", name, "from", from.String(), "to", to.String())
		},
	})
	s.set[name] = cb
	return cb
}
