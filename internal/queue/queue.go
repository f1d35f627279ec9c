// Package queue owns the durable inbound message queue: accepting messages
// from adapters, spawning one drain worker per session, and the delivery
// primitive that injects a message into its session's pane. Per-session FIFO
// order holds across failures and daemon restarts; rows live in the store,
// workers only move them through their states.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"teleclaude/internal/clock"
	"teleclaude/internal/config"
	"teleclaude/internal/domain"
	"teleclaude/internal/log"
	"teleclaude/internal/metrics"
	"teleclaude/internal/sessions"
)

// InboundStore is the slice of the inbound repository the queue drives.
// *sqlite.InboundRepository satisfies it.
type InboundStore interface {
	Enqueue(msg *domain.InboundMessage, now time.Time) (int64, bool, error)
	Get(id int64) (*domain.InboundMessage, error)
	FetchPending(sessionID string, limit int, now time.Time, lockCutoff time.Duration) ([]*domain.InboundMessage, error)
	Claim(id int64, now time.Time, lockCutoff time.Duration) (bool, error)
	MarkDelivered(id int64, now time.Time) error
	MarkFailed(id int64, summary string, now time.Time, backoff time.Duration) error
	MarkExpired(id int64, reason string, now time.Time) error
	ExpireSession(sessionID, reason string, now time.Time) (int64, error)
	SessionsWithPending() ([]string, error)
	PendingCount(sessionID string) (int, error)
}

// Fanout is the slice of the adapter layer the delivery path needs: breaking
// the edit chain before new input and mirroring the input to the adapters
// that did not originate it. Both are best-effort; the fanout logs its own
// failures.
type Fanout interface {
	BreakThread(ctx context.Context, sessionID string)
	MirrorInput(ctx context.Context, sess *domain.Session, msg *domain.InboundMessage)
}

// TypingFunc signals a platform-native typing indicator on the origin
// adapter after a message is accepted.
type TypingFunc func(ctx context.Context, sess *domain.Session, origin string)

// PublishFunc hands a diagnostic envelope to the outbound pipeline.
type PublishFunc func(ctx context.Context, env *domain.EventEnvelope) error

// Service accepts inbound messages and guarantees their delivery: exactly
// once modulo platform replays, FIFO per session, durable across restarts.
type Service struct {
	cfg         config.Config
	inbound     InboundStore
	sessions    *sessions.Service
	fanout      Fanout
	clk         clock.Clock
	typing      TypingFunc
	publish     PublishFunc
	transcriber Transcriber

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	workers map[string]*worker
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// NewService wires the inbound queue. typing and transcriber may be nil:
// without a typing callback no indicator is signalled, without a transcriber
// voice rows deliver a placeholder.
func NewService(cfg config.Config, inbound InboundStore, sessionSvc *sessions.Service, fanout Fanout, clk clock.Clock, typing TypingFunc, publish PublishFunc, transcriber Transcriber) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:         cfg,
		inbound:     inbound,
		sessions:    sessionSvc,
		fanout:      fanout,
		clk:         clk,
		typing:      typing,
		publish:     publish,
		transcriber: transcriber,
		ctx:         ctx,
		cancel:      cancel,
		workers:     make(map[string]*worker),
	}
}

// Enqueue accepts a message for delivery. The target session must exist and
// not be closed. Returns the row id and whether a new row was created; a
// platform replay of an already-held (origin, source_message_id) pair
// returns the existing id with created == false and no side effects.
func (s *Service) Enqueue(ctx context.Context, msg *domain.InboundMessage) (int64, bool, error) {
	if s.closed.Load() {
		return 0, false, domain.Transient("enqueue", context.Canceled)
	}
	if !msg.Type.IsValid() {
		return 0, false, domain.NewContractError("enqueue", "invalid message type %q", msg.Type)
	}
	if msg.Origin == "" {
		return 0, false, domain.NewContractError("enqueue", "origin is required")
	}

	sess, err := s.sessions.Registry().Get(msg.SessionID)
	if err != nil {
		return 0, false, err
	}
	if sess.State == domain.SessionStateClosed {
		return 0, false, domain.NewContractError("enqueue", "session %s is closed", msg.SessionID)
	}

	id, created, err := s.inbound.Enqueue(msg, s.clk.Now())
	if err != nil {
		return 0, false, err
	}
	if !created {
		log.Debug(log.CatQueue, "duplicate message dropped",
			"sessionID", msg.SessionID,
			"origin", msg.Origin,
			"sourceMessageID", msg.SourceMessageID,
			"rowID", id)
		return id, false, nil
	}

	metrics.InboundEnqueued.Inc()
	log.Debug(log.CatQueue, "message enqueued",
		"sessionID", msg.SessionID,
		"origin", msg.Origin,
		"type", string(msg.Type),
		"rowID", id)

	if s.typing != nil {
		s.typing(ctx, sess, msg.Origin)
	}
	s.EnsureWorker(msg.SessionID)
	return id, true, nil
}

// EnsureWorker spawns the session's drain worker if none is running.
// Concurrent enqueues spawn at most one; the map lock is the guard.
func (s *Service) EnsureWorker(sessionID string) {
	if s.closed.Load() {
		return
	}

	s.mu.Lock()
	if _, running := s.workers[sessionID]; running {
		s.mu.Unlock()
		return
	}
	wctx, wcancel := context.WithCancel(s.ctx)
	w := &worker{
		svc:       s,
		sessionID: sessionID,
		cancel:    wcancel,
	}
	s.workers[sessionID] = w
	s.mu.Unlock()

	metrics.QueueWorkers.Inc()
	log.Debug(log.CatQueue, "worker started", "sessionID", sessionID)

	s.wg.Add(1)
	log.SafeGo("queue-worker:"+sessionID, func() {
		defer s.wg.Done()
		defer metrics.QueueWorkers.Dec()
		defer s.remove(sessionID, w)
		w.run(wctx)
	})
}

// ExpireSession abandons every non-terminal row of a session and cancels its
// worker. Called on session close and by retention when a session is gone.
// Returns the number of rows expired.
func (s *Service) ExpireSession(sessionID, reason string) (int64, error) {
	n, err := s.inbound.ExpireSession(sessionID, reason, s.clk.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.InboundExpired.Add(float64(n))
		log.Info(log.CatQueue, "session queue expired",
			"sessionID", sessionID,
			"rows", n,
			"reason", reason)
	}

	s.mu.Lock()
	w, running := s.workers[sessionID]
	s.mu.Unlock()
	if running {
		w.cancel()
	}
	return n, nil
}

// Startup spawns workers for every session holding undelivered rows. Called
// once after boot so messages accepted before a restart resume delivery.
func (s *Service) Startup() error {
	ids, err := s.inbound.SessionsWithPending()
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.EnsureWorker(id)
	}
	if len(ids) > 0 {
		log.Info(log.CatQueue, "resumed pending sessions", "count", len(ids))
	}
	return nil
}

// Shutdown cancels all workers and waits for them to exit. Rows keep their
// states; Startup after the next boot picks them back up.
func (s *Service) Shutdown() {
	if s.closed.Swap(true) {
		return
	}
	s.cancel()
	s.wg.Wait()
	log.Info(log.CatQueue, "queue stopped")
}

// PendingCount returns the number of undelivered rows for a session.
func (s *Service) PendingCount(sessionID string) (int, error) {
	return s.inbound.PendingCount(sessionID)
}

// WorkerCount returns the number of running per-session workers.
func (s *Service) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// release removes a drained worker from the map. The pending re-check runs
// under the map lock so an enqueue that just saw this worker registered
// cannot be stranded by its exit: either the count shows the new row and the
// worker stays, or the worker is gone before EnsureWorker looks. Returns
// true when the worker should exit.
func (s *Service) release(sessionID string, w *worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.inbound.PendingCount(sessionID)
	if err != nil {
		log.ErrorErr(log.CatQueue, "pending re-check failed, worker exiting", err,
			"sessionID", sessionID)
	}
	if err == nil && n > 0 && !s.closed.Load() {
		return false
	}
	if s.workers[sessionID] == w {
		delete(s.workers, sessionID)
	}
	return true
}

// remove drops the worker from the map if it is still the registered one. A
// worker cancelled by ExpireSession may have been replaced by the time its
// goroutine unwinds; the identity check keeps the replacement registered.
func (s *Service) remove(sessionID string, w *worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers[sessionID] == w {
		delete(s.workers, sessionID)
	}
}
