// Package outbox owns the durable outbound event queue: persisting envelopes
// to the event log, running them through the pipeline, expanding them into
// per-adapter delivery rows, and draining those rows with one worker per
// adapter. Per-adapter FIFO order holds across failures and restarts, which
// gives per-(session, adapter) delivery order since a session's envelopes
// expand in publish order.
package outbox

import (
	"context"
	"encoding/json"
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

// OutboxStore is the slice of the outbox repository the publisher drives.
// *sqlite.OutboxRepository satisfies it.
type OutboxStore interface {
	Insert(rows []*domain.OutboxRow, now time.Time) error
	Get(id int64) (*domain.OutboxRow, error)
	FetchPending(adapter string, limit int, now time.Time, lockCutoff time.Duration) ([]*domain.OutboxRow, error)
	Claim(id int64, now time.Time, lockCutoff time.Duration) (bool, error)
	MarkDelivered(id int64, now time.Time) error
	MarkFailed(id int64, summary string, now time.Time, backoff time.Duration) error
	MarkExpired(id int64, reason string, now time.Time) error
	AdaptersWithPending() ([]string, error)
	PendingCount(adapter string) (int, error)
}

// EnvelopeStore appends to the immutable event log.
type EnvelopeStore interface {
	Insert(e *domain.EventEnvelope) error
}

// ChannelStore resolves a channel name to its configured adapter.
// *sqlite.DirectoryRepository satisfies it.
type ChannelStore interface {
	GetChannel(name string) (*domain.Channel, error)
}

// Processor runs an envelope through the cartridge pipeline. Returning nil
// drops the envelope; cartridge errors are the pipeline's to log, never the
// publisher's to see.
type Processor interface {
	Run(ctx context.Context, env *domain.EventEnvelope) *domain.EventEnvelope
}

// Fanout is the slice of the adapter layer the outbox needs: the registered
// adapter names for expansion and the delivery call itself.
type Fanout interface {
	Names() []string
	Deliver(ctx context.Context, adapter string, env *domain.EventEnvelope) error
}

// Publisher accepts envelopes and guarantees at-least-once delivery to every
// target adapter, bounded by the retry budget and retention.
type Publisher struct {
	cfg       config.Config
	outbox    OutboxStore
	envelopes EnvelopeStore
	registry  *sessions.Registry
	channels  ChannelStore
	fanout    Fanout
	pipeline  Processor
	clk       clock.Clock

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	workers map[string]*worker
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// NewPublisher wires the outbound queue. pipeline may be nil; envelopes then
// fan out unprocessed.
func NewPublisher(cfg config.Config, outboxStore OutboxStore, envelopes EnvelopeStore, registry *sessions.Registry, channels ChannelStore, fanout Fanout, pipeline Processor, clk clock.Clock) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		cfg:       cfg,
		outbox:    outboxStore,
		envelopes: envelopes,
		registry:  registry,
		channels:  channels,
		fanout:    fanout,
		pipeline:  pipeline,
		clk:       clk,
		ctx:       ctx,
		cancel:    cancel,
		workers:   make(map[string]*worker),
	}
}

// Publish persists the envelope to the event log, runs the pipeline, and
// expands the result into one delivery row per target adapter. The envelope
// is durable once Publish returns nil, even if every delivery later fails.
func (p *Publisher) Publish(ctx context.Context, env *domain.EventEnvelope) error {
	if p.closed.Load() {
		return domain.Transient("publish", context.Canceled)
	}
	if env == nil || env.EnvelopeID == "" || env.Type == "" {
		return domain.NewContractError("publish", "envelope must come from NewEnvelope")
	}

	if err := p.envelopes.Insert(env); err != nil {
		return err
	}
	metrics.EnvelopesPublished.Inc()

	out := env
	if p.pipeline != nil {
		out = p.pipeline.Run(ctx, env)
	}
	if out == nil {
		log.Debug(log.CatOutbox, "envelope dropped by pipeline",
			"envelopeID", env.EnvelopeID,
			"type", env.Type)
		return nil
	}

	targets, err := p.targets(out)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return nil
	}

	wire, err := domain.EncodeEnvelope(out)
	if err != nil {
		return err
	}
	rows := make([]*domain.OutboxRow, 0, len(targets))
	for _, adapter := range targets {
		rows = append(rows, &domain.OutboxRow{
			EnvelopeID:    out.EnvelopeID,
			TargetAdapter: adapter,
			Payload:       wire,
		})
	}
	if err := p.outbox.Insert(rows, p.clk.Now()); err != nil {
		return err
	}
	log.Debug(log.CatOutbox, "envelope fanned out",
		"envelopeID", out.EnvelopeID,
		"type", out.Type,
		"adapters", len(targets))

	for _, adapter := range targets {
		p.ensureWorker(adapter)
	}
	return nil
}

// targets resolves the adapters an envelope fans out to. A channel-scoped
// envelope goes to the channel's configured adapter; a session-scoped one to
// every registered adapter the session has not unsubscribed; anything else
// broadcasts.
func (p *Publisher) targets(env *domain.EventEnvelope) ([]string, error) {
	all := p.fanout.Names()
	if len(all) == 0 {
		return nil, nil
	}

	var scope struct {
		SessionID string `json:"session_id"`
		Channel   string `json:"channel"`
	}
	if len(env.Payload) > 0 {
		// Scope fields are optional; an unscoped payload broadcasts.
		_ = json.Unmarshal(env.Payload, &scope)
	}

	if scope.Channel != "" {
		ch, err := p.channels.GetChannel(scope.Channel)
		if err != nil {
			return nil, err
		}
		return []string{ch.Adapter}, nil
	}

	if scope.SessionID != "" {
		sess, err := p.registry.Get(scope.SessionID)
		if err != nil {
			// The session may have been retired under a diagnostic envelope
			// still in flight; broadcasting beats losing it.
			log.Warn(log.CatOutbox, "session lookup failed, broadcasting",
				"sessionID", scope.SessionID,
				"envelopeID", env.EnvelopeID)
			return all, nil
		}
		targets := make([]string, 0, len(all))
		for _, name := range all {
			if sess.Unsubscribed(name) {
				continue
			}
			targets = append(targets, name)
		}
		return targets, nil
	}

	return all, nil
}

// ensureWorker spawns the adapter's drain worker if none is running.
func (p *Publisher) ensureWorker(adapter string) {
	if p.closed.Load() {
		return
	}

	p.mu.Lock()
	if _, running := p.workers[adapter]; running {
		p.mu.Unlock()
		return
	}
	wctx, wcancel := context.WithCancel(p.ctx)
	w := &worker{
		svc:     p,
		adapter: adapter,
		cancel:  wcancel,
	}
	p.workers[adapter] = w
	p.mu.Unlock()

	log.Debug(log.CatOutbox, "outbox worker started", "adapter", adapter)

	p.wg.Add(1)
	log.SafeGo("outbox-worker:"+adapter, func() {
		defer p.wg.Done()
		defer p.remove(adapter, w)
		w.run(wctx)
	})
}

// Startup spawns workers for every adapter holding undelivered rows. Called
// once after boot so events accepted before a restart resume delivery. Rows
// for adapters no longer registered expire through the normal budget.
func (p *Publisher) Startup() error {
	adapters, err := p.outbox.AdaptersWithPending()
	if err != nil {
		return err
	}
	for _, adapter := range adapters {
		p.ensureWorker(adapter)
	}
	if len(adapters) > 0 {
		log.Info(log.CatOutbox, "resumed pending adapters", "count", len(adapters))
	}
	return nil
}

// Shutdown cancels all workers and waits for them to exit. Rows keep their
// states; Startup after the next boot picks them back up.
func (p *Publisher) Shutdown() {
	if p.closed.Swap(true) {
		return
	}
	p.cancel()
	p.wg.Wait()
	log.Info(log.CatOutbox, "outbox stopped")
}

// PendingCount returns the number of undelivered rows for an adapter.
func (p *Publisher) PendingCount(adapter string) (int, error) {
	return p.outbox.PendingCount(adapter)
}

// WorkerCount returns the number of running per-adapter workers.
func (p *Publisher) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// release removes a drained worker from the map. The pending re-check runs
// under the map lock so a publish that just saw this worker registered cannot
// be stranded by its exit. Returns true when the worker should exit.
func (p *Publisher) release(adapter string, w *worker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := p.outbox.PendingCount(adapter)
	if err != nil {
		log.ErrorErr(log.CatOutbox, "pending re-check failed, worker exiting", err,
			"adapter", adapter)
	}
	if err == nil && n > 0 && !p.closed.Load() {
		return false
	}
	if p.workers[adapter] == w {
		delete(p.workers, adapter)
	}
	return true
}

// remove drops the worker from the map if it is still the registered one.
func (p *Publisher) remove(adapter string, w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers[adapter] == w {
		delete(p.workers, adapter)
	}
}
