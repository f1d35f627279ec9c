// Package orchestrator wires the daemon's components together and implements
// the backend the control plane calls into. It owns the cleanup loops that
// no single component can run for itself: terminal-row retention and the
// computer heartbeat.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"teleclaude/internal/adapters"
	"teleclaude/internal/clock"
	"teleclaude/internal/config"
	"teleclaude/internal/domain"
	"teleclaude/internal/infrastructure/sqlite"
	"teleclaude/internal/log"
	"teleclaude/internal/mux"
	"teleclaude/internal/outbox"
	"teleclaude/internal/persist"
	"teleclaude/internal/pipeline"
	"teleclaude/internal/pubsub"
	"teleclaude/internal/queue"
	"teleclaude/internal/sessions"
	"teleclaude/internal/todos"
)

// retentionEvery is how often the retention sweep runs.
const retentionEvery = time.Hour

// heartbeatEvery is how often this daemon refreshes its directory row.
const heartbeatEvery = time.Minute

// Orchestrator is the daemon's composition root. Construction wires every
// component over the shared store; Start brings them up in dependency order
// and Shutdown tears them down in reverse.
type Orchestrator struct {
	cfg       config.Config
	db        *sqlite.DB
	clk       clock.Clock
	registry  *sessions.Registry
	observers *sessions.ObserverManager
	sessions  *sessions.Service
	queue     *queue.Service
	adapters  *adapters.Registry
	fanout    *adapters.Fanout
	publisher *outbox.Publisher
	pipe      *pipeline.Pipeline
	catalog   *todos.Catalog
	host      *persist.Host
	broker    *pubsub.Broker[*domain.EventEnvelope]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires an orchestrator over an open store and a multiplexer client.
// Adapters register through Adapters() before Start; the queue they enqueue
// into is available through Queue().
func New(cfg config.Config, db *sqlite.DB, muxClient mux.Client, clk clock.Clock) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		db:      db,
		clk:     clk,
		broker:  pubsub.NewBroker[*domain.EventEnvelope](),
		catalog: todos.NewCatalog(cfg.CatalogDirOrDefault(), clk),
		host:    persist.NewHost(cfg.StateDir),
	}

	o.adapters = adapters.NewRegistry()
	o.registry = sessions.NewRegistry(db.Sessions())
	o.fanout = adapters.NewFanout(o.adapters, o.registry)
	o.observers = sessions.NewObserverManager(cfg, muxClient, clk, o.Publish)
	o.sessions = sessions.NewService(cfg, o.registry, muxClient, clk, o.observers, o.Publish)

	cartridges := []pipeline.Cartridge{}
	if dedup, err := pipeline.NewDedup(db.Envelopes()); err == nil {
		cartridges = append(cartridges, dedup)
	} else {
		log.ErrorErr(log.CatDaemon, "dedup cartridge unavailable", err)
	}
	cartridges = append(cartridges, pipeline.NewProjector(db.Notifications(), clk))
	if cfg.PrepareQuality.Enabled {
		cartridges = append(cartridges, pipeline.NewPrepareQuality(
			cfg.PrepareQuality, cfg.ReportDirOrDefault(), o.catalog, db.Notifications(), clk))
	}
	o.pipe = pipeline.New(clk, cartridges...)

	o.publisher = outbox.NewPublisher(cfg, db.Outbox(), db.Envelopes(), o.registry, db.Directory(), o.fanout, o.pipe, clk)
	o.queue = queue.NewService(cfg, db.Inbound(), o.sessions, o.fanout, clk,
		o.fanout.Typing, o.Publish, queue.NewCommandTranscriber(cfg))

	o.host.Register(o.observers)
	return o
}

// Queue exposes the inbound queue for adapters to enqueue into.
func (o *Orchestrator) Queue() *queue.Service { return o.queue }

// Adapters exposes the adapter registry for boot-time registration.
func (o *Orchestrator) Adapters() *adapters.Registry { return o.adapters }

// Sessions exposes the session service.
func (o *Orchestrator) Sessions() *sessions.Service { return o.sessions }

// Publish hands an envelope to the outbound pipeline and mirrors delivered
// envelopes onto the in-process broker the SSE tails subscribe to. This is
// the PublishFunc every producing component is wired with.
func (o *Orchestrator) Publish(ctx context.Context, env *domain.EventEnvelope) error {
	if err := o.publisher.Publish(ctx, env); err != nil {
		return err
	}
	o.broker.Publish(pubsub.EventType(env.Type), env)
	return nil
}

// Start brings the daemon up: restore persisted component state, hydrate the
// registry, install the guard shim, announce this computer and its
// configured peers, resume both queues, connect the adapters, and spawn the
// cleanup loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.host.Restore(); err != nil {
		log.Warn(log.CatDaemon, "persisted state restore failed, starting fresh", "error", err)
	}
	if err := o.registry.Hydrate(); err != nil {
		return fmt.Errorf("hydrating session registry: %w", err)
	}
	if _, err := mux.InstallGuard(o.cfg.GuardDirOrDefault()); err != nil {
		return fmt.Errorf("installing guard shim: %w", err)
	}
	if err := o.db.Directory().UpsertComputer(o.cfg.ComputerName, o.cfg.Peer.ListenAddr, o.clk.Now()); err != nil {
		return fmt.Errorf("registering this computer: %w", err)
	}
	for _, p := range o.cfg.Peer.Peers {
		if err := o.db.Directory().UpsertComputer(p.Name, p.Address, o.clk.Now()); err != nil {
			return fmt.Errorf("seeding peer %s: %w", p.Name, err)
		}
	}

	if err := o.queue.Startup(); err != nil {
		return fmt.Errorf("resuming inbound queue: %w", err)
	}
	if err := o.publisher.Startup(); err != nil {
		return fmt.Errorf("resuming outbox: %w", err)
	}
	if err := o.adapters.StartAll(ctx); err != nil {
		return fmt.Errorf("starting adapters: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.wg.Add(2)
	log.SafeGo("retention-sweep", func() { o.retentionLoop(loopCtx) })
	log.SafeGo("computer-heartbeat", func() { o.heartbeatLoop(loopCtx) })

	log.Info(log.CatDaemon, "orchestrator started",
		"computer", o.cfg.ComputerName,
		"adapters", o.adapters.Names())
	return nil
}

// Shutdown stops the loops and drains the components in reverse order of
// Start. Observer offsets and other persistable state are saved last so a
// restart resumes where this run left off.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.cancel != nil {
		o.cancel()
	}
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	o.adapters.StopAll()
	o.queue.Shutdown()
	o.publisher.Shutdown()
	o.observers.StopAll()
	o.broker.Close()

	var errs []error
	if err := o.host.Save(); err != nil {
		errs = append(errs, fmt.Errorf("saving persisted state: %w", err))
	}
	return errors.Join(errs...)
}

// retentionLoop sweeps terminal queue rows, aged envelopes, and resolved
// notifications on a fixed cadence. Envelopes referenced by an open
// notification survive the sweep regardless of age.
func (o *Orchestrator) retentionLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(retentionEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweep()
		}
	}
}

func (o *Orchestrator) sweep() {
	cutoff := o.clk.Now().Add(-o.cfg.Queue.Retention)

	inbound, err := o.db.Inbound().DeleteTerminalBefore(cutoff)
	if err != nil {
		log.ErrorErr(log.CatDaemon, "inbound retention sweep failed", err)
	}
	outRows, err := o.db.Outbox().DeleteTerminalBefore(cutoff)
	if err != nil {
		log.ErrorErr(log.CatDaemon, "outbox retention sweep failed", err)
	}
	notifications, err := o.db.Notifications().DeleteResolvedBefore(cutoff)
	if err != nil {
		log.ErrorErr(log.CatDaemon, "notification retention sweep failed", err)
	}
	envelopes, err := o.db.Envelopes().DeleteBefore(cutoff)
	if err != nil {
		log.ErrorErr(log.CatDaemon, "envelope retention sweep failed", err)
	}

	if inbound+outRows+envelopes+notifications > 0 {
		log.Info(log.CatDaemon, "retention sweep",
			"inbound", inbound,
			"outbox", outRows,
			"envelopes", envelopes,
			"notifications", notifications,
			"cutoff", cutoff)
	}
}

// heartbeatLoop keeps this computer's last_seen_at current so peers can tell
// a live daemon from a stale directory row.
func (o *Orchestrator) heartbeatLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.db.Directory().TouchComputer(o.cfg.ComputerName, o.clk.Now()); err != nil {
				log.ErrorErr(log.CatDaemon, "computer heartbeat failed", err)
			}
		}
	}
}
