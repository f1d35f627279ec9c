package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"teleclaude/internal/controlplane"
	"teleclaude/internal/domain"
	"teleclaude/internal/infrastructure/sqlite"
	"teleclaude/internal/log"
	"teleclaude/internal/pubsub"
	"teleclaude/internal/sessions"
	"teleclaude/internal/todos"
)

// apiOrigin marks rows and envelopes produced by control-plane calls.
const apiOrigin = "api"

// notFound rewraps store sentinels into the control plane's 404 sentinel so
// the HTTP layer can branch without importing the store.
func notFound(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sqlite.ErrSessionNotFound),
		errors.Is(err, sqlite.ErrComputerNotFound),
		errors.Is(err, sqlite.ErrProjectNotFound),
		errors.Is(err, sqlite.ErrChannelNotFound),
		errors.Is(err, sqlite.ErrEnvelopeNotFound),
		errors.Is(err, todos.ErrTodoNotFound):
		return fmt.Errorf("%w: %s", controlplane.ErrNotFound, err)
	}
	return err
}

// === Sessions ===

func (o *Orchestrator) ListSessions(state string) ([]*domain.Session, error) {
	filter := sqlite.SessionFilter{}
	if state != "" {
		s := domain.SessionState(state)
		if !s.IsValid() {
			return nil, domain.NewContractError("list_sessions", "invalid state %q", state)
		}
		filter.State = s
		filter.IncludeClosed = true
	}
	return o.registry.List(filter)
}

func (o *Orchestrator) GetSession(sessionID string) (*domain.Session, error) {
	sess, err := o.registry.Get(sessionID)
	return sess, notFound(err)
}

func (o *Orchestrator) CreateSession(ctx context.Context, p sessions.CreateParams) (*domain.Session, error) {
	return o.sessions.Create(ctx, p)
}

func (o *Orchestrator) SendMessage(ctx context.Context, msg *domain.InboundMessage) (int64, bool, error) {
	id, created, err := o.queue.Enqueue(ctx, msg)
	return id, created, notFound(err)
}

func (o *Orchestrator) RunCommand(ctx context.Context, sessionID string, keys []string) error {
	_, _, err := o.queue.Enqueue(ctx, &domain.InboundMessage{
		SessionID: sessionID,
		Origin:    apiOrigin,
		Type:      domain.MessageTypeKeys,
		Content:   strings.Join(keys, " "),
	})
	return notFound(err)
}

// EndSession closes the session and expires whatever its queue still holds.
// Closing first means no new rows slip in behind the expiry.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID, reason string) error {
	if err := o.sessions.Close(ctx, sessionID, reason); err != nil {
		return notFound(err)
	}
	expired, err := o.queue.ExpireSession(sessionID, "session closed: "+reason)
	if err != nil {
		return err
	}
	if expired > 0 {
		log.Info(log.CatDaemon, "expired pending rows on session end",
			"sessionID", sessionID, "count", expired)
	}
	return nil
}

// Unsubscribe sets the adapter's opt-out flag in its metadata slice. Other
// fields in the slice (message refs) are preserved.
func (o *Orchestrator) Unsubscribe(sessionID, adapter string) error {
	if _, ok := o.adapters.Get(adapter); !ok {
		return domain.NewContractError("unsubscribe", "unknown adapter %q", adapter)
	}
	sess, err := o.registry.Fresh(sessionID)
	if err != nil {
		return notFound(err)
	}

	meta := map[string]any{}
	if raw := sess.MetadataFor(adapter); len(raw) > 0 {
		if err := json.Unmarshal(raw, &meta); err != nil {
			meta = map[string]any{}
		}
	}
	meta["unsubscribed"] = true
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding adapter metadata: %w", err)
	}
	return o.registry.UpdateAdapterMetadata(sessionID, adapter, raw, o.clk.Now())
}

// AttachFile drops the file into the session's directory and enqueues a file
// message pointing at it, so delivery follows the same FIFO as text.
func (o *Orchestrator) AttachFile(ctx context.Context, sessionID, filename, caption string, content []byte) error {
	if _, err := o.registry.Get(sessionID); err != nil {
		return notFound(err)
	}
	name := filepath.Base(filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return domain.NewContractError("attach_file", "invalid filename %q", filename)
	}

	dir := filepath.Join(o.cfg.SessionSinkDir(sessionID), "files")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return domain.Transient("attach_file", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return domain.Transient("attach_file", err)
	}

	text := "file attached: " + path
	if caption != "" {
		text += "\n" + caption
	}
	payload, _ := json.Marshal(map[string]string{"path": path, "file_name": name})
	_, _, err := o.queue.Enqueue(ctx, &domain.InboundMessage{
		SessionID: sessionID,
		Origin:    apiOrigin,
		Type:      domain.MessageTypeFile,
		Content:   text,
		Payload:   payload,
	})
	return notFound(err)
}

// RefreshWidget publishes a status-card envelope for the session. The group
// key folds repeated refreshes into one visible notification row, and the
// adapters edit their posted card in place.
func (o *Orchestrator) RefreshWidget(ctx context.Context, sessionID string) error {
	sess, err := o.registry.Fresh(sessionID)
	if err != nil {
		return notFound(err)
	}
	depth, err := o.queue.PendingCount(sessionID)
	if err != nil {
		return err
	}

	now := o.clk.Now()
	env, err := domain.NewEnvelope(domain.EventSessionWidget, domain.WidgetUpdate{
		SessionID:    sessionID,
		Text:         sess.Title,
		State:        string(sess.State),
		QueueDepth:   depth,
		LastActivity: sess.LastActivityAt.UnixMilli(),
		RefreshedAt:  now.UnixMilli(),
	}, now)
	if err != nil {
		return err
	}
	env.WithGroup("widget:" + sessionID).WithProducer(apiOrigin)
	return o.Publish(ctx, env)
}

func (o *Orchestrator) Escalate(ctx context.Context, esc domain.Escalation) error {
	if _, err := o.registry.Get(esc.SessionID); err != nil {
		return notFound(err)
	}
	env, err := domain.NewEnvelope(domain.EventAgentEscalated, esc, o.clk.Now())
	if err != nil {
		return err
	}
	env.WithGroup("escalation:" + esc.SessionID).WithProducer(apiOrigin)
	return o.Publish(ctx, env)
}

func (o *Orchestrator) SessionResult(ctx context.Context, sessionID string) (string, error) {
	out, err := o.sessions.Output(ctx, sessionID)
	return out, notFound(err)
}

func (o *Orchestrator) Events(ctx context.Context) <-chan pubsub.Event[*domain.EventEnvelope] {
	return o.broker.Subscribe(ctx)
}

// === Todos ===

func (o *Orchestrator) ListTodos() ([]*todos.State, error) {
	return o.catalog.List()
}

func (o *Orchestrator) TodoPrepare(ctx context.Context, id, title string) (*todos.State, error) {
	if _, err := o.catalog.Ensure(id, title); err != nil {
		return nil, err
	}
	return o.markPhase(ctx, id, todos.PhasePrepare, apiOrigin)
}

func (o *Orchestrator) TodoWork(ctx context.Context, id string) (*todos.State, error) {
	return o.markPhase(ctx, id, todos.PhaseWork, apiOrigin)
}

func (o *Orchestrator) TodoMaintain(ctx context.Context, id string) (*todos.State, error) {
	return o.markPhase(ctx, id, todos.PhaseMaintain, apiOrigin)
}

func (o *Orchestrator) TodoMarkPhase(ctx context.Context, id, phase, by string) (*todos.State, error) {
	p := todos.Phase(phase)
	if !p.IsValid() {
		return nil, domain.NewContractError("todo_phase", "invalid phase %q", phase)
	}
	return o.markPhase(ctx, id, p, by)
}

func (o *Orchestrator) markPhase(ctx context.Context, id string, phase todos.Phase, by string) (*todos.State, error) {
	st, err := o.catalog.SetPhase(id, phase)
	if err != nil {
		return nil, notFound(err)
	}
	env, err := domain.NewEnvelope(domain.EventTodoPhaseMarked, domain.TodoPhaseMarked{
		TodoID: id,
		Phase:  string(phase),
		By:     by,
	}, o.clk.Now())
	if err != nil {
		return st, err
	}
	env.WithGroup("todo:" + id).WithProducer(apiOrigin)
	if err := o.Publish(ctx, env); err != nil {
		log.ErrorErr(log.CatDaemon, "phase mark publish failed", err, "todo", id)
	}
	return st, nil
}

func (o *Orchestrator) TodoSetDeps(ctx context.Context, id string, deps []string) (*todos.State, error) {
	st, err := o.catalog.SetDeps(id, deps)
	if err != nil {
		return nil, notFound(err)
	}
	env, err := domain.NewEnvelope(domain.EventTodoDepsSet, domain.TodoDepsSet{
		TodoID: id,
		Deps:   deps,
	}, o.clk.Now())
	if err != nil {
		return st, err
	}
	env.WithGroup("todo:" + id).WithProducer(apiOrigin)
	if err := o.Publish(ctx, env); err != nil {
		log.ErrorErr(log.CatDaemon, "deps publish failed", err, "todo", id)
	}
	return st, nil
}

// === Directory ===

func (o *Orchestrator) ListComputers() ([]*domain.Computer, error) {
	return o.db.Directory().ListComputers()
}

func (o *Orchestrator) RegisterComputer(_ context.Context, name, address string) (*domain.Computer, error) {
	if name == "" {
		return nil, domain.NewContractError("register_computer", "name is required")
	}
	if err := o.db.Directory().UpsertComputer(name, address, o.clk.Now()); err != nil {
		return nil, err
	}
	computers, err := o.db.Directory().ListComputers()
	if err != nil {
		return nil, err
	}
	for _, c := range computers {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("computer %s vanished after upsert", name)
}

func (o *Orchestrator) ListProjects(computer string) ([]*domain.Project, error) {
	return o.db.Directory().ListProjects(computer)
}

func (o *Orchestrator) UpsertProject(_ context.Context, computer, name, path string) (*domain.Project, error) {
	if computer == "" {
		computer = o.cfg.ComputerName
	}
	if name == "" || path == "" {
		return nil, domain.NewContractError("upsert_project", "name and path are required")
	}
	if err := o.db.Directory().UpsertProject(computer, name, path, o.clk.Now()); err != nil {
		return nil, err
	}
	proj, err := o.db.Directory().GetProject(computer, name)
	return proj, notFound(err)
}

func (o *Orchestrator) ListChannels() ([]*domain.Channel, error) {
	return o.db.Directory().ListChannels()
}

func (o *Orchestrator) ChannelPublish(ctx context.Context, channel, sender, text string) error {
	if text == "" {
		return domain.NewContractError("channel_publish", "text is required")
	}
	if _, err := o.db.Directory().GetChannel(channel); err != nil {
		return notFound(err)
	}
	env, err := domain.NewEnvelope(domain.EventChannelPublished, domain.ChannelPost{
		Channel: channel,
		Text:    text,
		Sender:  sender,
	}, o.clk.Now())
	if err != nil {
		return err
	}
	env.WithProducer(apiOrigin)
	return o.Publish(ctx, env)
}

// === Agents ===

func (o *Orchestrator) AgentStatus(ctx context.Context, update domain.AgentStatusUpdate) error {
	if _, err := o.registry.Get(update.SessionID); err != nil {
		return notFound(err)
	}
	now := o.clk.Now()
	if err := o.registry.UpdateActivity(update.SessionID, apiOrigin, now); err != nil {
		log.ErrorErr(log.CatDaemon, "activity update on status failed", err,
			"sessionID", update.SessionID)
	}
	env, err := domain.NewEnvelope(domain.EventAgentStatus, update, now)
	if err != nil {
		return err
	}
	env.WithGroup("agent:" + update.SessionID).WithProducer(apiOrigin)
	return o.Publish(ctx, env)
}

func (o *Orchestrator) Availability() (*controlplane.Availability, error) {
	computers, err := o.db.Directory().ListComputers()
	if err != nil {
		return nil, err
	}
	live, err := o.registry.List(sqlite.SessionFilter{})
	if err != nil {
		return nil, err
	}

	agents := make([]controlplane.AgentAvailability, 0, len(live))
	for _, sess := range live {
		depth, err := o.queue.PendingCount(sess.SessionID)
		if err != nil {
			log.ErrorErr(log.CatDaemon, "pending count failed", err,
				"sessionID", sess.SessionID)
		}
		agents = append(agents, controlplane.AgentAvailability{
			SessionID:      sess.SessionID,
			Computer:       sess.Computer,
			Title:          sess.Title,
			SystemRole:     string(sess.SystemRole),
			State:          string(sess.State),
			QueueDepth:     depth,
			LastActivityAt: sess.LastActivityAt,
		})
	}
	return &controlplane.Availability{Computers: computers, Agents: agents}, nil
}

// === Context ===

func (o *Orchestrator) ContextQuery(prefix string, since time.Time, limit int) ([]*domain.EventEnvelope, error) {
	return o.db.Envelopes().Query(prefix, since, limit)
}

func (o *Orchestrator) ContextHelp() string {
	return strings.TrimSpace(`
Event log query. Filter by type prefix and production time.

Prefixes:
  domain.session.   lifecycle, output, and widget events
  domain.message.   delivery failures
  domain.agent.     escalations and status updates
  domain.todo.      plan, phase, and dependency marks
  domain.channel.   channel publishes
  domain.deploy.    deploy requests

Parameters:
  prefix   event type prefix, empty matches everything
  since    RFC3339 lower bound on produced_at
  limit    row cap, newest first
`)
}

// === Deploy ===

func (o *Orchestrator) Deploy(ctx context.Context, req domain.DeployRequest) error {
	env, err := domain.NewEnvelope(domain.EventDeployRequested, req, o.clk.Now())
	if err != nil {
		return err
	}
	env.WithGroup("deploy:" + req.Target).WithProducer(apiOrigin)
	return o.Publish(ctx, env)
}
